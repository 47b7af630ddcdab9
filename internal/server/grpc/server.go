// Package grpc serves the internal credential broker: resource handlers
// running elsewhere resolve proxy tokens and obtain fresh provider access
// tokens through it.
package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/oauthproxy/internal/logging"
	"github.com/dmitrijs2005/oauthproxy/internal/server/services"
	"google.golang.org/grpc"
)

type TokenResolver interface {
	ResolveProxyToken(ctx context.Context, token string) (string, error)
}

type AccessTokenSource interface {
	GetValidAccessToken(ctx context.Context, subjectID string) (*services.AccessGrant, error)
}

type GRPCServer struct {
	address     string
	tokens      TokenResolver
	credentials AccessTokenSource
	logger      logging.Logger
	secret      []byte
}

func NewGRPCServer(a string, l logging.Logger, tokens TokenResolver, creds AccessTokenSource, brokerSecret string) *GRPCServer {
	return &GRPCServer{
		address:     a,
		logger:      l.With("module", "grpc_server"),
		tokens:      tokens,
		credentials: creds,
		secret:      []byte(brokerSecret),
	}
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	return s.Serve(ctx, listen)
}

// Serve accepts connections on listen until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, listen net.Listener) error {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.brokerSecretInterceptor))

	RegisterCredentialBrokerServer(srv, s)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", listen.Addr().String())

	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}
