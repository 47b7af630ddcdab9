package grpc

import (
	"context"
	"crypto/subtle"

	"github.com/dmitrijs2005/oauthproxy/internal/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// brokerSecretInterceptor admits only callers presenting the shared broker
// secret. With no secret configured every call is refused.
func (s *GRPCServer) brokerSecretInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {

	var presented string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		values := md.Get(common.BrokerSecretHeaderName)
		if len(values) > 0 {
			presented = values[0]
		}
	}
	if len(presented) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing broker secret")
	}
	if len(s.secret) == 0 || subtle.ConstantTimeCompare([]byte(presented), s.secret) != 1 {
		s.logger.Warn(ctx, "broker call rejected", "method", info.FullMethod)
		return nil, status.Error(codes.Unauthenticated, "invalid broker secret")
	}

	return handler(ctx, req)
}
