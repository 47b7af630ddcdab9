package grpc

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/common"
	"github.com/dmitrijs2005/oauthproxy/internal/cryptox"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func (s *GRPCServer) ResolveProxyToken(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}

	subjectID, err := s.tokens.ResolveProxyToken(ctx, req.GetValue())
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return wrapperspb.String(subjectID), nil
}

func (s *GRPCServer) GetAccessToken(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "subject id is required")
	}

	grant, err := s.credentials.GetValidAccessToken(ctx, req.GetValue())
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}

	fields := map[string]any{
		"access_token": grant.AccessToken,
		"email":        grant.Email,
		"expires_at":   "",
	}
	if !grant.Expiry.IsZero() {
		fields["expires_at"] = grant.Expiry.UTC().Format(time.RFC3339)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	return out, nil
}

func (s *GRPCServer) toStatus(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, common.ErrorNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, common.ErrReauthRequired):
		return status.Error(codes.FailedPrecondition, "reauthentication required")
	case errors.Is(err, common.ErrUpstreamTransient):
		return status.Error(codes.Unavailable, "upstream provider temporarily unavailable")
	case errors.Is(err, cryptox.ErrDecryption):
		s.logger.Error(ctx, "credential integrity failure", "error", err)
		return status.Error(codes.Internal, "integrity error")
	}
	s.logger.Error(ctx, err.Error())
	return status.Error(codes.Internal, "internal error")
}
