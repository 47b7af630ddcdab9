package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Service and method names of the credential broker. Messages are protobuf
// well-known types, so no generated code is needed on either side.
const (
	BrokerServiceName       = "oauthproxy.v1.CredentialBroker"
	ResolveProxyTokenMethod = "/" + BrokerServiceName + "/ResolveProxyToken"
	GetAccessTokenMethod    = "/" + BrokerServiceName + "/GetAccessToken"
)

// CredentialBrokerServer is implemented by GRPCServer.
type CredentialBrokerServer interface {
	// ResolveProxyToken maps a proxy token to its subject id.
	ResolveProxyToken(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	// GetAccessToken returns {access_token, expires_at, email} for a subject id.
	GetAccessToken(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

var BrokerServiceDesc = grpc.ServiceDesc{
	ServiceName: BrokerServiceName,
	HandlerType: (*CredentialBrokerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ResolveProxyToken", Handler: resolveProxyTokenHandler},
		{MethodName: "GetAccessToken", Handler: getAccessTokenHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "oauthproxy/v1/broker.proto",
}

func RegisterCredentialBrokerServer(s grpc.ServiceRegistrar, srv CredentialBrokerServer) {
	s.RegisterService(&BrokerServiceDesc, srv)
}

func resolveProxyTokenHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CredentialBrokerServer).ResolveProxyToken(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ResolveProxyTokenMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CredentialBrokerServer).ResolveProxyToken(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func getAccessTokenHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CredentialBrokerServer).GetAccessToken(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetAccessTokenMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CredentialBrokerServer).GetAccessToken(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// BrokerClient calls the broker over conn.
type BrokerClient struct {
	cc grpc.ClientConnInterface
}

func NewBrokerClient(cc grpc.ClientConnInterface) *BrokerClient {
	return &BrokerClient{cc: cc}
}

func (c *BrokerClient) ResolveProxyToken(ctx context.Context, token string, opts ...grpc.CallOption) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, ResolveProxyTokenMethod, wrapperspb.String(token), out, opts...); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *BrokerClient) GetAccessToken(ctx context.Context, subjectID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetAccessTokenMethod, wrapperspb.String(subjectID), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
