// Package adminapi describes the miniapp.admin.v1.Admin gRPC service. Its
// messages are protobuf well-known types, so the descriptor and client are
// declared here directly rather than generated.
package adminapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "miniapp.admin.v1.Admin"

	RotateWebhookTokenMethod = "/" + ServiceName + "/RotateWebhookToken"
	GetSessionMethod         = "/" + ServiceName + "/GetSession"

	// RotatedTokenTrailer carries the new token when a rotation was
	// published at the edge but could not be committed to the vault.
	RotatedTokenTrailer = "x-rotated-token"
)

// AdminServer is the server API for the Admin service.
type AdminServer interface {
	// RotateWebhookToken replaces the webhook secret and returns it.
	RotateWebhookToken(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	// GetSession looks a session up by its id.
	GetSession(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}

// AdminServiceDesc is the grpc.ServiceDesc for the Admin service.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RotateWebhookToken", Handler: rotateWebhookTokenHandler},
		{MethodName: "GetSession", Handler: getSessionHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "miniapp/admin/v1/admin.proto",
}

func rotateWebhookTokenHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).RotateWebhookToken(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RotateWebhookTokenMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).RotateWebhookToken(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).GetSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetSessionMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).GetSession(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// AdminClient is the client API for the Admin service.
type AdminClient interface {
	RotateWebhookToken(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	GetSession(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type adminClient struct {
	cc grpc.ClientConnInterface
}

// NewAdminClient returns a client bound to cc.
func NewAdminClient(cc grpc.ClientConnInterface) AdminClient {
	return &adminClient{cc: cc}
}

func (c *adminClient) RotateWebhookToken(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, RotateWebhookTokenMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *adminClient) GetSession(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetSessionMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
