package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/btmorr/leifraft/internal/wire"
)

// ServiceName is the gRPC service path every peer registers under.
const ServiceName = "leifraft.RaftTransport"

// RaftTransportServer is implemented by the per-node RPC receiver (see
// Server in server.go), which decodes the envelope and dispatches into
// C5/C7.
type RaftTransportServer interface {
	RequestVote(ctx context.Context, in *wire.Envelope) (*wire.Envelope, error)
	AppendEntries(ctx context.Context, in *wire.Envelope) (*wire.Envelope, error)
	Heartbeat(ctx context.Context, in *wire.Envelope) (*wire.Envelope, error)
	Handshake(ctx context.Context, in *wire.Envelope) (*wire.Envelope, error)
}

func methodHandler(method func(srv interface{}, ctx context.Context, in *wire.Envelope) (*wire.Envelope, error), name string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(wire.Envelope)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return method(srv, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return method(srv, ctx, req.(*wire.Envelope))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit for a four-unary-method RaftTransport service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RaftTransportServer)(nil),
	Methods: []grpc.MethodDesc{
		methodHandler(func(srv interface{}, ctx context.Context, in *wire.Envelope) (*wire.Envelope, error) {
			return srv.(RaftTransportServer).RequestVote(ctx, in)
		}, "RequestVote"),
		methodHandler(func(srv interface{}, ctx context.Context, in *wire.Envelope) (*wire.Envelope, error) {
			return srv.(RaftTransportServer).AppendEntries(ctx, in)
		}, "AppendEntries"),
		methodHandler(func(srv interface{}, ctx context.Context, in *wire.Envelope) (*wire.Envelope, error) {
			return srv.(RaftTransportServer).Heartbeat(ctx, in)
		}, "Heartbeat"),
		methodHandler(func(srv interface{}, ctx context.Context, in *wire.Envelope) (*wire.Envelope, error) {
			return srv.(RaftTransportServer).Handshake(ctx, in)
		}, "Handshake"),
	},
	Metadata: "internal/transport/service.proto",
}

// Client is the hand-written stub a protoc-gen-go-grpc client file would
// otherwise generate.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) call(ctx context.Context, method string, in *wire.Envelope) (*wire.Envelope, error) {
	out := new(wire.Envelope)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RequestVote(ctx context.Context, in *wire.Envelope) (*wire.Envelope, error) {
	return c.call(ctx, "RequestVote", in)
}

func (c *Client) AppendEntries(ctx context.Context, in *wire.Envelope) (*wire.Envelope, error) {
	return c.call(ctx, "AppendEntries", in)
}

func (c *Client) Heartbeat(ctx context.Context, in *wire.Envelope) (*wire.Envelope, error) {
	return c.call(ctx, "Heartbeat", in)
}

func (c *Client) Handshake(ctx context.Context, in *wire.Envelope) (*wire.Envelope, error) {
	return c.call(ctx, "Handshake", in)
}
