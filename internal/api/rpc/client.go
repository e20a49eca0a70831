package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls minidiff.v1.Diffractometer over an existing connection.
type Client struct {
	cc    grpc.ClientConnInterface
	token string
}

// NewClient returns a client. A non-empty token is sent as a bearer
// authorization header on every call.
func NewClient(cc grpc.ClientConnInterface, token string) *Client {
	return &Client{cc: cc, token: token}
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
}

func (c *Client) GetStatus(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(c.outgoing(ctx), getStatusMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// EventReceiver yields the events of a StreamEvents call.
type EventReceiver struct {
	stream grpc.ClientStream
}

func (r *EventReceiver) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := r.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// StreamEvents opens the event stream. Cancel ctx to end it.
func (c *Client) StreamEvents(ctx context.Context, opts ...grpc.CallOption) (*EventReceiver, error) {
	stream, err := c.cc.NewStream(c.outgoing(ctx), &diffractometerServiceDesc.Streams[0], streamEventsMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventReceiver{stream: stream}, nil
}
