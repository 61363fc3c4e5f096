package visualiser

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/lericson/oblam-deskew/internal/wire"
)

const (
	serviceName      = "deskew.v1.CloudStream"
	subscribeMethod  = "/" + serviceName + "/Subscribe"
	maxGRPCMsgSize   = 16 * 1024 * 1024
	defaultClientBuf = 64
)

// CloudStreamServer is the server side of the CloudStream service. The
// request carries a topic filter (empty for every topic); each response is
// one encoded output_chunk envelope.
type CloudStreamServer interface {
	Subscribe(req *wrapperspb.StringValue, stream grpc.ServerStream) error
}

var cloudStreamDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CloudStreamServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "deskew/v1/cloud_stream.proto",
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(CloudStreamServer).Subscribe(req, stream)
}

// Client subscribes to a CloudStream server.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Subscription is an open server stream.
type Subscription struct {
	stream grpc.ClientStream
}

// Subscribe opens a stream of output chunks for topic, or for every topic
// when topic is empty.
func (c *Client) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	stream, err := c.cc.NewStream(ctx, &cloudStreamDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(wrapperspb.String(topic)); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Subscription{stream: stream}, nil
}

// Recv blocks for the next chunk. It returns io.EOF when the server ends the
// stream.
func (s *Subscription) Recv() (wire.OutputChunk, error) {
	var m wrapperspb.BytesValue
	if err := s.stream.RecvMsg(&m); err != nil {
		return wire.OutputChunk{}, err
	}
	msg, err := wire.Decode(m.GetValue())
	if err != nil {
		return wire.OutputChunk{}, err
	}
	if msg.Kind != wire.KindOutputChunk {
		return wire.OutputChunk{}, fmt.Errorf("%w: expected output_chunk, got %s", wire.ErrMalformed, msg.Kind)
	}
	return *msg.Output, nil
}
