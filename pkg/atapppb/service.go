package atapppb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// serviceName is the fully-qualified gRPC service name for the peer
// channel, hand-registered below in place of protoc-gen-go-grpc output.
const serviceName = "atapp.Transport"

// PeerChannelClient is the bidi-streaming client half of the peer
// channel: a persistent duplex stream of envelopes, shaped after a
// generated bidi-streaming gRPC client.
type PeerChannelClient interface {
	grpc.ClientStream
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
}

type peerChannelClientStream struct{ grpc.ClientStream }

func (s *peerChannelClientStream) Send(m *wrapperspb.BytesValue) error {
	return s.ClientStream.SendMsg(m)
}

func (s *peerChannelClientStream) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// PeerChannelServerStream is the server-side half of the same stream.
type PeerChannelServerStream interface {
	grpc.ServerStream
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
}

type peerChannelServerStream struct{ grpc.ServerStream }

func (s *peerChannelServerStream) Send(m *wrapperspb.BytesValue) error {
	return s.ServerStream.SendMsg(m)
}

func (s *peerChannelServerStream) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// TransportServer is implemented by whatever accepts inbound peer
// channels (internal/transport's gRPC transport).
type TransportServer interface {
	PeerChannel(PeerChannelServerStream) error
}

func transportPeerChannelHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(TransportServer).PeerChannel(&peerChannelServerStream{stream})
}

// ServiceDesc is the hand-built equivalent of what protoc-gen-go-grpc
// would emit for a single bidi-streaming RPC.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TransportServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "PeerChannel",
			Handler:       transportPeerChannelHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "atapp/transport.proto",
}

// RegisterTransportServer registers srv against a *grpc.Server.
func RegisterTransportServer(s grpc.ServiceRegistrar, srv TransportServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// TransportClient opens the peer channel from the dialing side.
type TransportClient interface {
	PeerChannel(ctx context.Context, opts ...grpc.CallOption) (PeerChannelClient, error)
}

type transportClient struct{ cc grpc.ClientConnInterface }

// NewTransportClient wraps a dialed connection as a TransportClient.
func NewTransportClient(cc grpc.ClientConnInterface) TransportClient {
	return &transportClient{cc: cc}
}

func (c *transportClient) PeerChannel(ctx context.Context, opts ...grpc.CallOption) (PeerChannelClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+serviceName+"/PeerChannel", opts...)
	if err != nil {
		return nil, err
	}
	return &peerChannelClientStream{stream}, nil
}
