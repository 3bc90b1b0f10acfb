package syncer

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const (
	ServiceName = "raysync.RaySyncer"
	// StartSyncMethod is the full gRPC method name of the sync session.
	StartSyncMethod = "/raysync.RaySyncer/StartSync"

	// NodeIDMetadataKey carries each side's identity in the session
	// establishment metadata.
	NodeIDMetadataKey = "node_id"
)

// Stream is the part of a bidirectional sync stream a Connection drives.
// Send and Recv may be called concurrently with each other, but neither
// concurrently with itself.
type Stream interface {
	Context() context.Context
	Send(*SyncMessages) error
	Recv() (*SyncMessages, error)
}

// ServerStream is the acceptor side of StartSync.
type ServerStream interface {
	Stream
	SendHeader(metadata.MD) error
}

// ClientStream is the initiator side of StartSync.
type ClientStream interface {
	Stream
	Header() (metadata.MD, error)
	CloseSend() error
}

// SyncServiceServer is implemented by Syncer.
type SyncServiceServer interface {
	StartSync(ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StartSync",
			Handler:       startSyncHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "raysync/syncer.proto",
}

// RegisterSyncServiceServer exposes srv on s.
func RegisterSyncServiceServer(s grpc.ServiceRegistrar, srv SyncServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

func startSyncHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SyncServiceServer).StartSync(&serverStream{stream})
}

type serverStream struct {
	grpc.ServerStream
}

func (s *serverStream) Send(b *SyncMessages) error {
	return s.ServerStream.SendMsg(b)
}

func (s *serverStream) Recv() (*SyncMessages, error) {
	b := new(SyncMessages)
	if err := s.ServerStream.RecvMsg(b); err != nil {
		return nil, err
	}
	return b, nil
}

// SyncServiceClient opens sync sessions on a client connection.
type SyncServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewSyncServiceClient(cc grpc.ClientConnInterface) *SyncServiceClient {
	return &SyncServiceClient{cc: cc}
}

// StartSync opens a session. The stream is encoded with the raysync codec
// regardless of the connection's default codec.
func (c *SyncServiceClient) StartSync(ctx context.Context, opts ...grpc.CallOption) (ClientStream, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], StartSyncMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &clientStream{stream}, nil
}

type clientStream struct {
	grpc.ClientStream
}

func (s *clientStream) Send(b *SyncMessages) error {
	return s.ClientStream.SendMsg(b)
}

func (s *clientStream) Recv() (*SyncMessages, error) {
	b := new(SyncMessages)
	if err := s.ClientStream.RecvMsg(b); err != nil {
		return nil, err
	}
	return b, nil
}
