package syncer

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// recordingReceiver keeps every update it is handed.
type recordingReceiver struct {
	mu      sync.Mutex
	updates []*SyncMessage
}

func (r *recordingReceiver) Update(m *SyncMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, m)
}

func (r *recordingReceiver) all() []*SyncMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*SyncMessage(nil), r.updates...)
}

// latest returns the newest version seen from node, 0 if none.
func (r *recordingReceiver) latest(node string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var v uint64
	for _, m := range r.updates {
		if m.NodeID == node && m.Version > v {
			v = m.Version
		}
	}
	return v
}

// versionReporter reports a payload whenever its version moves past the
// syncer's.
type versionReporter struct {
	mu      sync.Mutex
	version uint64
	payload []byte
}

func (r *versionReporter) set(version uint64, payload string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = version
	r.payload = []byte(payload)
}

func (r *versionReporter) Snapshot(current uint64) (*SyncMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.version <= current {
		return nil, false
	}
	return &SyncMessage{Version: r.version, Type: Snapshot, Payload: r.payload}, true
}

// fakeStream is an in-memory Stream. Sends block until release is called
// when gated is set.
type fakeStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan *SyncMessages

	gated   bool
	sending chan struct{}
	release chan struct{}

	mu   sync.Mutex
	sent [][]*SyncMessage
}

func newFakeStream(t *testing.T, gated bool) *fakeStream {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &fakeStream{
		ctx:     ctx,
		cancel:  cancel,
		inbox:   make(chan *SyncMessages, 16),
		gated:   gated,
		sending: make(chan struct{}, 16),
		release: make(chan struct{}, 16),
	}
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func (f *fakeStream) Send(b *SyncMessages) error {
	f.mu.Lock()
	f.sent = append(f.sent, append([]*SyncMessage(nil), b.Messages...))
	f.mu.Unlock()
	if f.gated {
		f.sending <- struct{}{}
		select {
		case <-f.release:
		case <-f.ctx.Done():
			return f.ctx.Err()
		}
	}
	return nil
}

func (f *fakeStream) Recv() (*SyncMessages, error) {
	select {
	case b, ok := <-f.inbox:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-f.ctx.Done():
		return nil, f.ctx.Err()
	}
}

func (f *fakeStream) batches() [][]*SyncMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]*SyncMessage(nil), f.sent...)
}

func (f *fakeStream) versionsOf(node string) []uint64 {
	var out []uint64
	for _, b := range f.batches() {
		for _, m := range b {
			if m.NodeID == node {
				out = append(out, m.Version)
			}
		}
	}
	return out
}

// attach registers a follower session driven by stream without going
// through gRPC.
func attach(t *testing.T, s *Syncer, peer string, stream Stream) *Connection {
	t.Helper()
	c := newConnection(s, RoleAcceptor, stream, nil)
	c.established(peer)
	require.NoError(t, s.exec.Do(context.Background(), func() { s.addFollower(c) }))
	c.start()
	return c
}

// barrier returns once everything posted to s before the call has run.
func barrier(t *testing.T, s *Syncer) {
	t.Helper()
	require.NoError(t, s.exec.Do(context.Background(), func() {}))
}

// startSyncer registers rep and rec for ResourceManager and starts a syncer.
func startSyncer(t *testing.T, id string, rep Reporter, rec Receiver, opts ...Option) *Syncer {
	t.Helper()
	s := New(id, opts...)
	require.NoError(t, s.Register(ResourceManager, rep, rec))
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func viewVersion(t *testing.T, s *Syncer, node string) uint64 {
	t.Helper()
	view, err := s.ClusterView(context.Background())
	require.NoError(t, err)
	if m := view[node][ResourceManager]; m != nil {
		return m.Version
	}
	return 0
}

// bufNetwork routes dials by address to in-memory listeners.
type bufNetwork struct {
	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
}

func newBufNetwork() *bufNetwork {
	return &bufNetwork{listeners: make(map[string]*bufconn.Listener)}
}

func (n *bufNetwork) dialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			n.mu.Lock()
			lis, ok := n.listeners[addr]
			n.mu.Unlock()
			if !ok {
				return nil, net.ErrClosed
			}
			return lis.DialContext(ctx)
		}),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.Config{BaseDelay: 10 * time.Millisecond, Multiplier: 1, MaxDelay: 50 * time.Millisecond},
			MinConnectTimeout: time.Second,
		}),
	}
}

func (n *bufNetwork) listen(addr string) *bufconn.Listener {
	lis := bufconn.Listen(1 << 20)
	n.mu.Lock()
	n.listeners[addr] = lis
	n.mu.Unlock()
	return lis
}

func newServer(t *testing.T) *grpc.Server {
	t.Helper()
	srv := grpc.NewServer()
	t.Cleanup(srv.Stop)
	return srv
}

// serve exposes s at addr and returns the server so a test can kill it.
func (n *bufNetwork) serve(t *testing.T, addr string, s *Syncer) *grpc.Server {
	t.Helper()
	lis := n.listen(addr)
	srv := newServer(t)
	RegisterSyncServiceServer(srv, s)
	go func() { _ = srv.Serve(lis) }()
	return srv
}

func (n *bufNetwork) target(addr string) string {
	return "passthrough:///" + addr
}

// rawStream opens a session without going through a Syncer.
func (n *bufNetwork) rawStream(t *testing.T, addr string, md metadata.MD) (ClientStream, context.CancelFunc) {
	t.Helper()
	cc, err := grpc.NewClient(n.target(addr), n.dialOptions()...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	if md != nil {
		ctx = metadata.NewOutgoingContext(ctx, md)
	}
	stream, err := NewSyncServiceClient(cc).StartSync(ctx)
	require.NoError(t, err)
	return stream, cancel
}
