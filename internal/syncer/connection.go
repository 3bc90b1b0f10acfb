package syncer

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	serrors "github.com/23skdu/raysync/internal/errors"
	"github.com/23skdu/raysync/internal/metrics"
)

// Role selects the handshake direction and the failure response of a
// Connection. Everything else is shared.
type Role int

const (
	// RoleInitiator is the follower's single session to its leader.
	RoleInitiator Role = iota
	// RoleAcceptor is one of the leader's sessions from a follower.
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleAcceptor {
		return "acceptor"
	}
	return "initiator"
}

// State is the lifecycle position of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type slotKey struct {
	node      string
	component ComponentID
}

// Connection is one peer session. Its suppression table and outbound queue
// are owned by the syncer's execution context; the read and write goroutines
// only touch the stream and hand results back through that context.
type Connection struct {
	syncer *Syncer
	role   Role
	stream Stream
	cancel context.CancelFunc
	logger zerolog.Logger

	peerID string
	state  atomic.Int32

	// Owned by the execution context.
	sent     map[string]*ComponentVersions
	outbound []*SyncMessage
	consumed int
	writing  bool
	scratch  SyncMessages
	seen     map[slotKey]struct{}

	sendCh chan *SyncMessages
	quit   chan struct{}
	done   chan struct{}
	err    error
	once   sync.Once
}

func newConnection(s *Syncer, role Role, stream Stream, cancel context.CancelFunc) *Connection {
	c := &Connection{
		syncer: s,
		role:   role,
		stream: stream,
		cancel: cancel,
		logger: s.logger.With().Str("role", role.String()).Logger(),
		sent:   make(map[string]*ComponentVersions),
		seen:   make(map[slotKey]struct{}),
		sendCh: make(chan *SyncMessages, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Connection) Role() Role { return c.role }

// PeerID is the identity the peer declared during the handshake.
func (c *Connection) PeerID() string { return c.peerID }

func (c *Connection) State() State { return State(c.state.Load()) }

// Done is closed once the connection reaches StateClosed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns why the connection closed, nil for a clean end of stream. Only
// meaningful after Done is closed.
func (c *Connection) Err() error { return c.err }

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// acceptHandshake reads the follower's identity from the request metadata and
// answers with our own in the response header.
func (c *Connection) acceptHandshake(ss ServerStream) error {
	c.setState(StateHandshaking)
	md, _ := metadata.FromIncomingContext(ss.Context())
	id, ok := nodeIDFrom(md)
	if !ok {
		metrics.SyncHandshakeFailuresTotal.WithLabelValues(c.role.String()).Inc()
		return serrors.WrapHandshakeError(ErrMissingNodeID, "accept", "follower did not declare its identity")
	}
	if err := ss.SendHeader(metadata.Pairs(NodeIDMetadataKey, c.syncer.nodeID)); err != nil {
		return serrors.WrapTransportError(err, "accept", "send session header").WithContext("peer_id", id)
	}
	c.established(id)
	return nil
}

// initiateHandshake waits for the leader's response header and reads its
// identity from it.
func (c *Connection) initiateHandshake(cs ClientStream) error {
	c.setState(StateHandshaking)
	md, err := cs.Header()
	if err == nil && md == nil {
		// The stream ended before any header arrived; Recv carries its status.
		if _, rerr := cs.Recv(); rerr != nil && !errors.Is(rerr, io.EOF) {
			err = rerr
		}
	}
	if err != nil {
		if status.Code(err) == codes.InvalidArgument {
			return serrors.WrapHandshakeError(err, "initiate", "leader rejected the session")
		}
		return serrors.WrapTransportError(err, "initiate", "read session header")
	}
	id, ok := nodeIDFrom(md)
	if !ok {
		metrics.SyncHandshakeFailuresTotal.WithLabelValues(c.role.String()).Inc()
		return serrors.WrapHandshakeError(ErrMissingNodeID, "initiate", "leader did not declare its identity")
	}
	c.logger.Info().Str("leader_id", id).Msg("Start to follow leader")
	c.established(id)
	return nil
}

func nodeIDFrom(md metadata.MD) (string, bool) {
	ids := md.Get(NodeIDMetadataKey)
	if len(ids) == 0 || ids[0] == "" {
		return "", false
	}
	return ids[0], true
}

func (c *Connection) established(peerID string) {
	c.peerID = peerID
	c.logger = c.logger.With().Str("peer_id", peerID).Logger()
	c.setState(StateStreaming)
	metrics.SyncConnectionsActive.WithLabelValues(c.role.String()).Inc()
}

// start launches the read and write goroutines. Call it after the connection
// has been registered with the syncer.
func (c *Connection) start() {
	go c.readLoop()
	go c.writeLoop()
}

// readLoop hands every batch to the execution context and immediately posts
// the next read.
func (c *Connection) readLoop() {
	for {
		batch, err := c.stream.Recv()
		if err != nil {
			c.post(func() { c.fail(err) }, err)
			return
		}
		metrics.SyncBatchesTotal.WithLabelValues("received").Inc()
		metrics.SyncBatchMessagesTotal.WithLabelValues("received").Add(float64(len(batch.Messages)))
		if n := batch.Dropped(); n > 0 {
			metrics.SyncDecodeDroppedTotal.Add(float64(n))
			c.logger.Warn().Int("dropped", n).Msg("Dropped messages for unknown components")
		}
		if !c.post(func() { c.onRead(batch) }, ErrSyncerStopped) {
			return
		}
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case batch := <-c.sendCh:
			err := c.stream.Send(batch)
			if !c.post(func() { c.onWriteDone(err) }, ErrSyncerStopped) {
				return
			}
			if err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}

// post runs fn on the execution context. If the context is gone the
// connection is terminated with cause instead.
func (c *Connection) post(fn func(), cause error) bool {
	if c.syncer.exec.Post(fn) {
		return true
	}
	c.terminate(cause)
	return false
}

func (c *Connection) onRead(batch *SyncMessages) {
	if c.State() != StateStreaming {
		return
	}
	// The peer holds everything it sent us, so record it before merging;
	// the broadcast triggered by the merge must not echo it back.
	for _, m := range batch.Messages {
		v := c.versions(m.NodeID)
		if v[m.ComponentID] < m.Version {
			v[m.ComponentID] = m.Version
		}
	}
	c.syncer.applyBatch(batch.Messages)
}

// enqueue schedules m for this peer unless the peer already has that version
// or a newer one. Execution context only.
func (c *Connection) enqueue(m *SyncMessage) {
	if c.State() != StateStreaming {
		return
	}
	v := c.versions(m.NodeID)
	if v[m.ComponentID] >= m.Version {
		metrics.SyncSuppressedTotal.Inc()
		return
	}
	v[m.ComponentID] = m.Version
	c.outbound = append(c.outbound, m)
	metrics.SyncOutboundQueueDepth.WithLabelValues(c.peerID).Set(float64(len(c.outbound) - c.consumed))
	if !c.writing {
		c.sendNext()
	}
}

// Enqueue schedules m for this peer from any goroutine.
func (c *Connection) Enqueue(m *SyncMessage) {
	c.syncer.exec.Post(func() { c.enqueue(m) })
}

// sendNext drops the entries consumed by the previous write and, if anything
// is pending, coalesces it into the next batch.
func (c *Connection) sendNext() {
	n := copy(c.outbound, c.outbound[c.consumed:])
	clear(c.outbound[n:])
	c.outbound = c.outbound[:n]
	c.consumed = 0
	clear(c.scratch.Messages)
	c.scratch.Messages = c.scratch.Messages[:0]
	metrics.SyncOutboundQueueDepth.WithLabelValues(c.peerID).Set(float64(n))

	if n == 0 {
		c.writing = false
		return
	}

	// Newest first: a slot's latest snapshot supersedes every older one
	// still queued for it.
	clear(c.seen)
	for i := n - 1; i >= 0; i-- {
		m := c.outbound[i]
		key := slotKey{node: m.NodeID, component: m.ComponentID}
		if _, dup := c.seen[key]; dup {
			metrics.SyncCoalescedTotal.Inc()
			continue
		}
		c.seen[key] = struct{}{}
		c.scratch.Messages = append(c.scratch.Messages, m)
	}
	c.consumed = n
	c.writing = true
	metrics.SyncBatchSize.Observe(float64(len(c.scratch.Messages)))
	// sendCh is empty whenever writing was false.
	c.sendCh <- &c.scratch
}

func (c *Connection) onWriteDone(err error) {
	if err != nil {
		c.fail(err)
		return
	}
	metrics.SyncBatchesTotal.WithLabelValues("sent").Inc()
	metrics.SyncBatchMessagesTotal.WithLabelValues("sent").Add(float64(len(c.scratch.Messages)))
	if c.State() != StateStreaming {
		return
	}
	c.sendNext()
}

func (c *Connection) versions(node string) *ComponentVersions {
	v, ok := c.sent[node]
	if !ok {
		v = &ComponentVersions{}
		c.sent[node] = v
	}
	return v
}

// fail unregisters the connection from the syncer and closes it. Execution
// context only.
func (c *Connection) fail(err error) {
	if c.State() >= StateClosing {
		return
	}
	wasStreaming := c.State() == StateStreaming
	c.setState(StateClosing)

	ev := c.logger.Info()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, ErrSyncerStopped) && !errors.Is(err, ErrReplaced) {
		ev = c.logger.Warn().Err(err)
	}
	ev.Msg("Sync session closed")

	c.syncer.removeConnection(c)
	if wasStreaming {
		metrics.SyncConnectionsActive.WithLabelValues(c.role.String()).Dec()
	}
	metrics.SyncOutboundQueueDepth.DeleteLabelValues(c.peerID)
	c.terminate(err)
}

// terminate releases the stream. Safe from any goroutine.
func (c *Connection) terminate(err error) {
	c.once.Do(func() {
		metrics.SyncConnectionsClosedTotal.WithLabelValues(c.role.String(), closeReason(err)).Inc()
		if errors.Is(err, io.EOF) {
			err = nil
		}
		c.err = err
		close(c.quit)
		if c.cancel != nil {
			c.cancel()
		}
		c.setState(StateClosed)
		close(c.done)
	})
}

func closeReason(err error) string {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return "eof"
	case errors.Is(err, ErrReplaced):
		return "replaced"
	case errors.Is(err, ErrSyncerStopped):
		return "stopped"
	case serrors.IsType(err, serrors.ErrorTypeHandshake):
		return "handshake"
	default:
		return "error"
	}
}
