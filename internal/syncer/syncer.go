// Package syncer keeps a versioned view of every node's component state and
// spreads it over a star of gRPC streams: followers push their own state to a
// leader, and the leader relays everything it accepts to every other
// follower.
//
// All mutable state (the cluster view, the follower set and every
// connection's suppression table and outbound queue) is owned by a single
// execution context. Transport goroutines never touch it directly; they post
// their results onto that context.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/23skdu/raysync/internal/concurrency"
	serrors "github.com/23skdu/raysync/internal/errors"
	"github.com/23skdu/raysync/internal/metrics"
	"github.com/23skdu/raysync/internal/resilience"
)

var tracer = otel.Tracer("github.com/23skdu/raysync/internal/syncer")

type Option func(*Syncer)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// WithClock replaces the wall clock used for reconnect delays and snapshot
// ticks.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Syncer) {
		s.clock = clock
	}
}

// WithReconnectStrategy decides how the leader session is re-established
// after it fails.
func WithReconnectStrategy(strategy resilience.ReconnectStrategy) Option {
	return func(s *Syncer) {
		s.reconnect = strategy
	}
}

// WithDialOptions replaces the options used to dial the leader. The default
// is an insecure channel.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(s *Syncer) {
		s.dialOpts = opts
	}
}

// Syncer is the per-node coordinator.
type Syncer struct {
	nodeID    string
	logger    zerolog.Logger
	clock     clockwork.Clock
	reconnect resilience.ReconnectStrategy
	dialOpts  []grpc.DialOption
	exec      *concurrency.Executor

	// Written during setup only.
	reporters [NumComponents]Reporter
	receivers [NumComponents]Receiver

	// Owned by the execution context.
	view      map[string]*ComponentMessages
	followers map[string]*Connection
	leader    *Connection
	link      *leaderLink

	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	stopOnce sync.Once
	links    sync.WaitGroup
}

type leaderLink struct {
	address string
	cc      *grpc.ClientConn
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(nodeID string, opts ...Option) *Syncer {
	s := &Syncer{
		nodeID:    nodeID,
		logger:    zerolog.Nop(),
		clock:     clockwork.NewRealClock(),
		reconnect: resilience.DefaultExponentialBackoff(),
		dialOpts:  []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		exec:      concurrency.NewExecutor(),
		view:      make(map[string]*ComponentMessages),
		followers: make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "syncer").Str("node_id", nodeID).Logger()
	return s
}

func (s *Syncer) NodeID() string { return s.nodeID }

// Start runs the execution context. Cancelling ctx has the same effect as
// calling Stop.
func (s *Syncer) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.exec.Run(context.Background())
	go func() {
		<-s.ctx.Done()
		s.Stop()
	}()
	s.logger.Info().Msg("Syncer started")
}

// Stop closes every session, stops the leader link and then the execution
// context. Concurrent callers return once teardown has finished.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() {
		if !s.started.Load() {
			s.exec.Stop()
			return
		}
		s.cancel()
		_ = s.exec.Do(context.Background(), s.closeAll)
		s.links.Wait()
		s.exec.Stop()
		<-s.exec.Done()
		s.logger.Info().Msg("Syncer stopped")
	})
}

func (s *Syncer) closeAll() {
	for _, c := range s.followers {
		c.fail(ErrSyncerStopped)
	}
	if s.leader != nil {
		s.leader.fail(ErrSyncerStopped)
	}
	s.link = nil
}

// Register binds the local adapters of a component. Either may be nil. It
// must be called before Start.
func (s *Syncer) Register(component ComponentID, reporter Reporter, receiver Receiver) error {
	if !component.Valid() {
		return serrors.WrapValidationError(ErrUnknownComponent, "register", component.String())
	}
	if s.started.Load() {
		return serrors.NewValidationError("register", "components must be registered before Start")
	}
	s.reporters[component] = reporter
	s.receivers[component] = receiver
	return nil
}

// Apply merges m into the cluster view as if it had arrived from a peer.
func (s *Syncer) Apply(m *SyncMessage) {
	s.exec.Post(func() { s.apply(m) })
}

// ApplyBatch merges each message of b in order.
func (s *Syncer) ApplyBatch(b *SyncMessages) {
	msgs := b.Messages
	s.exec.Post(func() { s.applyBatch(msgs) })
}

// Broadcast queues m on every active session. Sessions that already sent
// m's version or a newer one skip it.
func (s *Syncer) Broadcast(m *SyncMessage) {
	s.exec.Post(func() { s.broadcast(m) })
}

func (s *Syncer) applyBatch(msgs []*SyncMessage) {
	for _, m := range msgs {
		s.apply(m)
	}
}

// apply is the merge step: m replaces its slot only when strictly newer.
func (s *Syncer) apply(m *SyncMessage) bool {
	if m == nil {
		return false
	}
	if !m.ComponentID.Valid() {
		metrics.SyncMessagesDiscardedTotal.WithLabelValues("unknown_component").Inc()
		return false
	}
	slots, ok := s.view[m.NodeID]
	if !ok {
		slots = &ComponentMessages{}
		s.view[m.NodeID] = slots
		metrics.SyncClusterNodes.Set(float64(len(s.view)))
	}
	if cur := slots[m.ComponentID]; cur != nil && cur.Version >= m.Version {
		metrics.SyncMessagesDiscardedTotal.WithLabelValues("stale").Inc()
		return false
	}
	slots[m.ComponentID] = m

	origin := "remote"
	if m.NodeID == s.nodeID {
		origin = "local"
	}
	metrics.SyncMessagesAppliedTotal.WithLabelValues(m.ComponentID.String(), origin).Inc()
	s.logger.Debug().Str("from", m.NodeID).Stringer("component", m.ComponentID).Uint64("version", m.Version).Msg("Applied sync message")

	// Receivers consume other nodes' state only.
	if m.NodeID != s.nodeID {
		if r := s.receivers[m.ComponentID]; r != nil {
			r.Update(m)
			metrics.SyncReceiverDeliveriesTotal.WithLabelValues(m.ComponentID.String()).Inc()
		}
	}
	s.broadcast(m)
	return true
}

func (s *Syncer) broadcast(m *SyncMessage) {
	if s.leader != nil {
		s.leader.enqueue(m)
	}
	for _, c := range s.followers {
		c.enqueue(m)
	}
}

// Snapshot polls every registered reporter and applies what changed.
func (s *Syncer) Snapshot() {
	s.exec.Post(s.snapshot)
}

func (s *Syncer) snapshot() {
	self := s.view[s.nodeID]
	for i, r := range s.reporters {
		if r == nil {
			continue
		}
		component := ComponentID(i)
		var current uint64
		if self != nil && self[component] != nil {
			current = self[component].Version
		}
		m, ok := r.Snapshot(current)
		if !ok || m == nil {
			metrics.SyncSnapshotsTotal.WithLabelValues(component.String(), "unchanged").Inc()
			continue
		}
		metrics.SyncSnapshotsTotal.WithLabelValues(component.String(), "changed").Inc()
		if m.NodeID == "" {
			m.NodeID = s.nodeID
		}
		m.ComponentID = component
		s.apply(m)
		self = s.view[s.nodeID]
	}
}

// RunSnapshots polls the reporters every interval until ctx ends.
func (s *Syncer) RunSnapshots(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.Snapshot()
		}
	}
}

// seed queues the whole cluster view on a fresh session so that a peer
// joining late does not wait for every node to change again.
func (s *Syncer) seed(c *Connection) {
	for _, slots := range s.view {
		for _, m := range slots {
			if m != nil {
				c.enqueue(m)
			}
		}
	}
}

// AcceptIncoming runs the acceptor handshake on a new inbound session and
// registers it as a follower.
func (s *Syncer) AcceptIncoming(stream ServerStream) (*Connection, error) {
	if !s.started.Load() {
		return nil, ErrNotStarted
	}
	_, span := tracer.Start(stream.Context(), "raysync.AcceptIncoming", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	c := newConnection(s, RoleAcceptor, stream, nil)
	if err := c.acceptHandshake(stream); err != nil {
		c.logger.Warn().Err(err).Msg("Rejected sync session")
		c.terminate(err)
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("raysync.peer_id", c.peerID))
	if err := s.exec.Do(stream.Context(), func() { s.addFollower(c) }); err != nil {
		c.post(func() { c.fail(err) }, err)
		recordSpanError(span, err)
		return nil, fmt.Errorf("register follower %s: %w", c.peerID, err)
	}
	c.logger.Info().Msg("Accepted follower")
	c.start()
	return c, nil
}

func (s *Syncer) addFollower(c *Connection) {
	if c.State() != StateStreaming {
		return
	}
	// A follower that reconnects before its old session is detected as
	// dead replaces it.
	if old, ok := s.followers[c.peerID]; ok && old != c {
		old.fail(ErrReplaced)
	}
	s.followers[c.peerID] = c
	s.seed(c)
}

func (s *Syncer) setLeader(c *Connection) {
	if c.State() != StateStreaming {
		return
	}
	if s.leader != nil && s.leader != c {
		s.leader.fail(ErrReplaced)
	}
	s.leader = c
	metrics.SyncLeaderConnected.Set(1)
	s.seed(c)
}

func (s *Syncer) removeConnection(c *Connection) {
	switch c.role {
	case RoleAcceptor:
		if s.followers[c.peerID] == c {
			delete(s.followers, c.peerID)
		}
	case RoleInitiator:
		if s.leader == c {
			s.leader = nil
			metrics.SyncLeaderConnected.Set(0)
		}
	}
}

// StartSync serves one follower session and returns once it ends. A session
// that fails after the handshake is finished with an OK status.
func (s *Syncer) StartSync(stream ServerStream) error {
	c, err := s.AcceptIncoming(stream)
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingNodeID):
			return status.Error(codes.InvalidArgument, err.Error())
		case errors.Is(err, ErrNotStarted), errors.Is(err, concurrency.ErrExecutorStopped):
			return status.Error(codes.Unavailable, "syncer is not running")
		default:
			return status.Error(codes.Unavailable, err.Error())
		}
	}
	<-c.Done()
	return nil
}

// ConnectToLeader makes this node a follower of the leader at address. The
// session is established in the background and re-established according to
// the reconnect strategy when it fails. Calling it again replaces the
// previous leader.
func (s *Syncer) ConnectToLeader(ctx context.Context, address string) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	cc, err := grpc.NewClient(address, s.dialOpts...)
	if err != nil {
		return serrors.WrapConfigurationError(err, "connect_to_leader", "create client").WithContext("address", address)
	}
	linkCtx, cancel := context.WithCancel(s.ctx)
	link := &leaderLink{address: address, cc: cc, cancel: cancel, done: make(chan struct{})}

	old, err := concurrency.Call(ctx, s.exec, func() *leaderLink {
		if ctx.Err() != nil {
			return nil
		}
		prev := s.link
		s.link = link
		return prev
	})
	if err != nil {
		// A swap that still lands finds the link already finished, so the
		// next caller does not wait on it.
		cancel()
		_ = cc.Close()
		close(link.done)
		return err
	}
	if old != nil {
		old.cancel()
		<-old.done
	}

	s.links.Add(1)
	go s.superviseLeader(linkCtx, link)
	return nil
}

// superviseLeader keeps one session to the leader alive.
func (s *Syncer) superviseLeader(ctx context.Context, link *leaderLink) {
	defer s.links.Done()
	defer close(link.done)
	defer func() { _ = link.cc.Close() }()

	logger := s.logger.With().Str("leader_addr", link.address).Logger()
	client := NewSyncServiceClient(link.cc)
	attempt := 0
	for {
		c, err := s.dialLeader(ctx, client)
		if err == nil {
			attempt = 0
			select {
			case <-c.Done():
				err = c.Err()
			case <-ctx.Done():
				c.post(func() { c.fail(ErrSyncerStopped) }, ErrSyncerStopped)
				<-c.Done()
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		if serrors.IsType(err, serrors.ErrorTypeHandshake) {
			logger.Error().Err(err).Msg("Leader violated the session handshake, giving up")
			return
		}

		attempt++
		delay, ok := s.reconnect.Next(attempt)
		if !ok {
			logger.Error().Err(err).Int("attempt", attempt).Msg("Leader session lost, giving up")
			return
		}
		metrics.SyncLeaderReconnectsTotal.Inc()
		logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Leader session lost, reconnecting")
		if resilience.Sleep(ctx, s.clock, delay) != nil {
			return
		}
	}
}

func (s *Syncer) dialLeader(ctx context.Context, client *SyncServiceClient) (c *Connection, err error) {
	spanCtx, span := tracer.Start(ctx, "raysync.DialLeader", trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if err != nil {
			recordSpanError(span, err)
		} else {
			span.SetAttributes(attribute.String("raysync.peer_id", c.peerID))
		}
		span.End()
	}()

	streamCtx, cancel := context.WithCancel(spanCtx)
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, NodeIDMetadataKey, s.nodeID)
	stream, err := client.StartSync(streamCtx)
	if err != nil {
		cancel()
		return nil, serrors.WrapTransportError(err, "dial_leader", "open sync stream")
	}
	c = newConnection(s, RoleInitiator, stream, cancel)
	if err := c.initiateHandshake(stream); err != nil {
		c.terminate(err)
		return nil, err
	}
	if err := s.exec.Do(ctx, func() { s.setLeader(c) }); err != nil {
		c.post(func() { c.fail(err) }, err)
		return nil, err
	}
	c.start()
	return c, nil
}

// ClusterView returns a copy of the latest accepted message per node and
// component.
func (s *Syncer) ClusterView(ctx context.Context) (map[string]ComponentMessages, error) {
	return concurrency.Call(ctx, s.exec, func() map[string]ComponentMessages {
		out := make(map[string]ComponentMessages, len(s.view))
		for node, slots := range s.view {
			out[node] = *slots
		}
		return out
	})
}

// Followers returns the identities of the connected followers.
func (s *Syncer) Followers(ctx context.Context) ([]string, error) {
	return concurrency.Call(ctx, s.exec, func() []string {
		out := make([]string, 0, len(s.followers))
		for id := range s.followers {
			out = append(out, id)
		}
		return out
	})
}

// Leader returns the leader's identity while the leader session is streaming.
func (s *Syncer) Leader(ctx context.Context) (string, bool, error) {
	id, err := concurrency.Call(ctx, s.exec, func() string {
		if s.leader == nil {
			return ""
		}
		return s.leader.peerID
	})
	return id, id != "", err
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}
