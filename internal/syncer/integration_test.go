package syncer

import (
	"context"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/23skdu/raysync/internal/resilience"
)

type clusterNode struct {
	syncer   *Syncer
	reporter *versionReporter
	receiver *recordingReceiver
}

func newClusterNode(t *testing.T, net *bufNetwork, id string, opts ...Option) *clusterNode {
	t.Helper()
	n := &clusterNode{reporter: &versionReporter{}, receiver: &recordingReceiver{}}
	opts = append([]Option{WithDialOptions(net.dialOptions()...)}, opts...)
	n.syncer = startSyncer(t, id, n.reporter, n.receiver, opts...)
	return n
}

func (n *clusterNode) report(version uint64) {
	n.reporter.set(version, n.syncer.NodeID())
	n.syncer.Snapshot()
}

func (n *clusterNode) follow(t *testing.T, net *bufNetwork, addr string) {
	t.Helper()
	require.NoError(t, n.syncer.ConnectToLeader(context.Background(), net.target(addr)))
	require.Eventually(t, func() bool {
		_, ok, err := n.syncer.Leader(context.Background())
		return err == nil && ok
	}, waitFor, tick)
}

func followers(t *testing.T, s *Syncer) []string {
	t.Helper()
	out, err := s.Followers(context.Background())
	require.NoError(t, err)
	sort.Strings(out)
	return out
}

func TestCluster_StarConverges(t *testing.T) {
	net := newBufNetwork()
	leader := newClusterNode(t, net, "leader")
	net.serve(t, "leader", leader.syncer)

	a := newClusterNode(t, net, "a")
	b := newClusterNode(t, net, "b")
	a.follow(t, net, "leader")
	b.follow(t, net, "leader")
	require.Eventually(t, func() bool {
		return len(followers(t, leader.syncer)) == 2
	}, waitFor, tick)
	assert.Equal(t, []string{"a", "b"}, followers(t, leader.syncer))

	id, ok, err := a.syncer.Leader(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "leader", id)

	leader.report(1)
	a.report(1)
	b.report(1)

	require.Eventually(t, func() bool {
		return a.receiver.latest("b") == 1 && a.receiver.latest("leader") == 1 &&
			b.receiver.latest("a") == 1 && b.receiver.latest("leader") == 1 &&
			leader.receiver.latest("a") == 1 && leader.receiver.latest("b") == 1
	}, waitFor, tick)

	a.report(2)
	require.Eventually(t, func() bool {
		return b.receiver.latest("a") == 2 && leader.receiver.latest("a") == 2
	}, waitFor, tick)

	for _, n := range []*clusterNode{leader, a, b} {
		assert.Equal(t, uint64(2), viewVersion(t, n.syncer, "a"), n.syncer.NodeID())
		assert.Equal(t, uint64(1), viewVersion(t, n.syncer, "b"), n.syncer.NodeID())
		assert.Equal(t, uint64(1), viewVersion(t, n.syncer, "leader"), n.syncer.NodeID())
	}

	// No node is ever handed its own state.
	assert.Zero(t, a.receiver.latest("a"))
	assert.Zero(t, b.receiver.latest("b"))
	assert.Zero(t, leader.receiver.latest("leader"))
}

func TestCluster_LateJoinerCatchesUp(t *testing.T) {
	net := newBufNetwork()
	leader := newClusterNode(t, net, "leader")
	net.serve(t, "leader", leader.syncer)

	a := newClusterNode(t, net, "a")
	a.follow(t, net, "leader")
	a.report(3)
	require.Eventually(t, func() bool {
		return leader.receiver.latest("a") == 3
	}, waitFor, tick)

	late := newClusterNode(t, net, "late")
	late.follow(t, net, "leader")

	require.Eventually(t, func() bool {
		return late.receiver.latest("a") == 3
	}, waitFor, tick)
}

func TestCluster_FollowerStateSurvivesFollowerRestart(t *testing.T) {
	net := newBufNetwork()
	leader := newClusterNode(t, net, "leader")
	net.serve(t, "leader", leader.syncer)

	a := newClusterNode(t, net, "a")
	a.follow(t, net, "leader")
	a.report(1)
	require.Eventually(t, func() bool {
		return leader.receiver.latest("a") == 1
	}, waitFor, tick)

	a.syncer.Stop()
	require.Eventually(t, func() bool {
		return len(followers(t, leader.syncer)) == 0
	}, waitFor, tick)
	assert.Equal(t, uint64(1), viewVersion(t, leader.syncer, "a"))
}

func TestHandshake_MissingNodeIDIsRejected(t *testing.T) {
	net := newBufNetwork()
	leader := newClusterNode(t, net, "leader")
	net.serve(t, "leader", leader.syncer)

	stream, cancel := net.rawStream(t, "leader", nil)
	defer cancel()

	_, err := stream.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Empty(t, followers(t, leader.syncer))
}

func TestHandshake_LeaderAnswersWithItsIdentity(t *testing.T) {
	net := newBufNetwork()
	leader := newClusterNode(t, net, "leader")
	net.serve(t, "leader", leader.syncer)
	leader.syncer.Apply(msg("x", 3))

	stream, cancel := net.rawStream(t, "leader", metadata.Pairs(NodeIDMetadataKey, "raw-peer"))
	defer cancel()

	md, err := stream.Header()
	require.NoError(t, err)
	assert.Equal(t, []string{"leader"}, md.Get(NodeIDMetadataKey))

	batch, err := stream.Recv()
	require.NoError(t, err)
	require.Len(t, batch.Messages, 1)
	assert.Equal(t, "x", batch.Messages[0].NodeID)
	assert.Equal(t, uint64(3), batch.Messages[0].Version)
	assert.Equal(t, []string{"raw-peer"}, followers(t, leader.syncer))
}

func TestHandshake_UnstartedLeaderIsUnavailable(t *testing.T) {
	net := newBufNetwork()
	leader := New("leader")
	net.serve(t, "leader", leader)

	stream, cancel := net.rawStream(t, "leader", metadata.Pairs(NodeIDMetadataKey, "raw-peer"))
	defer cancel()

	_, err := stream.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestFollower_ReconnectsAfterLeaderRestart(t *testing.T) {
	net := newBufNetwork()
	leader := newClusterNode(t, net, "leader")
	srv := net.serve(t, "leader", leader.syncer)

	clock := clockwork.NewFakeClock()
	a := newClusterNode(t, net, "a",
		WithClock(clock),
		WithReconnectStrategy(resilience.ConstantBackoff{Delay: time.Second}),
	)
	a.follow(t, net, "leader")
	a.report(1)

	srv.Stop()
	require.Eventually(t, func() bool {
		_, ok, err := a.syncer.Leader(context.Background())
		return err == nil && !ok
	}, waitFor, tick)

	net.serve(t, "leader", leader.syncer)
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return len(followers(t, leader.syncer)) == 1
	}, waitFor, tick)

	a.report(2)
	require.Eventually(t, func() bool {
		return leader.receiver.latest("a") == 2
	}, waitFor, tick)
}

type rejectingServer struct {
	calls atomic.Int32
}

func (r *rejectingServer) StartSync(ServerStream) error {
	r.calls.Add(1)
	return status.Error(codes.InvalidArgument, "go away")
}

func TestFollower_HandshakeRejectionIsNotRetried(t *testing.T) {
	net := newBufNetwork()
	rejecting := &rejectingServer{}
	lis := net.listen("leader")
	srv := newServer(t)
	RegisterSyncServiceServer(srv, rejecting)
	go func() { _ = srv.Serve(lis) }()

	clock := clockwork.NewFakeClock()
	a := newClusterNode(t, net, "a",
		WithClock(clock),
		WithReconnectStrategy(resilience.ConstantBackoff{Delay: time.Second}),
	)
	require.NoError(t, a.syncer.ConnectToLeader(context.Background(), net.target("leader")))

	var link *leaderLink
	require.NoError(t, a.syncer.exec.Do(context.Background(), func() { link = a.syncer.link }))
	require.NotNil(t, link)

	select {
	case <-link.done:
	case <-time.After(waitFor):
		t.Fatal("leader link kept retrying after a rejected handshake")
	}
	clock.Advance(time.Minute)
	assert.Equal(t, int32(1), rejecting.calls.Load())
}

func TestFollower_GivesUpWhenStrategyIsExhausted(t *testing.T) {
	net := newBufNetwork()
	leader := newClusterNode(t, net, "leader")
	srv := net.serve(t, "leader", leader.syncer)

	a := newClusterNode(t, net, "a", WithReconnectStrategy(resilience.NoReconnect{}))
	a.follow(t, net, "leader")

	var link *leaderLink
	require.NoError(t, a.syncer.exec.Do(context.Background(), func() { link = a.syncer.link }))

	srv.Stop()
	select {
	case <-link.done:
	case <-time.After(waitFor):
		t.Fatal("leader link did not give up")
	}
}
