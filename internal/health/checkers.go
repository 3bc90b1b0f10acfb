package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/raysync/internal/syncer"
)

// SyncState is the part of a syncer the checkers read.
type SyncState interface {
	NodeID() string
	ClusterView(ctx context.Context) (map[string]syncer.ComponentMessages, error)
	Followers(ctx context.Context) ([]string, error)
	Leader(ctx context.Context) (string, bool, error)
}

// SyncerChecker reports whether the syncer's execution context still
// answers and how much of the cluster it knows about.
type SyncerChecker struct {
	name    string
	state   SyncState
	timeout time.Duration
	logger  zerolog.Logger
	tracer  trace.Tracer
}

func NewSyncerChecker(state SyncState, timeout time.Duration, logger zerolog.Logger, tracer trace.Tracer) *SyncerChecker {
	return &SyncerChecker{
		name:    "syncer",
		state:   state,
		timeout: timeout,
		logger:  logger,
		tracer:  tracer,
	}
}

func (sc *SyncerChecker) Name() string {
	return sc.name
}

func (sc *SyncerChecker) Check(ctx context.Context) *ComponentHealth {
	ctx, span := sc.tracer.Start(ctx, "SyncerChecker.Check")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, sc.timeout)
	defer cancel()

	start := time.Now()
	view, err := sc.state.ClusterView(ctx)
	if err != nil {
		sc.logger.Warn().Err(err).Msg("Syncer did not answer health check")
		return &ComponentHealth{
			Name:        sc.name,
			Status:      StatusUnhealthy,
			Message:     "execution context unresponsive: " + err.Error(),
			LastChecked: time.Now(),
		}
	}
	followers, err := sc.state.Followers(ctx)
	if err != nil {
		return &ComponentHealth{
			Name:        sc.name,
			Status:      StatusUnhealthy,
			Message:     "execution context unresponsive: " + err.Error(),
			LastChecked: time.Now(),
		}
	}
	duration := time.Since(start)

	span.SetAttributes(
		attribute.Int("raysync.cluster.nodes", len(view)),
		attribute.Int("raysync.cluster.followers", len(followers)),
	)

	return &ComponentHealth{
		Name:        sc.name,
		Status:      StatusHealthy,
		Message:     "execution context responsive",
		LastChecked: time.Now(),
		Metadata: map[string]interface{}{
			"node_id":          sc.state.NodeID(),
			"known_nodes":      len(view),
			"followers":        len(followers),
			"response_time_ms": duration.Milliseconds(),
		},
	}
}

// LeaderLinkChecker is degraded while a follower has no streaming session
// to its leader. A node without a leader is always healthy.
type LeaderLinkChecker struct {
	name          string
	state         SyncState
	leaderAddress string
	tracer        trace.Tracer
}

func NewLeaderLinkChecker(state SyncState, leaderAddress string, tracer trace.Tracer) *LeaderLinkChecker {
	return &LeaderLinkChecker{
		name:          "leader_link",
		state:         state,
		leaderAddress: leaderAddress,
		tracer:        tracer,
	}
}

func (lc *LeaderLinkChecker) Name() string {
	return lc.name
}

func (lc *LeaderLinkChecker) Check(ctx context.Context) *ComponentHealth {
	ctx, span := lc.tracer.Start(ctx, "LeaderLinkChecker.Check")
	defer span.End()

	if lc.leaderAddress == "" {
		return &ComponentHealth{
			Name:        lc.name,
			Status:      StatusHealthy,
			Message:     "node is a leader",
			LastChecked: time.Now(),
		}
	}

	id, ok, err := lc.state.Leader(ctx)
	switch {
	case err != nil:
		return &ComponentHealth{
			Name:        lc.name,
			Status:      StatusUnhealthy,
			Message:     err.Error(),
			LastChecked: time.Now(),
		}
	case !ok:
		return &ComponentHealth{
			Name:        lc.name,
			Status:      StatusDegraded,
			Message:     "not connected to leader",
			LastChecked: time.Now(),
			Metadata:    map[string]interface{}{"leader_address": lc.leaderAddress},
		}
	}
	return &ComponentHealth{
		Name:        lc.name,
		Status:      StatusHealthy,
		Message:     "following leader",
		LastChecked: time.Now(),
		Metadata: map[string]interface{}{
			"leader_address": lc.leaderAddress,
			"leader_id":      id,
		},
	}
}
