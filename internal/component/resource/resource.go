// Package resource is the resource manager component: each node reports its
// resource totals and availability, and records what every other node
// reported.
package resource

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/23skdu/raysync/internal/syncer"
)

// State is the payload exchanged for the resource manager component.
type State struct {
	Total     map[string]float64 `json:"total"`
	Available map[string]float64 `json:"available"`
}

func (s State) clone() State {
	out := State{
		Total:     make(map[string]float64, len(s.Total)),
		Available: make(map[string]float64, len(s.Available)),
	}
	for k, v := range s.Total {
		out.Total[k] = v
	}
	for k, v := range s.Available {
		out.Available[k] = v
	}
	return out
}

// Local owns this node's resources. Every change bumps the version.
type Local struct {
	nodeID string
	logger zerolog.Logger

	mu      sync.Mutex
	version uint64
	state   State
}

// NewLocal starts with everything in total available, at version 1 so that
// the first snapshot publishes it.
func NewLocal(nodeID string, total map[string]float64, logger zerolog.Logger) *Local {
	state := State{Total: make(map[string]float64, len(total)), Available: make(map[string]float64, len(total))}
	for k, v := range total {
		state.Total[k] = v
		state.Available[k] = v
	}
	return &Local{
		nodeID:  nodeID,
		logger:  logger.With().Str("component", "resource_local").Logger(),
		version: 1,
		state:   state,
	}
}

func (l *Local) Version() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

func (l *Local) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.clone()
}

// SetAvailable records a new available amount for name, clamped to
// [0, total]. It reports whether anything changed.
func (l *Local) SetAvailable(name string, amount float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	total, ok := l.state.Total[name]
	if !ok {
		return false
	}
	amount = min(max(amount, 0), total)
	if l.state.Available[name] == amount {
		return false
	}
	old := l.state.Available[name]
	l.state.Available[name] = amount
	l.version++
	l.logger.Debug().
		Str("resource", name).
		Float64("from", old).
		Float64("to", amount).
		Uint64("version", l.version).
		Msg("Resource availability changed")
	return true
}

// Snapshot implements syncer.Reporter.
func (l *Local) Snapshot(current uint64) (*syncer.SyncMessage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.version <= current {
		return nil, false
	}
	payload, err := gojson.Marshal(l.state)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to encode resource snapshot")
		return nil, false
	}
	return &syncer.SyncMessage{
		NodeID:      l.nodeID,
		ComponentID: syncer.ResourceManager,
		Version:     l.version,
		Type:        syncer.Snapshot,
		Payload:     payload,
	}, true
}

// Drift randomly consumes or releases resources on every tick until ctx
// ends: with probability p one resource moves to a new random availability.
// It stands in for a workload when running a demo cluster.
func (l *Local) Drift(ctx context.Context, clock clockwork.Clock, interval time.Duration, p float64, rng *rand.Rand) {
	names := l.names()
	if len(names) == 0 {
		return
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if rng.Float64() >= p {
				continue
			}
			name := names[rng.IntN(len(names))]
			l.mu.Lock()
			total := l.state.Total[name]
			l.mu.Unlock()
			l.SetAvailable(name, rng.Float64()*total)
		}
	}
}

func (l *Local) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.state.Total))
	for k := range l.state.Total {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// NodeResources is the latest state received from one node.
type NodeResources struct {
	Version uint64
	State   State
}

// Remote records the resource view of every other node.
type Remote struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	nodes map[string]NodeResources
}

func NewRemote(logger zerolog.Logger) *Remote {
	return &Remote{
		logger: logger.With().Str("component", "resource_remote").Logger(),
		nodes:  make(map[string]NodeResources),
	}
}

// Update implements syncer.Receiver. Payloads that fail to decode are logged
// and skipped.
func (r *Remote) Update(m *syncer.SyncMessage) {
	var state State
	if err := gojson.Unmarshal(m.Payload, &state); err != nil {
		r.logger.Warn().Err(err).Str("from", m.NodeID).Uint64("version", m.Version).Msg("Dropped undecodable resource update")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.nodes[m.NodeID]
	if ok && cur.Version >= m.Version {
		return
	}
	if !ok {
		r.logger.Info().Str("node", m.NodeID).Uint64("version", m.Version).Msg("Got a new node")
	}
	r.nodes[m.NodeID] = NodeResources{Version: m.Version, State: state}
}

// Node returns the latest state received from id.
func (r *Remote) Node(id string) (NodeResources, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if ok {
		n.State = n.State.clone()
	}
	return n, ok
}

// Nodes returns every node's latest version.
func (r *Remote) Nodes() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.nodes))
	for id, n := range r.nodes {
		out[id] = n.Version
	}
	return out
}

// ClusterAvailable sums the availability of every known remote node per
// resource.
func (r *Remote) ClusterAvailable() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64)
	for _, n := range r.nodes {
		for k, v := range n.State.Available {
			out[k] += v
		}
	}
	return out
}
