package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Merge Metrics
// =============================================================================

var (
	// SyncMessagesAppliedTotal counts messages accepted into the cluster view
	SyncMessagesAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raysync_messages_applied_total",
			Help: "Total number of sync messages accepted into the cluster view",
		},
		[]string{"component", "origin"}, // origin: "local", "remote"
	)

	// SyncMessagesDiscardedTotal counts messages dropped by the merge step
	SyncMessagesDiscardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raysync_messages_discarded_total",
			Help: "Total number of sync messages discarded by the merge step",
		},
		[]string{"reason"}, // "stale", "unknown_component"
	)

	// SyncReceiverDeliveriesTotal counts Receiver.Update invocations
	SyncReceiverDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raysync_receiver_deliveries_total",
			Help: "Total number of accepted messages delivered to local receivers",
		},
		[]string{"component"},
	)

	// SyncClusterNodes tracks the number of nodes present in the cluster view
	SyncClusterNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "raysync_cluster_view_nodes",
			Help: "Number of nodes present in the cluster view",
		},
	)

	// SyncSnapshotsTotal counts local reporter polls by outcome
	SyncSnapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raysync_snapshots_total",
			Help: "Total number of local reporter polls",
		},
		[]string{"component", "result"}, // "changed", "unchanged"
	)
)

// =============================================================================
// Connection Metrics
// =============================================================================

var (
	// SyncBatchesTotal counts batches moved over sync streams
	SyncBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raysync_batches_total",
			Help: "Total number of sync batches sent or received",
		},
		[]string{"direction"}, // "sent", "received"
	)

	// SyncBatchMessagesTotal counts messages carried inside batches
	SyncBatchMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raysync_batch_messages_total",
			Help: "Total number of sync messages sent or received inside batches",
		},
		[]string{"direction"},
	)

	// SyncBatchSize observes the number of messages per sent batch
	SyncBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raysync_batch_size",
			Help:    "Number of messages per sent batch",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 500, 1000},
		},
	)

	// SyncCoalescedTotal counts queued messages superseded before sending
	SyncCoalescedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "raysync_messages_coalesced_total",
			Help: "Total number of queued messages superseded by a newer one before sending",
		},
	)

	// SyncSuppressedTotal counts enqueues skipped because the peer already has the version
	SyncSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "raysync_messages_suppressed_total",
			Help: "Total number of enqueues skipped because the peer already has that version",
		},
	)

	// SyncDecodeDroppedTotal counts received messages naming an unknown component
	SyncDecodeDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "raysync_decode_dropped_total",
			Help: "Total number of received messages dropped for naming an unknown component",
		},
	)

	// SyncOutboundQueueDepth tracks pending outbound messages per peer
	SyncOutboundQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raysync_outbound_queue_depth",
			Help: "Pending outbound messages per peer",
		},
		[]string{"peer"},
	)

	// SyncConnectionsActive tracks established sessions by role
	SyncConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raysync_connections_active",
			Help: "Current number of established sync sessions",
		},
		[]string{"role"}, // "initiator", "acceptor"
	)

	// SyncConnectionsClosedTotal counts terminated sessions
	SyncConnectionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raysync_connections_closed_total",
			Help: "Total number of terminated sync sessions",
		},
		[]string{"role", "reason"}, // reason: "eof", "error", "replaced", "stopped"
	)

	// SyncHandshakeFailuresTotal counts sessions rejected during the identity handshake
	SyncHandshakeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raysync_handshake_failures_total",
			Help: "Total number of sessions rejected during the identity handshake",
		},
		[]string{"role"},
	)

	// SyncLeaderReconnectsTotal counts follower-to-leader reconnect attempts
	SyncLeaderReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "raysync_leader_reconnects_total",
			Help: "Total number of reconnect attempts toward the leader",
		},
	)

	// SyncLeaderConnected is 1 while the leader session is streaming
	SyncLeaderConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "raysync_leader_connected",
			Help: "Whether the leader session is streaming (1=connected, 0=not)",
		},
	)

	// RateLimitRequestsTotal counts admission decisions for inbound sessions
	RateLimitRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raysync_rate_limit_requests_total",
			Help: "Total number of inbound sync sessions by admission decision",
		},
		[]string{"status"}, // "allowed", "throttled"
	)
)
