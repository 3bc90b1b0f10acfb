package health

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

func (s HealthStatus) value() float64 {
	switch s {
	case StatusHealthy:
		return 1.0
	case StatusDegraded:
		return 0.5
	default:
		return 0.0
	}
}

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// SystemHealth represents the overall node health
type SystemHealth struct {
	Status     HealthStatus                `json:"status"`
	Timestamp  time.Time                   `json:"timestamp"`
	Uptime     string                      `json:"uptime"`
	Version    string                      `json:"version"`
	Components map[string]*ComponentHealth `json:"components"`
	System     *SystemInfo                 `json:"system"`
	CheckCount int64                       `json:"check_count"`
}

// SystemInfo provides process-level information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	HeapAlloc     uint64 `json:"heap_alloc_bytes"`
	HeapObjects   uint64 `json:"heap_objects"`
	NumGC         uint32 `json:"num_gc"`
}

// HealthChecker defines the interface for component health checks
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) *ComponentHealth
}

var (
	checkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raysync_health_check_duration_seconds",
			Help:    "Duration of health checks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"},
	)
	componentStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raysync_component_health_status",
			Help: "Current component health status (1=healthy, 0.5=degraded, 0=unhealthy)",
		},
		[]string{"component"},
	)
)

// HealthManager runs the registered checkers and publishes the result over
// HTTP and the standard gRPC health service.
type HealthManager struct {
	startTime    time.Time
	version      string
	checkers     []HealthChecker
	logger       zerolog.Logger
	tracer       trace.Tracer
	checkCounter atomic.Int64
	registry     *prometheus.Registry
	grpcServer   *grpchealth.Server
	services     []string
}

// NewHealthManager creates a health manager. services are the gRPC service
// names whose serving status follows the overall health.
func NewHealthManager(version string, logger zerolog.Logger, tracer trace.Tracer, services ...string) *HealthManager {
	registry := prometheus.NewRegistry()
	registry.MustRegister(checkDuration, componentStatus)

	return &HealthManager{
		startTime:  time.Now(),
		version:    version,
		logger:     logger.With().Str("component", "health").Logger(),
		tracer:     tracer,
		registry:   registry,
		grpcServer: grpchealth.NewServer(),
		services:   append([]string{""}, services...),
	}
}

// RegisterChecker registers a health checker. Not safe once checks run.
func (hm *HealthManager) RegisterChecker(checker HealthChecker) {
	hm.checkers = append(hm.checkers, checker)
	hm.logger.Debug().Str("checker", checker.Name()).Msg("Registered health checker")
}

// GetRegistry returns the registry holding the health metrics.
func (hm *HealthManager) GetRegistry() *prometheus.Registry {
	return hm.registry
}

// GRPCServer is the health service to register on the node's gRPC server.
func (hm *HealthManager) GRPCServer() *grpchealth.Server {
	return hm.grpcServer
}

// CheckHealth performs health checks on all registered components
func (hm *HealthManager) CheckHealth(ctx context.Context) *SystemHealth {
	ctx, span := hm.tracer.Start(ctx, "HealthManager.CheckHealth")
	defer span.End()

	count := hm.checkCounter.Add(1)
	span.SetAttributes(
		attribute.String("raysync.version", hm.version),
		attribute.Int64("raysync.health.check_count", count),
	)

	health := &SystemHealth{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Uptime:     time.Since(hm.startTime).Round(time.Second).String(),
		Version:    hm.version,
		Components: make(map[string]*ComponentHealth, len(hm.checkers)),
		System:     systemInfo(),
		CheckCount: count,
	}

	for _, checker := range hm.checkers {
		start := time.Now()
		result := checker.Check(ctx)
		checkDuration.WithLabelValues(checker.Name()).Observe(time.Since(start).Seconds())
		componentStatus.WithLabelValues(checker.Name()).Set(result.Status.value())

		health.Components[checker.Name()] = result
		if result.Status == StatusUnhealthy {
			health.Status = StatusUnhealthy
		} else if result.Status == StatusDegraded && health.Status == StatusHealthy {
			health.Status = StatusDegraded
		}
	}

	span.SetAttributes(attribute.String("raysync.health.overall_status", string(health.Status)))
	hm.logger.Debug().
		Str("overall_status", string(health.Status)).
		Int("components_checked", len(hm.checkers)).
		Msg("Health check completed")

	return health
}

// Watch re-evaluates health every interval and mirrors it into the gRPC
// health service until ctx ends. A degraded node keeps serving.
func (hm *HealthManager) Watch(ctx context.Context, clock clockwork.Clock, interval time.Duration) {
	hm.publish(hm.CheckHealth(ctx).Status)

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hm.grpcServer.Shutdown()
			return
		case <-ticker.Chan():
			hm.publish(hm.CheckHealth(ctx).Status)
		}
	}
}

func (hm *HealthManager) publish(status HealthStatus) {
	serving := healthpb.HealthCheckResponse_SERVING
	if status == StatusUnhealthy {
		serving = healthpb.HealthCheckResponse_NOT_SERVING
	}
	for _, svc := range hm.services {
		hm.grpcServer.SetServingStatus(svc, serving)
	}
}

func systemInfo() *SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return &SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		HeapAlloc:     m.HeapAlloc,
		HeapObjects:   m.HeapObjects,
		NumGC:         m.NumGC,
	}
}

// HTTPHandler returns an http handler for health checks
func (hm *HealthManager) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := hm.CheckHealth(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if health.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := gojson.NewEncoder(w).Encode(health); err != nil {
			http.Error(w, "Failed to encode health response", http.StatusInternalServerError)
		}
	})
}

// ComponentNames lists the registered checkers in name order.
func (hm *HealthManager) ComponentNames() []string {
	names := make([]string, 0, len(hm.checkers))
	for _, c := range hm.checkers {
		names = append(names, c.Name())
	}
	sort.Strings(names)
	return names
}
