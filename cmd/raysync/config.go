package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"google.golang.org/grpc/keepalive"

	serrors "github.com/23skdu/raysync/internal/errors"
	"github.com/23skdu/raysync/internal/limiter"
	"github.com/23skdu/raysync/internal/resilience"
	"github.com/23skdu/raysync/internal/telemetry"
)

// EnvPrefix is prepended to every configuration variable.
const EnvPrefix = "RAYSYNC"

// Config is the node configuration, read from RAYSYNC_* variables.
type Config struct {
	NodeID      string `envconfig:"NODE_ID"`
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:"0.0.0.0:7070"`
	LeaderAddr  string `envconfig:"LEADER_ADDR"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:"0.0.0.0:9090"`

	SnapshotInterval time.Duration `envconfig:"SNAPSHOT_INTERVAL" default:"1s"`
	HealthInterval   time.Duration `envconfig:"HEALTH_INTERVAL" default:"5s"`
	ShutdownTimeout  time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	TraceExporter    string  `envconfig:"TRACE_EXPORTER" default:"none"`
	TraceEndpoint    string  `envconfig:"TRACE_ENDPOINT"`
	TraceSampleRatio float64 `envconfig:"TRACE_SAMPLE_RATIO" default:"1"`

	// Resources are the totals the local resource component reports.
	Resources        map[string]float64 `envconfig:"RESOURCES" default:"CPU:4,memory:8"`
	DriftInterval    time.Duration      `envconfig:"DRIFT_INTERVAL" default:"0s"`
	DriftProbability float64            `envconfig:"DRIFT_PROBABILITY" default:"0.3"`

	ReconnectInitialDelay time.Duration `envconfig:"RECONNECT_INITIAL_DELAY" default:"500ms"`
	ReconnectMaxDelay     time.Duration `envconfig:"RECONNECT_MAX_DELAY" default:"30s"`
	ReconnectMultiplier   float64       `envconfig:"RECONNECT_MULTIPLIER" default:"1.5"`
	ReconnectMaxAttempts  int           `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"0"`

	KeepAliveTime                time.Duration `envconfig:"KEEPALIVE_TIME" default:"30s"`
	KeepAliveTimeout             time.Duration `envconfig:"KEEPALIVE_TIMEOUT" default:"10s"`
	KeepAliveMinTime             time.Duration `envconfig:"KEEPALIVE_MIN_TIME" default:"10s"`
	KeepAlivePermitWithoutStream bool          `envconfig:"KEEPALIVE_PERMIT_WITHOUT_STREAM" default:"true"`

	GRPCMaxRecvMsgSize        int    `envconfig:"GRPC_MAX_RECV_MSG_SIZE" default:"67108864"`
	GRPCMaxSendMsgSize        int    `envconfig:"GRPC_MAX_SEND_MSG_SIZE" default:"67108864"`
	GRPCInitialWindowSize     int32  `envconfig:"GRPC_INITIAL_WINDOW_SIZE" default:"1048576"`
	GRPCInitialConnWindowSize int32  `envconfig:"GRPC_INITIAL_CONN_WINDOW_SIZE" default:"1048576"`
	GRPCMaxConcurrentStreams  uint32 `envconfig:"GRPC_MAX_CONCURRENT_STREAMS" default:"1000"`

	limiter.Config
}

// Config validation errors
var (
	ErrInvalidNodeID           = errors.New("node_id cannot be empty")
	ErrInvalidListenAddr       = errors.New("listen_addr cannot be empty")
	ErrInvalidMetricsAddr      = errors.New("metrics_addr cannot be empty")
	ErrLeaderIsSelf            = errors.New("leader_addr must differ from listen_addr")
	ErrInvalidSnapshotInterval = errors.New("snapshot_interval must be positive")
	ErrInvalidHealthInterval   = errors.New("health_interval must be positive")
	ErrInvalidLogFormat        = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel         = errors.New("log_level must be debug, info, warn, or error")
	ErrInvalidKeepAliveTime    = errors.New("keepalive_time must be positive")
	ErrInvalidReconnectDelay   = errors.New("reconnect delays must be positive and max >= initial")
	ErrInvalidReconnectFactor  = errors.New("reconnect_multiplier must be >= 1")
	ErrInvalidDrift            = errors.New("drift_probability must be within [0, 1]")
	ErrInvalidTracing          = errors.New("invalid trace settings")
)

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if cfg.NodeID == "" {
		return ErrInvalidNodeID
	}
	if cfg.ListenAddr == "" {
		return ErrInvalidListenAddr
	}
	if cfg.MetricsAddr == "" {
		return ErrInvalidMetricsAddr
	}
	if cfg.LeaderAddr != "" && cfg.LeaderAddr == cfg.ListenAddr {
		return ErrLeaderIsSelf
	}
	if cfg.SnapshotInterval <= 0 {
		return ErrInvalidSnapshotInterval
	}
	if cfg.HealthInterval <= 0 {
		return ErrInvalidHealthInterval
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	if cfg.KeepAliveTime <= 0 {
		return ErrInvalidKeepAliveTime
	}
	if cfg.ReconnectInitialDelay <= 0 || cfg.ReconnectMaxDelay < cfg.ReconnectInitialDelay {
		return ErrInvalidReconnectDelay
	}
	if cfg.ReconnectMultiplier < 1 {
		return ErrInvalidReconnectFactor
	}
	if cfg.DriftProbability < 0 || cfg.DriftProbability > 1 {
		return ErrInvalidDrift
	}
	if err := cfg.TelemetryConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTracing, err)
	}
	return cfg.ValidateGRPCConfig()
}

// LoadConfig reads envFile when it exists, then the environment. A missing
// node identity is replaced with a random UUID.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, serrors.WrapConfigurationError(err, "load_config", "read env file").WithContext("path", envFile)
		}
	}

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, serrors.WrapConfigurationError(err, "load_config", "parse environment")
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		cfg.NodeID = uuid.NewString()
	}
	return cfg, nil
}

// DefaultConfig returns a Config with default values and a random identity.
func DefaultConfig() Config {
	return Config{
		NodeID:                       uuid.NewString(),
		ListenAddr:                   "0.0.0.0:7070",
		MetricsAddr:                  "0.0.0.0:9090",
		SnapshotInterval:             time.Second,
		HealthInterval:               5 * time.Second,
		ShutdownTimeout:              10 * time.Second,
		LogFormat:                    "json",
		LogLevel:                     "info",
		TraceExporter:                telemetry.ExporterNone,
		TraceSampleRatio:             1,
		Resources:                    map[string]float64{"CPU": 4, "memory": 8},
		DriftProbability:             0.3,
		ReconnectInitialDelay:        500 * time.Millisecond,
		ReconnectMaxDelay:            30 * time.Second,
		ReconnectMultiplier:          1.5,
		KeepAliveTime:                30 * time.Second,
		KeepAliveTimeout:             10 * time.Second,
		KeepAliveMinTime:             10 * time.Second,
		KeepAlivePermitWithoutStream: true,
		GRPCMaxRecvMsgSize:           64 << 20,
		GRPCMaxSendMsgSize:           64 << 20,
		GRPCInitialWindowSize:        1 << 20,
		GRPCInitialConnWindowSize:    1 << 20,
		GRPCMaxConcurrentStreams:     1000,
	}
}

// BuildKeepaliveParams creates gRPC keepalive server parameters from config
func BuildKeepaliveParams(cfg *Config) keepalive.ServerParameters {
	return keepalive.ServerParameters{
		Time:    cfg.KeepAliveTime,
		Timeout: cfg.KeepAliveTimeout,
	}
}

// BuildKeepalivePolicy creates gRPC keepalive enforcement policy from config
func BuildKeepalivePolicy(cfg *Config) keepalive.EnforcementPolicy {
	return keepalive.EnforcementPolicy{
		MinTime:             cfg.KeepAliveMinTime,
		PermitWithoutStream: cfg.KeepAlivePermitWithoutStream,
	}
}

// BuildReconnectStrategy turns the reconnect settings into the follower's
// leader link policy.
func BuildReconnectStrategy(cfg *Config) resilience.ReconnectStrategy {
	return &resilience.ExponentialBackoff{
		InitialDelay: cfg.ReconnectInitialDelay,
		MaxDelay:     cfg.ReconnectMaxDelay,
		Multiplier:   cfg.ReconnectMultiplier,
		Jitter:       true,
		MaxAttempts:  cfg.ReconnectMaxAttempts,
	}
}

// TelemetryConfig selects the span exporter for this node.
func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		ServiceName:    "raysync",
		ServiceVersion: version,
		NodeID:         c.NodeID,
		Exporter:       c.TraceExporter,
		Endpoint:       c.TraceEndpoint,
		SampleRatio:    c.TraceSampleRatio,
	}
}

// String renders the settings worth logging at startup.
func (c *Config) String() string {
	role := "leader"
	if c.LeaderAddr != "" {
		role = "follower of " + c.LeaderAddr
	}
	return fmt.Sprintf("node %s (%s) listening on %s", c.NodeID, role, c.ListenAddr)
}
