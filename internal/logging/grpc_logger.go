package logging

import (
	"os"
	"strings"

	grpc_logsettable "github.com/grpc-ecosystem/go-grpc-middleware/logging/settable"
	grpczap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	"github.com/rs/zerolog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// grpcLog is installed as gRPC's logger at init, discarding until
// InstallGRPCLogger points it somewhere.
var grpcLog grpc_logsettable.SettableLoggerV2

func init() {
	grpcLog = grpc_logsettable.ReplaceGrpcLoggerV2()
}

// NewGRPCLogger builds the zap logger handed to gRPC's internal logging. gRPC
// is chatty at info, so the level is raised to at least warn.
func NewGRPCLogger(cfg Config) (*zap.Logger, error) {
	zl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	level := zapcore.WarnLevel
	switch zl {
	case zerolog.ErrorLevel:
		level = zapcore.ErrorLevel
	case zerolog.FatalLevel, zerolog.PanicLevel:
		level = zapcore.FatalLevel
	}

	var output zapcore.WriteSyncer = os.Stderr
	if cfg.Output != nil {
		output = zapcore.AddSync(cfg.Output)
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "text", "console":
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	default:
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := &metricsHookCore{Core: zapcore.NewCore(encoder, output, level)}
	return zap.New(core).With(zap.String("component", "grpc")), nil
}

// InstallGRPCLogger routes gRPC's internal logging through logger. It may be
// called again to swap the destination.
func InstallGRPCLogger(logger *zap.Logger) {
	grpczap.SetGrpcLoggerV2(grpcLog, logger)
}

// metricsHookCore wraps a zapcore.Core to add Prometheus metrics
type metricsHookCore struct {
	zapcore.Core
}

// Check determines whether the entry should be logged
//
//nolint:gocritic // hugeParam: interface requires value receiver
func (c *metricsHookCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

//nolint:gocritic // hugeParam: interface requires value receiver
func (c *metricsHookCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	LogEntriesTotal.WithLabelValues(entry.Level.String()).Inc()
	if entry.Level >= zapcore.ErrorLevel {
		LogErrorsTotal.Inc()
	}
	return c.Core.Write(entry, fields)
}

func (c *metricsHookCore) With(fields []zapcore.Field) zapcore.Core {
	return &metricsHookCore{Core: c.Core.With(fields)}
}
