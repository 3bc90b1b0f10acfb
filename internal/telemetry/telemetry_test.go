package telemetry

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "empty", cfg: Config{}},
		{name: "none", cfg: Config{Exporter: ExporterNone}},
		{name: "stdout", cfg: Config{Exporter: ExporterStdout, SampleRatio: 1}},
		{name: "otlp with endpoint", cfg: Config{Exporter: ExporterOTLP, Endpoint: "localhost:4317", SampleRatio: 0.5}},
		{name: "otlp without endpoint", cfg: Config{Exporter: ExporterOTLP}, wantErr: true},
		{name: "unknown exporter", cfg: Config{Exporter: "zipkin"}, wantErr: true},
		{name: "ratio above one", cfg: Config{Exporter: ExporterStdout, SampleRatio: 1.5}, wantErr: true},
		{name: "negative ratio", cfg: Config{SampleRatio: -0.1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewTracerProvider_NoneIsNil(t *testing.T) {
	tp, err := NewTracerProvider(context.Background(), Config{Exporter: ExporterNone})
	require.NoError(t, err)
	assert.Nil(t, tp)

	shutdown, err := InitTracerProvider(context.Background(), Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewTracerProvider_StdoutExportsSpans(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var buf bytes.Buffer
	tp, err := NewTracerProvider(ctx, Config{
		ServiceName:    "raysync-test",
		ServiceVersion: "0.0.1",
		NodeID:         "node-a",
		Exporter:       ExporterStdout,
		SampleRatio:    1.0,
		Output:         &buf,
	})
	require.NoError(t, err)
	require.NotNil(t, tp)

	_, span := tp.Tracer("test").Start(ctx, "test-span")
	span.End()

	require.NoError(t, tp.Shutdown(ctx))
	assert.Contains(t, buf.String(), "test-span")
	assert.Contains(t, buf.String(), "node-a")
}

func TestNewTracerProvider_RejectsUnknownExporter(t *testing.T) {
	_, err := NewTracerProvider(context.Background(), Config{Exporter: "zipkin"})
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestTracer(t *testing.T) {
	assert.NotNil(t, Tracer("test"))
}
