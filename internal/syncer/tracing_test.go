package syncer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func spanNames(spans []sdktrace.ReadOnlySpan) map[string]trace.SpanKind {
	out := make(map[string]trace.SpanKind, len(spans))
	for _, s := range spans {
		out[s.Name()] = s.SpanKind()
	}
	return out
}

func TestSessionEstablishmentIsTraced(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	net := newBufNetwork()
	leader := newClusterNode(t, net, "leader")
	net.serve(t, "leader", leader.syncer)
	follower := newClusterNode(t, net, "follower")
	follower.follow(t, net, "leader")

	require.Eventually(t, func() bool {
		names := spanNames(rec.Ended())
		_, accepted := names["raysync.AcceptIncoming"]
		_, dialed := names["raysync.DialLeader"]
		return accepted && dialed
	}, waitFor, tick)

	names := spanNames(rec.Ended())
	assert.Equal(t, trace.SpanKindServer, names["raysync.AcceptIncoming"])
	assert.Equal(t, trace.SpanKindClient, names["raysync.DialLeader"])
}
