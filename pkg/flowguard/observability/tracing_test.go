package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestSpanManager(t *testing.T) (SpanManager, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return NewSpanManagerWithTracer(tp.Tracer(TracerName)), exporter
}

func attrMap(attrs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}

func TestStartCircuitSpan(t *testing.T) {
	sm, exporter := newTestSpanManager(t)

	_, span := sm.StartCircuitSpan(context.Background(), "postgres", "storage")
	sm.EndSpanWithError(span, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "flowguard.circuit.postgres", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)

	attrs := attrMap(spans[0].Attributes)
	assert.Equal(t, "postgres", attrs["circuit.name"])
	assert.Equal(t, "storage", attrs["circuit.component"])
}

func TestStartDeliverySpan_RecordsError(t *testing.T) {
	sm, exporter := newTestSpanManager(t)

	ctx, span := sm.StartDeliverySpan(context.Background(), "ping", "sub-1")
	sm.AddSpanEvent(ctx, "retry", attribute.Int("attempt", 1))
	sm.EndSpanWithError(span, errors.New("handler failed"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "flowguard.deliver", s.Name)
	assert.Equal(t, codes.Error, s.Status.Code)
	assert.Equal(t, "handler failed", s.Status.Description)

	names := make([]string, 0, len(s.Events))
	for _, ev := range s.Events {
		names = append(names, ev.Name)
	}
	assert.Contains(t, names, "retry")
	assert.Contains(t, names, "exception")
}

func TestEndSpanWithError_NilSpan(t *testing.T) {
	assert.NotPanics(t, func() { EndSpanWithError(nil, errors.New("x")) })
}

func TestAddSpanEvent_NoSpan(t *testing.T) {
	assert.NotPanics(t, func() { AddSpanEvent(context.Background(), "nothing") })
}

func TestNoopSpanManager(t *testing.T) {
	var sm SpanManager = NoopSpanManager{}
	ctx := context.Background()

	got, span := sm.StartCircuitSpan(ctx, "db", "storage")
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())

	got, span = sm.StartDeliverySpan(ctx, "ping", "sub")
	assert.Equal(t, ctx, got)
	sm.EndSpanWithError(span, errors.New("ignored"))
}
