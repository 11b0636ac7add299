package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestRecorder(t *testing.T) (MetricsRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})

	rec, err := NewMetricsRecorderWithMeter(provider.Meter(MeterName))
	require.NoError(t, err)
	return rec, reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumByAttr(t *testing.T, m *metricdata.Metrics, key attribute.Key, value string) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", m.Data)

	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(key); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestNewMetricsRecorder_UsesGlobalProvider(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(original)
		_ = provider.Shutdown(context.Background())
	})

	rec := NewMetricsRecorder()
	require.NotNil(t, rec)
	_, isNoop := rec.(NoopMetrics)
	assert.False(t, isNoop)
}

func TestRecordEmitAndRejection(t *testing.T) {
	rec, reader := newTestRecorder(t)
	ctx := context.Background()

	rec.RecordEmit(ctx, "ping", "normal", true)
	rec.RecordEmit(ctx, "ping", "normal", true)
	rec.RecordEmit(ctx, "ping", "low", false)
	rec.RecordRejection(ctx, "ping", "rate_limited")

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(3), sumByAttr(t, findMetric(rm, "flowguard.queue.emits"), "event_type", "ping"))
	assert.Equal(t, int64(1), sumByAttr(t, findMetric(rm, "flowguard.queue.rejections"), "reason", "rate_limited"))
}

func TestRecordDelivery(t *testing.T) {
	rec, reader := newTestRecorder(t)
	ctx := context.Background()

	rec.RecordDelivery(ctx, "ping", 20*time.Millisecond, 1, nil)
	rec.RecordDelivery(ctx, "ping", 40*time.Millisecond, 4, errors.New("boom"))

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumByAttr(t, findMetric(rm, "flowguard.delivery.count"), "event_type", "ping"))
	assert.Equal(t, int64(3), sumByAttr(t, findMetric(rm, "flowguard.delivery.retries"), "event_type", "ping"))

	latency := findMetric(rm, "flowguard.delivery.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestRecordCircuitTransition(t *testing.T) {
	rec, reader := newTestRecorder(t)
	rec.RecordCircuitTransition(context.Background(), "db", "CLOSED", "OPEN")

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(1), sumByAttr(t, findMetric(rm, "flowguard.circuit.transitions"), "to", "OPEN"))
}

func TestRecordLaneSaturation(t *testing.T) {
	rec, reader := newTestRecorder(t)
	rec.RecordLaneSaturation(context.Background(), 0.1, 0.5, 0.9)

	rm := collectMetrics(t, reader)
	m := findMetric(rm, "flowguard.queue.saturation")
	require.NotNil(t, m)
	gauge, ok := m.Data.(metricdata.Gauge[float64])
	require.True(t, ok)

	byLane := map[string]float64{}
	for _, dp := range gauge.DataPoints {
		lane, _ := dp.Attributes.Value("lane")
		byLane[lane.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]float64{"high": 0.1, "normal": 0.5, "low": 0.9}, byLane)
}

func TestNoopMetrics(t *testing.T) {
	var m MetricsRecorder = NoopMetrics{}
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordEmit(ctx, "ping", "normal", true)
		m.RecordRejection(ctx, "ping", "saturated")
		m.RecordDelivery(ctx, "ping", time.Millisecond, 2, errors.New("x"))
		m.RecordCircuitTransition(ctx, "db", "OPEN", "HALF_OPEN")
		m.RecordLaneSaturation(ctx, 0, 0, 0)
	})
}
