package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of flowguard metrics.
const MeterName = "flowguard"

// MetricsRecorder records flowguard metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordEmit records an Emit call and whether it was queued.
	RecordEmit(ctx context.Context, eventType, priority string, accepted bool)

	// RecordRejection records why an emission was refused.
	RecordRejection(ctx context.Context, eventType, reason string)

	// RecordDelivery records one handler delivery including its retries.
	RecordDelivery(ctx context.Context, eventType string, duration time.Duration, attempts int, err error)

	// RecordCircuitTransition records a circuit breaker state change.
	RecordCircuitTransition(ctx context.Context, name, from, to string)

	// RecordLaneSaturation records lane occupancy fractions.
	RecordLaneSaturation(ctx context.Context, high, normal, low float64)
}

type otelMetrics struct {
	emits        metric.Int64Counter
	rejections   metric.Int64Counter
	deliveries   metric.Int64Counter
	deliveryTime metric.Float64Histogram
	retries      metric.Int64Counter
	transitions  metric.Int64Counter
	saturation   metric.Float64Gauge
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.Meter(MeterName))
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	emits, err := meter.Int64Counter("flowguard.queue.emits",
		metric.WithDescription("Number of Emit calls"),
	)
	if err != nil {
		return nil, err
	}

	rejections, err := meter.Int64Counter("flowguard.queue.rejections",
		metric.WithDescription("Number of emissions refused"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter("flowguard.delivery.count",
		metric.WithDescription("Number of handler deliveries"),
	)
	if err != nil {
		return nil, err
	}

	deliveryTime, err := meter.Float64Histogram("flowguard.delivery.latency_ms",
		metric.WithDescription("Handler delivery latency including retries"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter("flowguard.delivery.retries",
		metric.WithDescription("Number of delivery retries"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter("flowguard.circuit.transitions",
		metric.WithDescription("Number of circuit breaker state changes"),
	)
	if err != nil {
		return nil, err
	}

	saturation, err := meter.Float64Gauge("flowguard.queue.saturation",
		metric.WithDescription("Lane occupancy as a fraction of capacity"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		emits:        emits,
		rejections:   rejections,
		deliveries:   deliveries,
		deliveryTime: deliveryTime,
		retries:      retries,
		transitions:  transitions,
		saturation:   saturation,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by the global OTel
// meter provider. If initialization fails it returns a no-op recorder.
//
// Configure the provider first, e.g. with InitTelemetry or:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// NewMetricsRecorderWithMeter returns a MetricsRecorder using meter.
func NewMetricsRecorderWithMeter(meter metric.Meter) (MetricsRecorder, error) {
	return newOtelMetrics(meter)
}

func (m *otelMetrics) RecordEmit(ctx context.Context, eventType, priority string, accepted bool) {
	m.emits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("priority", priority),
		attribute.Bool("accepted", accepted),
	))
}

func (m *otelMetrics) RecordRejection(ctx context.Context, eventType, reason string) {
	m.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("reason", reason),
	))
}

func (m *otelMetrics) RecordDelivery(ctx context.Context, eventType string, duration time.Duration, attempts int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("success", err == nil),
	)
	m.deliveries.Add(ctx, 1, attrs)
	m.deliveryTime.Record(ctx, float64(duration.Milliseconds()), attrs)
	if attempts > 1 {
		m.retries.Add(ctx, int64(attempts-1), metric.WithAttributes(
			attribute.String("event_type", eventType),
		))
	}
}

func (m *otelMetrics) RecordCircuitTransition(ctx context.Context, name, from, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("circuit", name),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *otelMetrics) RecordLaneSaturation(ctx context.Context, high, normal, low float64) {
	m.saturation.Record(ctx, high, metric.WithAttributes(attribute.String("lane", "high")))
	m.saturation.Record(ctx, normal, metric.WithAttributes(attribute.String("lane", "normal")))
	m.saturation.Record(ctx, low, metric.WithAttributes(attribute.String("lane", "low")))
}
