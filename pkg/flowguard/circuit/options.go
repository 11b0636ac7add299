package circuit

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/flowguard/pkg/flowguard/affinity"
	"github.com/randalmurphal/flowguard/pkg/flowguard/event"
	"github.com/randalmurphal/flowguard/pkg/flowguard/health"
	"github.com/randalmurphal/flowguard/pkg/flowguard/observability"
	"github.com/randalmurphal/flowguard/pkg/flowguard/state"
)

// Emitter publishes events. *event.Queue implements it.
type Emitter interface {
	Emit(ctx context.Context, eventType string, data map[string]any, opts ...event.EmitOption) bool
}

type options struct {
	emitter  Emitter
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	store    state.Store
	reporter health.Reporter
	affinity *affinity.Registry
}

func newOptions(opts []Option) options {
	o := options{
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a Breaker or a Registry. Breakers use the emitter,
// logger and metrics; a Registry passes those on to the breakers it
// creates.
type Option func(*options)

// WithEmitter sets where state change events are published.
func WithEmitter(e Emitter) Option {
	return func(o *options) {
		o.emitter = e
	}
}

// WithLogger sets the logger. Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder. Default: no-op.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithSpans sets the span manager used by Registry.Execute. Default: no-op.
func WithSpans(s observability.SpanManager) Option {
	return func(o *options) {
		if s != nil {
			o.spans = s
		}
	}
}

// WithStore persists breaker state. Without a store the registry keeps
// state in memory only.
func WithStore(s state.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithHealthReporter receives breaker health.
func WithHealthReporter(r health.Reporter) Option {
	return func(o *options) {
		o.reporter = r
	}
}

// WithAffinity pins registry lifecycle and graph changes to the executor
// that started monitoring.
func WithAffinity(r *affinity.Registry) Option {
	return func(o *options) {
		o.affinity = r
	}
}
