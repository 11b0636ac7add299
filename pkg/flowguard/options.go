package flowguard

import (
	"log/slog"

	"github.com/randalmurphal/flowguard/pkg/flowguard/observability"
	"github.com/randalmurphal/flowguard/pkg/flowguard/state"
)

type systemOptions struct {
	logger          *slog.Logger
	metrics         observability.MetricsRecorder
	spans           observability.SpanManager
	store           state.Store
	protectedErrors func(error) bool
}

// Option configures a System.
type Option func(*systemOptions)

// WithLogger sets the logger every component logs through.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(o *systemOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records queue and circuit metrics.
// Default: no metrics
//
// Example:
//
//	sys, err := flowguard.New(ctx, settings,
//	    flowguard.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *systemOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithSpans traces deliveries and protected calls.
// Default: no spans
func WithSpans(s observability.SpanManager) Option {
	return func(o *systemOptions) {
		if s != nil {
			o.spans = s
		}
	}
}

// WithStore uses s for circuit state instead of opening the backend named
// in the settings. The System does not close a store passed this way.
func WithStore(s state.Store) Option {
	return func(o *systemOptions) {
		o.store = s
	}
}

// WithProtectedErrors sets which errors count as failures for breakers
// whose config does not set its own filter.
func WithProtectedErrors(fn func(error) bool) Option {
	return func(o *systemOptions) {
		o.protectedErrors = fn
	}
}
