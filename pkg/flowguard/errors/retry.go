package errors

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	MaxAttempts int

	// InitialBackoff is the starting backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied to backoff after each attempt.
	BackoffFactor float64

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64

	// RetryableFunc optionally overrides the default retryability check.
	RetryableFunc func(error) bool

	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetry is the standard retry configuration.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// PersistenceRetry is used for state store reads at startup, where a short
// outage should not lose persisted breaker state.
var PersistenceRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry disables retries.
var NoRetry = RetryConfig{
	MaxAttempts: 1,
}

// RetryResult contains the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the result if successful.
	Value T

	// Err is the final error if all attempts failed.
	Err error

	// Attempts is the number of attempts made.
	Attempts int

	// Duration is the total time spent retrying.
	Duration time.Duration
}

// WithRetry executes a function with retries based on the configuration.
func WithRetry[T any](cfg RetryConfig, fn func() (T, error)) RetryResult[T] {
	return WithRetryContext(context.Background(), cfg, func(_ context.Context) (T, error) {
		return fn()
	})
}

// WithRetryContext runs fn until it succeeds, returns an error that is not
// retryable, or uses up MaxAttempts. Delays grow exponentially from
// InitialBackoff by BackoffFactor up to MaxBackoff, each randomized by
// Jitter. Cancelling ctx stops retrying with a permanent error.
func WithRetryContext[T any](
	ctx context.Context,
	cfg RetryConfig,
	fn func(context.Context) (T, error),
) RetryResult[T] {
	start := time.Now()
	isRetryable := cfg.RetryableFunc
	if isRetryable == nil {
		isRetryable = IsRetryable
	}
	maxAttempts := max(cfg.MaxAttempts, 1)

	var (
		attempts  int
		cancelled bool
		gaveUp    bool
	)
	op := func() (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			cancelled = true
			return zero, backoff.Permanent(err)
		}
		attempts++
		v, err := fn(ctx)
		if err != nil && !isRetryable(err) {
			gaveUp = true
			return zero, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, wait time.Duration) {
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempts, err, wait)
		}
	}

	value, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(exponential(cfg)),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithNotify(notify),
	)

	result := RetryResult[T]{Value: value, Attempts: attempts, Duration: time.Since(start)}
	switch {
	case err == nil:
	case cancelled && attempts == 0:
		result.Err = &CategorizedError{Err: err, Category: CategoryPermanent, Context: "context cancelled"}
	case cancelled || (ctx.Err() != nil && !gaveUp && attempts < maxAttempts):
		result.Err = &CategorizedError{Err: ctx.Err(), Category: CategoryPermanent, Retries: attempts, Context: "context cancelled during backoff"}
	case gaveUp:
		result.Err = &CategorizedError{Err: err, Category: Categorize(err), Retries: attempts}
	default:
		result.Err = &CategorizedError{Err: err, Category: Categorize(err), Retries: attempts, Context: "max retries exceeded"}
	}
	return result
}

// exponential converts cfg into the backoff policy used between attempts.
func exponential(cfg RetryConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialBackoff > 0 {
		b.InitialInterval = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		b.MaxInterval = cfg.MaxBackoff
	}
	if cfg.BackoffFactor >= 1 {
		b.Multiplier = cfg.BackoffFactor
	}
	b.RandomizationFactor = min(max(cfg.Jitter, 0), 1)
	return b
}

// RetryOption configures retry behavior.
type RetryOption func(*RetryConfig)

// WithMaxAttempts sets the maximum number of attempts.
func WithMaxAttempts(n int) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.MaxAttempts = n
	}
}

// WithInitialBackoff sets the initial backoff duration.
func WithInitialBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.InitialBackoff = d
	}
}

// WithMaxBackoff sets the maximum backoff duration.
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.MaxBackoff = d
	}
}

// WithBackoffFactor sets the backoff multiplier.
func WithBackoffFactor(f float64) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.BackoffFactor = f
	}
}

// WithJitter sets the jitter factor.
func WithJitter(j float64) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.Jitter = j
	}
}

// WithOnRetry sets a callback invoked before each backoff sleep.
func WithOnRetry(fn func(attempt int, err error, wait time.Duration)) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.OnRetry = fn
	}
}

// WithRetryableFunc sets a custom retryability check.
func WithRetryableFunc(fn func(error) bool) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.RetryableFunc = fn
	}
}

// NewRetryConfig creates a retry configuration with the given options.
func NewRetryConfig(opts ...RetryOption) RetryConfig {
	cfg := DefaultRetry
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
