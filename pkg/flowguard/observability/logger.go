// Package observability provides logging helpers, metrics and tracing for
// flowguard components.
//
//   - Structured logging via slog
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// Every helper is nil-safe and every recorder has a no-op implementation,
// so components work unchanged when observability is disabled.
package observability

import (
	"context"
	"log/slog"
	"time"
)

// EnrichLogger scopes a logger to one component instance.
//
//	logger = EnrichLogger(logger, "circuit_breaker", "postgres")
func EnrichLogger(logger *slog.Logger, component, id string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("component", component),
		slog.String("component_id", id),
	)
}

// LogEventRejected logs an emission refused by backpressure or a stopped queue.
func LogEventRejected(logger *slog.Logger, eventType, priority, reason string) {
	if logger == nil {
		return
	}
	logger.Debug("event rejected",
		slog.String("event_type", eventType),
		slog.String("priority", priority),
		slog.String("reason", reason),
	)
}

// LogDeliveryRetry logs a failed handler call that will be retried.
func LogDeliveryRetry(logger *slog.Logger, eventType, subscriptionID string, attempt int, wait time.Duration, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event delivery failed, retrying",
		slog.String("event_type", eventType),
		slog.String("subscription_id", subscriptionID),
		slog.Int("attempt", attempt),
		slog.Duration("wait", wait),
		slog.String("error", err.Error()),
	)
}

// LogDeliveryFailed logs a delivery that exhausted its retries.
func LogDeliveryFailed(logger *slog.Logger, eventType, subscriptionID string, attempts int, err error) {
	if logger == nil {
		return
	}
	logger.Error("event delivery failed",
		slog.String("event_type", eventType),
		slog.String("subscription_id", subscriptionID),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

// LogCircuitTransition logs a circuit breaker state change.
func LogCircuitTransition(logger *slog.Logger, name, from, to, reason string) {
	if logger == nil {
		return
	}
	level := slog.LevelInfo
	if to == "OPEN" {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "circuit state changed",
		slog.String("circuit", name),
		slog.String("from", from),
		slog.String("to", to),
		slog.String("reason", reason),
	)
}

// LogPersistenceError logs a state store failure. These are never fatal.
func LogPersistenceError(logger *slog.Logger, op, key string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("state persistence failed",
		slog.String("operation", op),
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
}

// LogCrossContextFallback logs work that could not reach its owning
// executor and ran in the caller instead.
func LogCrossContextFallback(logger *slog.Logger, resourceID, ownerID, callerID string) {
	if logger == nil {
		return
	}
	logger.Warn("owning executor unavailable, running in caller",
		slog.String("resource_id", resourceID),
		slog.String("owner_executor", ownerID),
		slog.String("caller_executor", callerID),
	)
}

// TimedOperation returns a function reporting the milliseconds elapsed
// since TimedOperation was called.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
