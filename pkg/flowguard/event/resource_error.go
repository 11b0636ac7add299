package event

import (
	"context"
	"maps"
	"time"
)

// Severity of a resource error.
const (
	SeverityFatal       = "FATAL"
	SeverityDegraded    = "DEGRADED"
	SeverityTransient   = "TRANSIENT"
	SeverityRecoverable = "RECOVERABLE"
)

// ResourceError describes a failure in a managed resource.
type ResourceError struct {
	ResourceID       string
	Operation        string
	Message          string
	Severity         string
	RecoveryStrategy string
	Context          map[string]any
	Timestamp        time.Time
}

// Error implements error.
func (e *ResourceError) Error() string {
	return e.ResourceID + ": " + e.Operation + ": " + e.Message
}

// EmitError publishes a resource_error_occurred event at high priority.
// extra is merged into the payload without overriding the standard fields.
func (q *Queue) EmitError(ctx context.Context, rerr *ResourceError, extra map[string]any, opts ...EmitOption) bool {
	ts := rerr.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	severity := rerr.Severity
	if severity == "" {
		severity = SeverityTransient
	}

	data := maps.Clone(extra)
	if data == nil {
		data = make(map[string]any, 7)
	}
	maps.Copy(data, map[string]any{
		"severity":          severity,
		"resource_id":       rerr.ResourceID,
		"operation":         rerr.Operation,
		"message":           rerr.Message,
		"timestamp":         ts.Format(time.RFC3339Nano),
		"recovery_strategy": rerr.RecoveryStrategy,
		"context":           maps.Clone(rerr.Context),
	})

	opts = append([]EmitOption{WithPriority(PriorityHigh)}, opts...)
	return q.Emit(ctx, TypeResourceErrorOccurred, data, opts...)
}
