// Package health defines the health-status contract shared by flowguard
// components and a tracker that aggregates component reports into a single
// system status.
package health

import (
	"context"
	"time"
)

// Status is a component health status.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusCritical  Status = "CRITICAL"
	StatusUnknown   Status = "UNKNOWN"
	StatusError     Status = "ERROR"
)

// severity orders statuses from best to worst.
var severity = map[Status]int{
	StatusHealthy:   0,
	StatusUnknown:   1,
	StatusDegraded:  2,
	StatusUnhealthy: 3,
	StatusError:     4,
	StatusCritical:  5,
}

// Severity returns the rank of s; higher is worse.
// Unrecognized statuses rank with UNKNOWN.
func (s Status) Severity() int {
	if v, ok := severity[s]; ok {
		return v
	}
	return severity[StatusUnknown]
}

// Worse reports whether s is strictly worse than other.
func (s Status) Worse(other Status) bool {
	return s.Severity() > other.Severity()
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	_, ok := severity[s]
	return ok
}

// Report is a health observation for one component.
type Report struct {
	Status      Status         `json:"status"`
	Source      string         `json:"source"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewReport creates a report stamped with the current time.
func NewReport(status Status, source, description string, metadata map[string]any) Report {
	return Report{
		Status:      status,
		Source:      source,
		Description: description,
		Metadata:    metadata,
		Timestamp:   time.Now(),
	}
}

// Reporter accepts component health updates.
type Reporter interface {
	UpdateHealth(ctx context.Context, componentID string, report Report)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(ctx context.Context, componentID string, report Report)

// UpdateHealth implements Reporter.
func (f ReporterFunc) UpdateHealth(ctx context.Context, componentID string, report Report) {
	f(ctx, componentID, report)
}

// ResourceSample is a periodic resource usage observation produced by an
// external monitor. Values are fractions in [0, 1].
type ResourceSample struct {
	MemoryUsage float64
	CPUUsage    float64
}

// Thresholds are the fractions at which a resource sample is considered
// degraded or critical.
type Thresholds struct {
	Degraded float64
	Critical float64
}

// DefaultThresholds matches the thresholds used by upstream resource managers.
var DefaultThresholds = Thresholds{
	Degraded: 0.7,
	Critical: 0.9,
}

// Classify maps a resource sample to a status using the worse of its
// memory and CPU usage.
func Classify(sample ResourceSample, th Thresholds) Status {
	usage := max(sample.MemoryUsage, sample.CPUUsage)
	switch {
	case usage >= th.Critical:
		return StatusCritical
	case usage >= th.Degraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
