package health

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"
)

// EventSystemHealthChanged is published whenever a component's status changes.
const EventSystemHealthChanged = "system_health_changed"

// EmitFunc publishes an event. The tracker uses it to announce status changes.
type EmitFunc func(ctx context.Context, eventType string, data map[string]any)

// Tracker records the latest report per component and aggregates them.
// It is safe for concurrent use.
type Tracker struct {
	mu         sync.RWMutex
	components map[string]Report

	emit   EmitFunc
	logger *slog.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithEmitter publishes system_health_changed events on status changes.
func WithEmitter(fn EmitFunc) TrackerOption {
	return func(t *Tracker) {
		t.emit = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		components: make(map[string]Report),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Compile-time interface check.
var _ Reporter = (*Tracker)(nil)

// UpdateHealth implements Reporter.
func (t *Tracker) UpdateHealth(ctx context.Context, componentID string, report Report) {
	if !report.Status.Valid() {
		t.logger.Warn("invalid health status, recording as UNKNOWN",
			slog.String("component", componentID),
			slog.String("status", string(report.Status)),
		)
		report.Status = StatusUnknown
	}

	t.mu.Lock()
	prev, existed := t.components[componentID]
	t.components[componentID] = report
	t.mu.Unlock()

	if existed && prev.Status == report.Status {
		return
	}

	t.logger.Debug("component health changed",
		slog.String("component", componentID),
		slog.String("status", string(report.Status)),
		slog.String("description", report.Description),
	)

	if t.emit != nil {
		t.emit(ctx, EventSystemHealthChanged, map[string]any{
			"component":   componentID,
			"status":      string(report.Status),
			"description": report.Description,
			"metadata":    maps.Clone(report.Metadata),
		})
	}
}

// Component returns the latest report for a component.
func (t *Tracker) Component(componentID string) (Report, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.components[componentID]
	return r, ok
}

// Components returns a snapshot of all component reports.
func (t *Tracker) Components() map[string]Report {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.components)
}

// Remove forgets a component.
func (t *Tracker) Remove(componentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.components, componentID)
}

// SystemHealth aggregates all components into one report whose status is the
// worst component status.
func (t *Tracker) SystemHealth() Report {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.components) == 0 {
		return NewReport(StatusUnknown, "system", "no components reporting", nil)
	}

	worst := StatusHealthy
	counts := make(map[Status]int)
	var affected []string
	for id, r := range t.components {
		counts[r.Status]++
		if r.Status.Worse(worst) {
			worst = r.Status
		}
		if r.Status != StatusHealthy {
			affected = append(affected, id)
		}
	}
	sort.Strings(affected)

	return NewReport(worst, "system", describeCounts(counts), map[string]any{
		"component_count":     len(t.components),
		"status_counts":       countsByName(counts),
		"affected_components": affected,
	})
}

// describeCounts renders counts as "2 healthy, 1 critical", worst last.
func describeCounts(counts map[Status]int) string {
	statuses := make([]Status, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Severity() < statuses[j].Severity()
	})

	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		parts = append(parts, fmt.Sprintf("%d %s", counts[s], strings.ToLower(string(s))))
	}
	return strings.Join(parts, ", ")
}

func countsByName(counts map[Status]int) map[string]int {
	out := make(map[string]int, len(counts))
	for s, n := range counts {
		out[string(s)] = n
	}
	return out
}
