package health_test

import (
	"context"
	"sync"
	"testing"

	"github.com/randalmurphal/flowguard/pkg/flowguard/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusSeverity(t *testing.T) {
	ordered := []health.Status{
		health.StatusHealthy,
		health.StatusUnknown,
		health.StatusDegraded,
		health.StatusUnhealthy,
		health.StatusError,
		health.StatusCritical,
	}
	for i := 1; i < len(ordered); i++ {
		assert.True(t, ordered[i].Worse(ordered[i-1]), "%s should be worse than %s", ordered[i], ordered[i-1])
	}
	assert.False(t, health.Status("BOGUS").Valid())
	assert.Equal(t, health.StatusUnknown.Severity(), health.Status("BOGUS").Severity())
}

func TestTracker_SystemHealthIsWorstStatus(t *testing.T) {
	tracker := health.NewTracker()
	ctx := context.Background()

	tracker.UpdateHealth(ctx, "queue", health.NewReport(health.StatusHealthy, "queue", "ok", nil))
	tracker.UpdateHealth(ctx, "cache", health.NewReport(health.StatusHealthy, "cache", "ok", nil))
	tracker.UpdateHealth(ctx, "db", health.NewReport(health.StatusCritical, "db", "circuit open", nil))
	tracker.UpdateHealth(ctx, "agent", health.NewReport(health.StatusDegraded, "agent", "half open", nil))

	sys := tracker.SystemHealth()
	assert.Equal(t, health.StatusCritical, sys.Status)
	assert.Equal(t, "2 healthy, 1 degraded, 1 critical", sys.Description)
	assert.Equal(t, 4, sys.Metadata["component_count"])
	assert.Equal(t, []string{"agent", "db"}, sys.Metadata["affected_components"])
}

func TestTracker_EmptyIsUnknown(t *testing.T) {
	tracker := health.NewTracker()
	assert.Equal(t, health.StatusUnknown, tracker.SystemHealth().Status)
}

func TestTracker_EmitsOnlyOnChange(t *testing.T) {
	var mu sync.Mutex
	var emitted []map[string]any

	tracker := health.NewTracker(health.WithEmitter(func(_ context.Context, eventType string, data map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, health.EventSystemHealthChanged, eventType)
		emitted = append(emitted, data)
	}))
	ctx := context.Background()

	tracker.UpdateHealth(ctx, "db", health.NewReport(health.StatusHealthy, "db", "ok", nil))
	tracker.UpdateHealth(ctx, "db", health.NewReport(health.StatusHealthy, "db", "still ok", nil))
	tracker.UpdateHealth(ctx, "db", health.NewReport(health.StatusDegraded, "db", "slow", nil))

	require.Len(t, emitted, 2)
	assert.Equal(t, "DEGRADED", emitted[1]["status"])

	r, ok := tracker.Component("db")
	require.True(t, ok)
	assert.Equal(t, "slow", r.Description)
}

func TestTracker_InvalidStatusRecordedAsUnknown(t *testing.T) {
	tracker := health.NewTracker()
	tracker.UpdateHealth(context.Background(), "x", health.Report{Status: "WEIRD"})

	r, ok := tracker.Component("x")
	require.True(t, ok)
	assert.Equal(t, health.StatusUnknown, r.Status)

	tracker.Remove("x")
	assert.Empty(t, tracker.Components())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		sample health.ResourceSample
		want   health.Status
	}{
		{"idle", health.ResourceSample{MemoryUsage: 0.2, CPUUsage: 0.1}, health.StatusHealthy},
		{"memory pressure", health.ResourceSample{MemoryUsage: 0.75, CPUUsage: 0.1}, health.StatusDegraded},
		{"cpu saturated", health.ResourceSample{MemoryUsage: 0.3, CPUUsage: 0.95}, health.StatusCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, health.Classify(tt.sample, health.DefaultThresholds))
		})
	}
}
