package circuit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowguard/pkg/flowguard/affinity"
	"github.com/randalmurphal/flowguard/pkg/flowguard/circuit"
	"github.com/randalmurphal/flowguard/pkg/flowguard/health"
)

func newRegistry(t *testing.T, cfg circuit.RegistryConfig, opts ...circuit.Option) *circuit.Registry {
	t.Helper()
	r := circuit.NewRegistry(cfg, append([]circuit.Option{circuit.WithLogger(quiet)}, opts...)...)
	t.Cleanup(func() {
		_ = r.Close(context.Background())
	})
	return r
}

func TestRegistry_GetOrCreateConfigPrecedence(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, circuit.RegistryConfig{
		Default:    circuit.Config{FailureThreshold: 7},
		Components: map[string]circuit.Config{"storage": {FailureThreshold: 2}},
	})

	assert.Equal(t, 7, r.GetOrCreate(ctx, "plain", "", nil).Config().FailureThreshold)
	assert.Equal(t, 2, r.GetOrCreate(ctx, "disk", "storage", nil).Config().FailureThreshold)
	assert.Equal(t, 9, r.GetOrCreate(ctx, "special", "storage", &circuit.Config{FailureThreshold: 9}).Config().FailureThreshold)

	first := r.GetOrCreate(ctx, "disk", "", &circuit.Config{FailureThreshold: 1})
	assert.Equal(t, 2, first.Config().FailureThreshold, "existing breakers keep their config")
	assert.Equal(t, []string{"disk", "plain", "special"}, r.Names())
}

func TestRegistry_RegisterTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, circuit.RegistryConfig{})

	b := circuit.NewBreaker("api", circuit.Config{}, circuit.WithLogger(quiet))
	assert.True(t, r.Register(ctx, b))
	assert.False(t, r.Register(ctx, circuit.NewBreaker("api", circuit.Config{}, circuit.WithLogger(quiet))))

	got, ok := r.Get("api")
	require.True(t, ok)
	assert.Same(t, b, got)
}

func TestRegistry_Execute(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, circuit.RegistryConfig{
		Components: map[string]circuit.Config{"db": {FailureThreshold: 2}},
	})

	require.NoError(t, r.Execute(ctx, "orders", "db", succeed))
	assert.ErrorIs(t, r.Execute(ctx, "orders", "db", fail), errBoom)
	assert.ErrorIs(t, r.Execute(ctx, "orders", "db", fail), errBoom)
	assert.ErrorIs(t, r.Execute(ctx, "orders", "db", succeed), circuit.ErrCircuitOpen)

	rel, ok := r.Reliability("orders")
	require.True(t, ok)
	assert.Equal(t, 1, rel.TotalTrips)
	assert.InDelta(t, 2.0/60.0, rel.ErrorDensity, 1e-9, "two failures in a one hour window")
}

func TestRegistry_ErrorDensityCountsDirectBreakerCalls(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, circuit.RegistryConfig{
		Default: circuit.Config{
			FailureThreshold: 10,
			ProtectedErrors:  func(err error) bool { return errors.Is(err, errBoom) },
		},
	})

	b := r.GetOrCreate(ctx, "cache", "", nil)
	require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	require.Error(t, b.Execute(ctx, func(context.Context) error { return errors.New("not protected") }))

	registered := circuit.NewBreaker("search", circuit.Config{}, circuit.WithLogger(quiet))
	require.True(t, r.Register(ctx, registered))
	require.ErrorIs(t, registered.Execute(ctx, fail), errBoom)

	rel, ok := r.Reliability("cache")
	require.True(t, ok)
	assert.InDelta(t, 2.0/60.0, rel.ErrorDensity, 1e-9)

	rel, ok = r.Reliability("search")
	require.True(t, ok)
	assert.InDelta(t, 1.0/60.0, rel.ErrorDensity, 1e-9)
}

func TestRegistry_TripResetAndResetAll(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, circuit.RegistryConfig{})
	r.GetOrCreate(ctx, "a", "", nil)
	r.GetOrCreate(ctx, "b", "", nil)

	assert.False(t, r.Trip(ctx, "missing", "x"))
	assert.False(t, r.Reset(ctx, "missing"))
	assert.True(t, r.Trip(ctx, "a", "x"))
	assert.True(t, r.Trip(ctx, "b", "x"))
	assert.True(t, r.Reset(ctx, "a"))
	assert.Equal(t, 1, r.ResetAll(ctx))
	assert.Equal(t, 0, r.ResetAll(ctx))
}

func TestRegistry_RegisterDependencyValidation(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, circuit.RegistryConfig{})
	for _, name := range []string{"db", "api", "web"} {
		r.GetOrCreate(ctx, name, "", nil)
	}

	assert.ErrorIs(t, r.RegisterDependency(ctx, "api", "ghost"), circuit.ErrUnknownCircuit)
	assert.ErrorIs(t, r.RegisterDependency(ctx, "ghost", "db"), circuit.ErrUnknownCircuit)
	assert.ErrorIs(t, r.RegisterDependency(ctx, "db", "db"), circuit.ErrDependencyCycle)

	require.NoError(t, r.RegisterDependency(ctx, "api", "db"))
	require.NoError(t, r.RegisterDependency(ctx, "web", "api"))
	require.NoError(t, r.RegisterDependency(ctx, "web", "api"), "duplicate edges are idempotent")

	assert.ErrorIs(t, r.RegisterDependency(ctx, "db", "api"), circuit.ErrDependencyCycle)
	assert.ErrorIs(t, r.RegisterDependency(ctx, "db", "web"), circuit.ErrDependencyCycle)

	assert.Equal(t, []string{"api"}, r.Children("db"))
	assert.Equal(t, []string{"web"}, r.Children("api"))
	assert.Equal(t, []string{"api"}, r.Parents("web"))
	assert.Empty(t, r.Parents("db"))
}

func TestRegistry_CascadingTrip(t *testing.T) {
	ctx := context.Background()
	em := &captureEmitter{}
	r := newRegistry(t, circuit.RegistryConfig{}, circuit.WithEmitter(em))
	db := r.GetOrCreate(ctx, "db", "", nil)
	api := r.GetOrCreate(ctx, "api", "", nil)
	web := r.GetOrCreate(ctx, "web", "", nil)
	other := r.GetOrCreate(ctx, "other", "", nil)
	require.NoError(t, r.RegisterDependency(ctx, "api", "db"))
	require.NoError(t, r.RegisterDependency(ctx, "web", "api"))

	require.True(t, db.Trip(ctx, "outage"))
	r.WaitCascades()

	assert.Equal(t, circuit.StateOpen, api.State())
	assert.Equal(t, circuit.StateOpen, web.State())
	assert.Equal(t, circuit.StateClosed, other.State())

	reasons := map[string]any{}
	for _, e := range em.all() {
		details := e.data["details"].(map[string]any)
		reasons[e.data["component"].(string)] = details["reason"]
	}
	assert.Equal(t, "outage", reasons["circuit_breaker_db"])
	assert.Equal(t, "Cascading trip from parent db", reasons["circuit_breaker_api"])
	assert.Equal(t, "Cascading trip from parent api", reasons["circuit_breaker_web"])
}

func TestRegistry_HistoryAndMetadata(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, circuit.RegistryConfig{HistorySize: 2})
	b := r.GetOrCreate(ctx, "db", "", nil)

	md, ok := r.Metadata("db")
	require.True(t, ok)
	assert.Zero(t, md.TripCount)
	assert.False(t, md.RegisteredTime.IsZero())

	b.Trip(ctx, "")
	b.Reset(ctx)
	b.Trip(ctx, "")

	md, _ = r.Metadata("db")
	assert.Equal(t, 2, md.TripCount)
	assert.False(t, md.LastTrip.IsZero())
	assert.False(t, md.LastReset.IsZero())

	history := r.History("db")
	require.Len(t, history, 2, "history is capped")
	assert.Equal(t, "OPEN", history[0].From)
	assert.Equal(t, "CLOSED", history[0].To)
	assert.Equal(t, "OPEN", history[1].To)

	rel, _ := r.Reliability("db")
	assert.Equal(t, 2, rel.TotalTrips)
	assert.Contains(t, rel.StateDurations, "OPEN")
}

func TestRegistry_ReportsHealth(t *testing.T) {
	ctx := context.Background()
	tracker := health.NewTracker(health.WithLogger(quiet))
	r := newRegistry(t, circuit.RegistryConfig{}, circuit.WithHealthReporter(tracker))

	b := r.GetOrCreate(ctx, "db", "", nil)
	report, ok := tracker.Component("circuit_breaker_db")
	require.True(t, ok)
	assert.Equal(t, health.StatusHealthy, report.Status)

	b.Trip(ctx, "")
	report, _ = tracker.Component("circuit_breaker_db")
	assert.Equal(t, health.StatusCritical, report.Status)

	b.ForceHalfOpen(ctx)
	report, _ = tracker.Component("circuit_breaker_db")
	assert.Equal(t, health.StatusDegraded, report.Status)
}

func TestRegistry_StatusSummary(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, circuit.RegistryConfig{})
	r.GetOrCreate(ctx, "db", "", nil)
	r.GetOrCreate(ctx, "api", "", nil)
	r.GetOrCreate(ctx, "cache", "", nil)
	require.NoError(t, r.RegisterDependency(ctx, "api", "db"))
	r.Trip(ctx, "cache", "")

	summary := r.StatusSummary()
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, map[string]int{"CLOSED": 2, "OPEN": 1, "HALF_OPEN": 0}, summary.Totals)
	assert.Equal(t, "OPEN", summary.Circuits["cache"].State)
	assert.Equal(t, 1, summary.Circuits["cache"].TripCount)
	assert.Equal(t, []string{"api"}, summary.Circuits["db"].Children)
	assert.Equal(t, []string{"db"}, summary.Circuits["api"].Parents)
}

func TestRegistry_Monitoring(t *testing.T) {
	ctx := context.Background()
	tracker := health.NewTracker(health.WithLogger(quiet))
	r := newRegistry(t, circuit.RegistryConfig{CheckInterval: 10 * time.Millisecond},
		circuit.WithHealthReporter(tracker))
	r.GetOrCreate(ctx, "db", "", nil)

	require.NoError(t, r.StartMonitoring(ctx))
	require.NoError(t, r.StartMonitoring(ctx))
	assert.True(t, r.Monitoring())

	require.Eventually(t, func() bool {
		report, ok := tracker.Component("circuit_breaker_db")
		if !ok {
			return false
		}
		_, sampled := report.Metadata["error_density"]
		return sampled
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.StopMonitoring(ctx))
	require.NoError(t, r.StopMonitoring(ctx))
	assert.False(t, r.Monitoring())
}

func TestRegistry_AffinityBinding(t *testing.T) {
	ctx := context.Background()
	reg := affinity.NewRegistry(affinity.WithLogger(quiet))
	defer reg.Close()
	r := newRegistry(t, circuit.RegistryConfig{ID: "main"}, circuit.WithAffinity(reg))

	owner := reg.NewExecutor("owner")
	require.NoError(t, owner.Do(ctx, func(ctx context.Context) error {
		return r.StartMonitoring(ctx)
	}))
	bound, ok := reg.Owner("circuit_registry:main")
	require.True(t, ok)
	assert.Same(t, owner, bound)

	r.GetOrCreate(ctx, "db", "", nil)
	r.GetOrCreate(ctx, "api", "", nil)
	require.NoError(t, r.RegisterDependency(ctx, "api", "db"), "marshaled into the owner")
	assert.Equal(t, []string{"api"}, r.Children("db"))

	require.NoError(t, r.StopMonitoring(ctx))
	_, ok = reg.Owner("circuit_registry:main")
	assert.False(t, ok)
}
