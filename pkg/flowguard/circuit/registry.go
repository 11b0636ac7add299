package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/randalmurphal/flowguard/pkg/flowguard/affinity"
	"github.com/randalmurphal/flowguard/pkg/flowguard/health"
	"github.com/randalmurphal/flowguard/pkg/flowguard/observability"
	"github.com/randalmurphal/flowguard/pkg/flowguard/registry"
)

// Registry errors.
var (
	ErrUnknownCircuit  = errors.New("unknown circuit breaker")
	ErrDependencyCycle = errors.New("circuit dependency would form a cycle")
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// ID names the registry in logs and affinity bindings.
	// Default: a random id
	ID string

	// Default is the config for breakers with no component or explicit
	// config. Zero fields take DefaultConfig values.
	Default Config

	// Components maps a component name to its breaker config.
	Components map[string]Config

	// CheckInterval is the monitoring period.
	// Default: 30s
	CheckInterval time.Duration

	// MetricWindow bounds the failures counted in error density.
	// Default: 1h
	MetricWindow time.Duration

	// HistorySize is the number of transitions kept per breaker.
	// Default: 100
	HistorySize int

	// StopTimeout bounds how long StopMonitoring waits for the loop.
	// Default: 2s
	StopTimeout time.Duration
}

// DefaultRegistryConfig provides the standard registry settings.
var DefaultRegistryConfig = RegistryConfig{
	Default:       DefaultConfig,
	CheckInterval: 30 * time.Second,
	MetricWindow:  time.Hour,
	HistorySize:   100,
	StopTimeout:   2 * time.Second,
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	d := DefaultRegistryConfig
	if c.ID == "" {
		c.ID = uuid.New().String()[:8]
	}
	c.Default = c.Default.withDefaults()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.MetricWindow <= 0 {
		c.MetricWindow = d.MetricWindow
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}

// Transition is one recorded state change.
type Transition struct {
	Name string    `json:"name"`
	From string    `json:"old_state"`
	To   string    `json:"new_state"`
	At   time.Time `json:"timestamp"`
}

// Metadata is registry bookkeeping persisted alongside breaker state.
type Metadata struct {
	RegisteredTime time.Time `json:"registered_time"`
	TripCount      int       `json:"trip_count"`
	LastTrip       time.Time `json:"last_trip,omitzero"`
	LastReset      time.Time `json:"last_reset,omitzero"`
	LastLoaded     time.Time `json:"last_loaded,omitzero"`
}

// Registry owns named breakers and the dependency graph between them.
// It is safe for concurrent use.
type Registry struct {
	cfg         RegistryConfig
	opts        options
	logger      *slog.Logger
	breakers    *registry.Registry[string, *Breaker]
	reliability *reliabilityTracker

	mu        sync.RWMutex
	children  map[string][]string
	parents   map[string][]string
	metadata  map[string]*Metadata
	history   map[string][]Transition
	enteredAt map[string]time.Time

	cascades conc.WaitGroup

	monitorMu     sync.Mutex
	monitoring    atomic.Bool
	monitorCancel context.CancelFunc
	monitorWG     *conc.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, opts ...Option) *Registry {
	cfg = cfg.withDefaults()
	o := newOptions(opts)
	return &Registry{
		cfg:         cfg,
		opts:        o,
		logger:      observability.EnrichLogger(o.logger, "circuit_registry", cfg.ID),
		breakers:    registry.New[string, *Breaker](),
		reliability: newReliabilityTracker(cfg.MetricWindow),
		children:    make(map[string][]string),
		parents:     make(map[string][]string),
		metadata:    make(map[string]*Metadata),
		history:     make(map[string][]Transition),
		enteredAt:   make(map[string]time.Time),
	}
}

// resourceID is the registry's key in the affinity registry.
func (r *Registry) resourceID() string { return "circuit_registry:" + r.cfg.ID }

// submit runs fn in the registry's owning executor.
func (r *Registry) submit(ctx context.Context, fn func(context.Context) error) error {
	if r.opts.affinity == nil {
		return fn(ctx)
	}
	return r.opts.affinity.Submit(ctx, r.resourceID(), fn)
}

// configFor resolves config precedence: explicit, component, default.
func (r *Registry) configFor(component string, explicit *Config) Config {
	if explicit != nil {
		return *explicit
	}
	if cfg, ok := r.cfg.Components[component]; ok {
		return cfg
	}
	return r.cfg.Default
}

// GetOrCreate returns the named breaker, creating it on first use.
func (r *Registry) GetOrCreate(ctx context.Context, name, component string, cfg *Config) *Breaker {
	b, created := r.breakers.GetOrCreate(name, func() *Breaker {
		return NewBreaker(name, r.configFor(component, cfg),
			WithEmitter(r.opts.emitter),
			WithLogger(r.opts.logger),
			WithMetrics(r.opts.metrics),
		)
	})
	if created {
		r.adopt(ctx, b, "initialized")
	}
	return b
}

// Get returns the named breaker.
func (r *Registry) Get(name string) (*Breaker, bool) {
	return r.breakers.Get(name)
}

// Names returns the registered breaker names, sorted.
func (r *Registry) Names() []string {
	return registry.SortedKeys(r.breakers)
}

// Register adds an existing breaker. Registering a name twice is a no-op
// that returns false.
func (r *Registry) Register(ctx context.Context, b *Breaker) bool {
	var added bool
	err := r.submit(ctx, func(ctx context.Context) error {
		added = r.breakers.Register(b.Name(), b)
		return nil
	})
	if err != nil {
		r.logger.Warn("register circuit breaker failed",
			slog.String("circuit", b.Name()),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !added {
		r.logger.Warn("circuit breaker already registered", slog.String("circuit", b.Name()))
		return false
	}
	r.adopt(ctx, b, "registered")
	if err := r.SaveState(ctx, b.Name()); err != nil {
		r.logger.Debug("initial state not persisted", slog.String("circuit", b.Name()))
	}
	return true
}

// adopt wires a newly added breaker into the registry.
func (r *Registry) adopt(ctx context.Context, b *Breaker, verb string) {
	name := b.Name()
	now := time.Now()

	r.mu.Lock()
	if _, ok := r.metadata[name]; !ok {
		r.metadata[name] = &Metadata{RegisteredTime: now}
	}
	r.enteredAt[name] = b.Snapshot().LastStateChange
	r.mu.Unlock()

	b.AddListener(r.handleStateChange)
	b.OnFailure(func(name string, at time.Time, _ error) {
		r.reliability.recordError(name, at)
	})
	r.report(ctx, name, health.StatusHealthy, fmt.Sprintf("Circuit breaker %s %s", name, verb), nil)
	r.logger.Info("circuit breaker "+verb, slog.String("circuit", name))
}

// Execute runs op through the named breaker, creating it with the
// component's config if needed. Only circuit-open errors and op's own
// error are returned.
func (r *Registry) Execute(ctx context.Context, name, component string, op func(context.Context) error) error {
	ctx, span := r.opts.spans.StartCircuitSpan(ctx, name, component)
	b := r.GetOrCreate(ctx, name, component, nil)

	err := b.Execute(ctx, op)
	r.opts.spans.EndSpanWithError(span, err)
	return err
}

// Trip forces the named breaker OPEN. It returns false if the breaker is
// unknown or already open.
func (r *Registry) Trip(ctx context.Context, name, reason string) bool {
	b, ok := r.breakers.Get(name)
	if !ok {
		return false
	}
	return b.Trip(ctx, reason)
}

// Reset forces the named breaker CLOSED. It returns false if the breaker
// is unknown or already closed.
func (r *Registry) Reset(ctx context.Context, name string) bool {
	b, ok := r.breakers.Get(name)
	if !ok {
		return false
	}
	return b.Reset(ctx)
}

// ResetAll closes every breaker and returns how many changed state.
func (r *Registry) ResetAll(ctx context.Context) int {
	n := 0
	for _, name := range r.Names() {
		if r.Reset(ctx, name) {
			n++
		}
	}
	return n
}

// RegisterDependency makes child depend on parent: whenever parent trips,
// child is tripped too. Both must be registered. A dependency that would
// make a breaker its own ancestor is rejected with ErrDependencyCycle.
func (r *Registry) RegisterDependency(ctx context.Context, child, parent string) error {
	for _, name := range []string{child, parent} {
		if !r.breakers.Has(name) {
			return fmt.Errorf("register dependency %s -> %s: %w: %s", child, parent, ErrUnknownCircuit, name)
		}
	}

	err := r.submit(ctx, func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()

		if child == parent || r.reachableLocked(child, parent) {
			return fmt.Errorf("register dependency %s -> %s: %w", child, parent, ErrDependencyCycle)
		}
		r.addEdgeLocked(parent, child)
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("registered circuit dependency",
		slog.String("child", child),
		slog.String("parent", parent),
	)
	_ = r.SaveState(ctx, parent)
	_ = r.SaveState(ctx, child)
	return nil
}

// reachableLocked reports whether to is a descendant of from.
func (r *Registry) reachableLocked(from, to string) bool {
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range r.children[n] {
			if c == to {
				return true
			}
			if !seen[c] {
				seen[c] = true
				stack = append(stack, c)
			}
		}
	}
	return false
}

func (r *Registry) addEdgeLocked(parent, child string) {
	if !slices.Contains(r.children[parent], child) {
		r.children[parent] = append(r.children[parent], child)
	}
	if !slices.Contains(r.parents[child], parent) {
		r.parents[child] = append(r.parents[child], parent)
	}
}

// Children returns the breakers that depend on name.
func (r *Registry) Children(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.children[name])
}

// Parents returns the breakers name depends on.
func (r *Registry) Parents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.parents[name])
}

// History returns the recorded transitions of name, oldest first.
func (r *Registry) History(name string) []Transition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.history[name])
}

// Metadata returns the registry bookkeeping for name.
func (r *Registry) Metadata(name string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	md, ok := r.metadata[name]
	if !ok {
		return Metadata{}, false
	}
	return *md, true
}

// handleStateChange is registered as a listener on every breaker.
func (r *Registry) handleStateChange(ctx context.Context, name string, from, to State) {
	now := time.Now()

	r.mu.Lock()
	h := append(r.history[name], Transition{Name: name, From: from.String(), To: to.String(), At: now})
	if len(h) > r.cfg.HistorySize {
		h = h[len(h)-r.cfg.HistorySize:]
	}
	r.history[name] = h

	md, ok := r.metadata[name]
	if !ok {
		md = &Metadata{RegisteredTime: now}
		r.metadata[name] = md
	}
	if to == StateOpen {
		md.TripCount++
		md.LastTrip = now
	}
	if from == StateOpen && to == StateClosed {
		md.LastReset = now
	}

	enteredAt := r.enteredAt[name]
	r.enteredAt[name] = now

	var children []string
	if to == StateOpen {
		children = slices.Clone(r.children[name])
	}
	r.mu.Unlock()

	r.reliability.recordTransition(name, from, to, enteredAt, now)
	status, desc := breakerHealth(name, to)
	r.report(ctx, name, status, desc, map[string]any{"state": to.String()})

	if len(children) > 0 {
		r.logger.Warn("cascading trip to children",
			slog.String("circuit", name),
			slog.Any("children", children),
		)
		cascadeCtx := affinity.Detach(context.WithoutCancel(ctx))
		reason := "Cascading trip from parent " + name
		for _, child := range children {
			b, ok := r.breakers.Get(child)
			if !ok {
				continue
			}
			r.cascades.Go(func() {
				b.Trip(cascadeCtx, reason)
			})
		}
	}

	_ = r.SaveState(ctx, name)
}

// breakerHealth maps a breaker state to a health status.
func breakerHealth(name string, s State) (health.Status, string) {
	switch s {
	case StateOpen:
		return health.StatusCritical, fmt.Sprintf("Circuit %s is OPEN", name)
	case StateHalfOpen:
		return health.StatusDegraded, fmt.Sprintf("Circuit %s is HALF_OPEN", name)
	default:
		return health.StatusHealthy, fmt.Sprintf("Circuit %s is CLOSED", name)
	}
}

func (r *Registry) report(ctx context.Context, name string, status health.Status, desc string, metadata map[string]any) {
	if r.opts.reporter == nil {
		return
	}
	id := "circuit_breaker_" + name
	r.opts.reporter.UpdateHealth(ctx, id, health.NewReport(status, id, desc, metadata))
}

// CircuitStatus is one entry of a StatusSummary.
type CircuitStatus struct {
	State           string        `json:"state"`
	FailureCount    int           `json:"failure_count"`
	LastFailure     time.Time     `json:"last_failure,omitzero"`
	TripCount       int           `json:"trip_count"`
	LastTrip        time.Time     `json:"last_trip,omitzero"`
	LastReset       time.Time     `json:"last_reset,omitzero"`
	Children        []string      `json:"children"`
	Parents         []string      `json:"parents"`
	ErrorDensity    float64       `json:"error_density"`
	AvgRecoveryTime time.Duration `json:"avg_recovery_time"`
}

// StatusSummary describes every breaker.
type StatusSummary struct {
	Circuits map[string]CircuitStatus `json:"circuits"`
	Totals   map[string]int           `json:"totals"`
	Total    int                      `json:"total"`
}

// StatusSummary returns the state of every breaker plus counts per state.
func (r *Registry) StatusSummary() StatusSummary {
	breakers := r.breakers.Snapshot()
	now := time.Now()

	summary := StatusSummary{
		Circuits: make(map[string]CircuitStatus, len(breakers)),
		Totals: map[string]int{
			StateClosed.String():   0,
			StateOpen.String():     0,
			StateHalfOpen.String(): 0,
		},
		Total: len(breakers),
	}

	for name, b := range breakers {
		snap := b.Snapshot()
		rel := r.reliability.snapshot(name, snap.State, snap.LastStateChange, now)

		r.mu.RLock()
		var md Metadata
		if m, ok := r.metadata[name]; ok {
			md = *m
		}
		cs := CircuitStatus{
			State:           snap.StateName,
			FailureCount:    snap.FailureCount,
			LastFailure:     snap.LastFailureTime,
			TripCount:       md.TripCount,
			LastTrip:        md.LastTrip,
			LastReset:       md.LastReset,
			Children:        slices.Clone(r.children[name]),
			Parents:         slices.Clone(r.parents[name]),
			ErrorDensity:    rel.ErrorDensity,
			AvgRecoveryTime: rel.AvgRecoveryTime,
		}
		r.mu.RUnlock()

		summary.Circuits[name] = cs
		summary.Totals[cs.State]++
	}
	return summary
}

// Reliability returns the reliability metrics of name.
func (r *Registry) Reliability(name string) (Reliability, bool) {
	b, ok := r.breakers.Get(name)
	if !ok {
		return Reliability{}, false
	}
	snap := b.Snapshot()
	return r.reliability.snapshot(name, snap.State, snap.LastStateChange, time.Now()), true
}

// WaitCascades blocks until every cascading trip started so far has
// finished.
func (r *Registry) WaitCascades() {
	r.cascades.Wait()
}

// Close stops monitoring, waits for outstanding cascading trips and saves
// all state.
func (r *Registry) Close(ctx context.Context) error {
	if r.stopLoop() && r.opts.affinity != nil {
		r.opts.affinity.UnregisterResource(r.resourceID())
	}
	r.cascades.Wait()
	return r.SaveAll(ctx)
}

// metadataMap renders md for the state store.
func metadataMap(md Metadata) map[string]any {
	return map[string]any{
		"registered_time": formatTime(md.RegisteredTime),
		"trip_count":      md.TripCount,
		"last_trip":       formatTime(md.LastTrip),
		"last_reset":      formatTime(md.LastReset),
		"last_saved":      formatTime(time.Now()),
	}
}
