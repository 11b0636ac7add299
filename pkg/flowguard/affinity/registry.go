package affinity

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	fgerrors "github.com/randalmurphal/flowguard/pkg/flowguard/errors"
	"github.com/randalmurphal/flowguard/pkg/flowguard/observability"
	"github.com/randalmurphal/flowguard/pkg/flowguard/registry"
)

// DefaultSubmitTimeout bounds how long marshaled work may take.
const DefaultSubmitTimeout = 30 * time.Second

// Registry tracks executors and which executor owns each resource.
// It is safe for concurrent use.
type Registry struct {
	executors *registry.Registry[string, *Executor]
	owners    *registry.Registry[string, *Executor]

	timeout time.Duration
	logger  *slog.Logger

	marshaled atomic.Int64
	inline    atomic.Int64
	fallbacks atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSubmitTimeout bounds marshaled work. Default: 30s
func WithSubmitTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRegistry creates an empty affinity registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		executors: registry.New[string, *Executor](),
		owners:    registry.New[string, *Executor](),
		timeout:   DefaultSubmitTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewExecutor starts and tracks a new executor.
func (r *Registry) NewExecutor(name string) *Executor {
	exec := NewExecutor(name, r.logger)
	r.executors.Set(exec.ID(), exec)
	r.logger.Debug("executor started",
		slog.String("executor", name),
		slog.String("executor_id", exec.ID()),
	)
	return exec
}

// GetOrCreateExecutor returns the live executor running the caller, or
// starts a new one. An untracked executor found in ctx is adopted.
func (r *Registry) GetOrCreateExecutor(ctx context.Context) *Executor {
	if exec := FromContext(ctx); exec != nil && !exec.Closed() {
		r.executors.Register(exec.ID(), exec)
		return exec
	}
	return r.NewExecutor("executor")
}

// Executors returns the tracked executors ordered by creation time.
func (r *Registry) Executors() []*Executor {
	snap := r.executors.Snapshot()
	out := make([]*Executor, 0, len(snap))
	for _, e := range snap {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

// RegisterResource binds a resource to its owning executor, replacing any
// previous binding.
func (r *Registry) RegisterResource(id string, owner *Executor) {
	if owner == nil {
		return
	}
	r.executors.Register(owner.ID(), owner)
	r.owners.Set(id, owner)
	r.logger.Debug("resource bound",
		slog.String("resource_id", id),
		slog.String("executor", owner.Name()),
	)
}

// UnregisterResource removes a resource binding. Unknown ids are ignored.
func (r *Registry) UnregisterResource(id string) {
	r.owners.Delete(id)
}

// Owner returns the executor owning a resource.
func (r *Registry) Owner(id string) (*Executor, bool) {
	return r.owners.Get(id)
}

// alive reports whether exec can still accept work.
func (r *Registry) alive(exec *Executor) bool {
	return exec != nil && !exec.Closed() && r.executors.Has(exec.ID())
}

// Submit runs fn in the executor owning resource id and returns its error.
//
// fn runs inline when the resource is unregistered or the caller is already
// in the owner. Otherwise it is marshaled into the owner and bounded by the
// submit timeout. If the owner is gone, fn runs in the caller and the
// resource is rebound to the caller's executor when there is one.
func (r *Registry) Submit(ctx context.Context, id string, fn func(context.Context) error) error {
	owner, ok := r.owners.Get(id)
	if !ok || FromContext(ctx) == owner {
		r.inline.Add(1)
		return fn(ctx)
	}

	if !r.alive(owner) {
		r.fallback(ctx, id, owner)
		return fn(ctx)
	}

	err := r.run(ctx, owner, fn)
	if errors.Is(err, ErrExecutorClosed) {
		// Closed while queued; fn never ran.
		r.fallback(ctx, id, owner)
		return fn(ctx)
	}
	return err
}

// Call is Submit for work returning a value.
func Call[T any](ctx context.Context, r *Registry, id string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := r.Submit(ctx, id, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

// RunInExecutor runs fn inside exec, bounded by the submit timeout.
func (r *Registry) RunInExecutor(ctx context.Context, exec *Executor, fn func(context.Context) error) error {
	if exec == nil {
		return fgerrors.CrossContext("run_in_executor", "", ErrExecutorClosed)
	}
	if FromContext(ctx) == exec {
		r.inline.Add(1)
		return fn(ctx)
	}
	err := r.run(ctx, exec, fn)
	if errors.Is(err, ErrExecutorClosed) {
		return fgerrors.CrossContext("run_in_executor", exec.Name(), err)
	}
	return err
}

func (r *Registry) run(ctx context.Context, exec *Executor, fn func(context.Context) error) error {
	r.marshaled.Add(1)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := exec.Do(ctx, fn)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return fgerrors.CrossContext("submit", exec.Name(), err)
	}
	return err
}

// fallback rebinds a resource whose owner is gone to the caller.
func (r *Registry) fallback(ctx context.Context, id string, owner *Executor) {
	r.fallbacks.Add(1)

	ownerID := ""
	if owner != nil {
		ownerID = owner.ID()
	}
	callerID := ""
	if caller := FromContext(ctx); caller != nil && !caller.Closed() {
		callerID = caller.ID()
		r.RegisterResource(id, caller)
	}
	observability.LogCrossContextFallback(r.logger, id, ownerID, callerID)
}

// ValidateContextForResource reports whether the caller may touch
// resource id directly: it is unregistered or the caller is in its owner.
// A resource whose owner is gone is rebound to the caller and true is
// returned.
func (r *Registry) ValidateContextForResource(ctx context.Context, id string) bool {
	owner, ok := r.owners.Get(id)
	if !ok {
		return true
	}
	caller := FromContext(ctx)
	if caller == owner {
		return true
	}
	if !r.alive(owner) {
		r.fallback(ctx, id, owner)
		return true
	}
	r.logger.Debug("resource accessed outside its owning executor",
		slog.String("resource_id", id),
		slog.String("owner_executor", owner.Name()),
	)
	return false
}

// CleanupStaleExecutors stops and forgets executors that are closed, or
// that own no resources and have been idle longer than maxAge. It returns
// the removed executor ids.
func (r *Registry) CleanupStaleExecutors(maxAge time.Duration) []string {
	owning := make(map[string]bool)
	r.owners.Range(func(_ string, e *Executor) bool {
		owning[e.ID()] = true
		return true
	})

	now := time.Now()
	var stale []*Executor
	removed := r.executors.DeleteFunc(func(id string, e *Executor) bool {
		if e.Closed() || (!owning[id] && now.Sub(e.LastActive()) > maxAge) {
			stale = append(stale, e)
			return true
		}
		return false
	})

	for _, e := range stale {
		e.Close()
		r.logger.Info("removed stale executor",
			slog.String("executor", e.Name()),
			slog.String("executor_id", e.ID()),
		)
	}
	sort.Strings(removed)
	return removed
}

// Stats describes the registry.
type Stats struct {
	Executors           int            `json:"executors"`
	ClosedExecutors     int            `json:"closed_executors"`
	Resources           int            `json:"resources"`
	ResourcesByExecutor map[string]int `json:"resources_by_executor"`
	Inline              int64          `json:"inline"`
	Marshaled           int64          `json:"marshaled"`
	Fallbacks           int64          `json:"fallbacks"`
}

// Stats returns counts of executors, bindings and submissions.
func (r *Registry) Stats() Stats {
	st := Stats{
		ResourcesByExecutor: make(map[string]int),
		Inline:              r.inline.Load(),
		Marshaled:           r.marshaled.Load(),
		Fallbacks:           r.fallbacks.Load(),
	}
	r.executors.Range(func(_ string, e *Executor) bool {
		st.Executors++
		if e.Closed() {
			st.ClosedExecutors++
		}
		return true
	})
	r.owners.Range(func(_ string, e *Executor) bool {
		st.Resources++
		st.ResourcesByExecutor[e.Name()]++
		return true
	})
	return st
}

// Close stops every tracked executor and drops all bindings.
func (r *Registry) Close() {
	for _, e := range r.Executors() {
		e.Close()
		r.executors.Delete(e.ID())
	}
	for _, id := range r.owners.Keys() {
		r.owners.Delete(id)
	}
}
