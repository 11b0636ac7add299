package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	fgerrors "github.com/randalmurphal/flowguard/pkg/flowguard/errors"
	"github.com/randalmurphal/flowguard/pkg/flowguard/event"
	"github.com/randalmurphal/flowguard/pkg/flowguard/observability"
)

// ErrCircuitOpen is wrapped by the error Execute returns when it refuses a
// call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Listener is notified after a breaker changes state.
type Listener func(ctx context.Context, name string, from, to State)

// FailureHook is called after Execute records a protected failure.
type FailureHook func(name string, at time.Time, err error)

// Breaker is a named circuit breaker. It is safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config
	opts options

	mu                sync.Mutex
	state             State
	failureCount      int
	lastFailure       time.Time
	lastStateChange   time.Time
	halfOpenSuccesses int
	activeHalfOpen    int

	listenerMu sync.RWMutex
	listeners  []listenerEntry
	failures   []FailureHook
	nextID     int
}

type listenerEntry struct {
	id int
	fn Listener
}

// transition is a state change recorded under the lock and announced
// after it is released.
type transition struct {
	from, to     State
	reason       string
	failureCount int
}

// NewBreaker creates a closed breaker. Zero config fields take the
// defaults of DefaultConfig.
func NewBreaker(name string, cfg Config, opts ...Option) *Breaker {
	o := newOptions(opts)
	o.logger = observability.EnrichLogger(o.logger, "circuit_breaker", name)
	return &Breaker{
		name:            name,
		cfg:             cfg.withDefaults(),
		opts:            o,
		lastStateChange: time.Now(),
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Config returns the effective configuration.
func (b *Breaker) Config() Config { return b.cfg }

// State returns the current state. An open breaker whose recovery timeout
// has elapsed still reports OPEN until the next Execute.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// AddListener registers fn for state changes and returns a function that
// removes it.
func (b *Breaker) AddListener(fn Listener) (remove func()) {
	b.listenerMu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners = append(b.listeners, listenerEntry{id: id, fn: fn})
	b.listenerMu.Unlock()

	return func() {
		b.listenerMu.Lock()
		defer b.listenerMu.Unlock()
		for i, l := range b.listeners {
			if l.id == id {
				b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// OnFailure registers fn for every protected failure Execute records.
func (b *Breaker) OnFailure(fn FailureHook) {
	b.listenerMu.Lock()
	b.failures = append(b.failures, fn)
	b.listenerMu.Unlock()
}

// Execute runs op unless the circuit refuses it. A refused call returns an
// *errors.Error of kind CircuitOpen wrapping ErrCircuitOpen; otherwise op's
// error is returned unchanged.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	trial, err := b.admit(ctx)
	if err != nil {
		return err
	}

	finished := false
	defer func() {
		if !finished {
			b.release(trial)
		}
	}()

	opErr := op(ctx)
	finished = true
	b.record(ctx, trial, opErr)
	return opErr
}

// ExecuteValue is Execute for operations that return a value.
func ExecuteValue[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		out = v
		return err
	})
	return out, err
}

// IsProtected reports whether err counts as a failure for this breaker.
func (b *Breaker) IsProtected(err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return b.cfg.protects(err)
}

// admit applies time-based transitions and decides whether a call may
// proceed. trial reports whether the call holds a half-open slot.
func (b *Breaker) admit(ctx context.Context) (trial bool, err error) {
	b.mu.Lock()
	var changes []transition
	now := time.Now()

	if b.state == StateOpen && now.Sub(b.lastStateChange) >= b.cfg.RecoveryTimeout {
		changes = append(changes, b.transitionLocked(StateHalfOpen, ReasonRecoveryTimeout))
	}
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) >= b.cfg.FailureWindow {
		b.failureCount = 0
	}

	switch {
	case b.state == StateOpen:
		err = fgerrors.New(fgerrors.KindCircuitOpen, "execute", b.name, ErrCircuitOpen)
	case b.state == StateHalfOpen && b.activeHalfOpen >= b.cfg.HalfOpenMaxTries:
		err = fgerrors.New(fgerrors.KindCircuitOpen, "execute", b.name,
			fmt.Errorf("%w: half-open trial limit reached", ErrCircuitOpen))
	case b.state == StateHalfOpen:
		b.activeHalfOpen++
		trial = true
	}
	b.mu.Unlock()

	b.announce(ctx, changes)
	return trial, err
}

// release frees a half-open slot without recording an outcome.
func (b *Breaker) release(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	if b.state == StateHalfOpen && b.activeHalfOpen > 0 {
		b.activeHalfOpen--
	}
	b.mu.Unlock()
}

func (b *Breaker) record(ctx context.Context, trial bool, opErr error) {
	b.mu.Lock()
	var (
		changes  []transition
		failedAt time.Time
	)

	if trial && b.state == StateHalfOpen && b.activeHalfOpen > 0 {
		b.activeHalfOpen--
	}

	switch {
	case opErr == nil:
		if b.state == StateHalfOpen {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.HalfOpenMaxTries {
				changes = append(changes, b.transitionLocked(StateClosed, ReasonRecoveryConfirmed))
			}
		}
	case b.IsProtected(opErr):
		b.failureCount++
		b.lastFailure = time.Now()
		failedAt = b.lastFailure
		switch b.state {
		case StateHalfOpen:
			changes = append(changes, b.transitionLocked(StateOpen, ReasonFailureThreshold))
		case StateClosed:
			if b.failureCount >= b.cfg.FailureThreshold {
				changes = append(changes, b.transitionLocked(StateOpen, ReasonFailureThreshold))
			}
		}
	}
	b.mu.Unlock()

	if !failedAt.IsZero() {
		b.listenerMu.RLock()
		hooks := slices.Clone(b.failures)
		b.listenerMu.RUnlock()
		for _, fn := range hooks {
			fn(b.name, failedAt, opErr)
		}
	}
	b.announce(ctx, changes)
}

// Trip forces the breaker OPEN. It returns false if it already was.
func (b *Breaker) Trip(ctx context.Context, reason string) bool {
	if reason == "" {
		reason = ReasonManualTrip
	}
	return b.force(ctx, StateOpen, reason)
}

// Reset forces the breaker CLOSED. It returns false if it already was.
func (b *Breaker) Reset(ctx context.Context) bool {
	return b.force(ctx, StateClosed, ReasonManualReset)
}

// ForceHalfOpen moves the breaker to HALF_OPEN without waiting for the
// recovery timeout. It is used to replay persisted state.
func (b *Breaker) ForceHalfOpen(ctx context.Context) bool {
	return b.force(ctx, StateHalfOpen, ReasonForcedHalfOpen)
}

func (b *Breaker) force(ctx context.Context, to State, reason string) bool {
	b.mu.Lock()
	if b.state == to {
		b.mu.Unlock()
		return false
	}
	tr := b.transitionLocked(to, reason)
	b.mu.Unlock()

	b.announce(ctx, []transition{tr})
	return true
}

// transitionLocked changes state. b.mu must be held.
func (b *Breaker) transitionLocked(to State, reason string) transition {
	from := b.state
	b.state = to
	b.lastStateChange = time.Now()

	switch to {
	case StateHalfOpen:
		b.halfOpenSuccesses = 0
		b.activeHalfOpen = 0
	case StateClosed:
		b.failureCount = 0
	}
	return transition{from: from, to: to, reason: reason, failureCount: b.failureCount}
}

// announce publishes transitions in order: log, metrics, event, listeners.
func (b *Breaker) announce(ctx context.Context, changes []transition) {
	for _, tr := range changes {
		from, to := tr.from.String(), tr.to.String()
		observability.LogCircuitTransition(b.opts.logger, b.name, from, to, tr.reason)
		b.opts.metrics.RecordCircuitTransition(ctx, b.name, from, to)

		if b.opts.emitter != nil {
			b.opts.emitter.Emit(ctx, event.TypeSystemHealthChanged, map[string]any{
				"component":     "circuit_breaker_" + b.name,
				"state":         to,
				"failure_count": tr.failureCount,
				"details":       map[string]any{"reason": tr.reason},
			})
		}

		b.listenerMu.RLock()
		listeners := make([]listenerEntry, len(b.listeners))
		copy(listeners, b.listeners)
		b.listenerMu.RUnlock()

		for _, l := range listeners {
			b.notify(ctx, l.fn, tr)
		}
	}
}

func (b *Breaker) notify(ctx context.Context, fn Listener, tr transition) {
	defer func() {
		if r := recover(); r != nil {
			b.opts.logger.Error("circuit state listener panicked",
				slog.String("from", tr.from.String()),
				slog.String("to", tr.to.String()),
				slog.Any("panic", r),
			)
		}
	}()
	fn(ctx, b.name, tr.from, tr.to)
}

// restoreCounters applies persisted failure bookkeeping.
func (b *Breaker) restoreCounters(failureCount int, lastFailure time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = failureCount
	b.lastFailure = lastFailure
}

// Snapshot is a point-in-time copy of a breaker's fields.
type Snapshot struct {
	Name                string    `json:"name"`
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	FailureCount        int       `json:"failure_count"`
	LastFailureTime     time.Time `json:"last_failure_time,omitzero"`
	LastStateChange     time.Time `json:"last_state_change"`
	HalfOpenSuccesses   int       `json:"half_open_successes"`
	ActiveHalfOpenCalls int       `json:"active_half_open_calls"`
	Config              Config    `json:"config"`
}

// Snapshot returns the breaker's current fields.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                b.name,
		State:               b.state,
		StateName:           b.state.String(),
		FailureCount:        b.failureCount,
		LastFailureTime:     b.lastFailure,
		LastStateChange:     b.lastStateChange,
		HalfOpenSuccesses:   b.halfOpenSuccesses,
		ActiveHalfOpenCalls: b.activeHalfOpen,
		Config:              b.cfg,
	}
}
