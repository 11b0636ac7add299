package flowguard

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/randalmurphal/flowguard/pkg/flowguard/affinity"
	"github.com/randalmurphal/flowguard/pkg/flowguard/backpressure"
	"github.com/randalmurphal/flowguard/pkg/flowguard/circuit"
	"github.com/randalmurphal/flowguard/pkg/flowguard/config"
	"github.com/randalmurphal/flowguard/pkg/flowguard/event"
	"github.com/randalmurphal/flowguard/pkg/flowguard/health"
	"github.com/randalmurphal/flowguard/pkg/flowguard/observability"
	"github.com/randalmurphal/flowguard/pkg/flowguard/state"
)

// System wires the event queue, backpressure, circuit breakers, health
// tracking and executor affinity into one unit with a single lifecycle.
//
// System is safe for concurrent use. Components are exposed through
// accessors for direct use once Start has returned.
type System struct {
	settings config.Settings
	logger   *slog.Logger

	affinity     *affinity.Registry
	store        state.Store
	ownsStore    bool
	health       *health.Tracker
	backpressure *backpressure.Manager
	deadLetters  *event.DeadLetters
	queue        *event.Queue
	circuits     *circuit.Registry

	// main owns the queue and circuit registry resources.
	main *affinity.Executor

	mu            sync.Mutex
	started       bool
	closed        bool
	housekeeping  *conc.WaitGroup
	stopHousekeep context.CancelFunc
}

// New builds every component from settings. Nothing runs until Start.
func New(ctx context.Context, settings config.Settings, opts ...Option) (*System, error) {
	if err := settings.Validate(); err != nil {
		return nil, &StageError{Stage: "validate_settings", Err: err}
	}

	o := systemOptions{
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	s := &System{settings: settings}

	s.affinity = affinity.NewRegistry(
		affinity.WithLogger(logger),
		affinity.WithSubmitTimeout(settings.Affinity.SubmitTimeout),
	)

	s.store = o.store
	if s.store == nil {
		store, err := openStore(ctx, settings.State)
		if err != nil {
			s.affinity.Close()
			return nil, &StageError{Stage: "open_store", Err: err}
		}
		s.store = store
		s.ownsStore = true
	}

	s.health = health.NewTracker(
		health.WithLogger(logger),
		health.WithEmitter(s.emitHealth),
	)

	bp := settings.Backpressure
	bp.Logger = logger
	s.backpressure = backpressure.NewManager(bp)

	s.deadLetters = event.NewDeadLetters(settings.DeadLetters)
	s.queue = event.NewQueue(settings.Queue,
		event.WithAdmission(s.backpressure),
		event.WithAffinity(s.affinity),
		event.WithLogger(logger),
		event.WithMetrics(o.metrics),
		event.WithSpans(o.spans),
		event.WithDeadLetters(s.deadLetters),
	)
	s.logger = observability.EnrichLogger(logger, "system", s.queue.ID())

	s.circuits = circuit.NewRegistry(circuitConfig(settings.Circuit, o.protectedErrors),
		circuit.WithEmitter(s.queue),
		circuit.WithLogger(logger),
		circuit.WithMetrics(o.metrics),
		circuit.WithSpans(o.spans),
		circuit.WithStore(s.store),
		circuit.WithHealthReporter(s.health),
		circuit.WithAffinity(s.affinity),
	)

	s.main = s.affinity.NewExecutor("flowguard")
	return s, nil
}

func circuitConfig(cfg circuit.RegistryConfig, protected func(error) bool) circuit.RegistryConfig {
	if protected == nil {
		return cfg
	}
	if cfg.Default.ProtectedErrors == nil {
		cfg.Default.ProtectedErrors = protected
	}
	components := make(map[string]circuit.Config, len(cfg.Components))
	for name, c := range cfg.Components {
		if c.ProtectedErrors == nil {
			c.ProtectedErrors = protected
		}
		components[name] = c
	}
	cfg.Components = components
	return cfg
}

// emitHealth publishes tracker status changes. Breakers announce their own
// transitions, so their components are skipped.
func (s *System) emitHealth(ctx context.Context, eventType string, data map[string]any) {
	if id, _ := data["component"].(string); strings.HasPrefix(id, circuit.KeyPrefix) {
		return
	}
	s.queue.Emit(ctx, eventType, data, event.WithPriority(event.PriorityHigh))
}

// Start starts the queue, restores persisted breaker state and starts
// breaker monitoring, all owned by the system's executor. A failure to
// restore state is logged and does not stop startup.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}

	err := s.affinity.RunInExecutor(ctx, s.main, func(ctx context.Context) error {
		if err := s.queue.Start(ctx); err != nil {
			return &StageError{Stage: "start_queue", Err: err}
		}

		n, err := s.circuits.LoadState(ctx)
		if err != nil {
			s.logger.Warn("failed to restore circuit state", slog.Any("error", err))
		} else if n > 0 {
			s.logger.Info("restored circuit state", slog.Int("circuits", n))
		}

		if err := s.circuits.StartMonitoring(ctx); err != nil {
			return &StageError{Stage: "start_monitoring", Err: err}
		}
		return nil
	})
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(affinity.Detach(context.WithoutCancel(ctx)))
	s.stopHousekeep = cancel
	s.housekeeping = &conc.WaitGroup{}
	s.housekeeping.Go(func() {
		s.housekeep(loopCtx)
	})

	s.started = true
	s.logger.Info("flowguard started",
		slog.String("state_backend", s.settings.State.Backend),
		slog.Int("max_size", s.queue.Config().MaxSize),
	)
	return nil
}

// housekeep reports queue health and removes stale executors every
// circuit check interval.
func (s *System) housekeep(ctx context.Context) {
	interval := s.settings.Circuit.CheckInterval
	if interval <= 0 {
		interval = circuit.DefaultRegistryConfig.CheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.queue.ReportHealth(ctx, s.health)
		if age := s.settings.Affinity.StaleAfter; age > 0 {
			s.affinity.CleanupStaleExecutors(age)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close stops monitoring, saves breaker state, drains and stops the queue,
// stops every executor and closes the store if the System opened it.
// Closing twice is a no-op.
func (s *System) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.stopHousekeep != nil {
		s.stopHousekeep()
		s.housekeeping.Wait()
	}

	var errs []error
	err := s.affinity.RunInExecutor(ctx, s.main, func(ctx context.Context) error {
		var errs []error
		if err := s.circuits.Close(ctx); err != nil {
			errs = append(errs, &StageError{Stage: "close_circuits", Err: err})
		}
		if err := s.queue.Stop(ctx); err != nil {
			errs = append(errs, &StageError{Stage: "stop_queue", Err: err})
		}
		return errors.Join(errs...)
	})
	if err != nil {
		errs = append(errs, err)
	}

	s.affinity.Close()
	if s.ownsStore {
		if err := s.store.Close(); err != nil {
			errs = append(errs, &StageError{Stage: "close_store", Err: err})
		}
	}

	s.logger.Info("flowguard stopped")
	return errors.Join(errs...)
}

// Running reports whether Start succeeded and Close has not been called.
func (s *System) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.closed
}

// Settings returns the settings the System was built from.
func (s *System) Settings() config.Settings { return s.settings }

// Queue returns the event queue.
func (s *System) Queue() *event.Queue { return s.queue }

// Circuits returns the circuit breaker registry.
func (s *System) Circuits() *circuit.Registry { return s.circuits }

// Backpressure returns the admission manager.
func (s *System) Backpressure() *backpressure.Manager { return s.backpressure }

// DeadLetters returns the failed deliveries recorded by the queue.
func (s *System) DeadLetters() *event.DeadLetters { return s.deadLetters }

// Health returns the health tracker.
func (s *System) Health() *health.Tracker { return s.health }

// Affinity returns the executor registry.
func (s *System) Affinity() *affinity.Registry { return s.affinity }

// Store returns the circuit state store.
func (s *System) Store() state.Store { return s.store }

// SystemHealth refreshes the queue report and returns the aggregate.
func (s *System) SystemHealth(ctx context.Context) health.Report {
	s.queue.ReportHealth(ctx, s.health)
	return s.health.SystemHealth()
}
