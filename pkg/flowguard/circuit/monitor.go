package circuit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/randalmurphal/flowguard/pkg/flowguard/affinity"
)

// StartMonitoring binds the registry to the caller's executor and starts
// reporting breaker health every CheckInterval. Calling it while
// monitoring is a no-op.
func (r *Registry) StartMonitoring(ctx context.Context) error {
	return r.submit(ctx, func(ctx context.Context) error {
		r.monitorMu.Lock()
		defer r.monitorMu.Unlock()

		if r.monitoring.Load() {
			return nil
		}
		if r.opts.affinity != nil {
			r.opts.affinity.RegisterResource(r.resourceID(), r.opts.affinity.GetOrCreateExecutor(ctx))
		}

		loopCtx, cancel := context.WithCancel(affinity.Detach(context.WithoutCancel(ctx)))
		r.monitorCancel = cancel
		r.monitorWG = &conc.WaitGroup{}
		r.monitoring.Store(true)
		r.monitorWG.Go(func() {
			r.monitorLoop(loopCtx)
		})

		r.logger.Info("circuit breaker monitoring started",
			slog.Duration("interval", r.cfg.CheckInterval))
		return nil
	})
}

// StopMonitoring stops the monitoring loop and saves all state. Calling it
// when not monitoring is a no-op.
func (r *Registry) StopMonitoring(ctx context.Context) error {
	return r.submit(ctx, func(ctx context.Context) error {
		if !r.stopLoop() {
			return nil
		}
		err := r.SaveAll(ctx)
		if r.opts.affinity != nil {
			r.opts.affinity.UnregisterResource(r.resourceID())
		}
		r.logger.Info("circuit breaker monitoring stopped")
		return err
	})
}

// Monitoring reports whether the monitoring loop is running.
func (r *Registry) Monitoring() bool { return r.monitoring.Load() }

// stopLoop cancels the monitoring loop and waits up to StopTimeout for it.
// It reports whether a loop was running.
func (r *Registry) stopLoop() bool {
	r.monitorMu.Lock()
	if !r.monitoring.CompareAndSwap(true, false) {
		r.monitorMu.Unlock()
		return false
	}
	cancel, wg := r.monitorCancel, r.monitorWG
	r.monitorCancel, r.monitorWG = nil, nil
	r.monitorMu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.cfg.StopTimeout):
		r.logger.Warn("monitoring loop did not stop in time",
			slog.Duration("timeout", r.cfg.StopTimeout))
	}
	return true
}

func (r *Registry) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		r.CheckAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CheckAll reports the health and reliability of every breaker to the
// health reporter.
func (r *Registry) CheckAll(ctx context.Context) {
	if r.opts.reporter == nil {
		return
	}
	now := time.Now()

	for _, name := range r.Names() {
		b, ok := r.breakers.Get(name)
		if !ok {
			continue
		}
		snap := b.Snapshot()
		rel := r.reliability.snapshot(name, snap.State, snap.LastStateChange, now)

		status, desc := breakerHealth(name, snap.State)
		var lastFailure any
		if !snap.LastFailureTime.IsZero() {
			lastFailure = snap.LastFailureTime.Format(time.RFC3339Nano)
			if snap.State == StateOpen {
				desc = fmt.Sprintf("Circuit %s is OPEN with %d failures as of %s",
					name, snap.FailureCount, lastFailure)
			}
		}

		durations := make(map[string]float64, len(rel.StateDurations))
		for s, d := range rel.StateDurations {
			durations[s] = d.Seconds()
		}
		var avgRecovery any
		if rel.AvgRecoveryTime > 0 {
			avgRecovery = rel.AvgRecoveryTime.Seconds()
		}

		r.report(ctx, name, status, desc, map[string]any{
			"state":             snap.StateName,
			"failure_count":     snap.FailureCount,
			"last_failure":      lastFailure,
			"error_density":     rel.ErrorDensity,
			"time_in_state":     now.Sub(snap.LastStateChange).Seconds(),
			"state_durations":   durations,
			"avg_recovery_time": avgRecovery,
			"total_trips":       rel.TotalTrips,
		})
	}
}
