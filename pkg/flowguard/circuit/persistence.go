package circuit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	fgerrors "github.com/randalmurphal/flowguard/pkg/flowguard/errors"
	"github.com/randalmurphal/flowguard/pkg/flowguard/observability"
	"github.com/randalmurphal/flowguard/pkg/flowguard/state"
)

// KeyPrefix prefixes every persisted breaker key.
const KeyPrefix = "circuit_breaker_"

// Restoration reasons used when replaying persisted state.
const (
	reasonRestored     = "Restored from persisted state"
	reasonIntermediate = "Intermediate state for restoration"
)

// saveConcurrency bounds parallel writes in SaveAll.
const saveConcurrency = 4

// SaveState persists one breaker. Failures are logged and returned as a
// PersistenceFailure; they never affect the breaker itself. Without a
// store, or for an unknown breaker, it does nothing.
func (r *Registry) SaveState(ctx context.Context, name string) error {
	if r.opts.store == nil {
		return nil
	}
	b, ok := r.breakers.Get(name)
	if !ok {
		return nil
	}

	snap := b.Snapshot()
	var lastFailure any
	if !snap.LastFailureTime.IsZero() {
		lastFailure = formatTime(snap.LastFailureTime)
	}

	r.mu.RLock()
	value := map[string]any{
		"state":             snap.StateName,
		"failure_count":     snap.FailureCount,
		"last_failure_time": lastFailure,
		"children":          stringsOrEmpty(r.children[name]),
		"parents":           stringsOrEmpty(r.parents[name]),
	}
	var md Metadata
	if m, ok := r.metadata[name]; ok {
		md = *m
	}
	r.mu.RUnlock()

	key := KeyPrefix + name
	if err := r.opts.store.SetState(ctx, key, value, metadataMap(md)); err != nil {
		perr := fgerrors.Persistence("save_state", key, err)
		observability.LogPersistenceError(r.logger, "save_state", key, err)
		return perr
	}
	return nil
}

// SaveAll persists every breaker, a few at a time, and returns the joined
// failures.
func (r *Registry) SaveAll(ctx context.Context) error {
	if r.opts.store == nil {
		return nil
	}
	names := r.Names()
	p := pool.New().WithErrors().WithMaxGoroutines(saveConcurrency)
	for _, name := range names {
		p.Go(func() error {
			return r.SaveState(ctx, name)
		})
	}
	err := p.Wait()
	if err == nil {
		r.logger.Debug("saved circuit breaker states", slog.Int("count", len(names)))
	}
	return err
}

// LoadState restores persisted breakers. Registered breakers replay the
// persisted state through Trip, ForceHalfOpen and Reset so listeners
// fire; breakers not registered yet get their metadata and dependencies
// ahead of creation. It returns the number of entries loaded.
func (r *Registry) LoadState(ctx context.Context) (int, error) {
	if r.opts.store == nil {
		return 0, nil
	}

	var loaded int
	err := r.submit(ctx, func(ctx context.Context) error {
		keys := fgerrors.WithRetryContext(ctx, fgerrors.PersistenceRetry, func(ctx context.Context) ([]string, error) {
			return r.opts.store.GetKeysByPrefix(ctx, KeyPrefix)
		})
		if keys.Err != nil {
			observability.LogPersistenceError(r.logger, "get_keys_by_prefix", KeyPrefix, keys.Err)
			return fgerrors.Persistence("load_state", KeyPrefix, keys.Err)
		}

		for _, key := range keys.Value {
			entry, err := r.opts.store.GetState(ctx, key)
			if err != nil {
				observability.LogPersistenceError(r.logger, "get_state", key, err)
				continue
			}
			r.restore(ctx, strings.TrimPrefix(key, KeyPrefix), entry)
			loaded++
		}
		return nil
	})

	r.logger.Info("loaded circuit breaker states", slog.Int("count", loaded))
	return loaded, err
}

func (r *Registry) restore(ctx context.Context, name string, entry *state.Entry) {
	value := entry.Value

	if b, ok := r.breakers.Get(name); ok {
		if s, ok := value["state"].(string); ok {
			replayState(ctx, b, s, r.logger)
		}
		lastFailure, _ := parseTime(value["last_failure_time"])
		b.restoreCounters(toInt(value["failure_count"]), lastFailure)
	}

	now := time.Now()
	r.mu.Lock()
	md, ok := r.metadata[name]
	if !ok {
		md = &Metadata{}
		r.metadata[name] = md
	}
	if t, ok := parseTime(entry.Metadata["registered_time"]); ok {
		md.RegisteredTime = t
	} else if md.RegisteredTime.IsZero() {
		md.RegisteredTime = now
	}
	md.TripCount = toInt(entry.Metadata["trip_count"])
	md.LastTrip, _ = parseTime(entry.Metadata["last_trip"])
	md.LastReset, _ = parseTime(entry.Metadata["last_reset"])
	md.LastLoaded = now

	for _, child := range toStrings(value["children"]) {
		r.addEdgeLocked(name, child)
	}
	for _, parent := range toStrings(value["parents"]) {
		r.addEdgeLocked(parent, name)
	}
	r.mu.Unlock()

	if r.breakers.Has(name) {
		_ = r.SaveState(ctx, name)
	}
	r.logger.Debug("loaded circuit breaker state", slog.String("circuit", name))
}

// replayState drives b to the persisted state through its transitions.
func replayState(ctx context.Context, b *Breaker, persisted string, logger *slog.Logger) {
	s, err := ParseState(persisted)
	if err != nil {
		logger.Warn("ignoring persisted circuit state",
			slog.String("circuit", b.Name()),
			slog.String("state", persisted),
		)
		return
	}
	switch s {
	case StateOpen:
		b.Trip(ctx, reasonRestored)
	case StateHalfOpen:
		if b.State() == StateClosed {
			b.Trip(ctx, reasonIntermediate)
		}
		b.ForceHalfOpen(ctx)
	case StateClosed:
		b.Reset(ctx)
	}
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// toInt accepts the numeric shapes a store may hand back.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string(nil), s...)
}
