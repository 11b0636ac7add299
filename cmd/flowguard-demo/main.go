// flowguard-demo runs a short scenario against a fully wired System: a
// burst of ping events delivered in batches, and a database breaker whose
// failures cascade to a dependent API breaker. It prints the deliveries,
// the health announcements and the final statistics.
//
// Settings come from an optional YAML or JSON file; flags override the
// state backend and the telemetry endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/pflag"

	"github.com/randalmurphal/flowguard/pkg/flowguard"
	"github.com/randalmurphal/flowguard/pkg/flowguard/config"
	"github.com/randalmurphal/flowguard/pkg/flowguard/event"
	"github.com/randalmurphal/flowguard/pkg/flowguard/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		pings        int
		backend      string
		statePath    string
		otlpEndpoint string
		printJSON    bool
	)

	flagSet := pflag.NewFlagSet("flowguard-demo", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML or JSON settings file")
	flagSet.IntVarP(&pings, "pings", "n", 6, "number of ping events to emit")
	flagSet.StringVar(&backend, "state-backend", "", "override state.backend (memory, sqlite, postgres)")
	flagSet.StringVar(&statePath, "state-path", "", "override state.path for the sqlite backend")
	flagSet.StringVar(&otlpEndpoint, "otlp-endpoint", "", "override telemetry.otlp_endpoint")
	flagSet.BoolVar(&printJSON, "json", false, "print final statistics as JSON")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	settings := config.DefaultSettings()
	if configPath != "" {
		loaded, err := config.LoadSettings(configPath)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		settings = loaded
	}
	if flagSet.Changed("state-backend") {
		settings.State.Backend = backend
	}
	if flagSet.Changed("state-path") {
		settings.State.Path = statePath
	}
	if flagSet.Changed("otlp-endpoint") {
		settings.Telemetry.Endpoint = otlpEndpoint
	}

	logger := newLogger(settings.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.InitTelemetry(ctx, settings.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	sys, err := flowguard.New(ctx, settings,
		flowguard.WithLogger(logger),
		flowguard.WithMetrics(observability.NewMetricsRecorder()),
		flowguard.WithSpans(observability.NewSpanManager()),
	)
	if err != nil {
		return err
	}
	if err := sys.Start(ctx); err != nil {
		return errors.Join(err, sys.Close(context.Background()))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sys.Close(closeCtx); err != nil {
			logger.Error("shutdown failed", slog.Any("error", err))
		}
	}()

	var delivered atomic.Int64
	if err := subscribe(ctx, sys, &delivered); err != nil {
		return err
	}

	fmt.Printf("emitting %d pings (batch size %d)\n", pings, settings.Queue.BatchSize)
	for i := range pings {
		if !sys.Queue().Emit(ctx, "ping", map[string]any{"seq": i}) {
			fmt.Printf("  ping %d rejected\n", i)
		}
	}

	if err := tripDatabase(ctx, sys); err != nil {
		return err
	}

	waitFor(ctx, func() bool { return delivered.Load() >= int64(pings) },
		settings.Queue.BatchTimeout*4+time.Second)

	return printStats(sys, printJSON)
}

func subscribe(ctx context.Context, sys *flowguard.System, delivered *atomic.Int64) error {
	_, err := sys.Queue().Subscribe(ctx, "ping", event.HandlerFunc(
		func(_ context.Context, e event.Event) error {
			items := e.BatchItems()
			delivered.Add(int64(len(items)))
			fmt.Printf("  delivered batch of %d pings\n", len(items))
			return nil
		}))
	if err != nil {
		return err
	}

	_, err = sys.Queue().Subscribe(ctx, event.TypeSystemHealthChanged, event.HandlerFunc(
		func(_ context.Context, e event.Event) error {
			for _, item := range e.BatchItems() {
				status := item["state"]
				if status == nil {
					status = item["status"]
				}
				fmt.Printf("  health: %v -> %v\n", item["component"], status)
			}
			return nil
		}))
	return err
}

// tripDatabase fails the database breaker until it opens, which cascades
// to the api breaker that depends on it.
func tripDatabase(ctx context.Context, sys *flowguard.System) error {
	circuits := sys.Circuits()
	circuits.GetOrCreate(ctx, "orders-db", "database", nil)
	circuits.GetOrCreate(ctx, "orders-api", "api", nil)
	if err := circuits.RegisterDependency(ctx, "orders-api", "orders-db"); err != nil {
		return fmt.Errorf("register dependency: %w", err)
	}

	errUnavailable := errors.New("database unavailable")
	b, _ := circuits.Get("orders-db")
	threshold := b.Config().FailureThreshold
	fmt.Printf("failing orders-db %d times\n", threshold)
	for range threshold {
		_ = circuits.Execute(ctx, "orders-db", "database", func(context.Context) error {
			return errUnavailable
		})
	}
	circuits.WaitCascades()

	err := circuits.Execute(ctx, "orders-api", "api", func(context.Context) error { return nil })
	fmt.Printf("orders-api call after cascade: %v\n", err)
	return nil
}

func waitFor(ctx context.Context, cond func() bool, limit time.Duration) {
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

func printStats(sys *flowguard.System, asJSON bool) error {
	stats := sys.Stats()
	if asJSON {
		out, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return fmt.Errorf("encode stats: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Println()
	fmt.Printf("queue: processed=%d failed=%d pending=%d\n",
		stats.Queue.Processed, stats.Queue.Failed, stats.Queue.Sizes.Total)
	fmt.Printf("backpressure: rejected=%d\n", stats.Backpressure.Rejections.Total)
	fmt.Printf("circuits: %d total, %d open, %d half-open, %d closed\n",
		stats.Circuits.Total, stats.Circuits.Totals["OPEN"],
		stats.Circuits.Totals["HALF_OPEN"], stats.Circuits.Totals["CLOSED"])
	for name, c := range stats.Circuits.Circuits {
		fmt.Printf("  %-12s %-9s failures=%d trips=%d parents=%v\n",
			name, c.State, c.FailureCount, c.TripCount, c.Parents)
	}
	fmt.Printf("health: %s (%s)\n", stats.Health.Status, stats.Health.Description)
	return nil
}

func newLogger(s config.LoggingSettings) *slog.Logger {
	opts := &slog.HandlerOptions{Level: s.SlogLevel()}
	if s.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `flowguard-demo runs a short event and circuit breaker scenario.

Usage:
  flowguard-demo [flags]

Flags:
%s`, flagSet.FlagUsages())
}
