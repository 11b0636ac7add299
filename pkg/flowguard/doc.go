/*
Package flowguard provides in-process event plumbing with backpressure and
circuit breaking for resource-oriented services.

# Overview

A System bundles the pieces that are useful on their own but are normally
run together:

  - event: a three-lane priority queue with batched, retried, executor-aware
    delivery and a dead-letter store
  - backpressure: per-type token buckets plus saturation-driven priority
    downgrades and rejection
  - circuit: breakers with a dependency graph, cascading trips, persisted
    state and reliability monitoring
  - health: component reports aggregated into a system status
  - affinity: executors that own resources so work is marshaled into its owner
  - state: memory, SQLite and Postgres stores for breaker state

# Basic Usage

Load settings, build the System and start it:

	settings, err := config.LoadSettings("flowguard.yaml")
	if err != nil {
	    log.Fatal(err)
	}

	sys, err := flowguard.New(ctx, settings,
	    flowguard.WithLogger(logger),
	    flowguard.WithMetrics(observability.NewMetricsRecorder()))
	if err != nil {
	    log.Fatal(err)
	}
	if err := sys.Start(ctx); err != nil {
	    log.Fatal(err)
	}
	defer sys.Close(context.Background())

Subscribe and emit through the queue:

	sys.Queue().Subscribe(ctx, "ping", event.HandlerFunc(
	    func(ctx context.Context, e event.Event) error {
	        fmt.Println(len(e.BatchItems()), "pings")
	        return nil
	    }))
	sys.Queue().Emit(ctx, "ping", map[string]any{"seq": 1})

Guard calls to a dependency with a breaker:

	err = sys.Circuits().Execute(ctx, "orders-db", "database",
	    func(ctx context.Context) error {
	        return db.PingContext(ctx)
	    })
	if fgerrors.IsCircuitOpen(err) {
	    // fail fast
	}

# Lifecycle

Start starts the queue, restores persisted breaker state and starts
breaker monitoring. Breakers registered before Start get their persisted
state back; breakers created later pick up persisted metadata when they
register. Close saves breaker state, drains the queue, stops every
executor and closes the store if the System opened it.
*/
package flowguard
