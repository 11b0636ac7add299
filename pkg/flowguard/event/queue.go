package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/randalmurphal/flowguard/pkg/flowguard/affinity"
	"github.com/randalmurphal/flowguard/pkg/flowguard/observability"
)

// QueueConfig configures a Queue. Zero fields take the defaults of
// DefaultQueueConfig.
type QueueConfig struct {
	// ID names the queue in logs and affinity bindings.
	// Default: a random id
	ID string

	// MaxSize is the normal lane capacity. The high lane holds
	// max(10, MaxSize/10) and the low lane 2*MaxSize.
	// Default: 1000
	MaxSize int

	// BatchSize caps the number of same-type normal events per delivery.
	// Default: 5
	BatchSize int

	// IdleTimeout bounds how long the processing loop sleeps when every
	// lane is empty. Emits wake it early.
	// Default: 100ms
	IdleTimeout time.Duration

	// BatchTimeout is how long an open batch waits for another event of
	// its type before it is delivered.
	// Default: 200ms
	BatchTimeout time.Duration

	// MaxRetries is the number of retries after a failed handler call.
	// Default: 3
	MaxRetries int

	// RetryBaseDelay is the first retry delay; later delays double.
	// Default: 1s
	RetryBaseDelay time.Duration

	// RetryJitter adds up to this fraction of each delay at random.
	// Default: 0.1
	RetryJitter float64

	// HistorySize bounds the recent-events ring.
	// Default: 10000
	HistorySize int

	// DrainTimeout bounds how long Stop waits for lanes to empty.
	// Default: 3s
	DrainTimeout time.Duration

	// StopTimeout bounds how long Stop waits for the loop to exit.
	// Default: 2s
	StopTimeout time.Duration
}

// DefaultQueueConfig provides the standard queue settings.
var DefaultQueueConfig = QueueConfig{
	MaxSize:        1000,
	BatchSize:      5,
	IdleTimeout:    100 * time.Millisecond,
	BatchTimeout:   200 * time.Millisecond,
	MaxRetries:     3,
	RetryBaseDelay: time.Second,
	RetryJitter:    0.1,
	HistorySize:    10000,
	DrainTimeout:   3 * time.Second,
	StopTimeout:    2 * time.Second,
}

func (c QueueConfig) withDefaults() QueueConfig {
	d := DefaultQueueConfig
	if c.ID == "" {
		c.ID = "queue-" + uuid.New().String()[:8]
	}
	if c.MaxSize <= 0 {
		c.MaxSize = d.MaxSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithAdmission sets the backpressure policy. Default: admit everything.
func WithAdmission(a Admission) QueueOption {
	return func(q *Queue) {
		if a != nil {
			q.admission = a
		}
	}
}

// WithAffinity pins the queue to an executor so lifecycle and
// subscription changes run in its owning context, and lets deliveries be
// marshaled into subscriber executors.
func WithAffinity(r *affinity.Registry) QueueOption {
	return func(q *Queue) {
		q.affinity = r
	}
}

// WithLogger sets the logger. Default: slog.Default()
func WithLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder. Default: no-op.
func WithMetrics(m observability.MetricsRecorder) QueueOption {
	return func(q *Queue) {
		if m != nil {
			q.metrics = m
		}
	}
}

// WithSpans sets the span manager used around deliveries. Default: no-op.
func WithSpans(s observability.SpanManager) QueueOption {
	return func(q *Queue) {
		if s != nil {
			q.spans = s
		}
	}
}

// WithDeadLetters records deliveries that exhausted their retries.
func WithDeadLetters(sink DeadLetterSink) QueueOption {
	return func(q *Queue) {
		q.deadLetters = sink
	}
}

// Queue is a three-lane priority event queue with backpressure, batched
// normal-priority delivery and retrying handlers. All methods are safe for
// concurrent use.
type Queue struct {
	cfg         QueueConfig
	admission   Admission
	affinity    *affinity.Registry
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	spans       observability.SpanManager
	deadLetters DeadLetterSink

	mu     sync.RWMutex
	high   *lane
	normal *lane
	low    *lane
	subs   map[string][]*Subscription
	cancel context.CancelFunc
	wg     *conc.WaitGroup

	running atomic.Bool
	wake    chan struct{}
	history *history

	retryMu sync.Mutex
	retries map[string]int

	processed atomic.Int64
	failed    atomic.Int64
}

// NewQueue creates a stopped queue.
func NewQueue(cfg QueueConfig, opts ...QueueOption) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:       cfg,
		admission: admitAll{},
		logger:    slog.Default(),
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
		subs:      make(map[string][]*Subscription),
		wake:      make(chan struct{}, 1),
		history:   newHistory(cfg.HistorySize),
		retries:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = observability.EnrichLogger(q.logger, "event_queue", cfg.ID)
	return q
}

// ID returns the queue identifier.
func (q *Queue) ID() string { return q.cfg.ID }

// Config returns the effective configuration.
func (q *Queue) Config() QueueConfig { return q.cfg }

// Running reports whether the queue accepts events.
func (q *Queue) Running() bool { return q.running.Load() }

// resourceID is the queue's key in the affinity registry.
func (q *Queue) resourceID() string { return "event_queue:" + q.cfg.ID }

// submit runs fn in the queue's owning executor.
func (q *Queue) submit(ctx context.Context, fn func(context.Context) error) error {
	if q.affinity == nil {
		return fn(ctx)
	}
	return q.affinity.Submit(ctx, q.resourceID(), fn)
}

// Start allocates the lanes, binds the queue to the caller's executor and
// starts the processing loop. Starting a running queue is a no-op.
func (q *Queue) Start(ctx context.Context) error {
	return q.submit(ctx, func(ctx context.Context) error {
		q.mu.Lock()
		defer q.mu.Unlock()

		if q.running.Load() {
			return nil
		}
		if q.high == nil {
			h, n, l := laneCapacities(q.cfg.MaxSize)
			q.high, q.normal, q.low = newLane(h), newLane(n), newLane(l)
		}
		if q.affinity != nil {
			q.affinity.RegisterResource(q.resourceID(), q.affinity.GetOrCreateExecutor(ctx))
		}

		loopCtx, cancel := context.WithCancel(affinity.Detach(context.WithoutCancel(ctx)))
		q.cancel = cancel
		q.wg = &conc.WaitGroup{}
		q.running.Store(true)

		high, normal, low := q.high, q.normal, q.low
		q.wg.Go(func() {
			q.process(loopCtx, high, normal, low)
		})

		q.logger.Info("event queue started", slog.Int("max_size", q.cfg.MaxSize))
		return nil
	})
}

// Stop stops accepting events, waits for the lanes to drain, stops the
// processing loop and clears subscriptions and history. Stopping a stopped
// queue is a no-op.
//
// While Stop waits inside the owning executor, that executor keeps running
// marshaled work, so subscribers it owns still receive the drained events.
func (q *Queue) Stop(ctx context.Context) error {
	return q.submit(ctx, func(ctx context.Context) error {
		if !q.running.CompareAndSwap(true, false) {
			return nil
		}

		q.drain(ctx)

		q.mu.Lock()
		cancel, wg := q.cancel, q.wg
		q.cancel, q.wg = nil, nil
		q.mu.Unlock()

		cancel()
		stopped := make(chan struct{})
		go func() {
			wg.Wait()
			close(stopped)
		}()
		if !q.await(ctx, stopped, q.cfg.StopTimeout) {
			q.logger.Warn("processing loop did not stop in time",
				slog.Duration("timeout", q.cfg.StopTimeout))
		}

		q.mu.Lock()
		q.subs = make(map[string][]*Subscription)
		q.mu.Unlock()
		q.history.clear()
		q.retryMu.Lock()
		clear(q.retries)
		q.retryMu.Unlock()

		if q.affinity != nil {
			q.affinity.UnregisterResource(q.resourceID())
		}
		q.logger.Info("event queue stopped", slog.Int64("processed", q.processed.Load()))
		return nil
	})
}

// drain waits up to DrainTimeout for the lanes to empty.
func (q *Queue) drain(ctx context.Context) {
	empty := make(chan struct{})
	quit := make(chan struct{})
	defer close(quit)

	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for q.Sizes().Total > 0 {
			select {
			case <-quit:
				return
			case <-tick.C:
			}
		}
		close(empty)
	}()

	if !q.await(ctx, empty, q.cfg.DrainTimeout) {
		q.logger.Warn("lanes not drained before stop",
			slog.Int("pending", q.Sizes().Total))
	}
}

// await waits up to timeout for done and reports whether it closed. Inside
// an executor it keeps running the executor's queued work.
func (q *Queue) await(ctx context.Context, done <-chan struct{}, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if exec := affinity.FromContext(ctx); exec != nil {
		return exec.Wait(ctx, done) == nil
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Emit queues an event and reports whether it was accepted. Backpressure
// may rate limit, re-prioritize or reject it; rejection is not an error.
// A rejected critical event is delivered once directly to current
// subscribers, bypassing the lanes, and Emit still returns false.
func (q *Queue) Emit(ctx context.Context, eventType string, data map[string]any, opts ...EmitOption) bool {
	cfg := emitConfig{priority: PriorityNormal}
	for _, opt := range opts {
		opt(&cfg)
	}

	q.mu.RLock()
	high, normal, low := q.high, q.normal, q.low
	q.mu.RUnlock()

	if !q.running.Load() || high == nil {
		q.reject(ctx, eventType, data, cfg, cfg.priority, "not_running")
		return false
	}

	hs, ns, ls := high.occupancy(), normal.occupancy(), low.occupancy()
	q.admission.UpdateSaturation(hs, ns, ls)
	q.metrics.RecordLaneSaturation(ctx, hs, ns, ls)

	if !q.admission.CheckRateLimit(eventType, cfg.priority) {
		q.reject(ctx, eventType, data, cfg, cfg.priority, "rate_limited")
		return false
	}

	p := q.admission.AdjustedPriority(eventType, cfg.priority)
	if q.admission.ShouldReject(eventType, p) {
		q.reject(ctx, eventType, data, cfg, p, "saturated")
		return false
	}

	e := New(eventType, data, p, cfg.correlationID, cfg.metadata)
	target := normal
	switch p {
	case PriorityHigh:
		target = high
	case PriorityLow:
		target = low
	}
	if !target.put(e) {
		q.logger.Warn("lane full, rejecting event",
			slog.String("event_type", eventType),
			slog.String("priority", p.String()),
		)
		q.reject(ctx, eventType, data, cfg, p, "lane_full")
		return false
	}

	q.history.add(e)
	q.metrics.RecordEmit(ctx, eventType, p.String(), true)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue) reject(ctx context.Context, eventType string, data map[string]any, cfg emitConfig, p Priority, reason string) {
	observability.LogEventRejected(q.logger, eventType, p.String(), reason)
	q.metrics.RecordEmit(ctx, eventType, p.String(), false)
	q.metrics.RecordRejection(ctx, eventType, reason)

	if IsCritical(eventType) {
		q.deliverDirect(ctx, New(eventType, data, p, cfg.correlationID, cfg.metadata))
	}
}

// deliverDirect makes one attempt per subscriber, with no retries.
func (q *Queue) deliverDirect(ctx context.Context, e Event) {
	for _, sub := range q.subscribers(e.Type) {
		if err := q.invoke(ctx, sub, e); err != nil {
			q.logger.Error("direct delivery of critical event failed",
				slog.String("event_type", e.Type),
				slog.String("subscription_id", sub.id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Subscribe registers h for eventType. The executor running the caller,
// if any, becomes the subscription's owner and deliveries are marshaled
// into it. Subscribing the same comparable handler from the same executor
// again returns the existing subscription.
func (q *Queue) Subscribe(ctx context.Context, eventType string, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	owner := affinity.FromContext(ctx)

	var sub *Subscription
	err := q.submit(ctx, func(context.Context) error {
		q.mu.Lock()
		defer q.mu.Unlock()

		for _, existing := range q.subs[eventType] {
			if existing.owner == owner && sameHandler(existing.handler, h) {
				sub = existing
				return nil
			}
		}
		sub = newSubscription(q, eventType, h, owner)
		q.subs[eventType] = append(q.subs[eventType], sub)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", eventType, err)
	}

	q.logger.Debug("subscribed",
		slog.String("event_type", eventType),
		slog.String("subscription_id", sub.id),
	)
	return sub, nil
}

// Unsubscribe removes every subscription of h to eventType. Handlers that
// are not comparable, such as HandlerFunc, can only be removed through
// Subscription.Unsubscribe.
func (q *Queue) Unsubscribe(ctx context.Context, eventType string, h Handler) error {
	return q.submit(ctx, func(context.Context) error {
		q.removeSubscription(eventType, func(s *Subscription) bool {
			return sameHandler(s.handler, h)
		})
		return nil
	})
}

func (q *Queue) removeSubscription(eventType string, match func(*Subscription) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	subs := q.subs[eventType]
	kept := subs[:0:0]
	for _, s := range subs {
		if !match(s) {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(q.subs, eventType)
		return
	}
	q.subs[eventType] = kept
}

// subscribers returns a snapshot of the subscriptions for eventType.
func (q *Queue) subscribers(eventType string) []*Subscription {
	q.mu.RLock()
	defer q.mu.RUnlock()
	subs := q.subs[eventType]
	out := make([]*Subscription, len(subs))
	copy(out, subs)
	return out
}

// process is the single processing loop. High events always go first;
// normal events are batched by type; low events are delivered singly when
// nothing else is pending.
func (q *Queue) process(ctx context.Context, high, normal, low *lane) {
	var (
		batch         []Event
		batchDeadline time.Time
	)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		q.deliver(ctx, newBatch(batch), len(batch))
		batch = nil
	}
	// Deliveries already taken off a lane finish even when Stop cancels
	// the loop, and the open batch is flushed on shutdown.
	dctx := context.WithoutCancel(ctx)
	defer flush(dctx)

	for ctx.Err() == nil {
		if e, ok := high.tryGet(); ok {
			q.deliver(dctx, e, 1)
			continue
		}

		if e, ok := normal.tryGet(); ok {
			if len(batch) > 0 && batch[0].Type != e.Type {
				flush(dctx)
			}
			batch = append(batch, e)
			batchDeadline = time.Now().Add(q.cfg.BatchTimeout)
			if len(batch) >= q.cfg.BatchSize {
				flush(dctx)
			}
			continue
		}

		if len(batch) > 0 {
			if remaining := time.Until(batchDeadline); remaining > 0 && q.wait(ctx, remaining) {
				continue
			}
			flush(dctx)
			continue
		}

		if e, ok := low.tryGet(); ok {
			q.deliver(dctx, e, 1)
			continue
		}

		q.wait(ctx, q.cfg.IdleTimeout)
	}
}

// wait sleeps up to d and reports whether an emit woke it.
func (q *Queue) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-q.wake:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Sizes returns the pending events per lane.
func (q *Queue) Sizes() QueueSizes {
	q.mu.RLock()
	high, normal, low := q.high, q.normal, q.low
	q.mu.RUnlock()
	if high == nil {
		return QueueSizes{}
	}
	s := QueueSizes{High: high.len(), Normal: normal.len(), Low: low.len()}
	s.Total = s.High + s.Normal + s.Low
	return s
}

// Capacities returns the lane capacities.
func (q *Queue) Capacities() QueueSizes {
	h, n, l := laneCapacities(q.cfg.MaxSize)
	return QueueSizes{High: h, Normal: n, Low: l, Total: h + n + l}
}

// SubscriberCount returns the number of subscriptions for eventType.
func (q *Queue) SubscriberCount(eventType string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.subs[eventType])
}

// SubscriberCounts returns subscription counts per event type.
func (q *Queue) SubscriberCounts() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[string]int, len(q.subs))
	for t, subs := range q.subs {
		out[t] = len(subs)
	}
	return out
}

// RecentEvents returns up to limit of the most recently queued events of
// eventType, oldest first. An empty eventType matches all events.
func (q *Queue) RecentEvents(eventType string, limit int) []Event {
	return q.history.recent(eventType, limit)
}

// QueueSizes counts events per lane.
type QueueSizes struct {
	High   int `json:"high"`
	Normal int `json:"normal"`
	Low    int `json:"low"`
	Total  int `json:"total"`
}
