package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/randalmurphal/flowguard/pkg/flowguard/affinity"
	fgerrors "github.com/randalmurphal/flowguard/pkg/flowguard/errors"
	"github.com/randalmurphal/flowguard/pkg/flowguard/observability"
)

// deliveryBackOff waits base*2^attempt plus up to jitter of that at random.
type deliveryBackOff struct {
	base    time.Duration
	jitter  float64
	attempt int
}

func (b *deliveryBackOff) NextBackOff() time.Duration {
	d := float64(b.base) * math.Pow(2, float64(b.attempt))
	b.attempt++
	if b.jitter > 0 {
		d += d * b.jitter * rand.Float64()
	}
	return time.Duration(d)
}

func (b *deliveryBackOff) Reset() { b.attempt = 0 }

// deliver hands e to every subscriber of its type. count is the number of
// queued events e represents.
func (q *Queue) deliver(ctx context.Context, e Event, count int) {
	for _, sub := range q.subscribers(e.Type) {
		q.deliverTo(ctx, sub, e)
	}
	q.processed.Add(int64(count))
}

// deliverTo calls one subscriber, retrying failures with exponential
// backoff. Failures never escape; exhausted deliveries are logged and
// dead-lettered.
func (q *Queue) deliverTo(ctx context.Context, sub *Subscription, e Event) {
	deliveryID := fmt.Sprintf("%s_%s_%d", e.Type, sub.id, time.Now().UnixNano())
	start := time.Now()

	ctx, span := q.spans.StartDeliverySpan(ctx, e.Type, sub.id)

	attempts := 0
	_, err := backoff.Retry(ctx,
		func() (struct{}, error) {
			attempts++
			return struct{}{}, q.invoke(ctx, sub, e)
		},
		backoff.WithBackOff(&deliveryBackOff{base: q.cfg.RetryBaseDelay, jitter: q.cfg.RetryJitter}),
		backoff.WithMaxTries(uint(q.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			q.trackRetry(deliveryID, attempts)
			observability.LogDeliveryRetry(q.logger, e.Type, sub.id, attempts, wait, err)
		}),
	)
	q.clearRetry(deliveryID)

	q.metrics.RecordDelivery(ctx, e.Type, time.Since(start), attempts, err)
	q.spans.EndSpanWithError(span, err)
	if err == nil {
		return
	}

	q.failed.Add(1)
	observability.LogDeliveryFailed(q.logger, e.Type, sub.id, attempts, err)
	if q.deadLetters == nil {
		return
	}
	derr := &DeliveryError{
		Event:          e,
		SubscriptionID: sub.id,
		Attempts:       attempts,
		Err:            fgerrors.Delivery(e.Type, err),
		Timestamp:      time.Now(),
	}
	if recErr := q.deadLetters.Record(context.WithoutCancel(ctx), newFailedDelivery(deliveryID, derr)); recErr != nil {
		q.logger.Warn("dead letter record failed",
			slog.String("delivery_id", deliveryID),
			slog.String("error", recErr.Error()),
		)
	}
}

// invoke calls the handler once, inside the subscriber's executor when it
// has one. A subscriber whose executor is gone is called directly.
func (q *Queue) invoke(ctx context.Context, sub *Subscription, e Event) error {
	call := func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return sub.handler.Handle(ctx, e)
	}

	owner := sub.owner
	if owner == nil || affinity.FromContext(ctx) == owner {
		return call(ctx)
	}

	var err error
	if q.affinity != nil {
		err = q.affinity.RunInExecutor(ctx, owner, call)
	} else {
		err = owner.Do(ctx, call)
	}
	if errors.Is(err, affinity.ErrExecutorClosed) {
		observability.LogCrossContextFallback(q.logger, "subscription:"+sub.id, owner.ID(), "")
		return call(ctx)
	}
	return err
}

func (q *Queue) trackRetry(deliveryID string, attempt int) {
	q.retryMu.Lock()
	q.retries[deliveryID] = attempt
	q.retryMu.Unlock()
}

func (q *Queue) clearRetry(deliveryID string) {
	q.retryMu.Lock()
	delete(q.retries, deliveryID)
	q.retryMu.Unlock()
}

// pendingRetries returns the number of deliveries currently retrying.
func (q *Queue) pendingRetries() int {
	q.retryMu.Lock()
	defer q.retryMu.Unlock()
	return len(q.retries)
}
