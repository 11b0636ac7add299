package event

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/flowguard/pkg/flowguard/affinity"
)

// Handler receives delivered events. A normal-priority delivery is always
// a batch; use Event.BatchItems to handle both shapes.
type Handler interface {
	Handle(ctx context.Context, e Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e Event) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Subscription binds a handler to an event type and the executor that
// subscribed it.
type Subscription struct {
	id        string
	eventType string
	handler   Handler
	owner     *affinity.Executor
	createdAt time.Time
	queue     *Queue
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// EventType returns the subscribed event type.
func (s *Subscription) EventType() string { return s.eventType }

// Owner returns the executor deliveries are marshaled into, or nil when the
// subscriber was not running in an executor.
func (s *Subscription) Owner() *affinity.Executor { return s.owner }

// Unsubscribe removes the subscription. It is safe to call more than once.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return s.queue.submit(ctx, func(context.Context) error {
		s.queue.removeSubscription(s.eventType, func(other *Subscription) bool {
			return other == s
		})
		return nil
	})
}

// sameHandler reports whether two handlers are the same comparable value.
// Function handlers are never equal.
func sameHandler(a, b Handler) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

func newSubscription(q *Queue, eventType string, h Handler, owner *affinity.Executor) *Subscription {
	return &Subscription{
		id:        uuid.New().String()[:8],
		eventType: eventType,
		handler:   h,
		owner:     owner,
		createdAt: time.Now(),
		queue:     q,
	}
}
