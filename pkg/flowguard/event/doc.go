// Package event provides the priority event queue at the center of
// flowguard.
//
// # Lanes
//
// A Queue holds three bounded lanes. The high lane holds max(10, MaxSize/10)
// events, the normal lane MaxSize and the low lane 2*MaxSize. A single
// processing loop drains them: high events are delivered first and one at a
// time, normal events are grouped into same-type batches of up to BatchSize,
// and low events are delivered only when nothing else is pending.
//
//	q := event.NewQueue(event.QueueConfig{MaxSize: 1000},
//	    event.WithAdmission(backpressure.NewManager(backpressure.DefaultConfig)),
//	)
//	if err := q.Start(ctx); err != nil {
//	    return err
//	}
//	defer q.Stop(ctx)
//
//	q.Subscribe(ctx, event.TypeSystemAlert, event.HandlerFunc(
//	    func(ctx context.Context, e event.Event) error {
//	        for _, item := range e.BatchItems() {
//	            log.Println(item["message"])
//	        }
//	        return nil
//	    }))
//
//	q.Emit(ctx, event.TypeSystemAlert, map[string]any{"message": "disk full"},
//	    event.WithPriority(event.PriorityHigh))
//
// # Batches
//
// Normal-priority deliveries always arrive as a batch event whose Data has
// batch=true, count and items. Event.BatchItems returns the payloads for
// either shape.
//
// # Admission
//
// Every Emit consults an Admission policy, usually a backpressure.Manager:
// rate limiting first, then priority adjustment, then rejection. Emit
// returns false for rejected events. Critical event types (see IsCritical)
// are still delivered once, directly, when rejected.
//
// # Delivery
//
// Handler errors and panics are retried with exponential backoff up to
// MaxRetries times. Deliveries that still fail are logged and, when a
// DeadLetterSink is configured, recorded there. DeadLetters keeps them in
// memory and can replay them.
//
// # Affinity
//
// With WithAffinity, lifecycle and subscription changes run in the queue's
// owning executor, and each delivery runs in the executor that subscribed
// the handler.
package event
