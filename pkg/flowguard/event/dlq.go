package event

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"
)

// FailedDelivery records a delivery that exhausted its retries.
type FailedDelivery struct {
	DeliveryID     string         `json:"delivery_id"`
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	Data           map[string]any `json:"data"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Priority       string         `json:"priority"`
	SubscriptionID string         `json:"subscription_id"`
	ErrorMessage   string         `json:"error_message"`
	Attempts       int            `json:"attempts"`
	FailedAt       time.Time      `json:"failed_at"`
}

func newFailedDelivery(deliveryID string, derr *DeliveryError) *FailedDelivery {
	return &FailedDelivery{
		DeliveryID:     deliveryID,
		EventID:        derr.Event.ID(),
		EventType:      derr.Event.Type,
		Data:           maps.Clone(derr.Event.Data),
		CorrelationID:  derr.Event.CorrelationID,
		Priority:       derr.Event.Priority.String(),
		SubscriptionID: derr.SubscriptionID,
		ErrorMessage:   derr.Error(),
		Attempts:       derr.Attempts,
		FailedAt:       derr.Timestamp,
	}
}

// DeadLetterSink receives deliveries that exhausted their retries.
type DeadLetterSink interface {
	Record(ctx context.Context, failed *FailedDelivery) error
}

// DeadLetterConfig configures DeadLetters.
type DeadLetterConfig struct {
	// MaxSize bounds the stored entries; the oldest is evicted first.
	// Default: 1000
	MaxSize int

	// OnRecord is called after an entry is stored.
	OnRecord func(*FailedDelivery)
}

// DefaultDeadLetterConfig provides reasonable defaults.
var DefaultDeadLetterConfig = DeadLetterConfig{
	MaxSize: 1000,
}

// DeadLetters is an in-memory DeadLetterSink with replay.
type DeadLetters struct {
	mu      sync.RWMutex
	entries []*FailedDelivery
	cfg     DeadLetterConfig

	recorded int64
	evicted  int64
	replayed int64
}

// NewDeadLetters creates an empty store.
func NewDeadLetters(cfg DeadLetterConfig) *DeadLetters {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultDeadLetterConfig.MaxSize
	}
	return &DeadLetters{cfg: cfg}
}

// Record stores a failed delivery.
func (d *DeadLetters) Record(_ context.Context, failed *FailedDelivery) error {
	d.mu.Lock()
	if len(d.entries) >= d.cfg.MaxSize {
		d.entries = d.entries[1:]
		d.evicted++
	}
	d.entries = append(d.entries, failed)
	d.recorded++
	d.mu.Unlock()

	if d.cfg.OnRecord != nil {
		d.cfg.OnRecord(failed)
	}
	return nil
}

// List returns up to limit entries, oldest first. limit <= 0 returns all.
func (d *DeadLetters) List(limit int) []*FailedDelivery {
	return d.ListByType("", limit)
}

// ListByType returns up to limit entries of eventType, oldest first.
func (d *DeadLetters) ListByType(eventType string, limit int) []*FailedDelivery {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*FailedDelivery
	for _, f := range d.entries {
		if eventType != "" && f.EventType != eventType {
			continue
		}
		out = append(out, f)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Count returns the number of stored entries.
func (d *DeadLetters) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// CountByType returns entry counts per event type.
func (d *DeadLetters) CountByType() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	counts := make(map[string]int)
	for _, f := range d.entries {
		counts[f.EventType]++
	}
	return counts
}

// Remove deletes an entry and reports whether it existed.
func (d *DeadLetters) Remove(deliveryID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(deliveryID) != nil
}

func (d *DeadLetters) removeLocked(deliveryID string) *FailedDelivery {
	for i, f := range d.entries {
		if f.DeliveryID == deliveryID {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return f
		}
	}
	return nil
}

// Replay re-emits a dead-lettered event into q and removes the entry if
// the queue accepts it. Batch payloads are re-emitted item by item.
func (d *DeadLetters) Replay(ctx context.Context, q *Queue, deliveryID string) bool {
	d.mu.Lock()
	f := d.removeLocked(deliveryID)
	d.mu.Unlock()
	if f == nil {
		return false
	}

	p, err := ParsePriority(f.Priority)
	if err != nil {
		p = PriorityNormal
	}

	payloads := []map[string]any{f.Data}
	if items, ok := f.Data["items"].([]map[string]any); ok && f.Data["batch"] == true {
		payloads = items
	}

	accepted := true
	for _, data := range payloads {
		if !q.Emit(ctx, f.EventType, data,
			WithPriority(p),
			WithCorrelationID(f.CorrelationID),
			WithMetadata(map[string]any{"replayed_from": f.DeliveryID}),
		) {
			accepted = false
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !accepted {
		d.entries = append(d.entries, f)
		sort.SliceStable(d.entries, func(i, j int) bool {
			return d.entries[i].FailedAt.Before(d.entries[j].FailedAt)
		})
		return false
	}
	d.replayed++
	return true
}

// DeadLetterStats summarizes a DeadLetters store.
type DeadLetterStats struct {
	Size     int   `json:"size"`
	Recorded int64 `json:"recorded"`
	Evicted  int64 `json:"evicted"`
	Replayed int64 `json:"replayed"`
}

// Stats returns counters.
func (d *DeadLetters) Stats() DeadLetterStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return DeadLetterStats{
		Size:     len(d.entries),
		Recorded: d.recorded,
		Evicted:  d.evicted,
		Replayed: d.replayed,
	}
}
