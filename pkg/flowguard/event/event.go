package event

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Priority selects the lane an event is queued in.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// String returns the priority name used in logs and wire payloads.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority converts a priority name to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// MetadataEventID is the metadata key that always holds the event ID.
const MetadataEventID = "event_id"

// Event is an immutable value flowing through the queue.
// Events are passed by value; Data and Metadata are private copies taken
// at construction and must not be modified by handlers.
type Event struct {
	Type          string
	Data          map[string]any
	Timestamp     time.Time
	CorrelationID string
	Metadata      map[string]any
	Priority      Priority
}

// New creates an event with a fresh ID.
// The data and metadata maps are copied.
func New(eventType string, data map[string]any, priority Priority, correlationID string, metadata map[string]any) Event {
	md := maps.Clone(metadata)
	if md == nil {
		md = make(map[string]any, 1)
	}
	if id, ok := md[MetadataEventID].(string); !ok || id == "" {
		md[MetadataEventID] = uuid.New().String()
	}

	d := maps.Clone(data)
	if d == nil {
		d = make(map[string]any)
	}

	return Event{
		Type:          eventType,
		Data:          d,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		Metadata:      md,
		Priority:      priority,
	}
}

// ID returns the unique event identifier.
func (e Event) ID() string {
	id, _ := e.Metadata[MetadataEventID].(string)
	return id
}

// IsBatch reports whether the event is a synthetic batch delivery.
func (e Event) IsBatch() bool {
	b, _ := e.Data["batch"].(bool)
	return b
}

// BatchItems returns the payloads carried by a batch delivery, or the
// event's own payload when it is a single event. Consumers that must handle
// both shapes for the same event type can range over the result.
func (e Event) BatchItems() []map[string]any {
	if !e.IsBatch() {
		return []map[string]any{e.Data}
	}
	items, _ := e.Data["items"].([]map[string]any)
	return items
}

// newBatch builds the synthetic batch delivery for same-type events.
// The batch takes the first event's correlation ID.
func newBatch(events []Event) Event {
	items := make([]map[string]any, len(events))
	ids := make([]string, len(events))
	for i, e := range events {
		items[i] = e.Data
		ids[i] = e.ID()
	}

	first := events[0]
	return Event{
		Type: first.Type,
		Data: map[string]any{
			"batch":          true,
			"count":          len(events),
			"items":          items,
			"correlation_id": first.CorrelationID,
		},
		Timestamp:     time.Now(),
		CorrelationID: first.CorrelationID,
		Metadata: map[string]any{
			MetadataEventID: uuid.New().String(),
			"batch_ids":     ids,
		},
		Priority: first.Priority,
	}
}

// EmitOption configures a single Emit call.
type EmitOption func(*emitConfig)

type emitConfig struct {
	priority      Priority
	correlationID string
	metadata      map[string]any
}

// WithPriority sets the requested priority (default: normal).
// Backpressure may adjust it before the event is queued.
func WithPriority(p Priority) EmitOption {
	return func(cfg *emitConfig) {
		cfg.priority = p
	}
}

// WithCorrelationID sets the correlation ID used to group related events.
func WithCorrelationID(id string) EmitOption {
	return func(cfg *emitConfig) {
		cfg.correlationID = id
	}
}

// WithMetadata attaches extra metadata. A non-empty event_id entry
// replaces the generated ID.
func WithMetadata(md map[string]any) EmitOption {
	return func(cfg *emitConfig) {
		cfg.metadata = md
	}
}
