package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaneCapacities(t *testing.T) {
	tests := []struct {
		maxSize           int
		high, normal, low int
	}{
		{1000, 100, 1000, 2000},
		{50, 10, 50, 100},
		{10, 10, 10, 20},
	}
	for _, tt := range tests {
		h, n, l := laneCapacities(tt.maxSize)
		assert.Equal(t, tt.high, h, "high for %d", tt.maxSize)
		assert.Equal(t, tt.normal, n, "normal for %d", tt.maxSize)
		assert.Equal(t, tt.low, l, "low for %d", tt.maxSize)
	}
}

func TestLane_FIFOAndBounded(t *testing.T) {
	l := newLane(2)
	require.True(t, l.put(Event{Type: "a"}))
	require.True(t, l.put(Event{Type: "b"}))
	assert.False(t, l.put(Event{Type: "c"}), "put beyond capacity")
	assert.Equal(t, 1.0, l.occupancy())

	e, ok := l.tryGet()
	require.True(t, ok)
	assert.Equal(t, "a", e.Type)
	e, ok = l.tryGet()
	require.True(t, ok)
	assert.Equal(t, "b", e.Type)
	_, ok = l.tryGet()
	assert.False(t, ok)
}

func TestHistory_RingKeepsNewest(t *testing.T) {
	h := newHistory(3)
	for _, typ := range []string{"a", "b", "a", "c", "a"} {
		h.add(Event{Type: typ})
	}
	assert.Equal(t, 3, h.len())

	types := func(events []Event) []string {
		out := make([]string, len(events))
		for i, e := range events {
			out[i] = e.Type
		}
		return out
	}
	assert.Equal(t, []string{"a", "c", "a"}, types(h.recent("", 0)))
	assert.Equal(t, []string{"c", "a"}, types(h.recent("", 2)))
	assert.Equal(t, []string{"a", "a"}, types(h.recent("a", 10)))

	h.clear()
	assert.Empty(t, h.recent("", 0))
}

func TestNewBatch(t *testing.T) {
	e1 := New("ping", map[string]any{"n": 1}, PriorityNormal, "corr-1", nil)
	e2 := New("ping", map[string]any{"n": 2}, PriorityNormal, "corr-2", nil)

	b := newBatch([]Event{e1, e2})
	assert.True(t, b.IsBatch())
	assert.Equal(t, "ping", b.Type)
	assert.Equal(t, 2, b.Data["count"])
	assert.Equal(t, "corr-1", b.CorrelationID)
	assert.Equal(t, []string{e1.ID(), e2.ID()}, b.Metadata["batch_ids"])
	assert.Equal(t, []map[string]any{{"n": 1}, {"n": 2}}, b.BatchItems())
	assert.WithinDuration(t, time.Now(), b.Timestamp, time.Second)
}

func TestDeliveryBackOff(t *testing.T) {
	b := &deliveryBackOff{base: 10 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 40*time.Millisecond, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())

	jittered := &deliveryBackOff{base: 100 * time.Millisecond, jitter: 0.1}
	for range 50 {
		jittered.Reset()
		d := jittered.NextBackOff()
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	}
}

func TestSameHandler(t *testing.T) {
	type counter struct{ n int }
	a, b := &counter{}, &counter{}
	ha := HandlerFunc(nil)

	assert.False(t, sameHandler(ha, ha), "funcs are never equal")
	assert.True(t, sameHandler(ptrHandler{a}, ptrHandler{a}))
	assert.False(t, sameHandler(ptrHandler{a}, ptrHandler{b}))
}

type ptrHandler struct{ target any }

func (ptrHandler) Handle(context.Context, Event) error { return nil }
