package benchmarks

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/randalmurphal/flowguard/pkg/flowguard/backpressure"
	"github.com/randalmurphal/flowguard/pkg/flowguard/event"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func startQueue(b *testing.B, opts ...event.QueueOption) *event.Queue {
	b.Helper()
	opts = append([]event.QueueOption{event.WithLogger(quiet)}, opts...)
	q := event.NewQueue(event.QueueConfig{MaxSize: 100_000}, opts...)
	if err := q.Start(context.Background()); err != nil {
		b.Fatal(err)
	}
	_, err := q.Subscribe(context.Background(), "ping", event.HandlerFunc(func(context.Context, event.Event) error {
		return nil
	}))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() {
		_ = q.Stop(context.Background())
	})
	return q
}

// BenchmarkEmit_AdmitAll measures enqueueing without backpressure.
func BenchmarkEmit_AdmitAll(b *testing.B) {
	q := startQueue(b)
	ctx := context.Background()
	data := map[string]any{"seq": 1}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.Emit(ctx, "ping", data)
	}
}

// BenchmarkEmit_Backpressure measures enqueueing through the admission
// manager with a bucket large enough to never refuse.
func BenchmarkEmit_Backpressure(b *testing.B) {
	mgr := backpressure.NewManager(backpressure.Config{Rate: 1e9, Capacity: 1e9, Logger: quiet})
	q := startQueue(b, event.WithAdmission(mgr))
	ctx := context.Background()
	data := map[string]any{"seq": 1}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.Emit(ctx, "ping", data)
	}
}

// BenchmarkEmit_HighPriority measures the high lane, which is never batched.
func BenchmarkEmit_HighPriority(b *testing.B) {
	q := startQueue(b)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.Emit(ctx, "ping", nil, event.WithPriority(event.PriorityHigh))
	}
}

// BenchmarkEventNew measures event construction.
func BenchmarkEventNew(b *testing.B) {
	data := map[string]any{"seq": 1}
	for i := 0; i < b.N; i++ {
		_ = event.New("ping", data, event.PriorityNormal, "", nil)
	}
}
