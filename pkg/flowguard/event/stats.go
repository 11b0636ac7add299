package event

import (
	"context"
	"fmt"

	"github.com/randalmurphal/flowguard/pkg/flowguard/health"
)

// Queue health thresholds on total pending events as a fraction of MaxSize.
const (
	unhealthyFill = 0.95
	degradedFill  = 0.80
)

// QueueStats is a snapshot of queue activity.
type QueueStats struct {
	ID             string         `json:"id"`
	Running        bool           `json:"running"`
	Sizes          QueueSizes     `json:"queue_sizes"`
	Capacities     QueueSizes     `json:"capacities"`
	Subscribers    map[string]int `json:"subscribers"`
	Processed      int64          `json:"processed"`
	Failed         int64          `json:"failed"`
	PendingRetries int            `json:"pending_retries"`
	HistorySize    int            `json:"history_size"`
}

// Stats returns counters and sizes.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		ID:             q.cfg.ID,
		Running:        q.running.Load(),
		Sizes:          q.Sizes(),
		Capacities:     q.Capacities(),
		Subscribers:    q.SubscriberCounts(),
		Processed:      q.processed.Load(),
		Failed:         q.failed.Load(),
		PendingRetries: q.pendingRetries(),
		HistorySize:    q.history.len(),
	}
}

// CheckHealth grades the queue by how full it is.
func (q *Queue) CheckHealth() health.Report {
	sizes := q.Sizes()
	fill := float64(sizes.Total) / float64(q.cfg.MaxSize)

	subscribers := 0
	for _, n := range q.SubscriberCounts() {
		subscribers += n
	}

	status := health.StatusHealthy
	desc := "event queue operating normally"
	switch {
	case fill >= unhealthyFill:
		status = health.StatusUnhealthy
		desc = fmt.Sprintf("event queue nearly full (%.0f%%)", fill*100)
	case fill >= degradedFill:
		status = health.StatusDegraded
		desc = fmt.Sprintf("event queue filling up (%.0f%%)", fill*100)
	}

	return health.NewReport(status, "event_queue:"+q.cfg.ID, desc, map[string]any{
		"queue_size":        sizes.Total,
		"queue_percentage":  fill * 100,
		"total_subscribers": subscribers,
		"retry_count":       q.pendingRetries(),
	})
}

// ReportHealth sends CheckHealth to r under the queue's component id.
func (q *Queue) ReportHealth(ctx context.Context, r health.Reporter) {
	r.UpdateHealth(ctx, "event_queue:"+q.cfg.ID, q.CheckHealth())
}
