package backpressure

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/randalmurphal/flowguard/pkg/flowguard/event"
)

// Saturation thresholds applied to system saturation.
const (
	CriticalSaturation = 0.95
	SevereSaturation   = 0.85
	WarningSaturation  = 0.75

	// normalDowngradeSaturation is the normal-lane occupancy at which severe
	// saturation starts moving normal traffic to the low lane.
	normalDowngradeSaturation = 0.90

	// lowHeadroom is the low-lane occupancy below which warning-level
	// downgrades are still allowed.
	lowHeadroom = 0.80

	// laneFull rejects anything targeting a lane this occupied.
	laneFull = 0.99
)

// DefaultPrioritized lists the event types that bypass rate limiting and
// are never rejected.
var DefaultPrioritized = []string{
	event.TypeSystemHealthChanged,
	event.TypeResourceErrorOccurred,
	event.TypeSystemAlert,
	event.TypeResourceErrorRecoveryStarted,
	event.TypeResourceErrorRecoveryCompleted,
	event.TypeResourceErrorResolved,
}

// Config configures a Manager.
type Config struct {
	// Rate is the token refill rate per second for each event type.
	// Default: 10
	Rate float64

	// Capacity is the token bucket size for each event type.
	// Default: 10
	Capacity float64

	// WindowSize is the number of saturation samples kept.
	// Default: 10
	WindowSize int

	// Prioritized overrides DefaultPrioritized when non-nil.
	Prioritized []string

	// Logger receives rejection warnings. Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig provides the standard backpressure policy.
var DefaultConfig = Config{
	Rate:       DefaultRate,
	Capacity:   DefaultCapacity,
	WindowSize: DefaultWindowSize,
}

// Stats is a snapshot of backpressure state.
type Stats struct {
	Saturation   SaturationStats         `json:"saturation"`
	Rejections   RejectionStats          `json:"rejections"`
	RateLimiters map[string]LimiterState `json:"rate_limiters"`
}

// SaturationStats holds the latest lane occupancy fractions.
type SaturationStats struct {
	High   float64 `json:"high"`
	Normal float64 `json:"normal"`
	Low    float64 `json:"low"`
}

// RejectionStats counts rejected emissions.
type RejectionStats struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
}

// Manager applies rate limiting, priority adjustment and rejection to
// emissions. It is safe for concurrent use.
type Manager struct {
	cfg         Config
	prioritized map[string]bool
	saturation  *SaturationTracker
	logger      *slog.Logger

	mu       sync.Mutex
	limiters map[string]*RateLimiter
	rejected map[string]int
}

// NewManager creates a backpressure manager.
func NewManager(cfg Config) *Manager {
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultConfig.Rate
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig.Capacity
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig.WindowSize
	}
	if cfg.Prioritized == nil {
		cfg.Prioritized = DefaultPrioritized
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	prioritized := make(map[string]bool, len(cfg.Prioritized))
	for _, t := range cfg.Prioritized {
		prioritized[t] = true
	}

	return &Manager{
		cfg:         cfg,
		prioritized: prioritized,
		saturation:  NewSaturationTracker(cfg.WindowSize),
		logger:      logger,
		limiters:    make(map[string]*RateLimiter),
		rejected:    make(map[string]int),
	}
}

// IsPrioritized reports whether eventType bypasses rate limiting and rejection.
func (m *Manager) IsPrioritized(eventType string) bool {
	return m.prioritized[eventType]
}

// UpdateSaturation records lane occupancy fractions.
func (m *Manager) UpdateSaturation(high, normal, low float64) {
	m.saturation.Record(Sample{
		Timestamp: time.Now(),
		High:      high,
		Normal:    normal,
		Low:       low,
	})

	if high >= 0.9 {
		m.logger.Warn("high priority lane saturation critical", slog.Float64("saturation", high))
	}
	if normal >= 0.9 {
		m.logger.Warn("normal priority lane saturation critical", slog.Float64("saturation", normal))
	}
}

// CheckRateLimit consumes tokens for one emission and reports whether it is
// allowed. Prioritized types are always allowed.
func (m *Manager) CheckRateLimit(eventType string, p event.Priority) bool {
	if m.IsPrioritized(eventType) {
		return true
	}

	if m.limiter(eventType).TryAcquire(p) {
		return true
	}

	m.recordRejection(eventType)
	m.logger.Debug("rate limit rejected event", slog.String("event_type", eventType))
	return false
}

// limiter returns the bucket for eventType, creating it on first use.
func (m *Manager) limiter(eventType string) *RateLimiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.limiters[eventType]
	if !ok {
		l = NewRateLimiter(m.cfg.Rate, m.cfg.Capacity)
		m.limiters[eventType] = l
	}
	return l
}

// AdjustedPriority returns the priority an event should be queued at given
// the current saturation.
func (m *Manager) AdjustedPriority(eventType string, original event.Priority) event.Priority {
	current := m.saturation.Latest()
	system := current.System()
	prioritized := m.IsPrioritized(eventType)

	switch {
	case system >= CriticalSaturation:
		if original != event.PriorityHigh && !prioritized {
			return event.PriorityLow
		}
		if original == event.PriorityNormal && prioritized {
			return event.PriorityHigh
		}

	case system >= SevereSaturation:
		if original == event.PriorityNormal && !prioritized && current.Normal >= normalDowngradeSaturation {
			return event.PriorityLow
		}

	case system >= WarningSaturation:
		if original == event.PriorityNormal && !prioritized &&
			m.saturation.TrendingUp() && current.Low < lowHeadroom {
			return event.PriorityLow
		}
	}

	return original
}

// ShouldReject reports whether an event at its adjusted priority must be
// rejected. Prioritized types are never rejected.
func (m *Manager) ShouldReject(eventType string, p event.Priority) bool {
	if m.IsPrioritized(eventType) {
		return false
	}

	current := m.saturation.Latest()
	system := current.System()

	if system >= CriticalSaturation && p != event.PriorityHigh {
		m.recordRejection(eventType)
		m.logger.Warn("system saturation critical, rejecting event",
			slog.String("event_type", eventType),
			slog.Float64("saturation", system),
		)
		return true
	}

	var target float64
	switch p {
	case event.PriorityHigh:
		target = current.High
	case event.PriorityNormal:
		target = current.Normal
	default:
		target = current.Low
	}

	if target >= laneFull {
		m.recordRejection(eventType)
		m.logger.Warn("target lane saturated, rejecting event",
			slog.String("event_type", eventType),
			slog.String("priority", p.String()),
			slog.Float64("saturation", target),
		)
		return true
	}

	return false
}

func (m *Manager) recordRejection(eventType string) {
	m.mu.Lock()
	m.rejected[eventType]++
	m.mu.Unlock()
}

// Saturation returns the tracker holding the saturation window.
func (m *Manager) Saturation() *SaturationTracker {
	return m.saturation
}

// Stats returns saturation, rejection counts and per-type limiter state.
func (m *Manager) Stats() Stats {
	current := m.saturation.Latest()

	m.mu.Lock()
	byType := maps.Clone(m.rejected)
	limiters := maps.Clone(m.limiters)
	m.mu.Unlock()

	total := 0
	for _, n := range byType {
		total += n
	}

	states := make(map[string]LimiterState, len(limiters))
	for t, l := range limiters {
		states[t] = l.State()
	}

	return Stats{
		Saturation: SaturationStats{
			High:   current.High,
			Normal: current.Normal,
			Low:    current.Low,
		},
		Rejections: RejectionStats{
			Total:  total,
			ByType: byType,
		},
		RateLimiters: states,
	}
}
