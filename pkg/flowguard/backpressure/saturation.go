package backpressure

import (
	"sync"
	"time"
)

// DefaultWindowSize is the number of saturation samples kept for trend
// detection.
const DefaultWindowSize = 10

// trendThreshold is the rise in normal-lane occupancy between consecutive
// samples that counts as trending up.
const trendThreshold = 0.05

// Sample is lane occupancy at one moment, each value a fraction of capacity.
type Sample struct {
	Timestamp time.Time
	High      float64
	Normal    float64
	Low       float64
}

// System returns the system saturation: the fuller of the high and normal lanes.
func (s Sample) System() float64 {
	return max(s.High, s.Normal)
}

// SaturationTracker keeps a rolling window of occupancy samples.
// It is safe for concurrent use.
type SaturationTracker struct {
	mu     sync.RWMutex
	window []Sample
	size   int
}

// NewSaturationTracker creates a tracker keeping the last size samples.
func NewSaturationTracker(size int) *SaturationTracker {
	if size < 2 {
		size = DefaultWindowSize
	}
	return &SaturationTracker{
		window: make([]Sample, 0, size),
		size:   size,
	}
}

// Record appends a sample, evicting the oldest when the window is full.
func (t *SaturationTracker) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.window) == t.size {
		copy(t.window, t.window[1:])
		t.window = t.window[:t.size-1]
	}
	t.window = append(t.window, s)
}

// Latest returns the newest sample, or a zero sample if none was recorded.
func (t *SaturationTracker) Latest() Sample {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.window) == 0 {
		return Sample{}
	}
	return t.window[len(t.window)-1]
}

// TrendingUp reports whether normal-lane occupancy in the newest sample
// exceeds the preceding sample by more than five percentage points.
func (t *SaturationTracker) TrendingUp() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := len(t.window)
	if n < 2 {
		return false
	}
	return t.window[n-1].Normal > t.window[n-2].Normal+trendThreshold
}

// Window returns a copy of the samples, oldest first.
func (t *SaturationTracker) Window() []Sample {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Sample, len(t.window))
	copy(out, t.window)
	return out
}
