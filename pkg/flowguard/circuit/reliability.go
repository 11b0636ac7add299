package circuit

import (
	"sync"
	"time"
)

// Reliability summarizes one breaker's history.
type Reliability struct {
	// StateDurations is the total time spent in each state, including the
	// time in the current state up to the snapshot.
	StateDurations map[string]time.Duration `json:"state_durations"`

	// ErrorDensity is protected failures per minute within the metric
	// window.
	ErrorDensity float64 `json:"error_density"`

	// AvgRecoveryTime is the mean time from OPEN to CLOSED. Zero when the
	// breaker has never recovered.
	AvgRecoveryTime time.Duration `json:"avg_recovery_time"`

	// TotalTrips counts transitions to OPEN.
	TotalTrips int `json:"total_trips"`
}

type circuitReliability struct {
	durations  map[State]time.Duration
	errors     []time.Time
	recoveries []time.Duration
	openedAt   time.Time
	trips      int
}

// reliabilityTracker accumulates per-breaker reliability from transitions
// and failures.
type reliabilityTracker struct {
	window time.Duration

	mu       sync.Mutex
	circuits map[string]*circuitReliability
}

func newReliabilityTracker(window time.Duration) *reliabilityTracker {
	return &reliabilityTracker{
		window:   window,
		circuits: make(map[string]*circuitReliability),
	}
}

func (t *reliabilityTracker) get(name string) *circuitReliability {
	c, ok := t.circuits[name]
	if !ok {
		c = &circuitReliability{durations: make(map[State]time.Duration)}
		t.circuits[name] = c
	}
	return c
}

// recordTransition credits the time spent in from, which began at
// enteredAt.
func (t *reliabilityTracker) recordTransition(name string, from, to State, enteredAt, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.get(name)
	if !enteredAt.IsZero() && at.After(enteredAt) {
		c.durations[from] += at.Sub(enteredAt)
	}
	switch to {
	case StateOpen:
		c.trips++
		if c.openedAt.IsZero() {
			c.openedAt = at
		}
	case StateClosed:
		if !c.openedAt.IsZero() {
			c.recoveries = append(c.recoveries, at.Sub(c.openedAt))
			c.openedAt = time.Time{}
		}
	}
}

func (t *reliabilityTracker) recordError(name string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.get(name)
	c.errors = append(c.errors, at)
	c.errors = pruneBefore(c.errors, at.Add(-t.window))
}

// snapshot reports reliability, counting time in current since enteredAt.
func (t *reliabilityTracker) snapshot(name string, current State, enteredAt, now time.Time) Reliability {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.get(name)
	c.errors = pruneBefore(c.errors, now.Add(-t.window))

	durations := make(map[string]time.Duration, len(c.durations)+1)
	for s, d := range c.durations {
		durations[s.String()] = d
	}
	if now.After(enteredAt) {
		durations[current.String()] += now.Sub(enteredAt)
	}

	r := Reliability{
		StateDurations: durations,
		ErrorDensity:   float64(len(c.errors)) * 60 / t.window.Seconds(),
		TotalTrips:     c.trips,
	}
	if n := len(c.recoveries); n > 0 {
		var sum time.Duration
		for _, d := range c.recoveries {
			sum += d
		}
		r.AvgRecoveryTime = sum / time.Duration(n)
	}
	return r
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
