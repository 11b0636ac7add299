package event

// Admission decides the fate of each emission. backpressure.Manager is the
// standard implementation; a queue without one admits everything.
type Admission interface {
	// UpdateSaturation records lane occupancy fractions before a decision.
	UpdateSaturation(high, normal, low float64)

	// CheckRateLimit consumes rate budget and reports whether the emission
	// may proceed.
	CheckRateLimit(eventType string, p Priority) bool

	// AdjustedPriority returns the lane the event should be queued in.
	AdjustedPriority(eventType string, original Priority) Priority

	// ShouldReject reports whether the event must be refused at priority p.
	ShouldReject(eventType string, p Priority) bool
}

type admitAll struct{}

func (admitAll) UpdateSaturation(float64, float64, float64)     {}
func (admitAll) CheckRateLimit(string, Priority) bool           { return true }
func (admitAll) AdjustedPriority(_ string, p Priority) Priority { return p }
func (admitAll) ShouldReject(string, Priority) bool             { return false }
