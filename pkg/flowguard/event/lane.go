package event

// lane is a bounded FIFO of events for one priority. put never blocks and
// never exceeds capacity.
type lane struct {
	ch chan Event
}

func newLane(capacity int) *lane {
	return &lane{ch: make(chan Event, capacity)}
}

// put appends e, reporting false when the lane is full.
func (l *lane) put(e Event) bool {
	select {
	case l.ch <- e:
		return true
	default:
		return false
	}
}

// tryGet pops the oldest event without waiting.
func (l *lane) tryGet() (Event, bool) {
	select {
	case e := <-l.ch:
		return e, true
	default:
		return Event{}, false
	}
}

func (l *lane) len() int { return len(l.ch) }
func (l *lane) cap() int { return cap(l.ch) }

// occupancy returns len/cap.
func (l *lane) occupancy() float64 {
	return float64(len(l.ch)) / float64(cap(l.ch))
}

// laneCapacities returns the high, normal and low lane sizes for maxSize.
func laneCapacities(maxSize int) (high, normal, low int) {
	return max(10, maxSize/10), maxSize, 2 * maxSize
}
