package event

import "sync"

// history is a bounded ring of recently queued events.
type history struct {
	mu    sync.Mutex
	buf   []Event
	next  int
	full  bool
	limit int
}

func newHistory(limit int) *history {
	return &history{limit: limit}
}

func (h *history) add(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.buf) < h.limit {
		h.buf = append(h.buf, e)
		return
	}
	h.buf[h.next] = e
	h.next = (h.next + 1) % h.limit
	h.full = true
}

// recent returns up to limit of the newest events, oldest first.
// An empty eventType matches every event; limit <= 0 means no limit.
func (h *history) recent(eventType string, limit int) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ordered := h.buf
	if h.full {
		ordered = make([]Event, 0, len(h.buf))
		ordered = append(ordered, h.buf[h.next:]...)
		ordered = append(ordered, h.buf[:h.next]...)
	}

	var out []Event
	for i := len(ordered) - 1; i >= 0; i-- {
		if eventType != "" && ordered[i].Type != eventType {
			continue
		}
		out = append(out, ordered[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buf)
}

func (h *history) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = nil
	h.next = 0
	h.full = false
}
