package events

import "sync"

const defaultHistorySize = 64

// history is a fixed-size ring of recent events. When full, the oldest
// event is overwritten.
type history struct {
	mu   sync.RWMutex
	buf  []Event
	head int // next write position
	full bool
}

func newHistory(size int) *history {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &history{buf: make([]Event, size)}
}

func (h *history) add(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.head] = ev
	h.head = (h.head + 1) % len(h.buf)
	if h.head == 0 {
		h.full = true
	}
}

// snapshot returns the stored events oldest first.
func (h *history) snapshot() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.full {
		out := make([]Event, h.head)
		copy(out, h.buf[:h.head])
		return out
	}
	out := make([]Event, 0, len(h.buf))
	out = append(out, h.buf[h.head:]...)
	return append(out, h.buf[:h.head]...)
}

func (h *history) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return len(h.buf)
	}
	return h.head
}
