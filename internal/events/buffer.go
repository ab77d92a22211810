package events

import "sync"

// RingBuffer keeps the most recent events in emission order.
type RingBuffer struct {
	mu    sync.RWMutex
	slots []Event
	next  int
	count int
}

func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{slots: make([]Event, capacity)}
}

func (rb *RingBuffer) Add(e Event) {
	rb.mu.Lock()
	rb.slots[rb.next] = e
	rb.next = (rb.next + 1) % len(rb.slots)
	if rb.count < len(rb.slots) {
		rb.count++
	}
	rb.mu.Unlock()
}

// Snapshot returns every buffered event, oldest first.
func (rb *RingBuffer) Snapshot() []Event {
	return rb.Last(0, nil)
}

// Last returns up to n of the newest events accepted by keep, oldest first.
// n <= 0 means no limit and a nil keep accepts everything.
func (rb *RingBuffer) Last(n int, keep Filter) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	// Walk backwards from the newest slot, then reverse.
	var out []Event
	for i := 0; i < rb.count; i++ {
		if n > 0 && len(out) == n {
			break
		}
		e := rb.slots[(rb.next-1-i+len(rb.slots))%len(rb.slots)]
		if keep == nil || keep(e) {
			out = append(out, e)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if out == nil {
		out = []Event{}
	}
	return out
}

// Clear drops every buffered event.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	clear(rb.slots)
	rb.next, rb.count = 0, 0
	rb.mu.Unlock()
}
