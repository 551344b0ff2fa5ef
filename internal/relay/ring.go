package relay

import (
	"sync"
	"time"
)

// Event is one recorded session transition.
type Event struct {
	Time   time.Time `json:"time"`
	State  State     `json:"state"`
	Detail string    `json:"detail,omitempty"`
}

// StatusRing keeps the last N session events. Old entries are overwritten;
// readers get a copy in chronological order.
type StatusRing struct {
	mu    sync.Mutex
	buf   []Event
	next  int
	count int
}

func NewStatusRing(capacity int) *StatusRing {
	if capacity < 1 {
		capacity = 1
	}
	return &StatusRing{buf: make([]Event, capacity)}
}

func (r *StatusRing) Push(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Events returns the retained history, oldest first.
func (r *StatusRing) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Last returns the most recent event, if any.
func (r *StatusRing) Last() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return Event{}, false
	}
	idx := r.next - 1
	if idx < 0 {
		idx += len(r.buf)
	}
	return r.buf[idx], true
}
