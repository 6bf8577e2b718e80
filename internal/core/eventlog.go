package core

import "sync"

// EventRing is a fixed-capacity ring buffer over recent events, serving
// low-latency queries without a store round trip. Oldest entries are
// evicted first. The durable store remains authoritative.
type EventRing struct {
	mu      sync.RWMutex
	events  []*SecurityEvent
	maxSize int
	pos     int
	full    bool
}

// NewEventRing creates a ring that holds up to maxSize events.
func NewEventRing(maxSize int) *EventRing {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &EventRing{
		events:  make([]*SecurityEvent, maxSize),
		maxSize: maxSize,
	}
}

// Add appends an event, evicting the oldest when full.
func (r *EventRing) Add(event *SecurityEvent) {
	r.mu.Lock()
	r.events[r.pos] = event
	r.pos = (r.pos + 1) % r.maxSize
	if r.pos == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Recent returns the most recent n events in chronological order.
func (r *EventRing) Recent(n int) []*SecurityEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := r.pos
	if r.full {
		total = r.maxSize
	}
	if n > total {
		n = total
	}
	if n <= 0 {
		return []*SecurityEvent{}
	}

	result := make([]*SecurityEvent, n)
	start := r.pos - n
	if start < 0 {
		start += r.maxSize
	}
	for i := 0; i < n; i++ {
		result[i] = r.events[(start+i)%r.maxSize]
	}
	return result
}

// Len reports how many events the ring currently holds.
func (r *EventRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return r.maxSize
	}
	return r.pos
}
