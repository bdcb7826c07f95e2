package core

import "github.com/olyamironova/matching-engine/internal/domain"

// retiredSet remembers the terminal status of the most recent orders that
// left the book. The oldest id is forgotten once capacity is reached.
type retiredSet struct {
	ring   []string
	next   int
	status map[string]domain.OrderStatus
}

func newRetiredSet(capacity int) *retiredSet {
	if capacity < 0 {
		capacity = 0
	}
	return &retiredSet{
		ring:   make([]string, capacity),
		status: make(map[string]domain.OrderStatus, capacity),
	}
}

func (r *retiredSet) add(id string, st domain.OrderStatus) {
	if len(r.ring) == 0 {
		return
	}
	if _, ok := r.status[id]; ok {
		r.status[id] = st
		return
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.status, old)
	}
	r.ring[r.next] = id
	r.status[id] = st
	r.next = (r.next + 1) % len(r.ring)
}

func (r *retiredSet) lookup(id string) (domain.OrderStatus, bool) {
	st, ok := r.status[id]
	return st, ok
}

func (r *retiredSet) len() int { return len(r.status) }
