// Package sequencer hands out strictly increasing sequence numbers.
package sequencer

import "sync/atomic"

type Sequencer struct {
	last atomic.Uint64
}

// New creates a sequencer whose first Next returns start+1.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

func (s *Sequencer) Next() uint64 { return s.last.Add(1) }

func (s *Sequencer) Current() uint64 { return s.last.Load() }

// AdvanceTo moves the counter forward to at least v. It never moves it back.
func (s *Sequencer) AdvanceTo(v uint64) {
	for {
		cur := s.last.Load()
		if cur >= v || s.last.CompareAndSwap(cur, v) {
			return
		}
	}
}
