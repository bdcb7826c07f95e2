package core

import (
	"fmt"

	"github.com/olyamironova/matching-engine/internal/domain"
)

// Verify walks the whole book and reports the first broken invariant.
func (b *OrderBook) Verify() error {
	defer clear(b.touched)
	seen := 0
	for _, s := range []*bookSide{b.bids, b.asks} {
		if err := verifyBest(s); err != nil {
			return err
		}
		var (
			count  int
			volume int64
			err    error
		)
		s.levels.Ascend(func(l *priceLevel) bool {
			var n int
			if n, err = b.verifyLevel(s, l); err != nil {
				return false
			}
			count += n
			volume += l.volume
			return true
		})
		if err != nil {
			return err
		}
		if volume != s.volume {
			return violation("%s side volume %d, levels sum to %d", s.side, s.volume, volume)
		}
		seen += count
	}
	if seen != len(b.index) {
		return violation("index holds %d orders, levels hold %d", len(b.index), seen)
	}
	for id := range b.selfTradeRested {
		if _, ok := b.index[id]; !ok {
			return violation("self trade marker for %s which is not resting", id)
		}
	}
	return b.verifyUncrossed()
}

// VerifyTouched checks the levels changed since the last verification, the
// best level caches and the top of the book. Its cost is bounded by the
// levels a mutation touched rather than by the size of the book.
func (b *OrderBook) VerifyTouched() error {
	defer clear(b.touched)
	for _, s := range []*bookSide{b.bids, b.asks} {
		if err := verifyBest(s); err != nil {
			return err
		}
		if s.volume < 0 {
			return violation("%s side volume %d is negative", s.side, s.volume)
		}
	}
	for l, s := range b.touched {
		in, ok := s.level(l.price)
		linked := ok && in == l
		switch {
		case l.orders.Len() == 0 && linked:
			return violation("empty %s level at %s", s.side, l.price)
		case l.orders.Len() == 0:
			continue
		case !linked:
			return violation("%s level %s holds orders outside the tree", s.side, l.price)
		}
		if _, err := b.verifyLevel(s, l); err != nil {
			return err
		}
	}
	return b.verifyUncrossed()
}

func verifyBest(s *bookSide) error {
	if top, ok := s.levels.Min(); ok != (s.best != nil) || (ok && top != s.best) {
		return violation("%s best level cache is stale", s.side)
	}
	return nil
}

// verifyLevel checks the queue of one level and returns its order count.
func (b *OrderBook) verifyLevel(s *bookSide, l *priceLevel) (int, error) {
	if l.orders.Len() == 0 {
		return 0, violation("empty %s level at %s", s.side, l.price)
	}
	var (
		count   int
		volume  int64
		lastSeq uint64
	)
	for e := l.orders.Front(); e != nil; e = e.Next() {
		o := e.Value.(*domain.Order)
		entry, ok := b.index[o.ID]
		switch {
		case !ok || entry.elem != e || entry.level != l:
			return 0, violation("order %s at %s %s is not indexed to its level", o.ID, s.side, l.price)
		case o.Side != s.side || !o.Price.Equal(l.price):
			return 0, violation("order %s %s@%s sits in %s level %s", o.ID, o.Side, o.Price, s.side, l.price)
		case o.Remaining <= 0 || o.Remaining > o.Quantity || o.Status.Terminal():
			return 0, violation("order %s rests with remaining %d status %s", o.ID, o.Remaining, o.Status)
		case o.Sequence <= lastSeq:
			return 0, violation("order %s sequence %d not after %d at %s", o.ID, o.Sequence, lastSeq, l.price)
		}
		lastSeq = o.Sequence
		volume += o.Remaining
		count++
	}
	if volume != l.volume {
		return 0, violation("%s level %s volume %d, orders sum to %d", s.side, l.price, l.volume, volume)
	}
	return count, nil
}

// verifyUncrossed requires best bid < best ask. A crossed top is tolerated
// only when one of the two front orders rested after self-trade prevention
// stopped it, since that is the one path that may rest a crossing price.
func (b *OrderBook) verifyUncrossed() error {
	bid, ask := b.bids.best, b.asks.best
	if bid == nil || ask == nil || bid.price.LessThan(ask.price) {
		return nil
	}
	_, bidMarked := b.selfTradeRested[bid.front().ID]
	_, askMarked := b.selfTradeRested[ask.front().ID]
	if bidMarked || askMarked {
		return nil
	}
	return violation("crossed book: best bid %s >= best ask %s", bid.price, ask.price)
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvariantViolation, fmt.Sprintf(format, args...))
}
