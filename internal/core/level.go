package core

import (
	"container/list"

	"github.com/google/btree"
	"github.com/olyamironova/matching-engine/internal/domain"
	"github.com/shopspring/decimal"
)

const btreeDegree = 32

// priceLevel is a FIFO queue of resting orders sharing one price.
// It lives in its side's tree only while the queue is non empty.
type priceLevel struct {
	price  decimal.Decimal
	volume int64
	orders *list.List // of *domain.Order
}

func (l *priceLevel) front() *domain.Order {
	e := l.orders.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*domain.Order)
}

func (l *priceLevel) view() domain.PriceLevel {
	return domain.PriceLevel{Price: l.price, Quantity: l.volume, Orders: l.orders.Len()}
}

// bookSide keeps the levels of one side sorted best first: bids by price
// descending, asks ascending. The best level is cached for O(1) reads.
type bookSide struct {
	side   domain.Side
	levels *btree.BTreeG[*priceLevel]
	best   *priceLevel
	volume int64
}

func newBookSide(side domain.Side) *bookSide {
	less := func(a, b *priceLevel) bool { return a.price.LessThan(b.price) }
	if side == domain.Buy {
		less = func(a, b *priceLevel) bool { return a.price.GreaterThan(b.price) }
	}
	return &bookSide{side: side, levels: btree.NewG[*priceLevel](btreeDegree, less)}
}

func (s *bookSide) level(price decimal.Decimal) (*priceLevel, bool) {
	return s.levels.Get(&priceLevel{price: price})
}

// levelFor returns the level at price, creating it on first use.
func (s *bookSide) levelFor(price decimal.Decimal) *priceLevel {
	if l, ok := s.level(price); ok {
		return l
	}
	l := &priceLevel{price: price, orders: list.New()}
	s.levels.ReplaceOrInsert(l)
	s.refreshBest()
	return l
}

// dropIfEmpty removes l from the tree once its last order has left.
func (s *bookSide) dropIfEmpty(l *priceLevel) {
	if l.orders.Len() > 0 {
		return
	}
	s.levels.Delete(l)
	s.refreshBest()
}

func (s *bookSide) refreshBest() {
	if l, ok := s.levels.Min(); ok {
		s.best = l
		return
	}
	s.best = nil
}

func (s *bookSide) depth(limit int) []domain.PriceLevel {
	n := s.levels.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.PriceLevel, 0, n)
	s.levels.Ascend(func(l *priceLevel) bool {
		out = append(out, l.view())
		return len(out) < n
	})
	return out
}
