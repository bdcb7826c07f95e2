package core

import (
	"container/list"
	"fmt"
	"time"

	"github.com/olyamironova/matching-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// bookEntry maps an order to its queue element for O(1) cancel.
type bookEntry struct {
	order *domain.Order
	elem  *list.Element
	level *priceLevel
}

// OrderBook holds the resting orders of one instrument. It is not safe for
// concurrent use; Engine serializes access to it.
type OrderBook struct {
	bids  *bookSide
	asks  *bookSide
	index map[string]*bookEntry

	retired *retiredSet
	// ids of orders that rested because self-trade prevention stopped them.
	// Only these may leave the top of the book crossed.
	selfTradeRested map[string]struct{}
	// levels changed since the last verification
	touched map[*priceLevel]*bookSide
}

func NewOrderBook(retiredHistory int) *OrderBook {
	return &OrderBook{
		bids:            newBookSide(domain.Buy),
		asks:            newBookSide(domain.Sell),
		index:           make(map[string]*bookEntry),
		retired:         newRetiredSet(retiredHistory),
		selfTradeRested: make(map[string]struct{}),
		touched:         make(map[*priceLevel]*bookSide),
	}
}

func (b *OrderBook) side(s domain.Side) *bookSide {
	if s == domain.Buy {
		return b.bids
	}
	return b.asks
}

// Insert appends o to the tail of its price level.
func (b *OrderBook) Insert(o *domain.Order) error {
	if o.Remaining <= 0 || !o.Price.IsPositive() {
		return fmt.Errorf("%w: insert order %s with price %s remaining %d", domain.ErrInvalidOrder, o.ID, o.Price, o.Remaining)
	}
	if !o.Side.Valid() {
		return fmt.Errorf("%w: insert order %s with side %q", domain.ErrInvalidOrder, o.ID, o.Side)
	}
	if b.Known(o.ID) {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateOrder, o.ID)
	}
	s := b.side(o.Side)
	if lvl, ok := s.level(o.Price); ok {
		if tail := lvl.orders.Back().Value.(*domain.Order); tail.Sequence >= o.Sequence {
			return fmt.Errorf("%w: order %s sequence %d behind level tail %d", domain.ErrInvariantViolation, o.ID, o.Sequence, tail.Sequence)
		}
	}
	lvl := s.levelFor(o.Price)
	b.index[o.ID] = &bookEntry{order: o, elem: lvl.orders.PushBack(o), level: lvl}
	lvl.volume += o.Remaining
	s.volume += o.Remaining
	b.touched[lvl] = s
	return nil
}

// Best returns the top level of side s, false when the side is empty.
func (b *OrderBook) Best(s domain.Side) (domain.PriceLevel, bool) {
	best := b.side(s).best
	if best == nil {
		return domain.PriceLevel{}, false
	}
	return best.view(), true
}

func (b *OrderBook) BestBid() (decimal.Decimal, bool) { return b.bestPrice(b.bids) }

func (b *OrderBook) BestAsk() (decimal.Decimal, bool) { return b.bestPrice(b.asks) }

func (b *OrderBook) bestPrice(s *bookSide) (decimal.Decimal, bool) {
	if s.best == nil {
		return decimal.Zero, false
	}
	return s.best.price, true
}

// PeekFront returns the earliest order at price without removing it.
func (b *OrderBook) PeekFront(s domain.Side, price decimal.Decimal) (*domain.Order, error) {
	lvl, ok := b.side(s).level(price)
	if !ok {
		return nil, fmt.Errorf("%w: no %s level at %s", domain.ErrOrderNotFound, s, price)
	}
	return lvl.front(), nil
}

// PopFront removes the earliest order at price, dropping the level when it empties.
func (b *OrderBook) PopFront(s domain.Side, price decimal.Decimal) (*domain.Order, error) {
	lvl, ok := b.side(s).level(price)
	if !ok {
		return nil, fmt.Errorf("%w: no %s level at %s", domain.ErrOrderNotFound, s, price)
	}
	o := lvl.front()
	b.remove(b.index[o.ID])
	return o, nil
}

// Cancel removes a resting order and marks it cancelled. Cancelling an order
// that already left the book fails with ErrOrderAlreadyTerminal while the id
// is still remembered, ErrOrderNotFound afterwards.
func (b *OrderBook) Cancel(id string, at time.Time) (*domain.Order, error) {
	e, ok := b.index[id]
	if !ok {
		if st, seen := b.retired.lookup(id); seen {
			return nil, fmt.Errorf("%w: %s is %s", domain.ErrOrderAlreadyTerminal, id, st)
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	b.remove(e)
	o := e.order
	o.Status = domain.Cancelled
	o.UpdatedAt = at
	b.retire(o)
	return o, nil
}

// fillFront executes qty against the earliest order of the best level of s.
// A maker filled to zero leaves the book.
func (b *OrderBook) fillFront(s *bookSide, qty int64, at time.Time) (*domain.Order, error) {
	lvl := s.best
	if lvl == nil {
		return nil, fmt.Errorf("%w: fill on empty %s side", domain.ErrInvariantViolation, s.side)
	}
	maker := lvl.front()
	if err := maker.Fill(qty, at); err != nil {
		return nil, err
	}
	lvl.volume -= qty
	s.volume -= qty
	b.touched[lvl] = s
	if maker.Remaining == 0 {
		if _, err := b.PopFront(s.side, lvl.price); err != nil {
			return nil, err
		}
		b.retire(maker)
	}
	return maker, nil
}

func (b *OrderBook) remove(e *bookEntry) {
	lvl, s := e.level, b.side(e.order.Side)
	lvl.orders.Remove(e.elem)
	lvl.volume -= e.order.Remaining
	s.volume -= e.order.Remaining
	delete(b.index, e.order.ID)
	delete(b.selfTradeRested, e.order.ID)
	b.touched[lvl] = s
	s.dropIfEmpty(lvl)
}

func (b *OrderBook) retire(o *domain.Order) {
	b.retired.add(o.ID, o.Status)
}

func (b *OrderBook) markSelfTradeRested(id string) {
	if _, ok := b.index[id]; ok {
		b.selfTradeRested[id] = struct{}{}
	}
}

// Get returns a resting order.
func (b *OrderBook) Get(id string) (*domain.Order, bool) {
	e, ok := b.index[id]
	if !ok {
		return nil, false
	}
	return e.order, true
}

// Known reports whether id is resting or was recently retired.
func (b *OrderBook) Known(id string) bool {
	if _, ok := b.index[id]; ok {
		return true
	}
	_, ok := b.retired.lookup(id)
	return ok
}

func (b *OrderBook) Depth(s domain.Side, limit int) []domain.PriceLevel {
	return b.side(s).depth(limit)
}

// Len returns the number of resting orders.
func (b *OrderBook) Len() int { return len(b.index) }

// Volume returns the total remaining quantity resting on side s.
func (b *OrderBook) Volume(s domain.Side) int64 { return b.side(s).volume }

// Levels returns the number of price levels on side s.
func (b *OrderBook) Levels(s domain.Side) int { return b.side(s).levels.Len() }

// Orders returns the resting orders of side s in priority order.
func (b *OrderBook) Orders(s domain.Side) []*domain.Order {
	out := make([]*domain.Order, 0)
	b.side(s).levels.Ascend(func(l *priceLevel) bool {
		for e := l.orders.Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(*domain.Order))
		}
		return true
	})
	return out
}
