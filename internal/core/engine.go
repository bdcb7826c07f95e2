package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/olyamironova/matching-engine/internal/domain"
	"github.com/olyamironova/matching-engine/internal/pricepoint"
	"github.com/olyamironova/matching-engine/internal/sequencer"
	"github.com/shopspring/decimal"
)

// TraderDirectory tells the engine which traders may place orders.
type TraderDirectory interface {
	TraderExists(traderID string) bool
}

type Config struct {
	Symbol          string
	SelfTradePolicy SelfTradePolicy
	// PriceScale is the maximum number of fractional digits of a price.
	PriceScale int32
	// TickSize, when positive, requires prices to be whole multiples of it.
	TickSize decimal.Decimal
	// VerifyInvariants walks the whole book after every mutation. Otherwise
	// only the levels a mutation touched and the top of the book are checked.
	VerifyInvariants bool
	// RetiredHistory is how many terminal order ids stay known for cancel.
	RetiredHistory int
}

func DefaultConfig() Config {
	return Config{
		Symbol:          "DEFAULT",
		SelfTradePolicy: RestRemainder,
		PriceScale:      8,
		RetiredHistory:  100_000,
	}
}

// SubmitResult is the outcome of one submission. All orders are copies taken
// when the submission finished.
type SubmitResult struct {
	Order  *domain.Order
	Trades []*domain.Trade
	// Makers holds the final state of every resting order that traded, in
	// first trade order.
	Makers []*domain.Order
	// Cancelled holds resting orders removed by self-trade prevention.
	Cancelled          []*domain.Order
	SelfTradePrevented bool
}

// Stats is a point in time summary of the engine.
type Stats struct {
	Symbol        string `json:"symbol"`
	OpenOrders    int    `json:"open_orders"`
	BidLevels     int    `json:"bid_levels"`
	AskLevels     int    `json:"ask_levels"`
	BidQuantity   int64  `json:"bid_quantity"`
	AskQuantity   int64  `json:"ask_quantity"`
	Sequence      uint64 `json:"sequence"`
	TradeSequence uint64 `json:"trade_sequence"`
	Halted        bool   `json:"halted"`
}

// Engine matches limit orders of one instrument with price-time priority.
// Mutations run under an exclusive lock, reads under a shared one.
type Engine struct {
	cfg     Config
	traders TraderDirectory

	mu       sync.RWMutex
	book     *OrderBook
	orderSeq *sequencer.Sequencer
	tradeSeq *sequencer.Sequencer
	version  uint64
	halted   error
	now      func() time.Time
}

// NewEngine creates an engine. A nil directory accepts every trader id.
func NewEngine(traders TraderDirectory, cfg Config) *Engine {
	return &Engine{
		cfg:      cfg,
		traders:  traders,
		book:     NewOrderBook(cfg.RetiredHistory),
		orderSeq: sequencer.New(0),
		tradeSeq: sequencer.New(0),
		now:      time.Now,
	}
}

func (e *Engine) Config() Config { return e.cfg }

// Submit validates req, matches it against the opposite side and rests any
// remainder the self-trade policy allows.
func (e *Engine) Submit(req domain.OrderRequest) (*SubmitResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validate(req); err != nil {
		return nil, err
	}
	if e.halted != nil {
		return nil, e.haltedErr()
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	} else if e.book.Known(id) {
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateOrder, id)
	}

	now := e.now()
	o := &domain.Order{
		ID:        id,
		TraderID:  req.TraderID,
		Side:      req.Side,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Remaining: req.Quantity,
		Sequence:  e.orderSeq.Next(),
		Status:    domain.Open,
		CreatedAt: now,
		UpdatedAt: now,
	}

	res, err := e.match(o, now)
	if err == nil {
		err = e.verify()
	}
	if err != nil {
		return nil, e.halt(err)
	}
	e.version++
	return res, nil
}

func (e *Engine) validate(req domain.OrderRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if err := pricepoint.Validate(req.Price, e.cfg.PriceScale); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidOrder, err)
	}
	if !pricepoint.OnTick(req.Price, e.cfg.TickSize) {
		return fmt.Errorf("%w: price %s is not a multiple of tick %s", domain.ErrInvalidOrder, req.Price, e.cfg.TickSize)
	}
	if e.traders != nil && !e.traders.TraderExists(req.TraderID) {
		return fmt.Errorf("%w: unknown trader %s", domain.ErrInvalidOrder, req.TraderID)
	}
	return nil
}

func (e *Engine) match(taker *domain.Order, now time.Time) (*SubmitResult, error) {
	res := &SubmitResult{}
	opposite := e.book.side(taker.Side.Opposite())
	makers := make(map[string]*domain.Order)
	var makerOrder []string
	stopped := false

	for taker.Remaining > 0 && !stopped {
		lvl := opposite.best
		if lvl == nil || !taker.Crosses(lvl.price) {
			break
		}
		maker := lvl.front()

		if maker.TraderID == taker.TraderID {
			res.SelfTradePrevented = true
			switch e.cfg.SelfTradePolicy {
			case CancelResting:
				cancelled, err := e.book.Cancel(maker.ID, now)
				if err != nil {
					return nil, err
				}
				res.Cancelled = append(res.Cancelled, cancelled.Clone())
				continue
			case CancelIncoming:
				taker.Status = domain.Cancelled
				taker.UpdatedAt = now
			}
			stopped = true
			break
		}

		qty := min(taker.Remaining, maker.Remaining)
		if _, err := e.book.fillFront(opposite, qty, now); err != nil {
			return nil, err
		}
		if err := taker.Fill(qty, now); err != nil {
			return nil, err
		}
		res.Trades = append(res.Trades, &domain.Trade{
			ID:            uuid.NewString(),
			MakerOrderID:  maker.ID,
			TakerOrderID:  taker.ID,
			MakerTraderID: maker.TraderID,
			TakerTraderID: taker.TraderID,
			TakerSide:     taker.Side,
			Price:         maker.Price,
			Quantity:      qty,
			Sequence:      e.tradeSeq.Next(),
			Timestamp:     now,
		})
		if _, ok := makers[maker.ID]; !ok {
			makerOrder = append(makerOrder, maker.ID)
		}
		makers[maker.ID] = maker
	}

	switch {
	case taker.Status == domain.Cancelled:
		e.book.retire(taker)
	case taker.Remaining > 0:
		if err := e.book.Insert(taker); err != nil {
			return nil, err
		}
		if stopped {
			e.book.markSelfTradeRested(taker.ID)
		}
	default:
		e.book.retire(taker)
	}

	res.Order = taker.Clone()
	for _, id := range makerOrder {
		res.Makers = append(res.Makers, makers[id].Clone())
	}
	return res, nil
}

// Cancel removes a resting order from the book.
func (e *Engine) Cancel(orderID string) (*domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.halted != nil {
		return nil, e.haltedErr()
	}
	o, err := e.book.Cancel(orderID, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.verify(); err != nil {
		return nil, e.halt(err)
	}
	e.version++
	return o.Clone(), nil
}

// Restore loads resting orders into an empty book, typically after a
// restart. The order sequencer moves past lastOrderSeq and every restored
// order, the trade sequencer past lastTradeSeq, so sequences handed out
// before the restart are never reused.
func (e *Engine) Restore(orders []*domain.Order, lastOrderSeq, lastTradeSeq uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.halted != nil {
		return e.haltedErr()
	}
	if e.book.Len() > 0 {
		return errors.New("restore into a non empty book")
	}

	sorted := make([]*domain.Order, 0, len(orders))
	for _, o := range orders {
		if o.Status.Terminal() || o.Remaining <= 0 {
			continue
		}
		sorted = append(sorted, o.Clone())
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	book := NewOrderBook(e.cfg.RetiredHistory)
	maxSeq := lastOrderSeq
	for _, o := range sorted {
		// an order crossing an earlier one can only have rested after self-trade prevention
		best, ok := book.bestPrice(book.side(o.Side.Opposite()))
		crossing := ok && o.Crosses(best)
		if err := book.Insert(o); err != nil {
			return fmt.Errorf("restore order %s: %w", o.ID, err)
		}
		if crossing && e.cfg.SelfTradePolicy == RestRemainder {
			book.markSelfTradeRested(o.ID)
		}
		maxSeq = max(maxSeq, o.Sequence)
	}
	if err := book.Verify(); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	e.book = book
	e.version++
	e.orderSeq.AdvanceTo(maxSeq)
	e.tradeSeq.AdvanceTo(lastTradeSeq)
	return nil
}

func (e *Engine) verify() error {
	if e.cfg.VerifyInvariants {
		return e.book.Verify()
	}
	return e.book.VerifyTouched()
}

// halt records a fatal defect. Every later mutation fails with ErrEngineHalted.
func (e *Engine) halt(err error) error {
	if !errors.Is(err, domain.ErrInvariantViolation) {
		err = fmt.Errorf("%w: %v", domain.ErrInvariantViolation, err)
	}
	e.halted = err
	return err
}

func (e *Engine) haltedErr() error {
	return fmt.Errorf("%w: %v", domain.ErrEngineHalted, e.halted)
}

// Halted returns the defect that stopped the engine, nil while healthy.
func (e *Engine) Halted() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halted
}

func (e *Engine) BestBid() (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.BestBid()
}

func (e *Engine) BestAsk() (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.BestAsk()
}

// Top returns the best level of both sides from one consistent view.
func (e *Engine) Top() domain.BookTop {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var top domain.BookTop
	if l, ok := e.book.Best(domain.Buy); ok {
		top.Bid = &l
	}
	if l, ok := e.book.Best(domain.Sell); ok {
		top.Ask = &l
	}
	return top
}

// Depth aggregates up to limit levels per side. A limit <= 0 returns all levels.
func (e *Engine) Depth(limit int) domain.DepthSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return domain.DepthSnapshot{
		Symbol:    e.cfg.Symbol,
		Bids:      e.book.Depth(domain.Buy, limit),
		Asks:      e.book.Depth(domain.Sell, limit),
		Sequence:  e.orderSeq.Current(),
		Version:   e.version,
		Timestamp: e.now(),
	}
}

// Version counts successful book mutations.
func (e *Engine) Version() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Order returns a copy of a resting order.
func (e *Engine) Order(id string) (*domain.Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.book.Get(id)
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// OpenOrders returns copies of all resting orders, bids first, each side in priority order.
func (e *Engine) OpenOrders() []*domain.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*domain.Order
	for _, s := range []domain.Side{domain.Buy, domain.Sell} {
		for _, o := range e.book.Orders(s) {
			out = append(out, o.Clone())
		}
	}
	return out
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Symbol:        e.cfg.Symbol,
		OpenOrders:    e.book.Len(),
		BidLevels:     e.book.Levels(domain.Buy),
		AskLevels:     e.book.Levels(domain.Sell),
		BidQuantity:   e.book.Volume(domain.Buy),
		AskQuantity:   e.book.Volume(domain.Sell),
		Sequence:      e.orderSeq.Current(),
		TradeSequence: e.tradeSeq.Current(),
		Halted:        e.halted != nil,
	}
}
