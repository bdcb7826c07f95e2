package core

import (
	"fmt"
	"sync"
	"testing"

	"github.com/olyamironova/matching-engine/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type directory map[string]bool

func (d directory) TraderExists(id string) bool { return d[id] }

func newEngine(t *testing.T, policy SelfTradePolicy) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SelfTradePolicy = policy
	return NewEngine(directory{"A": true, "B": true, "C": true, "D": true}, cfg)
}

func req(trader string, side domain.Side, price string, qty int64) domain.OrderRequest {
	return domain.OrderRequest{TraderID: trader, Side: side, Price: px(price), Quantity: qty}
}

func submit(t *testing.T, e *Engine, r domain.OrderRequest) *SubmitResult {
	t.Helper()
	res, err := e.Submit(r)
	require.NoError(t, err)
	return res
}

func TestScenarioSimpleCross(t *testing.T) {
	e := newEngine(t, RestRemainder)

	buy := submit(t, e, req("A", domain.Buy, "99.5", 10))
	assert.Empty(t, buy.Trades)
	assert.Equal(t, domain.Open, buy.Order.Status)
	bid, ok := e.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Equal(px("99.5")))

	sell := submit(t, e, req("B", domain.Sell, "99.5", 10))
	require.Len(t, sell.Trades, 1)
	tr := sell.Trades[0]
	assert.True(t, tr.Price.Equal(px("99.5")))
	assert.Equal(t, int64(10), tr.Quantity)
	assert.Equal(t, buy.Order.ID, tr.MakerOrderID)
	assert.Equal(t, sell.Order.ID, tr.TakerOrderID)
	assert.Equal(t, "A", tr.MakerTraderID)
	assert.Equal(t, "B", tr.TakerTraderID)

	assert.Equal(t, domain.Filled, sell.Order.Status)
	require.Len(t, sell.Makers, 1)
	assert.Equal(t, domain.Filled, sell.Makers[0].Status)

	_, ok = e.BestBid()
	assert.False(t, ok)
	_, ok = e.BestAsk()
	assert.False(t, ok)
	assert.Equal(t, 0, e.Stats().OpenOrders)
}

func TestScenarioSelfTradeRests(t *testing.T) {
	e := newEngine(t, RestRemainder)

	buy := submit(t, e, req("C", domain.Buy, "101", 8))
	sell := submit(t, e, req("C", domain.Sell, "101", 8))

	assert.Empty(t, sell.Trades)
	assert.True(t, sell.SelfTradePrevented)
	assert.Equal(t, domain.Open, sell.Order.Status)
	assert.Equal(t, int64(8), sell.Order.Remaining)

	resting, ok := e.Order(buy.Order.ID)
	require.True(t, ok)
	assert.Equal(t, int64(8), resting.Remaining)
	assert.Equal(t, domain.Open, resting.Status)

	ask, ok := e.BestAsk()
	require.True(t, ok)
	assert.True(t, ask.Equal(px("101")))
	require.NoError(t, e.Halted())
}

func TestScenarioTimePriorityAtOnePrice(t *testing.T) {
	e := newEngine(t, RestRemainder)

	first := submit(t, e, req("A", domain.Sell, "99", 15))
	second := submit(t, e, req("B", domain.Sell, "99", 5))
	assert.Less(t, first.Order.Sequence, second.Order.Sequence)

	buy := submit(t, e, req("C", domain.Buy, "99", 18))
	require.Len(t, buy.Trades, 2)
	assert.Equal(t, first.Order.ID, buy.Trades[0].MakerOrderID)
	assert.Equal(t, int64(15), buy.Trades[0].Quantity)
	assert.Equal(t, second.Order.ID, buy.Trades[1].MakerOrderID)
	assert.Equal(t, int64(3), buy.Trades[1].Quantity)
	assert.Less(t, buy.Trades[0].Sequence, buy.Trades[1].Sequence)

	assert.Equal(t, domain.Filled, buy.Order.Status)
	require.Len(t, buy.Makers, 2)
	assert.Equal(t, domain.Filled, buy.Makers[0].Status)
	assert.Equal(t, domain.PartiallyFilled, buy.Makers[1].Status)
	assert.Equal(t, int64(2), buy.Makers[1].Remaining)

	rest, ok := e.Order(second.Order.ID)
	require.True(t, ok)
	assert.Equal(t, int64(2), rest.Remaining)
}

func TestNoMatchWhenPricesDoNotCross(t *testing.T) {
	e := newEngine(t, RestRemainder)
	submit(t, e, req("A", domain.Sell, "100", 10))
	res := submit(t, e, req("B", domain.Buy, "90", 10))

	assert.Empty(t, res.Trades)
	assert.Equal(t, domain.Open, res.Order.Status)
	depth := e.Depth(0)
	require.Len(t, depth.Bids, 1)
	require.Len(t, depth.Asks, 1)
	assert.Equal(t, int64(10), depth.Bids[0].Quantity)
	assert.Equal(t, int64(10), depth.Asks[0].Quantity)
}

func TestSweepUsesMakerPrices(t *testing.T) {
	e := newEngine(t, RestRemainder)
	submit(t, e, req("A", domain.Sell, "100", 5))
	submit(t, e, req("B", domain.Sell, "101", 5))
	submit(t, e, req("A", domain.Sell, "103", 5))

	res := submit(t, e, req("C", domain.Buy, "102", 12))
	require.Len(t, res.Trades, 2)
	assert.True(t, res.Trades[0].Price.Equal(px("100")))
	assert.True(t, res.Trades[1].Price.Equal(px("101")))
	assert.Equal(t, domain.PartiallyFilled, res.Order.Status)
	assert.Equal(t, int64(2), res.Order.Remaining)

	bid, _ := e.BestBid()
	ask, _ := e.BestAsk()
	assert.True(t, bid.Equal(px("102")))
	assert.True(t, ask.Equal(px("103")))
}

func TestSelfTradeStopsBeforeWorseLevels(t *testing.T) {
	e := newEngine(t, RestRemainder)
	submit(t, e, req("A", domain.Sell, "100", 5))
	submit(t, e, req("C", domain.Sell, "101", 5))
	submit(t, e, req("B", domain.Sell, "102", 5))

	res := submit(t, e, req("C", domain.Buy, "102", 15))
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "A", res.Trades[0].MakerTraderID)
	assert.True(t, res.SelfTradePrevented)
	assert.Equal(t, int64(10), res.Order.Remaining)

	_, ok := e.Order(res.Order.ID)
	assert.True(t, ok, "remainder rests")
	require.NoError(t, e.Halted())
}

func TestSelfTradeCancelResting(t *testing.T) {
	e := newEngine(t, CancelResting)
	own := submit(t, e, req("C", domain.Sell, "100", 5))
	other := submit(t, e, req("A", domain.Sell, "100", 5))

	res := submit(t, e, req("C", domain.Buy, "100", 8))
	require.Len(t, res.Cancelled, 1)
	assert.Equal(t, own.Order.ID, res.Cancelled[0].ID)
	assert.Equal(t, domain.Cancelled, res.Cancelled[0].Status)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, other.Order.ID, res.Trades[0].MakerOrderID)
	assert.Equal(t, int64(3), res.Order.Remaining)

	_, err := e.Cancel(own.Order.ID)
	assert.ErrorIs(t, err, domain.ErrOrderAlreadyTerminal)

	bid, _ := e.BestBid()
	assert.True(t, bid.Equal(px("100")))
	_, ok := e.BestAsk()
	assert.False(t, ok)
}

func TestSelfTradeCancelIncoming(t *testing.T) {
	e := newEngine(t, CancelIncoming)
	submit(t, e, req("A", domain.Sell, "100", 5))
	own := submit(t, e, req("C", domain.Sell, "101", 5))

	res := submit(t, e, req("C", domain.Buy, "101", 8))
	require.Len(t, res.Trades, 1)
	assert.Equal(t, domain.Cancelled, res.Order.Status)
	assert.Equal(t, int64(3), res.Order.Remaining)

	_, ok := e.Order(res.Order.ID)
	assert.False(t, ok)
	resting, ok := e.Order(own.Order.ID)
	require.True(t, ok)
	assert.Equal(t, int64(5), resting.Remaining)

	_, err := e.Cancel(res.Order.ID)
	assert.ErrorIs(t, err, domain.ErrOrderAlreadyTerminal)
}

func TestSubmitRejectsInvalid(t *testing.T) {
	e := newEngine(t, RestRemainder)

	cases := map[string]domain.OrderRequest{
		"zero price":     req("A", domain.Buy, "0", 1),
		"negative price": req("A", domain.Buy, "-3", 1),
		"zero quantity":  req("A", domain.Buy, "10", 0),
		"unknown trader": req("Z", domain.Buy, "10", 1),
		"bad side":       {TraderID: "A", Side: "BID", Price: px("10"), Quantity: 1},
		"too fine price": req("A", domain.Buy, "10.123456789", 1),
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.Submit(r)
			assert.ErrorIs(t, err, domain.ErrInvalidOrder)
		})
	}
	assert.Equal(t, uint64(0), e.Stats().Sequence)
	assert.Equal(t, 0, e.Stats().OpenOrders)
}

func TestSubmitRejectsOffTickPrice(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickSize = px("0.05")
	e := NewEngine(nil, cfg)

	_, err := e.Submit(req("anyone", domain.Buy, "10.02", 1))
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	submit(t, e, req("anyone", domain.Buy, "10.05", 1))
}

func TestSubmitWithClientOrderID(t *testing.T) {
	e := newEngine(t, RestRemainder)
	r := req("A", domain.Buy, "10", 1)
	r.ID = "client-1"

	res := submit(t, e, r)
	assert.Equal(t, "client-1", res.Order.ID)

	_, err := e.Submit(r)
	assert.ErrorIs(t, err, domain.ErrDuplicateOrder)
}

func TestCancelTwice(t *testing.T) {
	e := newEngine(t, RestRemainder)
	res := submit(t, e, req("A", domain.Buy, "10", 4))

	o, err := e.Cancel(res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Cancelled, o.Status)
	assert.Equal(t, int64(4), o.Remaining)

	_, err = e.Cancel(res.Order.ID)
	assert.ErrorIs(t, err, domain.ErrOrderAlreadyTerminal)

	_, err = e.Cancel("unknown")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestCancelFilledOrder(t *testing.T) {
	e := newEngine(t, RestRemainder)
	maker := submit(t, e, req("A", domain.Buy, "10", 4))
	taker := submit(t, e, req("B", domain.Sell, "10", 4))

	_, err := e.Cancel(maker.Order.ID)
	assert.ErrorIs(t, err, domain.ErrOrderAlreadyTerminal)
	_, err = e.Cancel(taker.Order.ID)
	assert.ErrorIs(t, err, domain.ErrOrderAlreadyTerminal)
}

func TestResultIsDetachedFromBook(t *testing.T) {
	e := newEngine(t, RestRemainder)
	res := submit(t, e, req("A", domain.Buy, "10", 4))
	res.Order.Remaining = 1

	o, ok := e.Order(res.Order.ID)
	require.True(t, ok)
	assert.Equal(t, int64(4), o.Remaining)
}

func TestHaltOnInvariantViolation(t *testing.T) {
	e := newEngine(t, RestRemainder)
	submit(t, e, req("A", domain.Buy, "10", 4))

	// corrupt the book behind the engine's back
	e.book.bids.best.volume = 99

	_, err := e.Submit(req("B", domain.Buy, "10", 1))
	require.ErrorIs(t, err, domain.ErrInvariantViolation)
	require.Error(t, e.Halted())
	assert.True(t, e.Stats().Halted)

	_, err = e.Submit(req("B", domain.Buy, "8", 1))
	assert.ErrorIs(t, err, domain.ErrEngineHalted)
	_, err = e.Cancel("x")
	assert.ErrorIs(t, err, domain.ErrEngineHalted)
	assert.ErrorIs(t, e.Restore(nil, 0, 0), domain.ErrEngineHalted)
}

func TestFullVerificationCatchesUntouchedLevels(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VerifyInvariants = true
	e := NewEngine(nil, cfg)
	submit(t, e, req("A", domain.Buy, "10", 4))
	e.book.bids.best.volume = 99

	_, err := e.Submit(req("B", domain.Buy, "9", 1))
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func TestIncrementalVerificationSkipsUntouchedLevels(t *testing.T) {
	e := newEngine(t, RestRemainder)
	submit(t, e, req("A", domain.Buy, "10", 4))
	e.book.bids.best.volume = 99

	submit(t, e, req("B", domain.Buy, "9", 1))
	assert.NoError(t, e.Halted())
}

// lockCheckingDirectory records whether the engine lock was held during the trader lookup.
type lockCheckingDirectory struct {
	e      *Engine
	locked bool
}

func (p *lockCheckingDirectory) TraderExists(string) bool {
	if p.e.mu.TryLock() {
		p.e.mu.Unlock()
		return true
	}
	p.locked = true
	return true
}

func TestTraderLookupHoldsEngineLock(t *testing.T) {
	dir := &lockCheckingDirectory{}
	e := NewEngine(dir, DefaultConfig())
	dir.e = e

	submit(t, e, req("A", domain.Buy, "10", 1))
	assert.True(t, dir.locked)
}

func TestRestore(t *testing.T) {
	e := newEngine(t, RestRemainder)
	orders := []*domain.Order{
		{ID: "s2", TraderID: "B", Side: domain.Sell, Price: px("101"), Quantity: 5, Remaining: 5, Sequence: 7, Status: domain.Open},
		{ID: "s1", TraderID: "A", Side: domain.Sell, Price: px("101"), Quantity: 5, Remaining: 2, Sequence: 3, Status: domain.PartiallyFilled},
		{ID: "b1", TraderID: "A", Side: domain.Buy, Price: px("99"), Quantity: 5, Remaining: 5, Sequence: 4, Status: domain.Open},
		{ID: "gone", TraderID: "A", Side: domain.Buy, Price: px("98"), Quantity: 5, Remaining: 5, Sequence: 5, Status: domain.Cancelled},
	}
	require.NoError(t, e.Restore(orders, 0, 11))

	st := e.Stats()
	assert.Equal(t, 3, st.OpenOrders)
	assert.Equal(t, uint64(7), st.Sequence)
	assert.Equal(t, uint64(11), st.TradeSequence)

	res := submit(t, e, req("C", domain.Buy, "101", 4))
	assert.Equal(t, uint64(8), res.Order.Sequence)
	require.Len(t, res.Trades, 2)
	assert.Equal(t, "s1", res.Trades[0].MakerOrderID)
	assert.Equal(t, uint64(12), res.Trades[0].Sequence)
	assert.Equal(t, "s2", res.Trades[1].MakerOrderID)

	assert.Error(t, e.Restore(orders, 0, 0), "book is no longer empty")
}

func TestRestoreNeverReusesTerminalSequences(t *testing.T) {
	e := newEngine(t, RestRemainder)
	orders := []*domain.Order{
		{ID: "b1", TraderID: "A", Side: domain.Buy, Price: px("99"), Quantity: 5, Remaining: 5, Sequence: 4, Status: domain.Open},
	}
	// sequences up to 20 went to orders that have since filled or been cancelled
	require.NoError(t, e.Restore(orders, 20, 0))
	assert.Equal(t, uint64(20), e.Stats().Sequence)

	res := submit(t, e, req("B", domain.Buy, "98", 1))
	assert.Equal(t, uint64(21), res.Order.Sequence)
}

func TestRestoreKeepsSelfTradeRestedCross(t *testing.T) {
	e := newEngine(t, RestRemainder)
	orders := []*domain.Order{
		{ID: "b", TraderID: "C", Side: domain.Buy, Price: px("101"), Quantity: 8, Remaining: 8, Sequence: 1, Status: domain.Open},
		{ID: "s", TraderID: "C", Side: domain.Sell, Price: px("101"), Quantity: 8, Remaining: 8, Sequence: 2, Status: domain.Open},
	}
	require.NoError(t, e.Restore(orders, 0, 0))

	res := submit(t, e, req("A", domain.Sell, "100", 8))
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "b", res.Trades[0].MakerOrderID)
	assert.NoError(t, e.Halted())
}

func TestRestoreRejectsCrossedBook(t *testing.T) {
	e := newEngine(t, CancelResting)
	orders := []*domain.Order{
		{ID: "b", TraderID: "A", Side: domain.Buy, Price: px("102"), Quantity: 1, Remaining: 1, Sequence: 1, Status: domain.Open},
		{ID: "s", TraderID: "B", Side: domain.Sell, Price: px("101"), Quantity: 1, Remaining: 1, Sequence: 2, Status: domain.Open},
	}
	assert.ErrorIs(t, e.Restore(orders, 0, 0), domain.ErrInvariantViolation)
	assert.Equal(t, 0, e.Stats().OpenOrders)
	assert.NoError(t, e.Halted())
}

func TestTopAndDepth(t *testing.T) {
	e := newEngine(t, RestRemainder)
	top := e.Top()
	assert.Nil(t, top.Bid)
	assert.Nil(t, top.Ask)

	submit(t, e, req("A", domain.Buy, "99", 3))
	submit(t, e, req("B", domain.Buy, "99", 4))
	submit(t, e, req("A", domain.Sell, "101", 6))

	top = e.Top()
	require.NotNil(t, top.Bid)
	require.NotNil(t, top.Ask)
	assert.Equal(t, int64(7), top.Bid.Quantity)
	spread, ok := top.Spread()
	require.True(t, ok)
	assert.True(t, spread.Equal(decimal.NewFromInt(2)))

	depth := e.Depth(1)
	assert.Equal(t, "DEFAULT", depth.Symbol)
	assert.Equal(t, uint64(3), depth.Sequence)
	assert.Len(t, depth.Bids, 1)
	assert.Len(t, e.OpenOrders(), 3)
}

func TestConcurrentSubmitsKeepBookConsistent(t *testing.T) {
	e := NewEngine(nil, DefaultConfig())
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				side := domain.Buy
				if (w+i)%2 == 0 {
					side = domain.Sell
				}
				price := decimal.NewFromInt(int64(95 + (w*7+i)%10))
				_, err := e.Submit(domain.OrderRequest{
					TraderID: fmt.Sprintf("t%d", w),
					Side:     side,
					Price:    price,
					Quantity: int64(1 + i%5),
				})
				assert.NoError(t, err)
				e.Top()
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, e.Halted())
	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.NoError(t, e.book.Verify())
	assert.Equal(t, uint64(1600), e.orderSeq.Current())
}
