// Package analytics tracks spread and top of book depth over time.
package analytics

import (
	"sync"

	"github.com/olyamironova/matching-engine/internal/domain"
	"github.com/olyamironova/matching-engine/internal/middleware"
	"github.com/olyamironova/matching-engine/internal/pricepoint"
	"github.com/shopspring/decimal"
)

type Summary struct {
	Samples        int             `json:"samples"`
	AvgSpreadTicks decimal.Decimal `json:"avg_spread_ticks"`
	AvgSpreadBps   decimal.Decimal `json:"avg_spread_bps"`
	AvgTopValue    decimal.Decimal `json:"avg_top_value"`
	LastSpread     decimal.Decimal `json:"last_spread"`
}

// Tracker accumulates one sample per observed two sided book.
type Tracker struct {
	tick decimal.Decimal

	mu       sync.Mutex
	samples  int
	ticks    decimal.Decimal
	bps      decimal.Decimal
	topValue decimal.Decimal
	last     decimal.Decimal
}

func NewTracker(tick decimal.Decimal) *Tracker {
	return &Tracker{tick: tick}
}

// Observe records top. One sided or empty books are skipped and reported false.
func (t *Tracker) Observe(top domain.BookTop) bool {
	if top.Bid == nil || top.Ask == nil {
		return false
	}
	bid, ask := top.Bid.Price, top.Ask.Price
	ticks := pricepoint.SpreadTicks(bid, ask, t.tick)
	bps := pricepoint.SpreadBps(bid, ask)
	value := pricepoint.Notional(bid, top.Bid.Quantity).Add(pricepoint.Notional(ask, top.Ask.Quantity))

	t.mu.Lock()
	t.samples++
	t.ticks = t.ticks.Add(ticks)
	t.bps = t.bps.Add(bps)
	t.topValue = t.topValue.Add(value)
	t.last = ask.Sub(bid)
	t.mu.Unlock()

	middleware.SpreadTicks.Set(ticks.InexactFloat64())
	middleware.SpreadBps.Set(bps.InexactFloat64())
	middleware.TopOfBookValue.Set(value.InexactFloat64())
	return true
}

func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Summary{Samples: t.samples, LastSpread: t.last}
	if t.samples == 0 {
		return s
	}
	n := decimal.NewFromInt(int64(t.samples))
	s.AvgSpreadTicks = t.ticks.DivRound(n, 4)
	s.AvgSpreadBps = t.bps.DivRound(n, 4)
	s.AvgTopValue = t.topValue.DivRound(n, 4)
	return s
}
