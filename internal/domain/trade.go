package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is an immutable execution between a resting maker and an incoming
// taker. Price is always the maker's price.
type Trade struct {
	ID            string          `json:"id"`
	MakerOrderID  string          `json:"maker_order_id"`
	TakerOrderID  string          `json:"taker_order_id"`
	MakerTraderID string          `json:"maker_trader_id"`
	TakerTraderID string          `json:"taker_trader_id"`
	TakerSide     Side            `json:"taker_side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      int64           `json:"quantity"`
	Sequence      uint64          `json:"sequence"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (t *Trade) BuyOrderID() string {
	if t.TakerSide == Buy {
		return t.TakerOrderID
	}
	return t.MakerOrderID
}

func (t *Trade) SellOrderID() string {
	if t.TakerSide == Sell {
		return t.TakerOrderID
	}
	return t.MakerOrderID
}

func (t *Trade) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}
