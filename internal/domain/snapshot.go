package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

// DepthSnapshot is an aggregated view of the book taken under one lock.
type DepthSnapshot struct {
	Symbol   string       `json:"symbol"`
	Bids     []PriceLevel `json:"bids"`
	Asks     []PriceLevel `json:"asks"`
	Sequence uint64       `json:"sequence"`
	// Version changes on every book mutation, including cancels.
	Version   uint64    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// BookTop holds the best level of each side. A nil level means the side is empty.
type BookTop struct {
	Bid *PriceLevel `json:"bid,omitempty"`
	Ask *PriceLevel `json:"ask,omitempty"`
}

func (t BookTop) Spread() (decimal.Decimal, bool) {
	if t.Bid == nil || t.Ask == nil {
		return decimal.Zero, false
	}
	return t.Ask.Price.Sub(t.Bid.Price), true
}
