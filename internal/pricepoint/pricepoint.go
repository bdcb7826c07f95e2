// Package pricepoint holds fixed precision price helpers built on decimal.
package pricepoint

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var bpsFactor = decimal.NewFromInt(10000)

// Parse reads a price string and checks it against the instrument scale.
func Parse(s string, scale int32) (decimal.Decimal, error) {
	p, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", s, err)
	}
	if err := Validate(p, scale); err != nil {
		return decimal.Zero, err
	}
	return p, nil
}

// Validate rejects non positive prices and prices with more fractional digits than scale.
func Validate(p decimal.Decimal, scale int32) error {
	if !p.IsPositive() {
		return fmt.Errorf("price %s must be > 0", p)
	}
	if !p.Truncate(scale).Equal(p) {
		return fmt.Errorf("price %s exceeds %d decimal places", p, scale)
	}
	return nil
}

// OnTick reports whether p is a whole multiple of tick.
func OnTick(p, tick decimal.Decimal) bool {
	if !tick.IsPositive() {
		return true
	}
	return p.Mod(tick).IsZero()
}

// SpreadTicks returns (ask - bid) / tick rounded to the nearest tick.
func SpreadTicks(bid, ask, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return ask.Sub(bid)
	}
	return ask.Sub(bid).Div(tick).Round(0)
}

func Mid(bid, ask decimal.Decimal) decimal.Decimal {
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}

// SpreadBps returns the spread in basis points of the midpoint.
func SpreadBps(bid, ask decimal.Decimal) decimal.Decimal {
	mid := Mid(bid, ask)
	if mid.IsZero() {
		return decimal.Zero
	}
	return ask.Sub(bid).Div(mid).Mul(bpsFactor)
}

func Notional(price decimal.Decimal, qty int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(qty))
}
