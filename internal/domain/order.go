package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Side string
type OrderStatus string

const (
	Buy             Side        = "BUY"
	Sell            Side        = "SELL"
	Open            OrderStatus = "OPEN"
	PartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	Filled          OrderStatus = "FILLED"
	Cancelled       OrderStatus = "CANCELLED"
)

func (s Side) Valid() bool { return s == Buy || s == Sell }

// Opposite returns the side an order of side s matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool { return s == Filled || s == Cancelled }

// Order is a limit order. Price is the limit price, Quantity the original
// size and Remaining the unfilled part. Remaining is kept on cancellation so
// the order still accounts for its original size.
type Order struct {
	ID        string          `json:"id"`
	TraderID  string          `json:"trader_id"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Remaining int64           `json:"remaining"`
	Sequence  uint64          `json:"sequence"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (o *Order) Filled() int64 { return o.Quantity - o.Remaining }

// Fill consumes qty from the remaining size and advances the status.
func (o *Order) Fill(qty int64, at time.Time) error {
	if qty <= 0 || qty > o.Remaining {
		return fmt.Errorf("%w: fill %d of order %s with remaining %d", ErrInvariantViolation, qty, o.ID, o.Remaining)
	}
	if o.Status.Terminal() {
		return fmt.Errorf("%w: fill of %s order %s", ErrInvariantViolation, o.Status, o.ID)
	}
	o.Remaining -= qty
	if o.Remaining == 0 {
		o.Status = Filled
	} else {
		o.Status = PartiallyFilled
	}
	o.UpdatedAt = at
	return nil
}

// Crosses reports whether o is willing to trade at the resting price.
func (o *Order) Crosses(resting decimal.Decimal) bool {
	if o.Side == Buy {
		return o.Price.GreaterThanOrEqual(resting)
	}
	return o.Price.LessThanOrEqual(resting)
}

func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// OrderRequest is the validated input of a submission. ID is optional and
// lets a client choose its own order id.
type OrderRequest struct {
	ID       string
	TraderID string
	Side     Side
	Price    decimal.Decimal
	Quantity int64
}

func (r OrderRequest) Validate() error {
	if r.TraderID == "" {
		return fmt.Errorf("%w: trader id required", ErrInvalidOrder)
	}
	if !r.Side.Valid() {
		return fmt.Errorf("%w: invalid side %q", ErrInvalidOrder, r.Side)
	}
	if !r.Price.IsPositive() {
		return fmt.Errorf("%w: price must be > 0", ErrInvalidOrder)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be > 0", ErrInvalidOrder)
	}
	return nil
}
