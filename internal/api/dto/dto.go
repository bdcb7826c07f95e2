package dto

import (
	"time"

	"github.com/olyamironova/matching-engine/internal/core"
	"github.com/olyamironova/matching-engine/internal/domain"
	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

type SubmitOrderRequest struct {
	OrderID  string          `json:"order_id,omitempty"` // for deduplication
	TraderID string          `json:"trader_id" binding:"required"`
	Side     Side            `json:"side" binding:"required"`
	Price    decimal.Decimal `json:"price" binding:"required"`
	Quantity int64           `json:"quantity" binding:"required"`
}

func (r SubmitOrderRequest) Domain() domain.OrderRequest {
	return domain.OrderRequest{
		ID:       r.OrderID,
		TraderID: r.TraderID,
		Side:     domain.Side(r.Side),
		Price:    r.Price,
		Quantity: r.Quantity,
	}
}

type SubmitOrderResponse struct {
	Order              Order   `json:"order"`
	Trades             []Trade `json:"trades"`
	Cancelled          []Order `json:"cancelled,omitempty"`
	SelfTradePrevented bool    `json:"self_trade_prevented"`
}

type CancelOrderResponse struct {
	OrderID   string `json:"order_id"`
	Cancelled bool   `json:"cancelled"`
	Order     Order  `json:"order"`
}

type GetOrderResponse struct {
	Order Order `json:"order"`
}

type ListOrdersResponse struct {
	Orders []Order `json:"orders"`
}

type ListTradesResponse struct {
	Trades []Trade `json:"trades"`
}

type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

type OrderbookResponse struct {
	Symbol    string    `json:"symbol"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	Sequence  uint64    `json:"sequence"`
	Version   uint64    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

type TopResponse struct {
	Bid    *Level           `json:"bid"`
	Ask    *Level           `json:"ask"`
	Spread *decimal.Decimal `json:"spread"`
}

type RegisterTraderRequest struct {
	Username string `json:"username" binding:"required"`
}

type Trader struct {
	ID        string          `json:"id"`
	Username  string          `json:"username"`
	Balance   decimal.Decimal `json:"balance"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
}

type ListTradersResponse struct {
	Traders []Trader `json:"traders"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Order struct {
	ID        string          `json:"id"`
	TraderID  string          `json:"trader_id"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Remaining int64           `json:"remaining"`
	Filled    int64           `json:"filled"`
	Sequence  uint64          `json:"sequence"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Trade struct {
	ID        string          `json:"id"`
	BuyOrder  string          `json:"buy_order"`
	SellOrder string          `json:"sell_order"`
	Maker     string          `json:"maker_order"`
	Taker     string          `json:"taker_order"`
	TakerSide Side            `json:"taker_side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
}

func FromOrder(o *domain.Order) Order {
	return Order{
		ID:        o.ID,
		TraderID:  o.TraderID,
		Side:      Side(o.Side),
		Price:     o.Price,
		Quantity:  o.Quantity,
		Remaining: o.Remaining,
		Filled:    o.Filled(),
		Sequence:  o.Sequence,
		Status:    string(o.Status),
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}

func FromOrders(orders []*domain.Order) []Order {
	res := make([]Order, len(orders))
	for i, o := range orders {
		res[i] = FromOrder(o)
	}
	return res
}

func FromTrades(trades []*domain.Trade) []Trade {
	res := make([]Trade, len(trades))
	for i, t := range trades {
		res[i] = Trade{
			ID:        t.ID,
			BuyOrder:  t.BuyOrderID(),
			SellOrder: t.SellOrderID(),
			Maker:     t.MakerOrderID,
			Taker:     t.TakerOrderID,
			TakerSide: Side(t.TakerSide),
			Price:     t.Price,
			Quantity:  t.Quantity,
			Sequence:  t.Sequence,
			Timestamp: t.Timestamp,
		}
	}
	return res
}

func FromSubmit(res *core.SubmitResult) SubmitOrderResponse {
	out := SubmitOrderResponse{
		Order:              FromOrder(res.Order),
		Trades:             FromTrades(res.Trades),
		SelfTradePrevented: res.SelfTradePrevented,
	}
	if len(res.Cancelled) > 0 {
		out.Cancelled = FromOrders(res.Cancelled)
	}
	return out
}

func fromLevels(levels []domain.PriceLevel) []Level {
	res := make([]Level, len(levels))
	for i, l := range levels {
		res[i] = Level{Price: l.Price, Quantity: l.Quantity, Orders: l.Orders}
	}
	return res
}

func FromDepth(s domain.DepthSnapshot) OrderbookResponse {
	return OrderbookResponse{
		Symbol:    s.Symbol,
		Bids:      fromLevels(s.Bids),
		Asks:      fromLevels(s.Asks),
		Sequence:  s.Sequence,
		Version:   s.Version,
		Timestamp: s.Timestamp,
	}
}

func FromTop(t domain.BookTop) TopResponse {
	var res TopResponse
	if t.Bid != nil {
		res.Bid = &Level{Price: t.Bid.Price, Quantity: t.Bid.Quantity, Orders: t.Bid.Orders}
	}
	if t.Ask != nil {
		res.Ask = &Level{Price: t.Ask.Price, Quantity: t.Ask.Quantity, Orders: t.Ask.Orders}
	}
	if spread, ok := t.Spread(); ok {
		res.Spread = &spread
	}
	return res
}

func FromTrader(t *domain.Trader) Trader {
	return Trader{
		ID:        t.ID,
		Username:  t.Username,
		Balance:   t.Balance,
		Active:    t.Active,
		CreatedAt: t.CreatedAt,
	}
}
