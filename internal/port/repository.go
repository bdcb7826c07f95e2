package port

import (
	"context"
	"time"

	"github.com/olyamironova/matching-engine/internal/domain"
)

// Repository is the audit log of order state changes and trades. The engine
// never reads it back except to restore resting orders on startup.
type Repository interface {
	SaveOrder(ctx context.Context, o *domain.Order) error
	SaveTrade(ctx context.Context, t *domain.Trade) error
	// SaveExecution stores the order states and trades of one submission atomically.
	SaveExecution(ctx context.Context, orders []*domain.Order, trades []*domain.Trade) error
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	// ListTrades returns up to limit trades, newest first.
	ListTrades(ctx context.Context, limit int) ([]*domain.Trade, error)
	// LoadOpenOrders returns resting orders ordered by sequence.
	LoadOpenOrders(ctx context.Context) ([]*domain.Order, error)
	LastTradeSequence(ctx context.Context) (uint64, error)
	// LastOrderSequence is the highest sequence of any stored order, terminal or not.
	LastOrderSequence(ctx context.Context) (uint64, error)
	// ListTraderTrades returns trades where traderID was maker or taker,
	// newest first. A limit <= 0 returns all of them.
	ListTraderTrades(ctx context.Context, traderID string, limit int) ([]*domain.Trade, error)
	// TradesBetween returns trades executed in [from, to], oldest first.
	TradesBetween(ctx context.Context, from, to time.Time) ([]*domain.Trade, error)
}
