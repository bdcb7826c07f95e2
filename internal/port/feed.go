package port

import (
	"context"

	"github.com/olyamironova/matching-engine/internal/domain"
)

// TradeFeed broadcasts the trades of one submission in execution order.
type TradeFeed interface {
	PublishTrades(ctx context.Context, trades []*domain.Trade) error
}
