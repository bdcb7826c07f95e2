package in_memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/olyamironova/matching-engine/internal/domain"
	"github.com/olyamironova/matching-engine/internal/port"
)

var _ port.Repository = (*MemoryRepo)(nil)

// MemoryRepo is a process local audit log for tests and runs without postgres.
type MemoryRepo struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
	trades []*domain.Trade
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{orders: make(map[string]*domain.Order)}
}

func (r *MemoryRepo) SaveOrder(ctx context.Context, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = o.Clone()
	return nil
}

func (r *MemoryRepo) SaveTrade(ctx context.Context, t *domain.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.trades = append(r.trades, &cp)
	return nil
}

func (r *MemoryRepo) SaveExecution(ctx context.Context, orders []*domain.Order, trades []*domain.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range orders {
		r.orders[o.ID] = o.Clone()
	}
	for _, t := range trades {
		cp := *t
		r.trades = append(r.trades, &cp)
	}
	return nil
}

func (r *MemoryRepo) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	return o.Clone(), nil
}

func (r *MemoryRepo) ListTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.trades)
	if limit > 0 && limit < n {
		n = limit
	}
	res := make([]*domain.Trade, 0, n)
	for i := len(r.trades) - 1; i >= 0 && len(res) < n; i-- {
		cp := *r.trades[i]
		res = append(res, &cp)
	}
	return res, nil
}

func (r *MemoryRepo) LoadOpenOrders(ctx context.Context) ([]*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []*domain.Order
	for _, o := range r.orders {
		if !o.Status.Terminal() && o.Remaining > 0 {
			res = append(res, o.Clone())
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Sequence < res[j].Sequence })
	return res, nil
}

func (r *MemoryRepo) LastTradeSequence(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last uint64
	for _, t := range r.trades {
		last = max(last, t.Sequence)
	}
	return last, nil
}

func (r *MemoryRepo) LastOrderSequence(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last uint64
	for _, o := range r.orders {
		last = max(last, o.Sequence)
	}
	return last, nil
}

func (r *MemoryRepo) ListTraderTrades(ctx context.Context, traderID string, limit int) ([]*domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]*domain.Trade, 0)
	for i := len(r.trades) - 1; i >= 0; i-- {
		if limit > 0 && len(res) == limit {
			break
		}
		t := r.trades[i]
		if t.MakerTraderID != traderID && t.TakerTraderID != traderID {
			continue
		}
		cp := *t
		res = append(res, &cp)
	}
	return res, nil
}

func (r *MemoryRepo) TradesBetween(ctx context.Context, from, to time.Time) ([]*domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]*domain.Trade, 0)
	for _, t := range r.trades {
		if t.Timestamp.Before(from) || t.Timestamp.After(to) {
			continue
		}
		cp := *t
		res = append(res, &cp)
	}
	return res, nil
}
