package in_memory

import (
	"context"
	"sync"

	"github.com/olyamironova/matching-engine/internal/domain"
	"github.com/olyamironova/matching-engine/internal/port"
)

type Cache struct {
	mu    sync.Mutex
	store map[string]*domain.DepthSnapshot
}

var _ port.Cache = (*Cache)(nil)

func NewCache() *Cache {
	return &Cache{store: make(map[string]*domain.DepthSnapshot)}
}

func (c *Cache) SetDepth(ctx context.Context, symbol string, snap *domain.DepthSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[symbol] = copyDepth(snap)
	return nil
}

func (c *Cache) GetDepth(ctx context.Context, symbol string) (*domain.DepthSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.store[symbol]
	if !ok {
		return nil, nil
	}
	return copyDepth(snap), nil
}

func copyDepth(s *domain.DepthSnapshot) *domain.DepthSnapshot {
	cp := *s
	cp.Bids = append([]domain.PriceLevel(nil), s.Bids...)
	cp.Asks = append([]domain.PriceLevel(nil), s.Asks...)
	return &cp
}
