package port

import (
	"context"

	"github.com/olyamironova/matching-engine/internal/domain"
)

// Cache keeps the latest depth snapshot per symbol. GetDepth returns nil, nil
// when nothing is cached.
type Cache interface {
	SetDepth(ctx context.Context, symbol string, snap *domain.DepthSnapshot) error
	GetDepth(ctx context.Context, symbol string) (*domain.DepthSnapshot, error)
}
