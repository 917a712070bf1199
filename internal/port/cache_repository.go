package port

import (
	"context"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type CacheRepository interface {
	// SetIdempotency claims a key, returns false if it was already claimed
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency frees a claimed key so the request can be retried
	ReleaseIdempotency(ctx context.Context, key string) error

	// PutAvailability stores a committed snapshot of a stock line. Older
	// versions never overwrite newer ones.
	PutAvailability(ctx context.Context, line domain.StockLine) error

	// InvalidateAvailability drops the cached snapshot of a variant
	InvalidateAvailability(ctx context.Context, variantID string) error

	// GetAvailability returns the cached snapshot, or nil on a miss
	GetAvailability(ctx context.Context, variantID string) (*domain.StockLine, error)
}
