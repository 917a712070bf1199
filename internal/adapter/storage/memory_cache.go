package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

const maxMemoryKeys = 4096

// MemoryCache is the single-process stand-in for RedisAdapter.
type MemoryCache struct {
	mu             sync.Mutex
	idempotencyTTL time.Duration
	keys           map[string]time.Time // key -> expiry
	lines          map[string]domain.StockLine
	now            func() time.Time
}

func NewMemoryCache(idempotencyTTL time.Duration) *MemoryCache {
	return &MemoryCache{
		idempotencyTTL: idempotencyTTL,
		keys:           make(map[string]time.Time),
		lines:          make(map[string]domain.StockLine),
		now:            time.Now,
	}
}

func (c *MemoryCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if expiry, ok := c.keys[key]; ok && now.Before(expiry) {
		return false, nil
	}
	if len(c.keys) >= maxMemoryKeys {
		for k, expiry := range c.keys {
			if !now.Before(expiry) {
				delete(c.keys, k)
			}
		}
	}
	c.keys[key] = now.Add(c.idempotencyTTL)
	return true, nil
}

func (c *MemoryCache) ReleaseIdempotency(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, key)
	return nil
}

func (c *MemoryCache) PutAvailability(ctx context.Context, line domain.StockLine) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.lines[line.VariantID]; ok && cached.Version > line.Version {
		return nil
	}
	c.lines[line.VariantID] = line
	return nil
}

func (c *MemoryCache) InvalidateAvailability(ctx context.Context, variantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lines, variantID)
	return nil
}

func (c *MemoryCache) GetAvailability(ctx context.Context, variantID string) (*domain.StockLine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	line, ok := c.lines[variantID]
	if !ok {
		return nil, nil
	}
	return &line, nil
}
