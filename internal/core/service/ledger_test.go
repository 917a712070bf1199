package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// brokenCache fails every call, as an unreachable Redis would.
type brokenCache struct{}

var errCacheDown = errors.New("cache down")

func (brokenCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	return false, errCacheDown
}
func (brokenCache) ReleaseIdempotency(ctx context.Context, key string) error { return errCacheDown }
func (brokenCache) PutAvailability(ctx context.Context, line domain.StockLine) error {
	return errCacheDown
}
func (brokenCache) InvalidateAvailability(ctx context.Context, variantID string) error {
	return errCacheDown
}
func (brokenCache) GetAvailability(ctx context.Context, variantID string) (*domain.StockLine, error) {
	return nil, errCacheDown
}

func TestLedger_CreateStockLine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	av, err := env.ledger.CreateStockLine(ctx, "sku-1", 10, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.Availability{VariantID: "sku-1", Total: 10, Available: 10}, av)

	_, err = env.ledger.CreateStockLine(ctx, "sku-1", 5, nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = env.ledger.CreateStockLine(ctx, "", 5, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestLedger_AdjustTotal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ledger.CreateStockLine(ctx, "sku-1", 10, nil)
	require.NoError(t, err)
	_, err = env.manager.Reserve(ctx, ReserveRequest{VariantID: "sku-1", CartSessionID: "c", Quantity: 7})
	require.NoError(t, err)

	av, err := env.ledger.AdjustTotal(ctx, "sku-1", 5)
	require.NoError(t, err)
	assert.Equal(t, 15, av.Total)
	assert.Equal(t, 8, av.Available)

	_, err = env.ledger.AdjustTotal(ctx, "sku-1", -9)
	assert.ErrorIs(t, err, domain.ErrInvalidAdjustment, "write-off cannot eat reserved stock")

	av, err = env.ledger.AdjustTotal(ctx, "sku-1", -8)
	require.NoError(t, err)
	assert.Equal(t, 0, av.Available)
	assert.Equal(t, 7, av.Reserved)

	_, err = env.ledger.AdjustTotal(ctx, "missing", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLedger_RegisterUnits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ledger.CreateStockLine(ctx, "phone", 0, []string{"SN-1"})
	require.NoError(t, err)

	av, err := env.ledger.RegisterUnits(ctx, "phone", []string{"SN-2", "SN-3"})
	require.NoError(t, err)
	assert.Equal(t, 3, av.Total)

	_, err = env.ledger.RegisterUnits(ctx, "phone", []string{"SN-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = env.ledger.AdjustTotal(ctx, "phone", 1)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = env.ledger.CreateStockLine(ctx, "plain", 1, nil)
	require.NoError(t, err)
	_, err = env.ledger.RegisterUnits(ctx, "plain", []string{"X"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestLedger_AvailabilityUsesCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ledger.CreateStockLine(ctx, "sku-1", 10, nil)
	require.NoError(t, err)

	cached, err := env.cache.GetAvailability(ctx, "sku-1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, 10, cached.TotalQuantity)

	_, err = env.manager.Reserve(ctx, ReserveRequest{VariantID: "sku-1", CartSessionID: "c", Quantity: 4})
	require.NoError(t, err)

	av, err := env.ledger.Availability(ctx, "sku-1", "c")
	require.NoError(t, err)
	assert.Equal(t, 6, av.Available)
	assert.Equal(t, 4, av.ReservedByCurrentSession)

	_, err = env.ledger.Availability(ctx, "missing", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLedger_CacheFailuresAreNotFatal(t *testing.T) {
	store := storage.NewMemoryStore()
	ledger := NewLedger(store, brokenCache{}, NewVariantLocks(time.Second), zap.NewNop())
	manager := NewReservationManager(ledger, store, brokenCache{}, &recordingSink{}, testOptions, zap.NewNop())
	ctx := context.Background()

	_, err := ledger.CreateStockLine(ctx, "sku-1", 3, nil)
	require.NoError(t, err)
	_, err = manager.Reserve(ctx, ReserveRequest{VariantID: "sku-1", CartSessionID: "c", Quantity: 2})
	require.NoError(t, err)

	av, err := ledger.Availability(ctx, "sku-1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, av.Available)

	// Idempotent requests need the cache.
	_, err = manager.Reserve(ctx, ReserveRequest{VariantID: "sku-1", CartSessionID: "c", Quantity: 1, RequestID: "r"})
	assert.ErrorIs(t, err, errCacheDown)
}

// flakyCache fails availability writes on demand.
type flakyCache struct {
	*storage.MemoryCache
	failWrites atomic.Bool
}

func (c *flakyCache) PutAvailability(ctx context.Context, line domain.StockLine) error {
	if c.failWrites.Load() {
		return errCacheDown
	}
	return c.MemoryCache.PutAvailability(ctx, line)
}

func (c *flakyCache) InvalidateAvailability(ctx context.Context, variantID string) error {
	if c.failWrites.Load() {
		return errCacheDown
	}
	return c.MemoryCache.InvalidateAvailability(ctx, variantID)
}

func TestLedger_FailedCacheWriteIsNotServed(t *testing.T) {
	store := storage.NewMemoryStore()
	cache := &flakyCache{MemoryCache: storage.NewMemoryCache(time.Hour)}
	ledger := NewLedger(store, cache, NewVariantLocks(time.Second), zap.NewNop())
	ctx := context.Background()

	_, err := ledger.CreateStockLine(ctx, "sku-1", 10, nil)
	require.NoError(t, err)
	av, err := ledger.Availability(ctx, "sku-1", "")
	require.NoError(t, err)
	require.Equal(t, 10, av.Total)

	// The write fails and so does the delete: the old snapshot stays cached.
	cache.failWrites.Store(true)
	_, err = ledger.AdjustTotal(ctx, "sku-1", 5)
	require.NoError(t, err)

	cached, err := cache.GetAvailability(ctx, "sku-1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, 10, cached.TotalQuantity)

	av, err = ledger.Availability(ctx, "sku-1", "")
	require.NoError(t, err)
	assert.Equal(t, 15, av.Total, "older cached snapshots are bypassed")

	// Once a write lands the cache is used again.
	cache.failWrites.Store(false)
	_, err = ledger.AdjustTotal(ctx, "sku-1", -3)
	require.NoError(t, err)
	assert.Equal(t, -1, ledger.staleVersion("sku-1"))

	cached, err = cache.GetAvailability(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, 12, cached.TotalQuantity)
	av, err = ledger.Availability(ctx, "sku-1", "")
	require.NoError(t, err)
	assert.Equal(t, 12, av.Total)
}

func TestLedger_FailedCacheWriteDropsEntry(t *testing.T) {
	store := storage.NewMemoryStore()
	mem := storage.NewMemoryCache(time.Hour)
	cache := &putFailingCache{MemoryCache: mem}
	ledger := NewLedger(store, cache, NewVariantLocks(time.Second), zap.NewNop())
	ctx := context.Background()

	_, err := ledger.CreateStockLine(ctx, "sku-1", 10, nil)
	require.NoError(t, err)

	cache.failPuts.Store(true)
	_, err = ledger.AdjustTotal(ctx, "sku-1", 1)
	require.NoError(t, err)

	cached, err := mem.GetAvailability(ctx, "sku-1")
	require.NoError(t, err)
	assert.Nil(t, cached, "the previous snapshot is deleted")
}

// putFailingCache fails availability puts but still deletes.
type putFailingCache struct {
	*storage.MemoryCache
	failPuts atomic.Bool
}

func (c *putFailingCache) PutAvailability(ctx context.Context, line domain.StockLine) error {
	if c.failPuts.Load() {
		return errCacheDown
	}
	return c.MemoryCache.PutAvailability(ctx, line)
}
