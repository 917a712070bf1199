package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

func newTestSweeper(t *testing.T, env *testEnv, cfg SweeperConfig) *Sweeper {
	return NewSweeper(env.manager, env.store, cfg, zaptest.NewLogger(t))
}

func TestSweeper_ExpiresOnlyStaleReservations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ledger.CreateStockLine(ctx, "sku-1", 10, nil)
	require.NoError(t, err)

	short, err := env.manager.Reserve(ctx, ReserveRequest{VariantID: "sku-1", CartSessionID: "a", Quantity: 3, TTL: time.Minute})
	require.NoError(t, err)
	long, err := env.manager.Reserve(ctx, ReserveRequest{VariantID: "sku-1", CartSessionID: "b", Quantity: 2, TTL: 30 * time.Minute})
	require.NoError(t, err)

	sweeper := newTestSweeper(t, env, SweeperConfig{Interval: time.Second})

	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Advance(2 * time.Minute)
	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.manager.Get(ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusExpired, got.Status)

	got, err = env.manager.Get(ctx, long.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusActive, got.Status)

	av := env.availability(t, "sku-1")
	assert.Equal(t, 2, av.Reserved)
	assert.Equal(t, 8, av.Available)
	assert.Contains(t, env.events.Types(), domain.EventExpired)

	_, err = env.manager.Commit(ctx, short.ID, 0)
	assert.ErrorIs(t, err, domain.ErrExpired)
}

func TestSweeper_SkipsExtended(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ledger.CreateStockLine(ctx, "sku-1", 10, nil)
	require.NoError(t, err)

	r, err := env.manager.Reserve(ctx, ReserveRequest{VariantID: "sku-1", CartSessionID: "a", Quantity: 3, TTL: time.Minute})
	require.NoError(t, err)
	env.clock.Advance(50 * time.Second)
	_, err = env.manager.Extend(ctx, r.ID, 10*time.Minute)
	require.NoError(t, err)
	env.clock.Advance(time.Minute)

	n, err := newTestSweeper(t, env, SweeperConfig{Interval: time.Second}).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 3, env.availability(t, "sku-1").Reserved)

	// Expire on a live reservation reports false.
	ok, err := env.manager.Expire(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweeper_DrainsInBatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ledger.CreateStockLine(ctx, "sku-1", 10, nil)
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		_, err := env.manager.Reserve(ctx, ReserveRequest{
			VariantID:     "sku-1",
			CartSessionID: fmt.Sprintf("cart-%d", i),
			Quantity:      1,
			TTL:           time.Minute,
		})
		require.NoError(t, err)
	}
	env.clock.Advance(time.Minute)

	n, err := newTestSweeper(t, env, SweeperConfig{Interval: time.Second, BatchSize: 3}).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, 10, env.availability(t, "sku-1").Available)
}

func TestSweeper_ContinuesPastFailingReservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ledger.CreateStockLine(ctx, "sku-1", 10, nil)
	require.NoError(t, err)
	_, err = env.ledger.CreateStockLine(ctx, "sku-broken", 5, nil)
	require.NoError(t, err)

	// An active reservation the line does not account for: releasing it
	// cannot unreserve anything and fails every time.
	now := env.clock.Now()
	err = env.store.RunInTx(ctx, func(ctx context.Context, tx port.StockTx) error {
		return tx.InsertReservation(ctx, domain.Reservation{
			ID:            "orphan",
			VariantID:     "sku-broken",
			CartSessionID: "ghost",
			Quantity:      2,
			Status:        domain.ReservationStatusActive,
			CreatedAt:     now,
			ExpiresAt:     now.Add(10 * time.Second),
			UpdatedAt:     now,
		})
	})
	require.NoError(t, err)

	valid, err := env.manager.Reserve(ctx, ReserveRequest{VariantID: "sku-1", CartSessionID: "a", Quantity: 3, TTL: time.Minute})
	require.NoError(t, err)
	env.clock.Advance(2 * time.Minute)

	sweeper := newTestSweeper(t, env, SweeperConfig{Interval: time.Second, BatchSize: 1})
	for i := 0; i < 2; i++ {
		n, err := sweeper.SweepOnce(ctx)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, 1, n)
		} else {
			assert.Zero(t, n)
		}
	}

	got, err := env.manager.Get(ctx, valid.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusExpired, got.Status)
	assert.Equal(t, 10, env.availability(t, "sku-1").Available)

	orphan, err := env.manager.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusActive, orphan.Status, "the failing reservation is left for a later pass")
	assert.Equal(t, 5, env.availability(t, "sku-broken").Available)
}

func TestSweeper_Purge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ledger.CreateStockLine(ctx, "sku-1", 10, nil)
	require.NoError(t, err)

	done, err := env.manager.Reserve(ctx, ReserveRequest{VariantID: "sku-1", CartSessionID: "a", Quantity: 1})
	require.NoError(t, err)
	_, err = env.manager.Commit(ctx, done.ID, 0)
	require.NoError(t, err)
	active, err := env.manager.Reserve(ctx, ReserveRequest{VariantID: "sku-1", CartSessionID: "b", Quantity: 1, TTL: time.Hour})
	require.NoError(t, err)

	sweeper := newTestSweeper(t, env, SweeperConfig{Interval: time.Second, Retention: time.Hour})

	n, err := sweeper.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Advance(90 * time.Minute)
	n, err = sweeper.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = env.manager.Get(ctx, done.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.manager.Get(ctx, active.ID)
	assert.NoError(t, err, "active reservations are never purged")
	assert.Equal(t, 1, env.availability(t, "sku-1").Sold)
}

func TestSweeper_RunStopsWithContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		newTestSweeper(t, env, SweeperConfig{Interval: time.Millisecond}).Run(ctx)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
