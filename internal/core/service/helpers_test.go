package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Dispatch(ctx context.Context, event domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) Types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]domain.EventType, len(s.events))
	for i, e := range s.events {
		types[i] = e.Type
	}
	return types
}

type testEnv struct {
	store   *storage.MemoryStore
	cache   *storage.MemoryCache
	clock   *fakeClock
	events  *recordingSink
	ledger  *Ledger
	manager *ReservationManager
}

var testOptions = Options{DefaultTTL: 15 * time.Minute, MaxTTL: time.Hour}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := zaptest.NewLogger(t)
	env := &testEnv{
		store:  storage.NewMemoryStore(),
		cache:  storage.NewMemoryCache(time.Hour),
		clock:  newFakeClock(),
		events: &recordingSink{},
	}
	env.ledger = NewLedger(env.store, env.cache, NewVariantLocks(time.Second), logger)
	env.ledger.now = env.clock.Now
	env.manager = NewReservationManager(env.ledger, env.store, env.cache, env.events, testOptions, logger)
	return env
}

func (e *testEnv) availability(t *testing.T, variantID string) domain.Availability {
	t.Helper()
	line, err := e.store.GetStockLine(context.Background(), variantID)
	if err != nil {
		t.Fatalf("get stock line %s: %v", variantID, err)
	}
	return line.Availability(0)
}

// ctxCache fails calls whose context is done, as a network cache client does.
type ctxCache struct {
	*storage.MemoryCache
}

func (c ctxCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.MemoryCache.SetIdempotency(ctx, key)
}

func (c ctxCache) ReleaseIdempotency(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.MemoryCache.ReleaseIdempotency(ctx, key)
}
