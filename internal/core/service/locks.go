package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// VariantLocks serializes work per variant. Waiters are granted the lock in
// arrival order and give up after the configured timeout or when their
// context is done. Entries are dropped once nobody holds or waits on them.
type VariantLocks struct {
	mu      sync.Mutex
	entries map[string]*variantLock
	timeout time.Duration
}

type variantLock struct {
	held    bool
	waiters []chan struct{}
	refs    int // holder + waiters
}

func NewVariantLocks(timeout time.Duration) *VariantLocks {
	return &VariantLocks{
		entries: make(map[string]*variantLock),
		timeout: timeout,
	}
}

// Lock blocks until the variant is free and returns the function that
// unlocks it. Calling the returned function more than once is safe.
func (l *VariantLocks) Lock(ctx context.Context, variantID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("lock %s: %w", variantID, err)
	}

	l.mu.Lock()
	e, ok := l.entries[variantID]
	if !ok {
		e = &variantLock{}
		l.entries[variantID] = e
	}
	e.refs++
	if !e.held {
		e.held = true
		l.mu.Unlock()
		return l.unlocker(variantID, e), nil
	}
	ready := make(chan struct{})
	e.waiters = append(e.waiters, ready)
	l.mu.Unlock()

	var expired <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var err error
	select {
	case <-ready:
		return l.unlocker(variantID, e), nil
	case <-ctx.Done():
		err = fmt.Errorf("lock %s: %w", variantID, ctx.Err())
	case <-expired:
		err = fmt.Errorf("%w: %s after %s", domain.ErrLockTimeout, variantID, l.timeout)
	}

	l.mu.Lock()
	removed := false
	for i, w := range e.waiters {
		if w == ready {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			removed = true
			break
		}
	}
	if removed {
		e.refs--
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Unlock()

	// The lock was handed to us while we were giving up; pass it on.
	l.unlock(variantID, e)
	return nil, err
}

// Len returns the number of variants currently locked or waited on.
func (l *VariantLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *VariantLocks) unlocker(variantID string, e *variantLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.unlock(variantID, e) })
	}
}

func (l *VariantLocks) unlock(variantID string, e *variantLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		close(next)
		return
	}
	e.held = false
	if e.refs == 0 {
		delete(l.entries, variantID)
	}
}
