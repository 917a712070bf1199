package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

// errUnchanged aborts a variant transaction without reporting a failure.
var errUnchanged = errors.New("unchanged")

// Ledger owns the per-variant stock counters. Every write goes through
// withVariant, which holds the variant lock for the whole transaction and
// refreshes the availability cache after commit.
type Ledger struct {
	repo   port.StockRepository
	cache  port.CacheRepository
	locks  *VariantLocks
	logger *zap.Logger
	now    func() time.Time

	// stale holds, per variant, the version whose cache write failed. Cached
	// snapshots older than it are not served.
	staleMu sync.Mutex
	stale   map[string]int
}

func NewLedger(repo port.StockRepository, cache port.CacheRepository, locks *VariantLocks, logger *zap.Logger) *Ledger {
	return &Ledger{
		repo:   repo,
		cache:  cache,
		locks:  locks,
		logger: logger.Named("ledger"),
		now:    time.Now,
		stale:  make(map[string]int),
	}
}

// Availability returns the counters of a variant and, when cartSessionID is
// set, how much of the reserved quantity belongs to that session.
func (l *Ledger) Availability(ctx context.Context, variantID, cartSessionID string) (domain.Availability, error) {
	line, err := l.cache.GetAvailability(ctx, variantID)
	if err != nil {
		l.logger.Warn("availability cache read failed", zap.String("variant_id", variantID), zap.Error(err))
		line = nil
	}
	if line != nil && line.Version < l.staleVersion(variantID) {
		line = nil
	}
	if line == nil {
		line, err = l.repo.GetStockLine(ctx, variantID)
		if err != nil {
			return domain.Availability{}, fmt.Errorf("get stock line %s: %w", variantID, err)
		}
		l.refreshCache(ctx, *line)
	}

	bySession := 0
	if cartSessionID != "" {
		reservations, err := l.repo.ListSessionReservations(ctx, cartSessionID)
		if err != nil {
			return domain.Availability{}, fmt.Errorf("list session reservations: %w", err)
		}
		for _, r := range reservations {
			if r.VariantID == variantID {
				bySession += r.Quantity
			}
		}
	}

	return line.Availability(bySession), nil
}

// CreateStockLine registers a variant. Passing serial numbers makes the
// variant serialized with one unit per serial.
func (l *Ledger) CreateStockLine(ctx context.Context, variantID string, total int, serials []string) (domain.Availability, error) {
	line, units, err := domain.NewStockLine(variantID, total, serials, l.now())
	if err != nil {
		return domain.Availability{}, err
	}

	err = l.withVariant(ctx, variantID, func(ctx context.Context, tx port.StockTx) error {
		if err := tx.InsertStockLine(ctx, line); err != nil {
			return err
		}
		if len(units) > 0 {
			return tx.InsertUnits(ctx, units)
		}
		return nil
	})
	if err != nil {
		return domain.Availability{}, fmt.Errorf("create stock line %s: %w", variantID, err)
	}

	l.refreshCache(ctx, *line)
	l.logger.Info("stock line created",
		zap.String("variant_id", variantID),
		zap.Int("total", line.TotalQuantity),
		zap.Bool("serialized", line.Serialized))
	return line.Availability(0), nil
}

// AdjustTotal restocks or writes off a non-serialized variant.
func (l *Ledger) AdjustTotal(ctx context.Context, variantID string, delta int) (domain.Availability, error) {
	line, err := l.update(ctx, variantID, func(ctx context.Context, tx port.StockTx, line *domain.StockLine) error {
		return line.AdjustTotal(delta, l.now())
	})
	if err != nil {
		return domain.Availability{}, fmt.Errorf("adjust total %s: %w", variantID, err)
	}

	l.logger.Info("stock total adjusted",
		zap.String("variant_id", variantID),
		zap.Int("delta", delta),
		zap.Int("total", line.TotalQuantity))
	return line.Availability(0), nil
}

// RegisterUnits adds serial-numbered units to a serialized variant.
func (l *Ledger) RegisterUnits(ctx context.Context, variantID string, serials []string) (domain.Availability, error) {
	line, err := l.update(ctx, variantID, func(ctx context.Context, tx port.StockTx, line *domain.StockLine) error {
		existing, err := tx.ListUnits(ctx, variantID)
		if err != nil {
			return err
		}
		units, err := domain.NewStockUnits(variantID, serials, existing)
		if err != nil {
			return err
		}
		if err := line.AddUnits(len(units), l.now()); err != nil {
			return err
		}
		return tx.InsertUnits(ctx, units)
	})
	if err != nil {
		return domain.Availability{}, fmt.Errorf("register units %s: %w", variantID, err)
	}

	l.logger.Info("units registered",
		zap.String("variant_id", variantID),
		zap.Int("count", len(serials)),
		zap.Int("total", line.TotalQuantity))
	return line.Availability(0), nil
}

// withVariant holds the variant lock around one store transaction.
// The lock is released on every exit path.
func (l *Ledger) withVariant(ctx context.Context, variantID string, fn func(ctx context.Context, tx port.StockTx) error) error {
	unlock, err := l.locks.Lock(ctx, variantID)
	if err != nil {
		return err
	}
	defer unlock()

	return l.repo.RunInTx(ctx, fn)
}

// update locks the variant's stock line, lets fn mutate it, and writes it back
// in the same transaction. If fn returns errUnchanged nothing is written and
// update returns (nil, nil).
func (l *Ledger) update(ctx context.Context, variantID string, fn func(ctx context.Context, tx port.StockTx, line *domain.StockLine) error) (*domain.StockLine, error) {
	var updated *domain.StockLine
	err := l.withVariant(ctx, variantID, func(ctx context.Context, tx port.StockTx) error {
		line, err := tx.LockStockLine(ctx, variantID)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx, line); err != nil {
			return err
		}
		if err := line.Check(); err != nil {
			return err
		}
		if err := tx.UpdateStockLine(ctx, line); err != nil {
			return err
		}
		updated = line
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	l.refreshCache(ctx, *updated)
	return updated, nil
}

// refreshCache writes a committed snapshot to the cache. When the write
// fails the cached entry is dropped and, until a put at this version or later
// succeeds, older snapshots are bypassed.
func (l *Ledger) refreshCache(ctx context.Context, line domain.StockLine) {
	err := l.cache.PutAvailability(ctx, line)
	if err == nil {
		l.clearStale(line.VariantID, line.Version)
		return
	}

	l.markStale(line.VariantID, line.Version)
	fields := []zap.Field{
		zap.String("variant_id", line.VariantID),
		zap.Int("version", line.Version),
		zap.Error(err),
	}
	if err := l.cache.InvalidateAvailability(ctx, line.VariantID); err != nil {
		fields = append(fields, zap.NamedError("invalidate_error", err))
	}
	l.logger.Warn("availability cache write failed", fields...)
}

func (l *Ledger) staleVersion(variantID string) int {
	l.staleMu.Lock()
	defer l.staleMu.Unlock()
	v, ok := l.stale[variantID]
	if !ok {
		return -1
	}
	return v
}

func (l *Ledger) markStale(variantID string, version int) {
	l.staleMu.Lock()
	defer l.staleMu.Unlock()
	if v, ok := l.stale[variantID]; !ok || version > v {
		l.stale[variantID] = version
	}
}

func (l *Ledger) clearStale(variantID string, version int) {
	l.staleMu.Lock()
	defer l.staleMu.Unlock()
	if v, ok := l.stale[variantID]; ok && version >= v {
		delete(l.stale, variantID)
	}
}
