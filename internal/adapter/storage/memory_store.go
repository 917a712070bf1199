package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

// MemoryStore keeps stock lines, units and reservations in process memory.
// Transactions stage their writes and apply them in one step at commit.
type MemoryStore struct {
	mu           sync.RWMutex
	lines        map[string]domain.StockLine
	units        map[string]map[string]domain.StockUnit // variant -> serial -> unit
	reservations map[string]domain.Reservation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lines:        make(map[string]domain.StockLine),
		units:        make(map[string]map[string]domain.StockUnit),
		reservations: make(map[string]domain.Reservation),
	}
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx port.StockTx) error) error {
	tx := &memoryTx{
		store:        s,
		lines:        make(map[string]domain.StockLine),
		baseVersions: make(map[string]int),
		inserted:     make(map[string]bool),
		units:        make(map[string]map[string]domain.StockUnit),
		reservations: make(map[string]domain.Reservation),
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit aborted: %w", err)
	}
	return tx.commit()
}

func (s *MemoryStore) GetStockLine(ctx context.Context, variantID string) (*domain.StockLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	line, ok := s.lines[variantID]
	if !ok {
		return nil, fmt.Errorf("stock line %s: %w", variantID, domain.ErrNotFound)
	}
	return &line, nil
}

func (s *MemoryStore) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, domain.ErrNotFound)
	}
	r = r.Clone()
	return &r, nil
}

func (s *MemoryStore) ListSessionReservations(ctx context.Context, cartSessionID string) ([]domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Reservation
	for _, r := range s.reservations {
		if r.CartSessionID == cartSessionID && r.IsActive() {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Reservation
	for _, r := range s.reservations {
		if r.IsActive() && r.IsExpired(now) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.reservations {
		if r.IsTerminal() && r.UpdatedAt.Before(before) {
			delete(s.reservations, id)
			n++
		}
	}
	return n, nil
}

type memoryTx struct {
	store *MemoryStore

	lines        map[string]domain.StockLine
	baseVersions map[string]int // version in the store when first updated
	inserted     map[string]bool
	units        map[string]map[string]domain.StockUnit
	reservations map[string]domain.Reservation
}

func (tx *memoryTx) LockStockLine(ctx context.Context, variantID string) (*domain.StockLine, error) {
	if line, ok := tx.lines[variantID]; ok {
		return &line, nil
	}
	return tx.store.GetStockLine(ctx, variantID)
}

func (tx *memoryTx) InsertStockLine(ctx context.Context, line *domain.StockLine) error {
	if _, err := tx.LockStockLine(ctx, line.VariantID); err == nil {
		return fmt.Errorf("stock line %s: %w", line.VariantID, domain.ErrAlreadyExists)
	}
	tx.lines[line.VariantID] = *line
	tx.inserted[line.VariantID] = true
	return nil
}

func (tx *memoryTx) UpdateStockLine(ctx context.Context, line *domain.StockLine) error {
	current, err := tx.LockStockLine(ctx, line.VariantID)
	if err != nil {
		return err
	}
	if current.Version != line.Version {
		return fmt.Errorf("stock line %s at version %d, have %d: %w",
			line.VariantID, current.Version, line.Version, domain.ErrVersionConflict)
	}
	if _, staged := tx.lines[line.VariantID]; !staged {
		tx.baseVersions[line.VariantID] = current.Version
	}
	line.Version++
	tx.lines[line.VariantID] = *line
	return nil
}

func (tx *memoryTx) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	if r, ok := tx.reservations[id]; ok {
		r = r.Clone()
		return &r, nil
	}
	return tx.store.GetReservation(ctx, id)
}

func (tx *memoryTx) InsertReservation(ctx context.Context, r domain.Reservation) error {
	if _, err := tx.GetReservation(ctx, r.ID); err == nil {
		return fmt.Errorf("reservation %s: %w", r.ID, domain.ErrAlreadyExists)
	}
	tx.reservations[r.ID] = r.Clone()
	return nil
}

func (tx *memoryTx) UpdateReservation(ctx context.Context, r domain.Reservation) error {
	if _, err := tx.GetReservation(ctx, r.ID); err != nil {
		return err
	}
	tx.reservations[r.ID] = r.Clone()
	return nil
}

func (tx *memoryTx) ListUnits(ctx context.Context, variantID string) ([]domain.StockUnit, error) {
	units := tx.stagedUnits(variantID)
	out := make([]domain.StockUnit, 0, len(units))
	for _, u := range units {
		out = append(out, u)
	}
	domain.SortUnits(out)
	return out, nil
}

func (tx *memoryTx) InsertUnits(ctx context.Context, units []domain.StockUnit) error {
	for _, u := range units {
		staged := tx.stagedUnits(u.VariantID)
		if _, ok := staged[u.SerialNumber]; ok {
			return fmt.Errorf("unit %s: %w", u.SerialNumber, domain.ErrAlreadyExists)
		}
		staged[u.SerialNumber] = u
	}
	return nil
}

func (tx *memoryTx) UpdateUnits(ctx context.Context, units []domain.StockUnit) error {
	for _, u := range units {
		staged := tx.stagedUnits(u.VariantID)
		if _, ok := staged[u.SerialNumber]; !ok {
			return fmt.Errorf("unit %s: %w", u.SerialNumber, domain.ErrNotFound)
		}
		staged[u.SerialNumber] = u
	}
	return nil
}

// stagedUnits returns the transaction's private copy of a variant's units.
func (tx *memoryTx) stagedUnits(variantID string) map[string]domain.StockUnit {
	if staged, ok := tx.units[variantID]; ok {
		return staged
	}

	tx.store.mu.RLock()
	staged := make(map[string]domain.StockUnit, len(tx.store.units[variantID]))
	for serial, u := range tx.store.units[variantID] {
		staged[serial] = u
	}
	tx.store.mu.RUnlock()

	tx.units[variantID] = staged
	return staged
}

func (tx *memoryTx) commit() error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for variantID := range tx.inserted {
		if _, ok := s.lines[variantID]; ok {
			return fmt.Errorf("stock line %s: %w", variantID, domain.ErrAlreadyExists)
		}
	}
	for variantID, base := range tx.baseVersions {
		if current, ok := s.lines[variantID]; ok && current.Version != base {
			return fmt.Errorf("stock line %s: %w", variantID, domain.ErrVersionConflict)
		}
	}

	for variantID, line := range tx.lines {
		s.lines[variantID] = line
	}
	for variantID, units := range tx.units {
		s.units[variantID] = units
	}
	for id, r := range tx.reservations {
		s.reservations[id] = r
	}
	return nil
}
