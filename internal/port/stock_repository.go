package port

import (
	"context"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// StockRepository persists stock lines, units and reservations.
// Lookups of missing records return an error wrapping domain.ErrNotFound.
type StockRepository interface {
	// RunInTx runs fn inside a transaction. Writes made through tx are applied
	// only if fn returns nil and ctx is not done when fn returns.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx StockTx) error) error

	GetStockLine(ctx context.Context, variantID string) (*domain.StockLine, error)

	GetReservation(ctx context.Context, id string) (*domain.Reservation, error)

	// ListSessionReservations returns the active reservations of a cart session
	ListSessionReservations(ctx context.Context, cartSessionID string) ([]domain.Reservation, error)

	// ListExpired returns up to limit active reservations with expires_at <= now, oldest first
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)

	// PurgeTerminal deletes non-active reservations last updated before the cutoff
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)
}

// StockTx is the write side of a StockRepository transaction.
type StockTx interface {
	// LockStockLine reads a stock line and holds it for the rest of the transaction
	LockStockLine(ctx context.Context, variantID string) (*domain.StockLine, error)

	// InsertStockLine fails with domain.ErrAlreadyExists on a known variant
	InsertStockLine(ctx context.Context, line *domain.StockLine) error

	// UpdateStockLine writes the counters if line.Version is current and bumps it,
	// failing with domain.ErrVersionConflict otherwise
	UpdateStockLine(ctx context.Context, line *domain.StockLine) error

	GetReservation(ctx context.Context, id string) (*domain.Reservation, error)
	InsertReservation(ctx context.Context, r domain.Reservation) error
	UpdateReservation(ctx context.Context, r domain.Reservation) error

	ListUnits(ctx context.Context, variantID string) ([]domain.StockUnit, error)
	InsertUnits(ctx context.Context, units []domain.StockUnit) error
	UpdateUnits(ctx context.Context, units []domain.StockUnit) error
}
