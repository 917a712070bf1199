package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNotFound          = errors.New("not found")
	ErrExpired           = errors.New("reservation expired")
	ErrPartialMismatch   = errors.New("commit quantity does not match reservation")
	ErrNotActive         = errors.New("reservation is not active")
	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidAdjustment = errors.New("adjustment would violate stock invariant")
	ErrAlreadyExists     = errors.New("already exists")
	ErrLockTimeout       = errors.New("timed out waiting for variant lock")
	ErrVersionConflict   = errors.New("version conflict")
)

// InsufficientStockError reports the availability observed when a reservation
// was refused. It matches ErrInsufficientStock.
type InsufficientStockError struct {
	Requested    int
	Availability Availability
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d",
		e.Availability.VariantID, e.Availability.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
