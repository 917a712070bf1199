package domain

import (
	"fmt"
	"sort"
	"time"
)

// StockLine holds the counters of one product variant.
type StockLine struct {
	VariantID        string
	TotalQuantity    int
	ReservedQuantity int
	SoldQuantity     int
	Serialized       bool
	Version          int // optimistic locking
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// StockUnit is a single serial-numbered unit of a serialized variant.
type StockUnit struct {
	SerialNumber  string
	VariantID     string
	ReservationID string
	Sold          bool
}

func (u StockUnit) Free() bool {
	return u.ReservationID == "" && !u.Sold
}

// Availability is the read model served to carts.
type Availability struct {
	VariantID                string
	Total                    int
	Available                int
	Reserved                 int
	Sold                     int
	ReservedByCurrentSession int
}

// NewStockLine validates a new variant registration. When serials are given the
// line is serialized and its total is the number of units.
func NewStockLine(variantID string, total int, serials []string, now time.Time) (*StockLine, []StockUnit, error) {
	if variantID == "" {
		return nil, nil, invalidArgument("variant id is required")
	}
	if total < 0 {
		return nil, nil, invalidArgument("total quantity cannot be negative")
	}

	line := &StockLine{
		VariantID:     variantID,
		TotalQuantity: total,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if len(serials) == 0 {
		return line, nil, nil
	}

	units, err := NewStockUnits(variantID, serials, nil)
	if err != nil {
		return nil, nil, err
	}
	line.Serialized = true
	line.TotalQuantity = len(units)
	return line, units, nil
}

// NewStockUnits builds free units, rejecting empty serials and duplicates
// within serials or against existing.
func NewStockUnits(variantID string, serials []string, existing []StockUnit) ([]StockUnit, error) {
	if len(serials) == 0 {
		return nil, invalidArgument("at least one serial number is required")
	}
	seen := make(map[string]struct{}, len(serials)+len(existing))
	for _, u := range existing {
		seen[u.SerialNumber] = struct{}{}
	}

	units := make([]StockUnit, 0, len(serials))
	for _, s := range serials {
		if s == "" {
			return nil, invalidArgument("serial number cannot be empty")
		}
		if _, dup := seen[s]; dup {
			return nil, invalidArgument("duplicate serial number %q", s)
		}
		seen[s] = struct{}{}
		units = append(units, StockUnit{SerialNumber: s, VariantID: variantID})
	}
	return units, nil
}

func (l *StockLine) Available() int {
	return l.TotalQuantity - l.ReservedQuantity - l.SoldQuantity
}

// Check verifies 0 <= reserved + sold <= total.
func (l *StockLine) Check() error {
	if l.ReservedQuantity < 0 || l.SoldQuantity < 0 || l.Available() < 0 {
		return fmt.Errorf("%w: %s total=%d reserved=%d sold=%d", ErrInvalidAdjustment,
			l.VariantID, l.TotalQuantity, l.ReservedQuantity, l.SoldQuantity)
	}
	return nil
}

func (l *StockLine) Availability(reservedBySession int) Availability {
	return Availability{
		VariantID:                l.VariantID,
		Total:                    l.TotalQuantity,
		Available:                l.Available(),
		Reserved:                 l.ReservedQuantity,
		Sold:                     l.SoldQuantity,
		ReservedByCurrentSession: reservedBySession,
	}
}

// Reserve takes quantity out of available. Either the full quantity is held or
// the line is left untouched.
func (l *StockLine) Reserve(quantity int, now time.Time) error {
	if quantity <= 0 {
		return invalidArgument("quantity must be positive")
	}
	if quantity > l.Available() {
		return &InsufficientStockError{Requested: quantity, Availability: l.Availability(0)}
	}
	l.ReservedQuantity += quantity
	l.UpdatedAt = now
	return nil
}

// Unreserve returns quantity from reserved to available.
func (l *StockLine) Unreserve(quantity int, now time.Time) error {
	if quantity < 0 || quantity > l.ReservedQuantity {
		return fmt.Errorf("%w: cannot unreserve %d of %d reserved on %s",
			ErrPartialMismatch, quantity, l.ReservedQuantity, l.VariantID)
	}
	l.ReservedQuantity -= quantity
	l.UpdatedAt = now
	return nil
}

// CommitSale moves quantity from reserved to sold. Available is unchanged.
func (l *StockLine) CommitSale(quantity int, now time.Time) error {
	if quantity <= 0 || quantity > l.ReservedQuantity {
		return fmt.Errorf("%w: cannot sell %d of %d reserved on %s",
			ErrPartialMismatch, quantity, l.ReservedQuantity, l.VariantID)
	}
	l.ReservedQuantity -= quantity
	l.SoldQuantity += quantity
	l.UpdatedAt = now
	return nil
}

// AdjustTotal restocks (delta > 0) or writes off (delta < 0) a non-serialized
// line. Write-offs can only consume available stock.
func (l *StockLine) AdjustTotal(delta int, now time.Time) error {
	if l.Serialized {
		return invalidArgument("variant %s is serialized; register units instead", l.VariantID)
	}
	if delta == 0 {
		return invalidArgument("delta cannot be zero")
	}
	if l.Available()+delta < 0 {
		return fmt.Errorf("%w: %s available %d, delta %d", ErrInvalidAdjustment,
			l.VariantID, l.Available(), delta)
	}
	l.TotalQuantity += delta
	l.UpdatedAt = now
	return nil
}

// AddUnits grows a serialized line by the given units.
func (l *StockLine) AddUnits(n int, now time.Time) error {
	if !l.Serialized {
		return invalidArgument("variant %s is not serialized", l.VariantID)
	}
	l.TotalQuantity += n
	l.UpdatedAt = now
	return nil
}

// SortUnits orders units by serial number so allocation is deterministic.
func SortUnits(units []StockUnit) {
	sort.Slice(units, func(i, j int) bool {
		return units[i].SerialNumber < units[j].SerialNumber
	})
}
