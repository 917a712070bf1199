package domain

import "time"

type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusCommitted ReservationStatus = "committed"
	ReservationStatusReleased  ReservationStatus = "released"
	ReservationStatusExpired   ReservationStatus = "expired"
)

// Reservation is a time-bounded hold on stock for a cart session.
type Reservation struct {
	ID            string
	VariantID     string
	CartSessionID string
	Quantity      int
	SerialNumbers []string
	Status        ReservationStatus
	CreatedAt     time.Time
	ExpiresAt     time.Time
	UpdatedAt     time.Time
}

func (r *Reservation) IsActive() bool {
	return r.Status == ReservationStatusActive
}

// IsExpired reports whether the hold has run out at now. A reservation is
// expired from the instant expiresAt is reached.
func (r *Reservation) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func (r *Reservation) IsTerminal() bool {
	return r.Status != ReservationStatusActive
}

// Clone returns a copy that does not share the serial number slice.
func (r Reservation) Clone() Reservation {
	if r.SerialNumbers != nil {
		r.SerialNumbers = append([]string(nil), r.SerialNumbers...)
	}
	return r
}
