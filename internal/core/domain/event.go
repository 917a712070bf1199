package domain

import "time"

type EventType string

const (
	EventReserved  EventType = "reserved"
	EventExtended  EventType = "extended"
	EventReleased  EventType = "released"
	EventCommitted EventType = "committed"
	EventExpired   EventType = "expired"
)

// Event records a reservation lifecycle transition. Events are published after
// the transition is committed to the store.
type Event struct {
	Type          EventType `json:"type"`
	ReservationID string    `json:"reservation_id"`
	VariantID     string    `json:"variant_id"`
	CartSessionID string    `json:"cart_session_id"`
	Quantity      int       `json:"quantity"`
	SerialNumbers []string  `json:"serial_numbers,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func NewEvent(t EventType, r Reservation, quantity int, now time.Time) Event {
	return Event{
		Type:          t,
		ReservationID: r.ID,
		VariantID:     r.VariantID,
		CartSessionID: r.CartSessionID,
		Quantity:      quantity,
		SerialNumbers: r.SerialNumbers,
		ExpiresAt:     r.ExpiresAt,
		OccurredAt:    now,
	}
}
