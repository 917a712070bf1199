package handler

import (
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// Requests and responses shared by the HTTP and gRPC transports.

type CreateVariantRequest struct {
	VariantID     string   `json:"variantId"`
	TotalQuantity int      `json:"totalQuantity"`
	SerialNumbers []string `json:"serialNumbers,omitempty"`
}

type AdjustStockRequest struct {
	Delta int `json:"delta"`
}

type RegisterUnitsRequest struct {
	SerialNumbers []string `json:"serialNumbers"`
}

type AvailabilityRequest struct {
	VariantID     string `json:"variantId"`
	CartSessionID string `json:"cartSessionId,omitempty"`
}

type ReserveRequest struct {
	VariantID     string `json:"variantId"`
	Quantity      int    `json:"quantity"`
	CartSessionID string `json:"cartSessionId"`
	TTLSeconds    int    `json:"ttlSeconds,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
}

type ExtendRequest struct {
	ReservationID string `json:"reservationId"`
	TTLSeconds    int    `json:"ttlSeconds,omitempty"`
}

type CommitRequest struct {
	ReservationID string `json:"reservationId"`
	Quantity      int    `json:"quantity,omitempty"`
}

type ReleaseRequest struct {
	ReservationID string `json:"reservationId"`
}

type ReleaseSessionRequest struct {
	CartSessionID string `json:"cartSessionId"`
}

type ReleaseResponse struct {
	Success  bool `json:"success"`
	Released int  `json:"released"`
}

type InventoryAvailabilityResponse struct {
	VariantID                string `json:"variantId"`
	TotalQuantity            int    `json:"totalQuantity"`
	AvailableQuantity        int    `json:"availableQuantity"`
	ReservedQuantity         int    `json:"reservedQuantity"`
	SoldQuantity             int    `json:"soldQuantity"`
	ReservedByCurrentSession int    `json:"reservedByCurrentSession"`
}

type CartReservationResponse struct {
	ReservationID string    `json:"reservationId,omitempty"`
	VariantID     string    `json:"variantId"`
	Quantity      int       `json:"quantity"`
	SerialNumbers []string  `json:"serialNumbers"`
	CartSessionID string    `json:"cartSessionId"`
	Status        string    `json:"status,omitempty"`
	ReservedAt    time.Time `json:"reservedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Success       bool      `json:"success"`
	Message       string    `json:"message"`
	// Availability is set when a reservation is refused for lack of stock.
	Availability *InventoryAvailabilityResponse `json:"availability,omitempty"`
}

type SessionReservationsResponse struct {
	CartSessionID string                    `json:"cartSessionId"`
	Reservations  []CartReservationResponse `json:"reservations"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func toAvailabilityResponse(a domain.Availability) InventoryAvailabilityResponse {
	return InventoryAvailabilityResponse{
		VariantID:                a.VariantID,
		TotalQuantity:            a.Total,
		AvailableQuantity:        a.Available,
		ReservedQuantity:         a.Reserved,
		SoldQuantity:             a.Sold,
		ReservedByCurrentSession: a.ReservedByCurrentSession,
	}
}

func toReservationResponse(r *domain.Reservation, message string) CartReservationResponse {
	serials := r.SerialNumbers
	if serials == nil {
		serials = []string{}
	}
	return CartReservationResponse{
		ReservationID: r.ID,
		VariantID:     r.VariantID,
		Quantity:      r.Quantity,
		SerialNumbers: serials,
		CartSessionID: r.CartSessionID,
		Status:        string(r.Status),
		ReservedAt:    r.CreatedAt,
		ExpiresAt:     r.ExpiresAt,
		Success:       true,
		Message:       message,
	}
}

// refusedReservation builds the reply for a reserve request that did not
// hold any stock.
func refusedReservation(req *ReserveRequest, message string, availability *domain.Availability) CartReservationResponse {
	resp := CartReservationResponse{
		VariantID:     req.VariantID,
		Quantity:      req.Quantity,
		SerialNumbers: []string{},
		CartSessionID: req.CartSessionID,
		Success:       false,
		Message:       message,
	}
	if availability != nil {
		a := toAvailabilityResponse(*availability)
		resp.Availability = &a
	}
	return resp
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
