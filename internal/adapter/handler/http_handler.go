package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
	"github.com/rl1809/stock-reservation/internal/pkg/logger"
)

type HTTPHandler struct {
	ledger  *service.Ledger
	manager *service.ReservationManager
	logger  *zap.Logger
}

func NewHTTPHandler(ledger *service.Ledger, manager *service.ReservationManager, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{
		ledger:  ledger,
		manager: manager,
		logger:  logger.Named("http"),
	}
}

// Routes builds the router serving the REST API.
func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/variants", func(r chi.Router) {
			r.Post("/", h.CreateVariant)
			r.Get("/{variantId}/availability", h.GetAvailability)
			r.Post("/{variantId}/adjust", h.AdjustStock)
			r.Post("/{variantId}/units", h.RegisterUnits)
		})
		r.Route("/reservations", func(r chi.Router) {
			r.Post("/", h.Reserve)
			r.Get("/{reservationId}", h.GetReservation)
			r.Post("/{reservationId}/extend", h.Extend)
			r.Post("/{reservationId}/commit", h.Commit)
			r.Delete("/{reservationId}", h.Release)
		})
		r.Route("/sessions/{cartSessionId}/reservations", func(r chi.Router) {
			r.Get("/", h.SessionReservations)
			r.Delete("/", h.ReleaseSession)
		})
	})

	return r
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) CreateVariant(w http.ResponseWriter, r *http.Request) {
	var req CreateVariantRequest
	if !h.decode(w, r, &req) {
		return
	}

	availability, err := h.ledger.CreateStockLine(r.Context(), req.VariantID, req.TotalQuantity, req.SerialNumbers)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAvailabilityResponse(availability))
}

func (h *HTTPHandler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	variantID := chi.URLParam(r, "variantId")
	session := r.URL.Query().Get("cartSessionId")

	availability, err := h.ledger.Availability(r.Context(), variantID, session)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAvailabilityResponse(availability))
}

func (h *HTTPHandler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	var req AdjustStockRequest
	if !h.decode(w, r, &req) {
		return
	}

	availability, err := h.ledger.AdjustTotal(r.Context(), chi.URLParam(r, "variantId"), req.Delta)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAvailabilityResponse(availability))
}

func (h *HTTPHandler) RegisterUnits(w http.ResponseWriter, r *http.Request) {
	var req RegisterUnitsRequest
	if !h.decode(w, r, &req) {
		return
	}

	availability, err := h.ledger.RegisterUnits(r.Context(), chi.URLParam(r, "variantId"), req.SerialNumbers)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAvailabilityResponse(availability))
}

func (h *HTTPHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("Idempotency-Key")
	}

	res, err := h.manager.Reserve(r.Context(), service.ReserveRequest{
		VariantID:     req.VariantID,
		CartSessionID: req.CartSessionID,
		Quantity:      req.Quantity,
		TTL:           seconds(req.TTLSeconds),
		RequestID:     req.RequestID,
	})
	if err != nil {
		var insufficient *domain.InsufficientStockError
		switch {
		case errors.As(err, &insufficient):
			writeJSON(w, http.StatusConflict, refusedReservation(&req, "insufficient stock", &insufficient.Availability))
		case errors.Is(err, domain.ErrDuplicateRequest):
			writeJSON(w, http.StatusConflict, refusedReservation(&req, "duplicate request", nil))
		default:
			h.writeError(w, r, err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, toReservationResponse(res, "reserved"))
}

func (h *HTTPHandler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.manager.Get(r.Context(), chi.URLParam(r, "reservationId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(res, ""))
}

func (h *HTTPHandler) Extend(w http.ResponseWriter, r *http.Request) {
	var req ExtendRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	res, err := h.manager.Extend(r.Context(), chi.URLParam(r, "reservationId"), seconds(req.TTLSeconds))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(res, "extended"))
}

func (h *HTTPHandler) Commit(w http.ResponseWriter, r *http.Request) {
	// An empty body commits the full quantity.
	var req CommitRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	res, err := h.manager.Commit(r.Context(), chi.URLParam(r, "reservationId"), req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(res, "committed"))
}

func (h *HTTPHandler) Release(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Release(r.Context(), chi.URLParam(r, "reservationId")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) SessionReservations(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "cartSessionId")
	reservations, err := h.manager.SessionReservations(r.Context(), session)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := SessionReservationsResponse{
		CartSessionID: session,
		Reservations:  make([]CartReservationResponse, 0, len(reservations)),
	}
	for i := range reservations {
		resp.Reservations = append(resp.Reservations, toReservationResponse(&reservations[i], ""))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) ReleaseSession(w http.ResponseWriter, r *http.Request) {
	released, err := h.manager.ReleaseSession(r.Context(), chi.URLParam(r, "cartSessionId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReleaseResponse{Success: true, Released: released})
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	return h.decodeBody(w, r, v, false)
}

// decodeOptional accepts an empty body and leaves v untouched.
func (h *HTTPHandler) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	return h.decodeBody(w, r, v, true)
}

func (h *HTTPHandler) decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if optional && errors.Is(err, io.EOF) {
		return true
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_body",
			Message: "invalid request body",
		})
		return false
	}
	return true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := httpError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.WithTrace(r.Context(), h.logger).Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		message = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func (h *HTTPHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
