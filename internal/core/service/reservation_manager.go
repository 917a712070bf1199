package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/pkg/logger"
	"github.com/rl1809/stock-reservation/internal/port"
)

const (
	tracerName = "github.com/rl1809/stock-reservation/internal/core/service"

	forgetRequestTimeout = 2 * time.Second
)

type Options struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

// EventSink receives reservation events after they are committed.
type EventSink interface {
	Dispatch(ctx context.Context, event domain.Event)
}

type ReserveRequest struct {
	VariantID     string
	CartSessionID string
	Quantity      int
	TTL           time.Duration
	// RequestID makes the call idempotent per cart session when set.
	RequestID string
}

// ReservationManager creates, extends, releases and commits reservations.
// It is the only writer of the reserved counter.
type ReservationManager struct {
	ledger *Ledger
	repo   port.StockRepository
	cache  port.CacheRepository
	events EventSink
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewReservationManager(ledger *Ledger, repo port.StockRepository, cache port.CacheRepository, events EventSink, opts Options, logger *zap.Logger) *ReservationManager {
	return &ReservationManager{
		ledger: ledger,
		repo:   repo,
		cache:  cache,
		events: events,
		opts:   opts,
		logger: logger.Named("reservations"),
		tracer: otel.Tracer(tracerName),
		now:    ledger.now,
	}
}

// Reserve holds quantity units of a variant for a cart session. The request
// either reserves the full quantity or fails without touching the counters.
func (m *ReservationManager) Reserve(ctx context.Context, req ReserveRequest) (_ *domain.Reservation, err error) {
	ctx, span := m.tracer.Start(ctx, "ReservationManager.Reserve", trace.WithAttributes(
		attribute.String("variant_id", req.VariantID),
		attribute.String("cart_session_id", req.CartSessionID),
		attribute.Int("quantity", req.Quantity),
	))
	defer func() { endSpan(span, err) }()

	if req.VariantID == "" || req.CartSessionID == "" {
		return nil, fmt.Errorf("%w: variant id and cart session id are required", domain.ErrInvalidArgument)
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidArgument)
	}
	ttl, err := m.ttl(req.TTL)
	if err != nil {
		return nil, err
	}

	var idempotencyKey string
	if req.RequestID != "" {
		idempotencyKey = fmt.Sprintf("reserve:%s:%s", req.CartSessionID, req.RequestID)
		ok, err := m.cache.SetIdempotency(ctx, idempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency check failed: %w", err)
		}
		if !ok {
			return nil, domain.ErrDuplicateRequest
		}
	}

	var res domain.Reservation
	_, err = m.ledger.update(ctx, req.VariantID, func(ctx context.Context, tx port.StockTx, line *domain.StockLine) error {
		now := m.now()
		if err := line.Reserve(req.Quantity, now); err != nil {
			return err
		}

		res = domain.Reservation{
			ID:            uuid.NewString(),
			VariantID:     req.VariantID,
			CartSessionID: req.CartSessionID,
			Quantity:      req.Quantity,
			Status:        domain.ReservationStatusActive,
			CreatedAt:     now,
			ExpiresAt:     now.Add(ttl),
			UpdatedAt:     now,
		}

		if line.Serialized {
			serials, err := allocateUnits(ctx, tx, req.VariantID, res.ID, req.Quantity)
			if err != nil {
				return err
			}
			res.SerialNumbers = serials
		}

		return tx.InsertReservation(ctx, res)
	})
	if err != nil {
		if idempotencyKey != "" {
			m.forgetRequest(ctx, idempotencyKey)
		}
		var insufficient *domain.InsufficientStockError
		if errors.As(err, &insufficient) {
			return nil, err
		}
		return nil, fmt.Errorf("reserve %s: %w", req.VariantID, err)
	}

	logger.WithTrace(ctx, m.logger).Debug("stock reserved",
		zap.String("reservation_id", res.ID),
		zap.String("variant_id", res.VariantID),
		zap.String("cart_session_id", res.CartSessionID),
		zap.Int("quantity", res.Quantity),
		zap.Time("expires_at", res.ExpiresAt))
	m.events.Dispatch(ctx, domain.NewEvent(domain.EventReserved, res, res.Quantity, res.CreatedAt))
	return &res, nil
}

// Extend pushes the expiry of an active reservation to now + ttl.
func (m *ReservationManager) Extend(ctx context.Context, reservationID string, ttl time.Duration) (_ *domain.Reservation, err error) {
	ctx, span := m.tracer.Start(ctx, "ReservationManager.Extend",
		trace.WithAttributes(attribute.String("reservation_id", reservationID)))
	defer func() { endSpan(span, err) }()

	ttl, err = m.ttl(ttl)
	if err != nil {
		return nil, err
	}
	current, err := m.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("extend %s: %w", reservationID, err)
	}

	var res *domain.Reservation
	err = m.ledger.withVariant(ctx, current.VariantID, func(ctx context.Context, tx port.StockTx) error {
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		now := m.now()
		if err := checkActive(r, now); err != nil {
			return err
		}
		r.ExpiresAt = now.Add(ttl)
		r.UpdatedAt = now
		if err := tx.UpdateReservation(ctx, *r); err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("extend %s: %w", reservationID, err)
	}

	m.events.Dispatch(ctx, domain.NewEvent(domain.EventExtended, *res, res.Quantity, res.UpdatedAt))
	return res, nil
}

// Release returns a reservation's stock to available. Unknown, expired,
// released and committed reservations are left as they are.
func (m *ReservationManager) Release(ctx context.Context, reservationID string) (err error) {
	ctx, span := m.tracer.Start(ctx, "ReservationManager.Release",
		trace.WithAttributes(attribute.String("reservation_id", reservationID)))
	defer func() { endSpan(span, err) }()

	_, err = m.release(ctx, reservationID, domain.ReservationStatusReleased)
	return err
}

// Expire releases a reservation whose hold has run out. It reports false if the
// reservation was committed, released or extended in the meantime.
func (m *ReservationManager) Expire(ctx context.Context, reservationID string) (bool, error) {
	return m.release(ctx, reservationID, domain.ReservationStatusExpired)
}

func (m *ReservationManager) release(ctx context.Context, reservationID string, status domain.ReservationStatus) (bool, error) {
	current, err := m.repo.GetReservation(ctx, reservationID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("release %s: %w", reservationID, err)
	}
	if current.IsTerminal() {
		return false, nil
	}

	var res domain.Reservation
	line, err := m.ledger.update(ctx, current.VariantID, func(ctx context.Context, tx port.StockTx, line *domain.StockLine) error {
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		now := m.now()
		if !r.IsActive() {
			return errUnchanged
		}
		if status == domain.ReservationStatusExpired && !r.IsExpired(now) {
			return errUnchanged
		}

		if err := line.Unreserve(r.Quantity, now); err != nil {
			return err
		}
		if line.Serialized {
			if _, err := settleUnits(ctx, tx, r, 0); err != nil {
				return err
			}
		}
		r.Status = status
		r.UpdatedAt = now
		res = *r
		return tx.UpdateReservation(ctx, *r)
	})
	if err != nil {
		return false, fmt.Errorf("release %s: %w", reservationID, err)
	}
	if line == nil {
		return false, nil
	}

	eventType := domain.EventReleased
	if status == domain.ReservationStatusExpired {
		eventType = domain.EventExpired
	}
	logger.WithTrace(ctx, m.logger).Debug("reservation ended",
		zap.String("reservation_id", res.ID),
		zap.String("status", string(status)),
		zap.Int("available", line.Available()))
	m.events.Dispatch(ctx, domain.NewEvent(eventType, res, res.Quantity, res.UpdatedAt))
	return true, nil
}

// Commit sells quantity units of a reservation; 0 sells all of it. Selling
// fewer than reserved returns the rest to available.
func (m *ReservationManager) Commit(ctx context.Context, reservationID string, quantity int) (_ *domain.Reservation, err error) {
	ctx, span := m.tracer.Start(ctx, "ReservationManager.Commit", trace.WithAttributes(
		attribute.String("reservation_id", reservationID),
		attribute.Int("quantity", quantity),
	))
	defer func() { endSpan(span, err) }()

	if quantity < 0 {
		return nil, fmt.Errorf("%w: quantity cannot be negative", domain.ErrInvalidArgument)
	}
	current, err := m.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", reservationID, err)
	}

	var res domain.Reservation
	line, err := m.ledger.update(ctx, current.VariantID, func(ctx context.Context, tx port.StockTx, line *domain.StockLine) error {
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		now := m.now()

		if r.Status == domain.ReservationStatusCommitted {
			if quantity != 0 && quantity != r.Quantity {
				return fmt.Errorf("%w: already committed %d, asked %d", domain.ErrPartialMismatch, r.Quantity, quantity)
			}
			res = *r
			return errUnchanged
		}
		if err := checkActive(r, now); err != nil {
			return err
		}

		sell := quantity
		if sell == 0 {
			sell = r.Quantity
		}
		if sell > r.Quantity {
			return fmt.Errorf("%w: commit %d exceeds reserved %d", domain.ErrPartialMismatch, sell, r.Quantity)
		}
		if err := line.CommitSale(sell, now); err != nil {
			return err
		}
		if remainder := r.Quantity - sell; remainder > 0 {
			if err := line.Unreserve(remainder, now); err != nil {
				return err
			}
		}
		if line.Serialized {
			sold, err := settleUnits(ctx, tx, r, sell)
			if err != nil {
				return err
			}
			r.SerialNumbers = sold
		}

		r.Quantity = sell
		r.Status = domain.ReservationStatusCommitted
		r.UpdatedAt = now
		res = *r
		return tx.UpdateReservation(ctx, *r)
	})
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", reservationID, err)
	}
	if line == nil {
		return &res, nil
	}

	logger.WithTrace(ctx, m.logger).Info("reservation committed",
		zap.String("reservation_id", res.ID),
		zap.String("variant_id", res.VariantID),
		zap.Int("quantity", res.Quantity),
		zap.Int("sold", line.SoldQuantity))
	m.events.Dispatch(ctx, domain.NewEvent(domain.EventCommitted, res, res.Quantity, res.UpdatedAt))
	return &res, nil
}

// ReleaseSession releases every active reservation of a cart session and
// returns how many were released.
func (m *ReservationManager) ReleaseSession(ctx context.Context, cartSessionID string) (int, error) {
	reservations, err := m.repo.ListSessionReservations(ctx, cartSessionID)
	if err != nil {
		return 0, fmt.Errorf("list session reservations: %w", err)
	}

	released := 0
	var errs []error
	for _, r := range reservations {
		ok, err := m.release(ctx, r.ID, domain.ReservationStatusReleased)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			released++
		}
	}
	return released, errors.Join(errs...)
}

func (m *ReservationManager) SessionReservations(ctx context.Context, cartSessionID string) ([]domain.Reservation, error) {
	return m.repo.ListSessionReservations(ctx, cartSessionID)
}

func (m *ReservationManager) Get(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	return m.repo.GetReservation(ctx, reservationID)
}

func (m *ReservationManager) ttl(ttl time.Duration) (time.Duration, error) {
	if ttl < 0 {
		return 0, fmt.Errorf("%w: ttl cannot be negative", domain.ErrInvalidArgument)
	}
	if ttl == 0 {
		ttl = m.opts.DefaultTTL
	}
	if m.opts.MaxTTL > 0 && ttl > m.opts.MaxTTL {
		ttl = m.opts.MaxTTL
	}
	return ttl, nil
}

// forgetRequest frees an idempotency claim after a failed reserve. The
// caller's ctx is usually the reason the reserve failed, so only its values
// are kept.
func (m *ReservationManager) forgetRequest(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forgetRequestTimeout)
	defer cancel()

	if err := m.cache.ReleaseIdempotency(ctx, key); err != nil {
		m.logger.Warn("failed to release idempotency key", zap.String("key", key), zap.Error(err))
	}
}

func checkActive(r *domain.Reservation, now time.Time) error {
	switch {
	case r.Status == domain.ReservationStatusExpired:
		return fmt.Errorf("%w: %s expired at %s", domain.ErrExpired, r.ID, r.ExpiresAt.Format(time.RFC3339))
	case !r.IsActive():
		return fmt.Errorf("%w: %s is %s", domain.ErrNotActive, r.ID, r.Status)
	case r.IsExpired(now):
		return fmt.Errorf("%w: %s expired at %s", domain.ErrExpired, r.ID, r.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// allocateUnits attaches the first quantity free units, by serial number, to
// a reservation.
func allocateUnits(ctx context.Context, tx port.StockTx, variantID, reservationID string, quantity int) ([]string, error) {
	units, err := tx.ListUnits(ctx, variantID)
	if err != nil {
		return nil, err
	}
	domain.SortUnits(units)

	picked := make([]domain.StockUnit, 0, quantity)
	for _, u := range units {
		if len(picked) == quantity {
			break
		}
		if u.Free() {
			u.ReservationID = reservationID
			picked = append(picked, u)
		}
	}
	if len(picked) < quantity {
		return nil, fmt.Errorf("%w: %s has %d free units for %d available",
			domain.ErrPartialMismatch, variantID, len(picked), quantity)
	}
	if err := tx.UpdateUnits(ctx, picked); err != nil {
		return nil, err
	}

	serials := make([]string, len(picked))
	for i, u := range picked {
		serials[i] = u.SerialNumber
	}
	return serials, nil
}

// settleUnits marks the first sell units of a reservation sold and frees the
// rest. It returns the sold serial numbers.
func settleUnits(ctx context.Context, tx port.StockTx, r *domain.Reservation, sell int) ([]string, error) {
	units, err := tx.ListUnits(ctx, r.VariantID)
	if err != nil {
		return nil, err
	}
	domain.SortUnits(units)

	var held []domain.StockUnit
	for _, u := range units {
		if u.ReservationID == r.ID && !u.Sold {
			held = append(held, u)
		}
	}
	if len(held) != r.Quantity {
		return nil, fmt.Errorf("%w: reservation %s holds %d units, expected %d",
			domain.ErrPartialMismatch, r.ID, len(held), r.Quantity)
	}

	sold := make([]string, 0, sell)
	for i := range held {
		if i < sell {
			held[i].Sold = true
			sold = append(sold, held[i].SerialNumber)
		} else {
			held[i].ReservationID = ""
		}
	}
	if err := tx.UpdateUnits(ctx, held); err != nil {
		return nil, err
	}
	return sold, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
