package handler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
	"github.com/rl1809/stock-reservation/internal/pkg/logger"
)

type GRPCHandler struct {
	ledger  *service.Ledger
	manager *service.ReservationManager
}

var _ ReservationServer = (*GRPCHandler)(nil)

func NewGRPCHandler(ledger *service.Ledger, manager *service.ReservationManager) *GRPCHandler {
	return &GRPCHandler{ledger: ledger, manager: manager}
}

// Reserve reports refusals for lack of stock and duplicates in the
// response body rather than as a status error.
func (h *GRPCHandler) Reserve(ctx context.Context, req *ReserveRequest) (*CartReservationResponse, error) {
	res, err := h.manager.Reserve(ctx, service.ReserveRequest{
		VariantID:     req.VariantID,
		CartSessionID: req.CartSessionID,
		Quantity:      req.Quantity,
		TTL:           seconds(req.TTLSeconds),
		RequestID:     req.RequestID,
	})
	if err != nil {
		var insufficient *domain.InsufficientStockError
		if errors.As(err, &insufficient) {
			resp := refusedReservation(req, "insufficient stock", &insufficient.Availability)
			return &resp, nil
		}
		if errors.Is(err, domain.ErrDuplicateRequest) {
			resp := refusedReservation(req, "duplicate request", nil)
			return &resp, nil
		}
		return nil, grpcError(err)
	}

	resp := toReservationResponse(res, "reserved")
	return &resp, nil
}

func (h *GRPCHandler) Extend(ctx context.Context, req *ExtendRequest) (*CartReservationResponse, error) {
	res, err := h.manager.Extend(ctx, req.ReservationID, seconds(req.TTLSeconds))
	if err != nil {
		return nil, grpcError(err)
	}
	resp := toReservationResponse(res, "extended")
	return &resp, nil
}

func (h *GRPCHandler) Commit(ctx context.Context, req *CommitRequest) (*CartReservationResponse, error) {
	res, err := h.manager.Commit(ctx, req.ReservationID, req.Quantity)
	if err != nil {
		return nil, grpcError(err)
	}
	resp := toReservationResponse(res, "committed")
	return &resp, nil
}

func (h *GRPCHandler) Release(ctx context.Context, req *ReleaseRequest) (*ReleaseResponse, error) {
	if err := h.manager.Release(ctx, req.ReservationID); err != nil {
		return nil, grpcError(err)
	}
	return &ReleaseResponse{Success: true}, nil
}

func (h *GRPCHandler) ReleaseSession(ctx context.Context, req *ReleaseSessionRequest) (*ReleaseResponse, error) {
	released, err := h.manager.ReleaseSession(ctx, req.CartSessionID)
	if err != nil {
		return nil, grpcError(err)
	}
	return &ReleaseResponse{Success: true, Released: released}, nil
}

func (h *GRPCHandler) GetAvailability(ctx context.Context, req *AvailabilityRequest) (*InventoryAvailabilityResponse, error) {
	availability, err := h.ledger.Availability(ctx, req.VariantID, req.CartSessionID)
	if err != nil {
		return nil, grpcError(err)
	}
	resp := toAvailabilityResponse(availability)
	return &resp, nil
}

// UnaryLoggingInterceptor logs every unary call with its status code and
// duration.
func UnaryLoggingInterceptor(l *zap.Logger) grpc.UnaryServerInterceptor {
	l = l.Named("grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			logger.WithTrace(ctx, l).Warn("call failed", append(fields, zap.Error(err))...)
		} else {
			logger.WithTrace(ctx, l).Debug("call", fields...)
		}
		return resp, err
	}
}
