package handler

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type errorMapping struct {
	target   error
	httpCode int
	grpcCode codes.Code
	name     string
}

var errorMappings = []errorMapping{
	{domain.ErrNotFound, http.StatusNotFound, codes.NotFound, "not_found"},
	{domain.ErrExpired, http.StatusGone, codes.FailedPrecondition, "expired"},
	{domain.ErrInsufficientStock, http.StatusConflict, codes.ResourceExhausted, "insufficient_stock"},
	{domain.ErrDuplicateRequest, http.StatusConflict, codes.AlreadyExists, "duplicate_request"},
	{domain.ErrAlreadyExists, http.StatusConflict, codes.AlreadyExists, "already_exists"},
	{domain.ErrNotActive, http.StatusConflict, codes.FailedPrecondition, "not_active"},
	{domain.ErrPartialMismatch, http.StatusUnprocessableEntity, codes.Aborted, "partial_mismatch"},
	{domain.ErrInvalidArgument, http.StatusBadRequest, codes.InvalidArgument, "invalid_argument"},
	{domain.ErrInvalidAdjustment, http.StatusBadRequest, codes.FailedPrecondition, "invalid_adjustment"},
	{domain.ErrLockTimeout, http.StatusServiceUnavailable, codes.Unavailable, "lock_timeout"},
	{domain.ErrVersionConflict, http.StatusConflict, codes.Aborted, "version_conflict"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, codes.DeadlineExceeded, "deadline_exceeded"},
	{context.Canceled, 499, codes.Canceled, "canceled"},
}

func lookupError(err error) (errorMapping, bool) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m, true
		}
	}
	return errorMapping{}, false
}

// httpError returns the HTTP status and error code for err.
func httpError(err error) (int, string) {
	if m, ok := lookupError(err); ok {
		return m.httpCode, m.name
	}
	return http.StatusInternalServerError, "internal"
}

// grpcError converts err to a gRPC status error. Unknown errors become
// Internal.
func grpcError(err error) error {
	if m, ok := lookupError(err); ok {
		return status.Error(m.grpcCode, err.Error())
	}
	return status.Errorf(codes.Internal, "internal error: %v", err)
}
