package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
)

type discardEvents struct{}

func (discardEvents) Dispatch(context.Context, domain.Event) {}

func newServices(t *testing.T) (*service.Ledger, *service.ReservationManager) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := storage.NewMemoryStore()
	cache := storage.NewMemoryCache(time.Hour)
	ledger := service.NewLedger(store, cache, service.NewVariantLocks(time.Second), logger)
	manager := service.NewReservationManager(ledger, store, cache, discardEvents{},
		service.Options{DefaultTTL: 15 * time.Minute, MaxTTL: time.Hour}, logger)
	return ledger, manager
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ledger, manager := newServices(t)
	srv := httptest.NewServer(NewHTTPHandler(ledger, manager, zaptest.NewLogger(t)).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func createVariant(t *testing.T, srv *httptest.Server, variantID string, total int, serials ...string) {
	t.Helper()
	code := do(t, srv, http.MethodPost, "/api/variants", CreateVariantRequest{
		VariantID: variantID, TotalQuantity: total, SerialNumbers: serials,
	}, nil)
	require.Equal(t, http.StatusCreated, code)
}

func TestHTTP_HealthCheck(t *testing.T) {
	srv := newTestServer(t)

	var body map[string]string
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/health", nil, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHTTP_ReserveCommitFlow(t *testing.T) {
	srv := newTestServer(t)

	var created InventoryAvailabilityResponse
	code := do(t, srv, http.MethodPost, "/api/variants", CreateVariantRequest{VariantID: "sku-1", TotalQuantity: 10}, &created)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, 10, created.AvailableQuantity)

	var res CartReservationResponse
	code = do(t, srv, http.MethodPost, "/api/reservations", ReserveRequest{
		VariantID: "sku-1", Quantity: 6, CartSessionID: "cart-a",
	}, &res)
	require.Equal(t, http.StatusCreated, code)
	assert.True(t, res.Success)
	assert.Equal(t, "active", res.Status)
	assert.NotEmpty(t, res.ReservationID)
	assert.Equal(t, []string{}, res.SerialNumbers)
	assert.Equal(t, 15*time.Minute, res.ExpiresAt.Sub(res.ReservedAt))

	var refused CartReservationResponse
	code = do(t, srv, http.MethodPost, "/api/reservations", ReserveRequest{
		VariantID: "sku-1", Quantity: 5, CartSessionID: "cart-b",
	}, &refused)
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, refused.Success)
	assert.Equal(t, "insufficient stock", refused.Message)
	require.NotNil(t, refused.Availability)
	assert.Equal(t, 4, refused.Availability.AvailableQuantity)

	var avail InventoryAvailabilityResponse
	code = do(t, srv, http.MethodGet, "/api/variants/sku-1/availability?cartSessionId=cart-a", nil, &avail)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 4, avail.AvailableQuantity)
	assert.Equal(t, 6, avail.ReservedQuantity)
	assert.Equal(t, 6, avail.ReservedByCurrentSession)

	// An empty body commits the whole reservation.
	var committed CartReservationResponse
	code = do(t, srv, http.MethodPost, "/api/reservations/"+res.ReservationID+"/commit", nil, &committed)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "committed", committed.Status)

	code = do(t, srv, http.MethodGet, "/api/variants/sku-1/availability", nil, &avail)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 4, avail.AvailableQuantity)
	assert.Equal(t, 0, avail.ReservedQuantity)
	assert.Equal(t, 6, avail.SoldQuantity)
}

func TestHTTP_DuplicateRequest(t *testing.T) {
	srv := newTestServer(t)
	createVariant(t, srv, "sku-1", 10)

	req := ReserveRequest{VariantID: "sku-1", Quantity: 1, CartSessionID: "cart-a", RequestID: "req-1"}
	assert.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/reservations", req, nil))

	var dup CartReservationResponse
	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/api/reservations", req, &dup))
	assert.Equal(t, "duplicate request", dup.Message)
	assert.Nil(t, dup.Availability)
}

func TestHTTP_ExtendAndRelease(t *testing.T) {
	srv := newTestServer(t)
	createVariant(t, srv, "sku-1", 3)

	var res CartReservationResponse
	require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/reservations", ReserveRequest{
		VariantID: "sku-1", Quantity: 2, CartSessionID: "cart-a", TTLSeconds: 60,
	}, &res))
	assert.Equal(t, time.Minute, res.ExpiresAt.Sub(res.ReservedAt))

	var extended CartReservationResponse
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/reservations/"+res.ReservationID+"/extend",
		ExtendRequest{TTLSeconds: 600}, &extended))
	assert.True(t, extended.ExpiresAt.After(res.ExpiresAt))

	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodDelete, "/api/reservations/"+res.ReservationID, nil, nil))
	// Releasing again is a no-op.
	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodDelete, "/api/reservations/"+res.ReservationID, nil, nil))

	var got CartReservationResponse
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/reservations/"+res.ReservationID, nil, &got))
	assert.Equal(t, "released", got.Status)

	var errResp ErrorResponse
	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/api/reservations/"+res.ReservationID+"/commit", nil, &errResp))
	assert.Equal(t, "not_active", errResp.Error)
}

func TestHTTP_SessionReservations(t *testing.T) {
	srv := newTestServer(t)
	createVariant(t, srv, "sku-1", 10)
	createVariant(t, srv, "phone", 0, "SN-1", "SN-2")

	for _, req := range []ReserveRequest{
		{VariantID: "sku-1", Quantity: 2, CartSessionID: "cart-a"},
		{VariantID: "phone", Quantity: 1, CartSessionID: "cart-a"},
	} {
		require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/reservations", req, nil))
	}

	var list SessionReservationsResponse
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/sessions/cart-a/reservations", nil, &list))
	assert.Equal(t, "cart-a", list.CartSessionID)
	require.Len(t, list.Reservations, 2)

	var released ReleaseResponse
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodDelete, "/api/sessions/cart-a/reservations", nil, &released))
	assert.True(t, released.Success)
	assert.Equal(t, 2, released.Released)

	var avail InventoryAvailabilityResponse
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/variants/phone/availability", nil, &avail))
	assert.Equal(t, 2, avail.AvailableQuantity)
}

func TestHTTP_StockAdministration(t *testing.T) {
	srv := newTestServer(t)
	createVariant(t, srv, "sku-1", 5)
	createVariant(t, srv, "phone", 0, "SN-1")

	var avail InventoryAvailabilityResponse
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/variants/sku-1/adjust", AdjustStockRequest{Delta: 3}, &avail))
	assert.Equal(t, 8, avail.TotalQuantity)

	var errResp ErrorResponse
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/variants/sku-1/adjust", AdjustStockRequest{Delta: -20}, &errResp))
	assert.Equal(t, "invalid_adjustment", errResp.Error)

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/variants/phone/units",
		RegisterUnitsRequest{SerialNumbers: []string{"SN-2", "SN-3"}}, &avail))
	assert.Equal(t, 3, avail.TotalQuantity)

	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/api/variants", CreateVariantRequest{VariantID: "sku-1", TotalQuantity: 1}, &errResp))
	assert.Equal(t, "already_exists", errResp.Error)
}

func TestHTTP_Errors(t *testing.T) {
	srv := newTestServer(t)
	createVariant(t, srv, "sku-1", 5)

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"unknown variant", http.MethodGet, "/api/variants/nope/availability", nil, http.StatusNotFound, "not_found"},
		{"unknown reservation", http.MethodGet, "/api/reservations/nope", nil, http.StatusNotFound, "not_found"},
		{"commit unknown", http.MethodPost, "/api/reservations/nope/commit", nil, http.StatusNotFound, "not_found"},
		{"reserve unknown variant", http.MethodPost, "/api/reservations",
			ReserveRequest{VariantID: "nope", Quantity: 1, CartSessionID: "c"}, http.StatusNotFound, "not_found"},
		{"zero quantity", http.MethodPost, "/api/reservations",
			ReserveRequest{VariantID: "sku-1", Quantity: 0, CartSessionID: "c"}, http.StatusBadRequest, "invalid_argument"},
		{"missing session", http.MethodPost, "/api/reservations",
			ReserveRequest{VariantID: "sku-1", Quantity: 1}, http.StatusBadRequest, "invalid_argument"},
		{"negative ttl", http.MethodPost, "/api/reservations",
			ReserveRequest{VariantID: "sku-1", Quantity: 1, CartSessionID: "c", TTLSeconds: -1}, http.StatusBadRequest, "invalid_argument"},
		{"negative total", http.MethodPost, "/api/variants",
			CreateVariantRequest{VariantID: "x", TotalQuantity: -1}, http.StatusBadRequest, "invalid_argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp ErrorResponse
			code := do(t, srv, tt.method, tt.path, tt.body, &errResp)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantErr, errResp.Error)
		})
	}
}

func TestHTTP_InvalidBody(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.Client().Post(srv.URL+"/api/reservations", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	defer resp.Body.Close()

	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_body", errResp.Error)
}

func TestHTTPError_Mapping(t *testing.T) {
	code, name := httpError(context.DeadlineExceeded)
	assert.Equal(t, http.StatusGatewayTimeout, code)
	assert.Equal(t, "deadline_exceeded", name)

	code, name = httpError(&domain.InsufficientStockError{Requested: 2})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "insufficient_stock", name)

	code, name = httpError(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "internal", name)
}
