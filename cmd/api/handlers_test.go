package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/apexstock/pkg/inventory"
	"github.com/nemonet1337/apexstock/pkg/inventory/storage"
)

type apiResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details"`
}

type testServer struct {
	t       *testing.T
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := storage.NewMemoryStorage(zap.NewNop())
	store.AddProduct(inventory.Product{ID: "p-phone", Name: "Galaxy A15", SKU: "SM-A155", Serialized: true})
	store.AddDistributor(inventory.Distributor{ID: "d-1", Name: "Erajaya", IsActive: true})
	store.AddPlacement(inventory.BranchPlacement("b-1"), "Jakarta Pusat")
	store.AddPlacement(inventory.BranchPlacement("b-2"), "Bandung")

	registry := prometheus.NewRegistry()
	manager, err := inventory.NewManager(store, nil, zap.NewNop(), nil,
		inventory.WithMetrics(inventory.NewMetrics(registry)))
	require.NoError(t, err)

	handlers := NewHandlers(manager, store.Ping, zap.NewNop())
	return &testServer{
		t: t,
		handler: setupRouter(handlers, RouterOptions{
			Registry:       registry,
			EnableMetrics:  true,
			EnableCORS:     true,
			AllowedOrigins: []string{"*"},
		}),
	}
}

func (s *testServer) do(method, path string, body interface{}, headers map[string]string) (int, apiResult) {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var res apiResult
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &res))
	}
	return rec.Code, res
}

var (
	admin  = map[string]string{headerUserID: "u-admin", headerRole: "super_admin"}
	cashB2 = map[string]string{headerUserID: "u-b2", headerRole: "kasir", headerHome: "branch:b-2"}
)

func TestAPI_TransferLifecycle(t *testing.T) {
	s := newTestServer(t)

	code, res := s.do(http.MethodPost, "/api/v1/stock-in", map[string]interface{}{
		"product_id":     "p-phone",
		"placement":      map[string]string{"kind": "branch", "id": "b-1"},
		"distributor_id": "d-1",
		"items": []map[string]interface{}{
			{"serial": "IMEI-0001", "condition": "new", "selling_price": "2500000"},
			{"serial": "IMEI-0002", "condition": "new", "selling_price": "2500000"},
		},
	}, admin)
	require.Equal(t, http.StatusCreated, code, res.Error)
	var stockIn inventory.StockInResult
	require.NoError(t, json.Unmarshal(res.Data, &stockIn))
	assert.Equal(t, 2, stockIn.InsertedCount)
	require.Len(t, stockIn.UnitIDs, 2)

	code, res = s.do(http.MethodGet, "/api/v1/units?placement=branch:b-1", nil, admin)
	require.Equal(t, http.StatusOK, code)
	var units inventory.Page[inventory.UnitView]
	require.NoError(t, json.Unmarshal(res.Data, &units))
	assert.EqualValues(t, 2, units.Total)

	code, res = s.do(http.MethodPost, "/api/v1/stock-out", map[string]interface{}{
		"category": "branch_transfer",
		"unit_ids": stockIn.UnitIDs,
		"details":  map[string]string{"destination_branch_id": "b-2", "receiver_name": "Budi"},
	}, admin)
	require.Equal(t, http.StatusCreated, code, res.Error)
	var out struct {
		ID        string `json:"id"`
		ReceiptID string `json:"receipt_id"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &out))
	assert.Regexp(t, `^O\d{2}[A-Z]{3}-[A-Z0-9]{3}$`, out.ReceiptID)

	code, res = s.do(http.MethodGet, "/api/v1/transfers/pending", nil, cashB2)
	require.Equal(t, http.StatusOK, code)
	var pending []json.RawMessage
	require.NoError(t, json.Unmarshal(res.Data, &pending))
	assert.Len(t, pending, 1)

	code, _ = s.do(http.MethodPost, "/api/v1/transfers/"+out.ID+"/confirm", nil, cashB2)
	require.Equal(t, http.StatusOK, code)

	code, res = s.do(http.MethodPost, "/api/v1/transfers/"+out.ID+"/confirm", nil, cashB2)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, res.Success)

	code, res = s.do(http.MethodGet, "/api/v1/units?placement=branch:b-2", nil, cashB2)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(res.Data, &units))
	assert.EqualValues(t, 2, units.Total)
}

func TestAPI_Errors(t *testing.T) {
	s := newTestServer(t)

	t.Run("missing user header", func(t *testing.T) {
		code, res := s.do(http.MethodGet, "/api/v1/units", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, code)
		assert.False(t, res.Success)
	})

	t.Run("malformed home placement", func(t *testing.T) {
		code, _ := s.do(http.MethodGet, "/api/v1/units", nil, map[string]string{
			headerUserID: "u-1", headerHome: "nowhere",
		})
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("unknown stock-out category", func(t *testing.T) {
		code, res := s.do(http.MethodPost, "/api/v1/stock-out", map[string]interface{}{
			"category": "teleport",
			"unit_ids": []string{"x"},
			"details":  map[string]string{},
		}, admin)
		assert.Equal(t, http.StatusUnprocessableEntity, code)
		assert.NotEmpty(t, res.Details)
	})

	t.Run("unavailable unit", func(t *testing.T) {
		code, res := s.do(http.MethodPost, "/api/v1/stock-out", map[string]interface{}{
			"category": "input_error",
			"unit_ids": []string{"missing-unit"},
			"details":  map[string]string{"reason": "typo"},
		}, admin)
		assert.Equal(t, http.StatusConflict, code)
		assert.Contains(t, string(res.Details), "missing-unit")
	})

	t.Run("short track query", func(t *testing.T) {
		code, _ := s.do(http.MethodGet, "/api/v1/track?q=ab", nil, admin)
		assert.Equal(t, http.StatusUnprocessableEntity, code)
	})

	t.Run("broken json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/stock-in", strings.NewReader("{"))
		req.Header.Set(headerUserID, "u-admin")
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAPI_AdmitUnit_Duplicate(t *testing.T) {
	s := newTestServer(t)
	body := map[string]interface{}{
		"serial":         "IMEI-0001",
		"product_id":     "p-phone",
		"condition":      "new",
		"selling_price":  "2500000",
		"placement":      map[string]string{"kind": "branch", "id": "b-1"},
		"distributor_id": "d-1",
	}

	code, res := s.do(http.MethodPost, "/api/v1/units", body, admin)
	require.Equal(t, http.StatusCreated, code, res.Error)

	code, res = s.do(http.MethodPost, "/api/v1/units", body, admin)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	var details struct {
		Duplicates []string `json:"duplicates"`
	}
	require.NoError(t, json.Unmarshal(res.Details, &details))
	assert.Equal(t, []string{"IMEI-0001"}, details.Duplicates)
}

func TestErrorDetails_DuplicateSerial(t *testing.T) {
	want := map[string]interface{}{"duplicates": []string{"S1"}}
	assert.Equal(t, want, errorDetails(&inventory.DuplicateSerialError{Serials: []string{"S1"}}))
	assert.Equal(t, want, errorDetails(inventory.DuplicateSerialError{Serials: []string{"S1"}}))
	assert.Nil(t, errorDetails(errors.New("boom")))
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	code, res := s.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, res.Success)

	s.do(http.MethodGet, "/api/v1/units", nil, admin)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "apexstock_operations_total")
	assert.Contains(t, body, `apexstock_http_requests_total{method="GET",route="/api/v1/units",status="200"}`)
}

func TestAPI_HealthUnhealthy(t *testing.T) {
	handlers := NewHandlers(nil, func(context.Context) error { return errors.New("db down") }, zap.NewNop())
	rec := httptest.NewRecorder()
	handlers.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(inventory.ErrTransferNotFound))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(inventory.NewValidationError("f", "m", "v")))
	assert.Equal(t, http.StatusConflict, statusFor(&inventory.UnavailableUnitsError{}))
	assert.Equal(t, http.StatusConflict, statusFor(inventory.NewConcurrencyError("op", "r", "m")))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
