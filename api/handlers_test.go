/*
handlers_test.go - Tests for the HTTP API

Tests for:
- The two ledger scenarios driven over HTTP
- Envelope codes and HTTP status mapping
- Authentication boundary and rate limiting
- List cache invalidation on writes
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/auth"
	"github.com/warp/stock-ledger/cache"
	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/store"
)

const testSecret = "api-test-secret"

type testEnv struct {
	srv   *httptest.Server
	token string
	cache *cache.Memory
}

type rawEnvelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func newTestEnv(t *testing.T, limiter *RateLimiter) *testEnv {
	t.Helper()
	return newTestEnvOn(t, store.NewMemory(), limiter)
}

func newTestEnvOn(t *testing.T, st ledger.TxStore, limiter *RateLimiter) *testEnv {
	t.Helper()
	engine := ledger.NewEngine(st)
	mgr := auth.NewManager(testSecret, nil)
	token, err := mgr.Issue(ledger.Caller{ID: "u-1", Email: "owner@example.com"}, time.Hour)
	require.NoError(t, err)

	c := cache.NewMemory(time.Minute)
	h := NewHandler(engine, WithCache(c))
	srv := httptest.NewServer(NewRouter(h, RouterOptions{Authenticate: mgr.Middleware, Limiter: limiter}))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, token: token, cache: c}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, rawEnvelope) {
	t.Helper()
	return e.doAs(t, e.token, method, path, body)
}

func (e *testEnv) doAs(t *testing.T, token, method, path string, body any) (int, rawEnvelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env rawEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func decodeData[T any](t *testing.T, env rawEnvelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v), "data: %s", env.Data)
	return v
}

func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	status, env := e.do(t, http.MethodPost, "/api/products", CreateProductRequest{ID: "p-1", Name: "Widget"})
	require.Equal(t, http.StatusCreated, status, env.Error)
	status, env = e.do(t, http.MethodPost, "/api/vendors", CreateVendorRequest{ID: "v-1", Name: "Acme"})
	require.Equal(t, http.StatusCreated, status, env.Error)
}

func (e *testEnv) aggregates(t *testing.T) (int64, decimal.Decimal) {
	t.Helper()
	status, env := e.do(t, http.MethodGet, "/api/products", nil)
	require.Equal(t, http.StatusOK, status)
	products := decodeData[[]ProductDTO](t, env)
	require.Len(t, products, 1)

	status, env = e.do(t, http.MethodGet, "/api/vendors", nil)
	require.Equal(t, http.StatusOK, status)
	vendors := decodeData[[]VendorDTO](t, env)
	require.Len(t, vendors, 1)
	return products[0].Stock, vendors[0].Balance
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestAPI_IncomingLifecycle(t *testing.T) {
	// GIVEN: Widget and Acme with nothing recorded
	e := newTestEnv(t, nil)
	e.seed(t)

	// WHEN: 10 pieces at 5 are recorded
	status, env := e.do(t, http.MethodPost, "/api/incoming", IncomingRequest{
		ID: "a-1", Qty: 10, PricePerPcs: decimal.NewFromInt(5), Date: "2025-03-14", Product: "p-1", Vendor: "v-1",
	})
	require.Equal(t, http.StatusCreated, status, env.Error)
	a := decodeData[IncomingDTO](t, env)
	assert.True(t, a.PriceTotal.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, "Widget", a.ProductName)
	assert.Equal(t, "2025-03-14", a.Date)

	// THEN: stock 10, balance 50
	stock, bal := e.aggregates(t)
	assert.Equal(t, int64(10), stock)
	assert.True(t, bal.Equal(decimal.NewFromInt(50)), "balance %s", bal)

	// WHEN: voided
	status, env = e.do(t, http.MethodPost, "/api/incoming/a-1/void", a)
	require.Equal(t, http.StatusOK, status, env.Error)
	a = decodeData[IncomingDTO](t, env)
	assert.False(t, a.Active)
	stock, bal = e.aggregates(t)
	assert.Equal(t, int64(0), stock)
	assert.True(t, bal.IsZero())

	// WHEN: restored with an empty body
	status, env = e.do(t, http.MethodPost, "/api/incoming/a-1/restore", nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	a = decodeData[IncomingDTO](t, env)
	stock, bal = e.aggregates(t)
	assert.Equal(t, int64(10), stock)
	assert.True(t, bal.Equal(decimal.NewFromInt(50)))

	// WHEN: edited to qty 4
	status, env = e.do(t, http.MethodPut, "/api/incoming/a-1", EditIncomingRequest{
		New: IncomingRequest{Qty: 4, PricePerPcs: decimal.NewFromInt(5), Date: a.Date, Product: "p-1", Vendor: "v-1"},
		Old: &a,
	})
	require.Equal(t, http.StatusOK, status, env.Error)

	// THEN: stock 4, balance 20, and the audit is clean
	stock, bal = e.aggregates(t)
	assert.Equal(t, int64(4), stock)
	assert.True(t, bal.Equal(decimal.NewFromInt(20)))

	status, env = e.do(t, http.MethodGet, "/api/audit", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decodeData[[]DiscrepancyDTO](t, env))
}

func TestAPI_PaymentLifecycle(t *testing.T) {
	// GIVEN: Acme with balance 50
	e := newTestEnv(t, nil)
	e.seed(t)
	status, _ := e.do(t, http.MethodPost, "/api/incoming", IncomingRequest{
		Qty: 10, PricePerPcs: decimal.NewFromInt(5), Product: "p-1", Vendor: "v-1",
	})
	require.Equal(t, http.StatusCreated, status)

	// WHEN: a payment of 30 is recorded, voided, restored
	status, env := e.do(t, http.MethodPost, "/api/payments", PaymentRequest{ID: "pay-1", Amount: decimal.NewFromInt(30), Vendor: "v-1"})
	require.Equal(t, http.StatusCreated, status, env.Error)
	_, bal := e.aggregates(t)
	assert.True(t, bal.Equal(decimal.NewFromInt(20)))

	status, _ = e.do(t, http.MethodPost, "/api/payments/pay-1/void", nil)
	require.Equal(t, http.StatusOK, status)
	_, bal = e.aggregates(t)
	assert.True(t, bal.Equal(decimal.NewFromInt(50)))

	status, _ = e.do(t, http.MethodPost, "/api/payments/pay-1/restore", nil)
	require.Equal(t, http.StatusOK, status)
	_, bal = e.aggregates(t)
	assert.True(t, bal.Equal(decimal.NewFromInt(20)))

	// THEN: the vendor filter lists the payment
	status, env = e.do(t, http.MethodGet, "/api/payments?vendor=v-1&active=true", nil)
	require.Equal(t, http.StatusOK, status)
	pays := decodeData[[]PaymentDTO](t, env)
	require.Len(t, pays, 1)
	assert.Equal(t, "Acme", pays[0].VendorName)
}

// =============================================================================
// GUARD AND ERRORS
// =============================================================================

func TestAPI_GuardedDelete(t *testing.T) {
	e := newTestEnv(t, nil)
	e.seed(t)
	status, _ := e.do(t, http.MethodPost, "/api/incoming", IncomingRequest{
		ID: "a-1", Qty: 1, PricePerPcs: decimal.NewFromInt(1), Product: "p-1", Vendor: "v-1",
	})
	require.Equal(t, http.StatusCreated, status)

	// GIVEN: an active action references the product
	status, env := e.do(t, http.MethodGet, "/api/products/p-1/can-delete", nil)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, decodeData[CanDeleteDTO](t, env).Allowed)

	// WHEN: deleting it
	status, env = e.do(t, http.MethodDelete, "/api/products/p-1", nil)

	// THEN: the delete is refused
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, ledger.CodeDeleteDenied, env.Code)
	assert.False(t, env.Success)

	// WHEN: the action is voided the delete goes through
	status, _ = e.do(t, http.MethodPost, "/api/incoming/a-1/void", nil)
	require.Equal(t, http.StatusOK, status)
	status, env = e.do(t, http.MethodGet, "/api/products/p-1/can-delete", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decodeData[CanDeleteDTO](t, env).Allowed)
	status, env = e.do(t, http.MethodDelete, "/api/products/p-1", nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.False(t, decodeData[ProductDTO](t, env).Active)

	// AND: restoring the action against the deleted product is rejected
	status, env = e.do(t, http.MethodPost, "/api/incoming/a-1/restore", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, ledger.CodeInactiveReference, env.Code)
}

func TestAPI_ErrorMapping(t *testing.T) {
	e := newTestEnv(t, nil)
	e.seed(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"zero qty", http.MethodPost, "/api/incoming", IncomingRequest{Qty: 0, Product: "p-1", Vendor: "v-1"}, http.StatusBadRequest, ledger.CodeInvalid},
		{"price beyond money precision", http.MethodPost, "/api/incoming", IncomingRequest{Qty: 1, PricePerPcs: decimal.RequireFromString("1.2345678901234567890123456789012345"), Product: "p-1", Vendor: "v-1"}, http.StatusBadRequest, ledger.CodeInvalid},
		{"missing vendor", http.MethodPost, "/api/payments", PaymentRequest{Amount: decimal.NewFromInt(1)}, http.StatusBadRequest, ledger.CodeInvalid},
		{"bad date", http.MethodPost, "/api/payments", PaymentRequest{Amount: decimal.NewFromInt(1), Vendor: "v-1", Date: "14/03/2025"}, http.StatusBadRequest, ledger.CodeInvalid},
		{"unknown product", http.MethodPost, "/api/incoming", IncomingRequest{Qty: 1, Product: "ghost", Vendor: "v-1"}, http.StatusNotFound, ledger.CodeNotFound},
		{"void unknown", http.MethodPost, "/api/incoming/ghost/void", nil, http.StatusNotFound, ledger.CodeNotFound},
		{"body id mismatch", http.MethodPost, "/api/payments/pay-1/void", PaymentDTO{ID: "pay-2"}, http.StatusBadRequest, ledger.CodeInvalid},
		{"bad active filter", http.MethodGet, "/api/incoming?active=maybe", nil, http.StatusBadRequest, ledger.CodeInvalid},
		{"duplicate product", http.MethodPost, "/api/products", CreateProductRequest{ID: "p-1", Name: "Again"}, http.StatusBadRequest, ledger.CodeInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := e.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, status, env.Error)
			assert.Equal(t, tt.wantCode, env.Code)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestAPI_StaleEditIsConflict(t *testing.T) {
	e := newTestEnv(t, nil)
	e.seed(t)
	status, env := e.do(t, http.MethodPost, "/api/incoming", IncomingRequest{
		ID: "a-1", Qty: 10, PricePerPcs: decimal.NewFromInt(5), Product: "p-1", Vendor: "v-1",
	})
	require.Equal(t, http.StatusCreated, status)
	a := decodeData[IncomingDTO](t, env)

	// GIVEN: the caller's copy claims qty 9
	stale := a
	stale.Qty = 9

	// WHEN: editing with the stale copy
	status, env = e.do(t, http.MethodPut, "/api/incoming/a-1", EditIncomingRequest{
		New: IncomingRequest{Qty: 4, PricePerPcs: decimal.NewFromInt(5), Product: "p-1", Vendor: "v-1"},
		Old: &stale,
	})

	// THEN: the edit aborts and nothing changes
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, ledger.CodeTransactionAborted, env.Code)
	stock, _ := e.aggregates(t)
	assert.Equal(t, int64(10), stock)
}

func TestStatusForCode(t *testing.T) {
	tests := map[string]int{
		ledger.CodeUnauthorized:       http.StatusUnauthorized,
		ledger.CodeNotFound:           http.StatusNotFound,
		ledger.CodeInvalid:            http.StatusBadRequest,
		ledger.CodeInactiveReference:  http.StatusConflict,
		ledger.CodeDeleteDenied:       http.StatusConflict,
		ledger.CodeTransactionAborted: http.StatusConflict,
		ledger.CodeCheckFailed:        http.StatusInternalServerError,
		ledger.CodeStoreUnavailable:   http.StatusServiceUnavailable,
		CodeRateLimited:               http.StatusTooManyRequests,
		ledger.CodeInternal:           http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, StatusForCode(code), code)
	}
}

// =============================================================================
// BOUNDARY
// =============================================================================

func TestAPI_Authentication(t *testing.T) {
	e := newTestEnv(t, nil)

	// Missing token reaches the engine, which rejects it.
	status, env := e.doAs(t, "", http.MethodPost, "/api/products", CreateProductRequest{Name: "Widget"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, ledger.CodeUnauthorized, env.Code)

	// Lists are not served anonymously, even from cache.
	status, _ = e.do(t, http.MethodGet, "/api/products", nil)
	require.Equal(t, http.StatusOK, status)
	status, env = e.doAs(t, "", http.MethodGet, "/api/products", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, ledger.CodeUnauthorized, env.Code)

	// A bad token is refused by the middleware.
	status, env = e.doAs(t, "garbage", http.MethodGet, "/api/products", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, ledger.CodeUnauthorized, env.Code)

	// Probes need no token.
	status, env = e.doAs(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)
}

func TestAPI_RateLimit(t *testing.T) {
	// GIVEN: a budget of two requests with a negligible refill
	e := newTestEnv(t, NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 0.001, BurstSize: 2}))

	for i := 0; i < 2; i++ {
		status, _ := e.do(t, http.MethodGet, "/api/products", nil)
		require.Equal(t, http.StatusOK, status)
	}

	// WHEN: a third request arrives
	status, env := e.do(t, http.MethodGet, "/api/products", nil)

	// THEN: it is throttled
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, CodeRateLimited, env.Code)
}

func TestRateLimiter_SweepsIdleCallers(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1, EntryTTL: time.Minute})
	rl.now = func() time.Time { return now }

	rl.limiter("caller:a")
	rl.limiter("caller:b")
	assert.Equal(t, 2, rl.Len())

	now = now.Add(2 * time.Minute)
	rl.limiter("caller:c")
	assert.Equal(t, 1, rl.Len())
}

func TestAPI_WritesInvalidateListCache(t *testing.T) {
	e := newTestEnv(t, nil)
	e.seed(t)

	// GIVEN: a cached product list
	stock, _ := e.aggregates(t)
	assert.Equal(t, int64(0), stock)
	assert.Positive(t, e.cache.Len())

	// WHEN: an incoming action is recorded
	status, _ := e.do(t, http.MethodPost, "/api/incoming", IncomingRequest{
		Qty: 3, PricePerPcs: decimal.NewFromInt(1), Product: "p-1", Vendor: "v-1",
	})
	require.Equal(t, http.StatusCreated, status)

	// THEN: the cache was dropped and the list shows the new stock
	assert.Equal(t, 0, e.cache.Len())
	stock, _ = e.aggregates(t)
	assert.Equal(t, int64(3), stock)
}

func TestAPI_FailedWriteKeepsCache(t *testing.T) {
	e := newTestEnv(t, nil)
	e.seed(t)
	e.aggregates(t)
	before := e.cache.Len()

	status, _ := e.do(t, http.MethodDelete, "/api/vendors/ghost", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, before, e.cache.Len())
}

// stallingStore holds the next product list it reads until release is
// closed, so a write can commit while the read is in flight.
type stallingStore struct {
	*store.Memory
	armed   atomic.Bool
	loaded  chan struct{}
	release chan struct{}
}

func (s *stallingStore) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	items, err := s.Memory.ListProducts(ctx)
	if s.armed.CompareAndSwap(true, false) {
		close(s.loaded)
		<-s.release
	}
	return items, err
}

func TestAPI_ListLoadedBeforeWriteIsNotCached(t *testing.T) {
	st := &stallingStore{Memory: store.NewMemory(), loaded: make(chan struct{}), release: make(chan struct{})}
	e := newTestEnvOn(t, st, nil)
	e.seed(t)

	// GIVEN: a product list read that has loaded stock 0 and is still in flight
	st.armed.Store(true)
	done := make(chan int64)
	go func() {
		status, env := e.do(t, http.MethodGet, "/api/products", nil)
		assert.Equal(t, http.StatusOK, status)
		products := decodeData[[]ProductDTO](t, env)
		done <- products[0].Stock
	}()
	<-st.loaded

	// WHEN: a write commits and invalidates before the read finishes
	status, _ := e.do(t, http.MethodPost, "/api/incoming", IncomingRequest{
		Qty: 3, PricePerPcs: decimal.NewFromInt(1), Product: "p-1", Vendor: "v-1",
	})
	require.Equal(t, http.StatusCreated, status)
	close(st.release)
	assert.Equal(t, int64(0), <-done)

	// THEN: the late result was not cached and the next read sees the write
	stock, balance := e.aggregates(t)
	assert.Equal(t, int64(3), stock)
	assert.True(t, balance.Equal(decimal.NewFromInt(3)))
}
