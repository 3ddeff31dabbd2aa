/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario correctly sets up the expected state:
	- Products and vendors are created
	- Aggregates match the operations the scenario ran
	- The ledger audits clean afterwards

These tests ensure scenarios work correctly and can be used as integration tests.
*/
package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/auth"
	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/store"
)

func scenarioCtx() context.Context {
	return ledger.WithCaller(context.Background(), ledger.Caller{ID: "demo"})
}

func byProductName(t *testing.T, res *scenarioResult, name string) ledger.Product {
	t.Helper()
	for _, p := range res.products {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("product %q not in scenario result", name)
	return ledger.Product{}
}

func byVendorName(t *testing.T, res *scenarioResult, name string) ledger.Vendor {
	t.Helper()
	for _, v := range res.vendors {
		if v.Name == name {
			return v
		}
	}
	t.Fatalf("vendor %q not in scenario result", name)
	return ledger.Vendor{}
}

func assertAuditClean(t *testing.T, e *ledger.Engine) {
	t.Helper()
	d, err := e.Audit(scenarioCtx())
	require.NoError(t, err)
	assert.Empty(t, d)
}

func TestScenario_IncomingLifecycle(t *testing.T) {
	// GIVEN: an empty ledger
	// WHEN: loading the scenario
	// THEN: stock 4 and balance 20 after the edit
	e := ledger.NewEngine(store.NewMemory())

	res, err := loadIncomingLifecycleScenario(scenarioCtx(), e)
	require.NoError(t, err)

	assert.Equal(t, int64(4), byProductName(t, res, "Widget").Stock)
	assert.True(t, byVendorName(t, res, "Acme Supplies").Balance.Equal(decimal.NewFromInt(20)))
	assertAuditClean(t, e)
}

func TestScenario_VendorPayments(t *testing.T) {
	e := ledger.NewEngine(store.NewMemory())

	res, err := loadVendorPaymentsScenario(scenarioCtx(), e)
	require.NoError(t, err)

	assert.Equal(t, int64(10), byProductName(t, res, "Bolt M8").Stock)
	assert.True(t, byVendorName(t, res, "Northwind").Balance.Equal(decimal.NewFromInt(20)))
	assertAuditClean(t, e)
}

func TestScenario_GuardedDelete(t *testing.T) {
	e := ledger.NewEngine(store.NewMemory())
	ctx := scenarioCtx()

	res, err := loadGuardedDeleteScenario(ctx, e)
	require.NoError(t, err)

	kept := byProductName(t, res, "Hinge")
	retired := byProductName(t, res, "Legacy Hinge")
	assert.True(t, kept.Active)
	assert.False(t, retired.Active)
	assert.Equal(t, int64(3), kept.Stock)
	assert.Equal(t, int64(0), retired.Stock)

	ok, err := e.CanDeleteProduct(ctx, kept.ID)
	require.NoError(t, err)
	assert.False(t, ok, "live delivery keeps Hinge")
	assertAuditClean(t, e)
}

func TestScenario_MultiVendor(t *testing.T) {
	e := ledger.NewEngine(store.NewMemory())

	res, err := loadMultiVendorScenario(scenarioCtx(), e)
	require.NoError(t, err)

	// 5 x 2 stays with Initech, 8 x 3 moved to Umbrella
	assert.Equal(t, int64(13), byProductName(t, res, "Cable 2m").Stock)
	assert.True(t, byVendorName(t, res, "Initech").Balance.Equal(decimal.NewFromInt(10)))
	assert.True(t, byVendorName(t, res, "Umbrella").Balance.Equal(decimal.NewFromInt(24)))
	assertAuditClean(t, e)
}

func TestScenario_LoadTwiceIsIndependent(t *testing.T) {
	e := ledger.NewEngine(store.NewMemory())
	ctx := scenarioCtx()

	first, err := loadIncomingLifecycleScenario(ctx, e)
	require.NoError(t, err)
	second, err := loadIncomingLifecycleScenario(ctx, e)
	require.NoError(t, err)

	assert.NotEqual(t, first.products[0].ID, second.products[0].ID)
	products, err := e.ListProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, products, 2)
}

func TestScenarioRoutes(t *testing.T) {
	mgr := auth.NewManager(testSecret, nil)
	token, err := mgr.Issue(ledger.Caller{ID: "u-1", Email: "owner@example.com"}, time.Hour)
	require.NoError(t, err)

	newEnv := func(enabled bool) *testEnv {
		h := NewHandler(ledger.NewEngine(store.NewMemory()))
		srv := httptest.NewServer(NewRouter(h, RouterOptions{Authenticate: mgr.Middleware, Scenarios: enabled}))
		t.Cleanup(srv.Close)
		return &testEnv{srv: srv, token: token}
	}

	t.Run("disabled by default", func(t *testing.T) {
		env := newEnv(false)
		req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/scenarios", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("list, load, current", func(t *testing.T) {
		env := newEnv(true)

		status, body := env.do(t, http.MethodGet, "/api/scenarios", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Len(t, decodeData[[]ScenarioDTO](t, body), len(scenarios))

		status, body = env.do(t, http.MethodGet, "/api/scenarios/current", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Empty(t, body.Data)

		status, body = env.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "vendor-payments"})
		require.Equal(t, http.StatusCreated, status, body.Error)
		result := decodeData[ScenarioResultDTO](t, body)
		require.Len(t, result.Vendors, 1)
		assert.True(t, result.Vendors[0].Balance.Equal(decimal.NewFromInt(20)))

		status, body = env.do(t, http.MethodGet, "/api/scenarios/current", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "vendor-payments", decodeData[ScenarioDTO](t, body).ID)
	})

	t.Run("unknown scenario", func(t *testing.T) {
		env := newEnv(true)
		status, body := env.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, ledger.CodeInvalid, body.Code)
	})
}
