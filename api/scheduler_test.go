package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/auth"
	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/store"
)

func TestAuditScheduler_ReportsDrift(t *testing.T) {
	// GIVEN: a consistent ledger
	mem := store.NewMemory()
	e := ledger.NewEngine(mem)
	ctx := scenarioCtx()
	_, err := loadIncomingLifecycleScenario(ctx, e)
	require.NoError(t, err)

	as := NewAuditScheduler(e, zerolog.Nop())
	_, ok := as.LastRun()
	assert.False(t, ok)

	// WHEN / THEN: a clean run
	run := as.RunOnce(context.Background())
	assert.Empty(t, run.Error)
	assert.Empty(t, run.Discrepancies)

	// WHEN: a stock value is changed behind the engine's back
	products, err := e.ListProducts(ctx)
	require.NoError(t, err)
	_, err = mem.IncrementStock(context.Background(), products[0].ID, 1)
	require.NoError(t, err)

	// THEN: the next run reports exactly that product
	run = as.RunOnce(context.Background())
	require.Len(t, run.Discrepancies, 1)
	assert.Equal(t, string(products[0].ID), run.Discrepancies[0].ID)
	last, ok := as.LastRun()
	require.True(t, ok)
	assert.Equal(t, run.Discrepancies, last.Discrepancies)
}

func TestAuditScheduler_StartStop(t *testing.T) {
	e := ledger.NewEngine(store.NewMemory())
	as := NewAuditScheduler(e, zerolog.Nop())
	as.CheckInterval = 10 * time.Millisecond

	as.Start()
	as.Start() // second start is ignored
	assert.Eventually(t, func() bool {
		_, ok := as.LastRun()
		return ok
	}, time.Second, 5*time.Millisecond)
	as.Stop()
	as.Stop()
}

func TestAuditScheduler_DisabledNeverRuns(t *testing.T) {
	as := NewAuditScheduler(ledger.NewEngine(store.NewMemory()), zerolog.Nop())
	as.Enabled = false

	as.Start()
	as.Stop()
	_, ok := as.LastRun()
	assert.False(t, ok)
}

func TestLastAuditRoute(t *testing.T) {
	mgr := auth.NewManager(testSecret, nil)
	token, err := mgr.Issue(ledger.Caller{ID: "u-1", Email: "owner@example.com"}, time.Hour)
	require.NoError(t, err)

	e := ledger.NewEngine(store.NewMemory())
	as := NewAuditScheduler(e, zerolog.Nop())
	srv := httptest.NewServer(NewRouter(NewHandler(e), RouterOptions{Authenticate: mgr.Middleware, Auditor: as}))
	t.Cleanup(srv.Close)
	env := &testEnv{srv: srv, token: token}

	// Before the first run there is nothing to report.
	status, body := env.do(t, http.MethodGet, "/api/audit/last", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body.Data)

	_, err = e.AddVendor(scenarioCtx(), ledger.Vendor{ID: "v-1", Name: "Acme"})
	require.NoError(t, err)
	as.RunOnce(context.Background())

	status, body = env.do(t, http.MethodGet, "/api/audit/last", nil)
	require.Equal(t, http.StatusOK, status)
	run := decodeData[AuditRun](t, body)
	assert.Empty(t, run.Discrepancies)
	assert.False(t, run.StartedAt.IsZero())

	status, body = env.doAs(t, "", http.MethodGet, "/api/audit/last", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, ledger.CodeUnauthorized, body.Code)
}
