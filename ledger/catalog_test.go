package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/store"
)

// =============================================================================
// DELETION GUARD
// =============================================================================

func TestCanDeleteProduct_IffNoActiveIncoming(t *testing.T) {
	// GIVEN: A product with one action
	// WHEN: The action is active, then voided
	// THEN: Guard refuses while active, allows once voided

	ctx := callerCtx()
	e, _ := newTestEngine(t)
	seedCatalog(t, e)

	ok, err := e.CanDeleteProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.True(t, ok)

	a, err := e.RecordIncoming(ctx, incoming("a-1", 1, "1"))
	require.NoError(t, err)
	ok, err = e.CanDeleteProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.VoidIncoming(ctx, a)
	require.NoError(t, err)
	ok, err = e.CanDeleteProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCanDeleteVendor_ConsidersPayments(t *testing.T) {
	ctx := callerCtx()
	e, _ := newTestEngine(t)
	seedCatalog(t, e)

	p, err := e.RecordPayment(ctx, payment("pay-1", "5"))
	require.NoError(t, err)
	ok, err := e.CanDeleteVendor(ctx, "v-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.VoidPayment(ctx, p)
	require.NoError(t, err)
	ok, err = e.CanDeleteVendor(ctx, "v-1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = e.RecordIncoming(ctx, incoming("a-1", 1, "1"))
	require.NoError(t, err)
	ok, err = e.CanDeleteVendor(ctx, "v-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanDelete_UnknownIDIsAllowed(t *testing.T) {
	e, _ := newTestEngine(t)
	ok, err := e.CanDeleteProduct(callerCtx(), "ghost")
	require.NoError(t, err)
	assert.True(t, ok)
}

// failingLists makes every List call fail.
type failingLists struct {
	*store.Memory
}

var errListDown = errors.New("connection refused")

func (f failingLists) ListIncoming(context.Context, ledger.IncomingFilter) ([]ledger.IncomingAction, error) {
	return nil, errListDown
}

func TestCanDelete_QueryFailureIsCheckFailed(t *testing.T) {
	// GIVEN: A store whose queries fail
	// WHEN: Running the guard
	// THEN: ErrCheckFailed, distinct from a "not allowed" answer

	e := ledger.NewEngine(failingLists{Memory: store.NewMemory()})

	ok, err := e.CanDeleteProduct(callerCtx(), "p-1")
	require.ErrorIs(t, err, ledger.ErrCheckFailed)
	assert.ErrorIs(t, err, errListDown)
	assert.False(t, ok)
	assert.Equal(t, ledger.CodeCheckFailed, ledger.ErrorCode(err))
}

// =============================================================================
// CATALOG LIFECYCLE
// =============================================================================

func TestDeleteProduct_GuardedInsideUnit(t *testing.T) {
	ctx := callerCtx()
	e, mem := newTestEngine(t)
	seedCatalog(t, e)
	_, err := e.RecordIncoming(ctx, incoming("a-1", 1, "1"))
	require.NoError(t, err)

	_, err = e.DeleteProduct(ctx, "p-1")
	require.ErrorIs(t, err, ledger.ErrDeleteDenied)
	assert.True(t, ledger.IsDeleteDenied(err))

	p, err := mem.FindProduct(context.Background(), "p-1")
	require.NoError(t, err)
	assert.True(t, p.Active)

	_, err = e.DeleteVendor(ctx, "v-1")
	require.ErrorIs(t, err, ledger.ErrDeleteDenied)
}

func TestDeleteRestore_Product(t *testing.T) {
	ctx := callerCtx()
	e, mem := newTestEngine(t)
	seedCatalog(t, e)

	got, err := e.DeleteProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.False(t, got.Active)

	_, err = e.RecordIncoming(ctx, incoming("a-1", 1, "1"))
	require.ErrorIs(t, err, ledger.ErrInactiveReference)

	got, err = e.RestoreProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.True(t, got.Active)

	_, err = e.RecordIncoming(ctx, incoming("a-1", 1, "1"))
	require.NoError(t, err)
	requireStock(t, mem, "p-1", 1)
}

func TestDeleteRestore_Vendor(t *testing.T) {
	ctx := callerCtx()
	e, _ := newTestEngine(t)
	seedCatalog(t, e)

	got, err := e.DeleteVendor(ctx, "v-1")
	require.NoError(t, err)
	assert.False(t, got.Active)

	got, err = e.RestoreVendor(ctx, "v-1")
	require.NoError(t, err)
	assert.True(t, got.Active)

	_, err = e.RestoreVendor(ctx, "ghost")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestAddProduct_RequiresName(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.AddProduct(callerCtx(), ledger.Product{Name: "   "})
	require.ErrorIs(t, err, ledger.ErrInvalidRecord)
}

func TestAddVendor_IgnoresCallerBalance(t *testing.T) {
	e, mem := newTestEngine(t)
	v, err := e.AddVendor(callerCtx(), ledger.Vendor{ID: "v-9", Name: "Initech", Balance: dec("100")})
	require.NoError(t, err)
	assert.True(t, v.Balance.IsZero())
	requireBalance(t, mem, "v-9", "0")
}

func TestListIncoming_Filters(t *testing.T) {
	ctx := callerCtx()
	e, _ := newTestEngine(t)
	seedCatalog(t, e)
	a1, err := e.RecordIncoming(ctx, incoming("a-1", 1, "1"))
	require.NoError(t, err)
	_, err = e.RecordIncoming(ctx, incoming("a-2", 2, "1"))
	require.NoError(t, err)
	_, err = e.VoidIncoming(ctx, a1)
	require.NoError(t, err)

	all, err := e.ListIncoming(ctx, ledger.IncomingFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ledger.ActionID("a-1"), all[0].ID)

	active, err := e.ListIncoming(ctx, ledger.IncomingFilter{Active: ledger.Active(true)})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ledger.ActionID("a-2"), active[0].ID)

	limited, err := e.ListIncoming(ctx, ledger.IncomingFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
