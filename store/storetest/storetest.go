// Package storetest is a conformance suite every ledger.TxStore must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) ledger.TxStore

var day = time.Date(2025, time.June, 2, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertFind", func(t *testing.T) { testInsertFind(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("DuplicateID", func(t *testing.T) { testDuplicate(t, newStore(t)) })
	t.Run("Increments", func(t *testing.T) { testIncrements(t, newStore(t)) })
	t.Run("SetActiveReturnsPreImage", func(t *testing.T) { testSetActive(t, newStore(t)) })
	t.Run("ReplaceIncoming", func(t *testing.T) { testReplace(t, newStore(t)) })
	t.Run("ListFilters", func(t *testing.T) { testLists(t, newStore(t)) })
	t.Run("WithTxRollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("WithTxPanicRollback", func(t *testing.T) { testPanicRollback(t, newStore(t)) })
	t.Run("EngineScenario", func(t *testing.T) { testEngineScenario(t, newStore(t)) })
}

func seed(t *testing.T, s ledger.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.InsertProduct(ctx, ledger.Product{ID: "p-1", Name: "Widget", Active: true}))
	require.NoError(t, s.InsertVendor(ctx, ledger.Vendor{ID: "v-1", Name: "Acme", Active: true, Balance: decimal.Zero}))
}

func action(id ledger.ActionID, qty int64, price string, active bool) ledger.IncomingAction {
	return ledger.IncomingAction{
		ID: id, Qty: qty, PricePerPcs: dec(price), Date: day, Notes: "n",
		Product: "p-1", Vendor: "v-1", Active: active, ProductName: "Widget", VendorName: "Acme",
	}.WithDerived()
}

func testInsertFind(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	seed(t, s)

	a := action("a-1", 3, "1.25", true)
	require.NoError(t, s.InsertIncoming(ctx, a))
	got, err := s.FindIncoming(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, a.Qty, got.Qty)
	assert.True(t, got.PricePerPcs.Equal(dec("1.25")))
	assert.True(t, got.PriceTotal.Equal(dec("3.75")))
	assert.Equal(t, day, got.Date)
	assert.Equal(t, "Widget", got.ProductName)
	assert.True(t, got.Active)

	p := ledger.Payment{ID: "pay-1", Amount: dec("0.10"), Date: day, Vendor: "v-1", Active: true, VendorName: "Acme"}
	require.NoError(t, s.InsertPayment(ctx, p))
	gotP, err := s.FindPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.True(t, gotP.Amount.Equal(dec("0.1")))
	assert.Equal(t, ledger.VendorID("v-1"), gotP.Vendor)
}

func testNotFound(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	_, err := s.FindProduct(ctx, "ghost")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = s.FindVendor(ctx, "ghost")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = s.FindIncoming(ctx, "ghost")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = s.FindPayment(ctx, "ghost")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = s.IncrementStock(ctx, "ghost", 1)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = s.IncrementBalance(ctx, "ghost", dec("1"))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = s.SetIncomingActive(ctx, "ghost", false)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testDuplicate(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	seed(t, s)
	err := s.InsertProduct(ctx, ledger.Product{ID: "p-1", Name: "Again", Active: true})
	assert.ErrorIs(t, err, ledger.ErrDuplicateID)
}

func testIncrements(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	seed(t, s)

	p, err := s.IncrementStock(ctx, "p-1", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.Stock)
	p, err = s.IncrementStock(ctx, "p-1", -10)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), p.Stock)

	v, err := s.IncrementBalance(ctx, "v-1", dec("0.1"))
	require.NoError(t, err)
	v, err = s.IncrementBalance(ctx, "v-1", dec("0.2"))
	require.NoError(t, err)
	assert.True(t, v.Balance.Equal(dec("0.3")), "got %s", v.Balance)
}

func testSetActive(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	seed(t, s)
	require.NoError(t, s.InsertIncoming(ctx, action("a-1", 1, "1", true)))

	prev, err := s.SetIncomingActive(ctx, "a-1", false)
	require.NoError(t, err)
	assert.True(t, prev.Active)
	now, err := s.FindIncoming(ctx, "a-1")
	require.NoError(t, err)
	assert.False(t, now.Active)

	prevP, err := s.SetProductActive(ctx, "p-1", false)
	require.NoError(t, err)
	assert.True(t, prevP.Active)
	prevV, err := s.SetVendorActive(ctx, "v-1", false)
	require.NoError(t, err)
	assert.True(t, prevV.Active)
}

func testReplace(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	seed(t, s)
	require.NoError(t, s.InsertIncoming(ctx, action("a-1", 10, "5", true)))

	next := action("a-1", 4, "5", true)
	next.Notes = "edited"
	prev, err := s.ReplaceIncoming(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, int64(10), prev.Qty)

	got, err := s.FindIncoming(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Qty)
	assert.Equal(t, "edited", got.Notes)
	assert.True(t, got.PriceTotal.Equal(dec("20")))
}

func testLists(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	seed(t, s)
	require.NoError(t, s.InsertVendor(ctx, ledger.Vendor{ID: "v-2", Name: "Globex", Active: true, Balance: decimal.Zero}))
	require.NoError(t, s.InsertIncoming(ctx, action("a-1", 1, "1", true)))
	require.NoError(t, s.InsertIncoming(ctx, action("a-2", 2, "1", false)))
	other := action("a-3", 3, "1", true)
	other.Vendor = "v-2"
	require.NoError(t, s.InsertIncoming(ctx, other))

	all, err := s.ListIncoming(ctx, ledger.IncomingFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []ledger.ActionID{"a-1", "a-2", "a-3"}, []ledger.ActionID{all[0].ID, all[1].ID, all[2].ID})

	v1 := ledger.VendorID("v-1")
	active, err := s.ListIncoming(ctx, ledger.IncomingFilter{Vendor: &v1, Active: ledger.Active(true)})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ledger.ActionID("a-1"), active[0].ID)

	p1 := ledger.ProductID("p-1")
	limited, err := s.ListIncoming(ctx, ledger.IncomingFilter{Product: &p1, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	pays, err := s.ListPayments(ctx, ledger.PaymentFilter{Vendor: &v1})
	require.NoError(t, err)
	assert.Empty(t, pays)

	vendors, err := s.ListVendors(ctx)
	require.NoError(t, err)
	assert.Len(t, vendors, 2)
}

func testRollback(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	seed(t, s)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		if _, err := tx.IncrementStock(ctx, "p-1", 5); err != nil {
			return err
		}
		if err := tx.InsertIncoming(ctx, action("a-1", 5, "1", true)); err != nil {
			return err
		}
		// Writes are visible inside the unit.
		p, err := tx.FindProduct(ctx, "p-1")
		if err != nil {
			return err
		}
		if p.Stock != 5 {
			return errors.New("write not visible inside unit")
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := s.FindProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Stock)
	_, err = s.FindIncoming(ctx, "a-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// A unit that panics leaves no partial writes and the store stays usable.
func testPanicRollback(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	seed(t, s)

	assert.PanicsWithValue(t, "boom", func() {
		_ = s.WithTx(ctx, func(tx ledger.Store) error {
			if _, err := tx.IncrementStock(ctx, "p-1", 5); err != nil {
				return err
			}
			panic("boom")
		})
	})

	p, err := s.FindProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Stock)

	require.NoError(t, s.WithTx(ctx, func(tx ledger.Store) error {
		_, err := tx.IncrementStock(ctx, "p-1", 1)
		return err
	}))
	p, err = s.FindProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Stock)
}

func testEngineScenario(t *testing.T, s ledger.TxStore) {
	ctx := ledger.WithCaller(context.Background(), ledger.Caller{Email: "owner@example.com"})
	e := ledger.NewEngine(s)

	_, err := e.AddProduct(ctx, ledger.Product{ID: "p-1", Name: "Widget"})
	require.NoError(t, err)
	_, err = e.AddVendor(ctx, ledger.Vendor{ID: "v-1", Name: "Acme"})
	require.NoError(t, err)

	a, err := e.RecordIncoming(ctx, ledger.IncomingAction{ID: "a-1", Qty: 10, PricePerPcs: dec("5"), Date: day, Product: "p-1", Vendor: "v-1"})
	require.NoError(t, err)
	a, err = e.VoidIncoming(ctx, a)
	require.NoError(t, err)
	a, err = e.RestoreIncoming(ctx, a)
	require.NoError(t, err)
	next := a
	next.Qty = 4
	_, err = e.EditIncoming(ctx, next, a)
	require.NoError(t, err)

	pay, err := e.RecordPayment(ctx, ledger.Payment{ID: "pay-1", Amount: dec("30"), Date: day, Vendor: "v-1"})
	require.NoError(t, err)
	pay, err = e.VoidPayment(ctx, pay)
	require.NoError(t, err)
	_, err = e.RestorePayment(ctx, pay)
	require.NoError(t, err)

	p, err := s.FindProduct(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.Stock)
	v, err := s.FindVendor(context.Background(), "v-1")
	require.NoError(t, err)
	assert.True(t, v.Balance.Equal(dec("-10")), "got %s", v.Balance)

	_, err = e.DeleteVendor(ctx, "v-1")
	assert.ErrorIs(t, err, ledger.ErrDeleteDenied)

	d, err := e.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, d)
}
