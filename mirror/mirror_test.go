package mirror

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/store"
)

func callerCtx() context.Context {
	return ledger.WithCaller(context.Background(), ledger.Caller{ID: "u-1", Email: "owner@example.com"})
}

// seededEngine returns an engine with products p-1, p-2 and vendors v-1, v-2.
func seededEngine(t *testing.T) *ledger.Engine {
	t.Helper()
	ctx := callerCtx()
	e := ledger.NewEngine(store.NewMemory())
	for _, id := range []ledger.ProductID{"p-1", "p-2"} {
		_, err := e.AddProduct(ctx, ledger.Product{ID: id, Name: "Product " + string(id)})
		require.NoError(t, err)
	}
	for _, id := range []ledger.VendorID{"v-1", "v-2"} {
		_, err := e.AddVendor(ctx, ledger.Vendor{ID: id, Name: "Vendor " + string(id)})
		require.NoError(t, err)
	}
	return e
}

func loadSync(t *testing.T, e *ledger.Engine) *Sync {
	t.Helper()
	snap, err := Load(callerCtx(), e)
	require.NoError(t, err)
	return NewSync(New(snap), e)
}

// assertConverged checks that the mirror's aggregates equal the engine's.
func assertConverged(t *testing.T, e *ledger.Engine, m *Mirror) {
	t.Helper()
	ctx := callerCtx()
	products, err := e.ListProducts(ctx)
	require.NoError(t, err)
	for _, p := range products {
		local, ok := m.Product(p.ID)
		require.True(t, ok, "product %s missing locally", p.ID)
		assert.Equal(t, p.Stock, local.Stock, "stock of %s", p.ID)
	}
	vendors, err := e.ListVendors(ctx)
	require.NoError(t, err)
	for _, v := range vendors {
		assert.True(t, v.Balance.Equal(m.Balance(v.ID)), "balance of %s: server %s, local %s", v.ID, v.Balance, m.Balance(v.ID))
	}
}

func TestSync_IncomingScenario(t *testing.T) {
	e := seededEngine(t)
	s := loadSync(t, e)
	m := s.Mirror()
	ctx := callerCtx()

	// WHEN: record 10 x 5
	a, err := s.RecordIncoming(ctx, ledger.IncomingAction{ID: "a-1", Qty: 10, PricePerPcs: decimal.NewFromInt(5), Product: "p-1", Vendor: "v-1"})
	require.NoError(t, err)
	p, _ := m.Product("p-1")
	assert.Equal(t, int64(10), p.Stock)
	assert.True(t, m.Balance("v-1").Equal(decimal.NewFromInt(50)))
	assertConverged(t, e, m)

	// WHEN: void, then restore
	_, err = s.VoidIncoming(ctx, a.ID)
	require.NoError(t, err)
	p, _ = m.Product("p-1")
	assert.Equal(t, int64(0), p.Stock)
	assert.True(t, m.Balance("v-1").IsZero())
	assertConverged(t, e, m)

	_, err = s.RestoreIncoming(ctx, a.ID)
	require.NoError(t, err)
	assertConverged(t, e, m)

	// WHEN: edit to qty 4
	edited, _ := m.Incoming(a.ID)
	edited.Qty = 4
	got, err := s.EditIncoming(ctx, edited)
	require.NoError(t, err)

	// THEN: 4 / 20 on both sides, nothing pending, the local doc is the server's copy
	p, _ = m.Product("p-1")
	assert.Equal(t, int64(4), p.Stock)
	assert.True(t, m.Balance("v-1").Equal(decimal.NewFromInt(20)))
	assertConverged(t, e, m)
	assert.Zero(t, m.PendingCount())
	local, _ := m.Incoming(a.ID)
	assert.Equal(t, got, local)
	assert.Equal(t, "Product p-1", local.ProductName)
}

func TestSync_PaymentScenario(t *testing.T) {
	e := seededEngine(t)
	s := loadSync(t, e)
	m := s.Mirror()
	ctx := callerCtx()

	// GIVEN: balance 50
	_, err := s.RecordIncoming(ctx, ledger.IncomingAction{Qty: 10, PricePerPcs: decimal.NewFromInt(5), Product: "p-1", Vendor: "v-1"})
	require.NoError(t, err)

	// WHEN: pay 30, void, restore
	pay, err := s.RecordPayment(ctx, ledger.Payment{Amount: decimal.NewFromInt(30), Vendor: "v-1"})
	require.NoError(t, err)
	assert.True(t, m.Balance("v-1").Equal(decimal.NewFromInt(20)))

	_, err = s.VoidPayment(ctx, pay.ID)
	require.NoError(t, err)
	assert.True(t, m.Balance("v-1").Equal(decimal.NewFromInt(50)))

	_, err = s.RestorePayment(ctx, pay.ID)
	require.NoError(t, err)

	// THEN
	assert.True(t, m.Balance("v-1").Equal(decimal.NewFromInt(20)))
	assertConverged(t, e, m)
}

func TestMirror_RollbackUndoesRecord(t *testing.T) {
	m := New(Snapshot{
		Products: []ledger.Product{{ID: "p-1", Name: "Widget", Active: true}},
		Vendors:  []ledger.Vendor{{ID: "v-1", Name: "Acme", Active: true}},
	})

	tok, a, err := m.RecordIncoming(ledger.IncomingAction{Qty: 3, PricePerPcs: decimal.NewFromInt(2), Product: "p-1", Vendor: "v-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.True(t, a.PriceTotal.Equal(decimal.NewFromInt(6)))
	p, _ := m.Product("p-1")
	assert.Equal(t, int64(3), p.Stock)

	m.Rollback(tok)

	p, _ = m.Product("p-1")
	assert.Equal(t, int64(0), p.Stock)
	assert.True(t, m.Balance("v-1").IsZero())
	_, ok := m.Incoming(a.ID)
	assert.False(t, ok)
	assert.Empty(t, m.Snapshot().Incoming)
	assert.Zero(t, m.PendingCount())

	// Settling twice is harmless.
	m.Rollback(tok)
	m.Confirm(tok)
}

func TestMirror_RollbackRestoresPreviousDocument(t *testing.T) {
	original := ledger.IncomingAction{ID: "a-1", Qty: 10, PricePerPcs: decimal.NewFromInt(5), Product: "p-1", Vendor: "v-1", Active: true}.WithDerived()
	m := New(Snapshot{
		Products: []ledger.Product{{ID: "p-1", Active: true, Stock: 10}, {ID: "p-2", Active: true}},
		Vendors:  []ledger.Vendor{{ID: "v-1", Active: true, Balance: decimal.NewFromInt(50)}},
		Incoming: []ledger.IncomingAction{original},
	})

	// WHEN: the action moves to p-2 and the change is rolled back
	moved := original
	moved.Product = "p-2"
	tok, _, old, err := m.EditIncoming(moved)
	require.NoError(t, err)
	assert.Equal(t, original, old)
	p2, _ := m.Product("p-2")
	assert.Equal(t, int64(10), p2.Stock)

	m.Rollback(tok)

	// THEN
	p1, _ := m.Product("p-1")
	p2, _ = m.Product("p-2")
	assert.Equal(t, int64(10), p1.Stock)
	assert.Equal(t, int64(0), p2.Stock)
	got, _ := m.Incoming("a-1")
	assert.Equal(t, original, got)
}

func TestMirror_VoidTwiceIsNoOp(t *testing.T) {
	a := ledger.IncomingAction{ID: "a-1", Qty: 2, PricePerPcs: decimal.NewFromInt(1), Product: "p-1", Vendor: "v-1"}.WithDerived()
	m := New(Snapshot{
		Products: []ledger.Product{{ID: "p-1", Active: true}},
		Vendors:  []ledger.Vendor{{ID: "v-1", Active: true}},
		Incoming: []ledger.IncomingAction{a},
	})

	tok, _, err := m.VoidIncoming("a-1")
	require.NoError(t, err)
	m.Confirm(tok)

	p, _ := m.Product("p-1")
	assert.Equal(t, int64(0), p.Stock)
}

func TestMirror_SnapshotOrder(t *testing.T) {
	m := New(Snapshot{
		Products: []ledger.Product{{ID: "p-2", Active: true}, {ID: "p-1", Active: true}},
		Vendors:  []ledger.Vendor{{ID: "v-2", Active: true}, {ID: "v-1", Active: true}},
	})
	for _, id := range []ledger.ActionID{"a-9", "a-1", "a-5"} {
		_, _, err := m.RecordIncoming(ledger.IncomingAction{ID: id, Qty: 1, PricePerPcs: decimal.NewFromInt(1), Product: "p-2", Vendor: "v-2"})
		require.NoError(t, err)
	}
	for _, id := range []ledger.PaymentID{"pay-3", "pay-1"} {
		_, _, err := m.RecordPayment(ledger.Payment{ID: id, Amount: decimal.NewFromInt(1), Vendor: "v-1"})
		require.NoError(t, err)
	}

	snap := m.Snapshot()
	assert.Equal(t, []ledger.ProductID{"p-1", "p-2"}, []ledger.ProductID{snap.Products[0].ID, snap.Products[1].ID})
	assert.Equal(t, []ledger.VendorID{"v-1", "v-2"}, []ledger.VendorID{snap.Vendors[0].ID, snap.Vendors[1].ID})
	require.Len(t, snap.Incoming, 3)
	assert.Equal(t, []ledger.ActionID{"a-9", "a-1", "a-5"}, []ledger.ActionID{snap.Incoming[0].ID, snap.Incoming[1].ID, snap.Incoming[2].ID})
	require.Len(t, snap.Payments, 2)
	assert.Equal(t, ledger.PaymentID("pay-3"), snap.Payments[0].ID)
}

func TestMirror_LocalPreconditions(t *testing.T) {
	m := New(Snapshot{
		Products: []ledger.Product{{ID: "p-1", Active: true}, {ID: "p-off"}},
		Vendors:  []ledger.Vendor{{ID: "v-1", Active: true}, {ID: "v-off"}},
		Payments: []ledger.Payment{{ID: "pay-1", Amount: decimal.NewFromInt(1), Vendor: "v-off"}},
	})

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"unknown product", func() error {
			_, _, err := m.RecordIncoming(ledger.IncomingAction{Qty: 1, Product: "ghost", Vendor: "v-1"})
			return err
		}, ledger.ErrNotFound},
		{"inactive product", func() error {
			_, _, err := m.RecordIncoming(ledger.IncomingAction{Qty: 1, Product: "p-off", Vendor: "v-1"})
			return err
		}, ledger.ErrInactiveReference},
		{"zero qty", func() error {
			_, _, err := m.RecordIncoming(ledger.IncomingAction{Qty: 0, Product: "p-1", Vendor: "v-1"})
			return err
		}, ledger.ErrInvalidRecord},
		{"price beyond money precision", func() error {
			_, _, err := m.RecordIncoming(ledger.IncomingAction{Qty: 1, PricePerPcs: decimal.RequireFromString("1.2345678901234567890123456789012345"), Product: "p-1", Vendor: "v-1"})
			return err
		}, ledger.ErrInvalidRecord},
		{"negative payment", func() error {
			_, _, err := m.RecordPayment(ledger.Payment{Amount: decimal.NewFromInt(-1), Vendor: "v-1"})
			return err
		}, ledger.ErrInvalidRecord},
		{"duplicate payment", func() error {
			_, _, err := m.RecordPayment(ledger.Payment{ID: "pay-1", Amount: decimal.NewFromInt(1), Vendor: "v-1"})
			return err
		}, ledger.ErrDuplicateID},
		{"restore onto inactive vendor", func() error {
			_, _, err := m.RestorePayment("pay-1")
			return err
		}, ledger.ErrInactiveReference},
		{"edit unknown action", func() error {
			_, _, _, err := m.EditIncoming(ledger.IncomingAction{ID: "ghost", Qty: 1})
			return err
		}, ledger.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), tt.want)
		})
	}
	assert.Zero(t, m.PendingCount())
}

// failingRemote rejects every operation the way a conflicting transaction would.
type failingRemote struct{ err error }

func (f failingRemote) RecordIncoming(context.Context, ledger.IncomingAction) (ledger.IncomingAction, error) {
	return ledger.IncomingAction{}, f.err
}
func (f failingRemote) EditIncoming(context.Context, ledger.IncomingAction, ledger.IncomingAction) (ledger.IncomingAction, error) {
	return ledger.IncomingAction{}, f.err
}
func (f failingRemote) VoidIncoming(context.Context, ledger.IncomingAction) (ledger.IncomingAction, error) {
	return ledger.IncomingAction{}, f.err
}
func (f failingRemote) RestoreIncoming(context.Context, ledger.IncomingAction) (ledger.IncomingAction, error) {
	return ledger.IncomingAction{}, f.err
}
func (f failingRemote) RecordPayment(context.Context, ledger.Payment) (ledger.Payment, error) {
	return ledger.Payment{}, f.err
}
func (f failingRemote) VoidPayment(context.Context, ledger.Payment) (ledger.Payment, error) {
	return ledger.Payment{}, f.err
}
func (f failingRemote) RestorePayment(context.Context, ledger.Payment) (ledger.Payment, error) {
	return ledger.Payment{}, f.err
}

func TestSync_RemoteFailureRollsBack(t *testing.T) {
	a := ledger.IncomingAction{ID: "a-1", Qty: 10, PricePerPcs: decimal.NewFromInt(5), Product: "p-1", Vendor: "v-1", Active: true}.WithDerived()
	pay := ledger.Payment{ID: "pay-1", Amount: decimal.NewFromInt(30), Vendor: "v-1", Active: true}
	before := Snapshot{
		Products: []ledger.Product{{ID: "p-1", Active: true, Stock: 10}},
		Vendors:  []ledger.Vendor{{ID: "v-1", Active: true, Balance: decimal.NewFromInt(20)}},
		Incoming: []ledger.IncomingAction{a},
		Payments: []ledger.Payment{pay},
	}
	s := NewSync(New(before), failingRemote{err: fmt.Errorf("conflict: %w", ledger.ErrTransactionAborted)})
	ctx := context.Background()

	edited := a
	edited.Qty = 1
	ops := map[string]func() error{
		"record incoming": func() error {
			_, err := s.RecordIncoming(ctx, ledger.IncomingAction{Qty: 1, PricePerPcs: decimal.NewFromInt(1), Product: "p-1", Vendor: "v-1"})
			return err
		},
		"edit incoming":  func() error { _, err := s.EditIncoming(ctx, edited); return err },
		"void incoming":  func() error { _, err := s.VoidIncoming(ctx, "a-1"); return err },
		"record payment": func() error { _, err := s.RecordPayment(ctx, ledger.Payment{Amount: decimal.NewFromInt(1), Vendor: "v-1"}); return err },
		"void payment":   func() error { _, err := s.VoidPayment(ctx, "pay-1"); return err },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			err := op()
			assert.ErrorIs(t, err, ledger.ErrTransactionAborted)

			// THEN: the projection is back where it started
			after := s.Mirror().Snapshot()
			assert.Equal(t, before.Incoming, after.Incoming)
			assert.Equal(t, before.Payments, after.Payments)
			require.Len(t, after.Products, 1)
			assert.Equal(t, int64(10), after.Products[0].Stock)
			assert.True(t, s.Mirror().Balance("v-1").Equal(decimal.NewFromInt(20)))
			assert.Zero(t, s.Mirror().PendingCount())
		})
	}
}

func TestSync_RandomOperationsNeverDiverge(t *testing.T) {
	// GIVEN: a mirror on top of a live engine
	e := seededEngine(t)
	s := loadSync(t, e)
	m := s.Mirror()
	ctx := callerCtx()
	rng := rand.New(rand.NewSource(7))

	products := []ledger.ProductID{"p-1", "p-2"}
	vendors := []ledger.VendorID{"v-1", "v-2"}
	var actions []ledger.ActionID
	var payments []ledger.PaymentID

	// WHEN: a long random sequence of operations runs through the mirror
	for i := 0; i < 300; i++ {
		var err error
		switch op := rng.Intn(7); {
		case op == 0 || len(actions) == 0:
			var a ledger.IncomingAction
			a, err = s.RecordIncoming(ctx, ledger.IncomingAction{
				Qty:         int64(rng.Intn(20) + 1),
				PricePerPcs: decimal.New(int64(rng.Intn(1000)), -2),
				Product:     products[rng.Intn(2)],
				Vendor:      vendors[rng.Intn(2)],
			})
			if err == nil {
				actions = append(actions, a.ID)
			}
		case op == 1:
			cur, _ := m.Incoming(actions[rng.Intn(len(actions))])
			cur.Qty = int64(rng.Intn(20) + 1)
			cur.Product = products[rng.Intn(2)]
			cur.Vendor = vendors[rng.Intn(2)]
			_, err = s.EditIncoming(ctx, cur)
		case op == 2:
			_, err = s.VoidIncoming(ctx, actions[rng.Intn(len(actions))])
		case op == 3:
			_, err = s.RestoreIncoming(ctx, actions[rng.Intn(len(actions))])
		case op == 4 || len(payments) == 0:
			var p ledger.Payment
			p, err = s.RecordPayment(ctx, ledger.Payment{Amount: decimal.New(int64(rng.Intn(5000)+1), -2), Vendor: vendors[rng.Intn(2)]})
			if err == nil {
				payments = append(payments, p.ID)
			}
		case op == 5:
			_, err = s.VoidPayment(ctx, payments[rng.Intn(len(payments))])
		default:
			_, err = s.RestorePayment(ctx, payments[rng.Intn(len(payments))])
		}
		require.NoError(t, err, "step %d", i)
	}

	// THEN: local and server aggregates agree and the server is consistent
	assertConverged(t, e, m)
	assert.Zero(t, m.PendingCount())
	d, err := e.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, d)
}

func TestLoad_PropagatesSourceErrors(t *testing.T) {
	e := ledger.NewEngine(store.NewMemory())

	// No caller on the context: the engine refuses.
	_, err := Load(context.Background(), e)
	assert.True(t, errors.Is(err, ledger.ErrUnauthorized))
}
