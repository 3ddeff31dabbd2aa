package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testDate = time.Date(2025, time.March, 14, 0, 0, 0, 0, time.UTC)

func callerCtx() context.Context {
	return ledger.WithCaller(context.Background(), ledger.Caller{ID: "u-1", Email: "owner@example.com"})
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestEngine(t *testing.T) (*ledger.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return ledger.NewEngine(mem, ledger.WithClock(func() time.Time { return testDate })), mem
}

// seedCatalog adds one product "p-1" and one vendor "v-1".
func seedCatalog(t *testing.T, e *ledger.Engine) {
	t.Helper()
	ctx := callerCtx()
	_, err := e.AddProduct(ctx, ledger.Product{ID: "p-1", Name: "Widget"})
	require.NoError(t, err)
	_, err = e.AddVendor(ctx, ledger.Vendor{ID: "v-1", Name: "Acme"})
	require.NoError(t, err)
}

func incoming(id ledger.ActionID, qty int64, price string) ledger.IncomingAction {
	return ledger.IncomingAction{
		ID:          id,
		Qty:         qty,
		PricePerPcs: dec(price),
		Date:        testDate,
		Product:     "p-1",
		Vendor:      "v-1",
	}
}

func payment(id ledger.PaymentID, amount string) ledger.Payment {
	return ledger.Payment{ID: id, Amount: dec(amount), Date: testDate, Vendor: "v-1"}
}

func requireStock(t *testing.T, s ledger.Store, id ledger.ProductID, want int64) {
	t.Helper()
	p, err := s.FindProduct(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, want, p.Stock, "stock of %s", id)
}

func requireBalance(t *testing.T, s ledger.Store, id ledger.VendorID, want string) {
	t.Helper()
	v, err := s.FindVendor(context.Background(), id)
	require.NoError(t, err)
	require.True(t, v.Balance.Equal(dec(want)), "balance of %s: want %s, got %s", id, want, v.Balance)
}

func requireConsistent(t *testing.T, e *ledger.Engine) {
	t.Helper()
	d, err := e.Audit(callerCtx())
	require.NoError(t, err)
	require.Empty(t, d)
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

var errInjected = errors.New("injected write failure")

// faultStore fails the failAt-th write made inside WithTx. failAt == 0
// disables injection; writes counts every write seen so far.
type faultStore struct {
	ledger.TxStore
	failAt int
	writes int
}

func (f *faultStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return f.TxStore.WithTx(ctx, func(s ledger.Store) error {
		return fn(&faultView{Store: s, parent: f})
	})
}

func (f *faultStore) hit() error {
	f.writes++
	if f.failAt > 0 && f.writes == f.failAt {
		return errInjected
	}
	return nil
}

type faultView struct {
	ledger.Store
	parent *faultStore
}

func (v *faultView) InsertProduct(ctx context.Context, p ledger.Product) error {
	if err := v.parent.hit(); err != nil {
		return err
	}
	return v.Store.InsertProduct(ctx, p)
}

func (v *faultView) InsertVendor(ctx context.Context, vd ledger.Vendor) error {
	if err := v.parent.hit(); err != nil {
		return err
	}
	return v.Store.InsertVendor(ctx, vd)
}

func (v *faultView) InsertIncoming(ctx context.Context, a ledger.IncomingAction) error {
	if err := v.parent.hit(); err != nil {
		return err
	}
	return v.Store.InsertIncoming(ctx, a)
}

func (v *faultView) InsertPayment(ctx context.Context, p ledger.Payment) error {
	if err := v.parent.hit(); err != nil {
		return err
	}
	return v.Store.InsertPayment(ctx, p)
}

func (v *faultView) IncrementStock(ctx context.Context, id ledger.ProductID, delta int64) (ledger.Product, error) {
	if err := v.parent.hit(); err != nil {
		return ledger.Product{}, err
	}
	return v.Store.IncrementStock(ctx, id, delta)
}

func (v *faultView) IncrementBalance(ctx context.Context, id ledger.VendorID, delta decimal.Decimal) (ledger.Vendor, error) {
	if err := v.parent.hit(); err != nil {
		return ledger.Vendor{}, err
	}
	return v.Store.IncrementBalance(ctx, id, delta)
}

func (v *faultView) SetIncomingActive(ctx context.Context, id ledger.ActionID, active bool) (ledger.IncomingAction, error) {
	if err := v.parent.hit(); err != nil {
		return ledger.IncomingAction{}, err
	}
	return v.Store.SetIncomingActive(ctx, id, active)
}

func (v *faultView) SetPaymentActive(ctx context.Context, id ledger.PaymentID, active bool) (ledger.Payment, error) {
	if err := v.parent.hit(); err != nil {
		return ledger.Payment{}, err
	}
	return v.Store.SetPaymentActive(ctx, id, active)
}

func (v *faultView) ReplaceIncoming(ctx context.Context, a ledger.IncomingAction) (ledger.IncomingAction, error) {
	if err := v.parent.hit(); err != nil {
		return ledger.IncomingAction{}, err
	}
	return v.Store.ReplaceIncoming(ctx, a)
}

// dump captures every document so two states can be compared.
type dump struct {
	Products []ledger.Product
	Vendors  []ledger.Vendor
	Incoming []ledger.IncomingAction
	Payments []ledger.Payment
}

func dumpStore(t *testing.T, s ledger.Store) dump {
	t.Helper()
	ctx := context.Background()
	var d dump
	var err error
	d.Products, err = s.ListProducts(ctx)
	require.NoError(t, err)
	d.Vendors, err = s.ListVendors(ctx)
	require.NoError(t, err)
	d.Incoming, err = s.ListIncoming(ctx, ledger.IncomingFilter{})
	require.NoError(t, err)
	d.Payments, err = s.ListPayments(ctx, ledger.PaymentFilter{})
	require.NoError(t, err)
	return d
}
