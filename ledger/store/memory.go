// Package store provides the in-memory ledger.TxStore.
package store

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a ledger.TxStore backed by maps. Writers are serialized by a
// single mutex; WithTx holds it for the whole unit.
type Memory struct {
	mu sync.Mutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// withState runs fn against the live state under the store lock.
func withState[T any](m *Memory, fn func(*state) (T, error)) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

func (m *Memory) InsertProduct(_ context.Context, p ledger.Product) error {
	_, err := withState(m, func(s *state) (struct{}, error) { return struct{}{}, s.insertProduct(p) })
	return err
}

func (m *Memory) InsertVendor(_ context.Context, v ledger.Vendor) error {
	_, err := withState(m, func(s *state) (struct{}, error) { return struct{}{}, s.insertVendor(v) })
	return err
}

func (m *Memory) InsertIncoming(_ context.Context, a ledger.IncomingAction) error {
	_, err := withState(m, func(s *state) (struct{}, error) { return struct{}{}, s.insertIncoming(a) })
	return err
}

func (m *Memory) InsertPayment(_ context.Context, p ledger.Payment) error {
	_, err := withState(m, func(s *state) (struct{}, error) { return struct{}{}, s.insertPayment(p) })
	return err
}

func (m *Memory) FindProduct(_ context.Context, id ledger.ProductID) (ledger.Product, error) {
	return withState(m, func(s *state) (ledger.Product, error) { return s.findProduct(id) })
}

func (m *Memory) FindVendor(_ context.Context, id ledger.VendorID) (ledger.Vendor, error) {
	return withState(m, func(s *state) (ledger.Vendor, error) { return s.findVendor(id) })
}

func (m *Memory) FindIncoming(_ context.Context, id ledger.ActionID) (ledger.IncomingAction, error) {
	return withState(m, func(s *state) (ledger.IncomingAction, error) { return s.findIncoming(id) })
}

func (m *Memory) FindPayment(_ context.Context, id ledger.PaymentID) (ledger.Payment, error) {
	return withState(m, func(s *state) (ledger.Payment, error) { return s.findPayment(id) })
}

func (m *Memory) ListProducts(_ context.Context) ([]ledger.Product, error) {
	return withState(m, func(s *state) ([]ledger.Product, error) { return s.listProducts(), nil })
}

func (m *Memory) ListVendors(_ context.Context) ([]ledger.Vendor, error) {
	return withState(m, func(s *state) ([]ledger.Vendor, error) { return s.listVendors(), nil })
}

func (m *Memory) ListIncoming(_ context.Context, f ledger.IncomingFilter) ([]ledger.IncomingAction, error) {
	return withState(m, func(s *state) ([]ledger.IncomingAction, error) { return s.listIncoming(f), nil })
}

func (m *Memory) ListPayments(_ context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	return withState(m, func(s *state) ([]ledger.Payment, error) { return s.listPayments(f), nil })
}

func (m *Memory) IncrementStock(_ context.Context, id ledger.ProductID, delta int64) (ledger.Product, error) {
	return withState(m, func(s *state) (ledger.Product, error) { return s.incrementStock(id, delta) })
}

func (m *Memory) IncrementBalance(_ context.Context, id ledger.VendorID, delta decimal.Decimal) (ledger.Vendor, error) {
	return withState(m, func(s *state) (ledger.Vendor, error) { return s.incrementBalance(id, delta) })
}

func (m *Memory) SetProductActive(_ context.Context, id ledger.ProductID, active bool) (ledger.Product, error) {
	return withState(m, func(s *state) (ledger.Product, error) { return s.setProductActive(id, active) })
}

func (m *Memory) SetVendorActive(_ context.Context, id ledger.VendorID, active bool) (ledger.Vendor, error) {
	return withState(m, func(s *state) (ledger.Vendor, error) { return s.setVendorActive(id, active) })
}

func (m *Memory) SetIncomingActive(_ context.Context, id ledger.ActionID, active bool) (ledger.IncomingAction, error) {
	return withState(m, func(s *state) (ledger.IncomingAction, error) { return s.setIncomingActive(id, active) })
}

func (m *Memory) SetPaymentActive(_ context.Context, id ledger.PaymentID, active bool) (ledger.Payment, error) {
	return withState(m, func(s *state) (ledger.Payment, error) { return s.setPaymentActive(id, active) })
}

func (m *Memory) ReplaceIncoming(_ context.Context, a ledger.IncomingAction) (ledger.IncomingAction, error) {
	return withState(m, func(s *state) (ledger.IncomingAction, error) { return s.replaceIncoming(a) })
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ledger.ErrTransactionAborted, err)
	}

	snapshot := m.st.clone()
	defer func() {
		if r := recover(); r != nil {
			m.st = snapshot
			panic(r)
		}
	}()
	if err := fn(&txView{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

var _ ledger.TxStore = (*Memory)(nil)

// txView is the Store handed to a unit of work. The parent lock is already
// held, so it works on the state directly.
type txView struct {
	st *state
}

func (v *txView) InsertProduct(_ context.Context, p ledger.Product) error {
	return v.st.insertProduct(p)
}

func (v *txView) InsertVendor(_ context.Context, vd ledger.Vendor) error {
	return v.st.insertVendor(vd)
}

func (v *txView) InsertIncoming(_ context.Context, a ledger.IncomingAction) error {
	return v.st.insertIncoming(a)
}

func (v *txView) InsertPayment(_ context.Context, p ledger.Payment) error {
	return v.st.insertPayment(p)
}

func (v *txView) FindProduct(_ context.Context, id ledger.ProductID) (ledger.Product, error) {
	return v.st.findProduct(id)
}

func (v *txView) FindVendor(_ context.Context, id ledger.VendorID) (ledger.Vendor, error) {
	return v.st.findVendor(id)
}

func (v *txView) FindIncoming(_ context.Context, id ledger.ActionID) (ledger.IncomingAction, error) {
	return v.st.findIncoming(id)
}

func (v *txView) FindPayment(_ context.Context, id ledger.PaymentID) (ledger.Payment, error) {
	return v.st.findPayment(id)
}

func (v *txView) ListProducts(_ context.Context) ([]ledger.Product, error) {
	return v.st.listProducts(), nil
}

func (v *txView) ListVendors(_ context.Context) ([]ledger.Vendor, error) {
	return v.st.listVendors(), nil
}

func (v *txView) ListIncoming(_ context.Context, f ledger.IncomingFilter) ([]ledger.IncomingAction, error) {
	return v.st.listIncoming(f), nil
}

func (v *txView) ListPayments(_ context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	return v.st.listPayments(f), nil
}

func (v *txView) IncrementStock(_ context.Context, id ledger.ProductID, delta int64) (ledger.Product, error) {
	return v.st.incrementStock(id, delta)
}

func (v *txView) IncrementBalance(_ context.Context, id ledger.VendorID, delta decimal.Decimal) (ledger.Vendor, error) {
	return v.st.incrementBalance(id, delta)
}

func (v *txView) SetProductActive(_ context.Context, id ledger.ProductID, active bool) (ledger.Product, error) {
	return v.st.setProductActive(id, active)
}

func (v *txView) SetVendorActive(_ context.Context, id ledger.VendorID, active bool) (ledger.Vendor, error) {
	return v.st.setVendorActive(id, active)
}

func (v *txView) SetIncomingActive(_ context.Context, id ledger.ActionID, active bool) (ledger.IncomingAction, error) {
	return v.st.setIncomingActive(id, active)
}

func (v *txView) SetPaymentActive(_ context.Context, id ledger.PaymentID, active bool) (ledger.Payment, error) {
	return v.st.setPaymentActive(id, active)
}

func (v *txView) ReplaceIncoming(_ context.Context, a ledger.IncomingAction) (ledger.IncomingAction, error) {
	return v.st.replaceIncoming(a)
}

// =============================================================================
// STATE
// =============================================================================

// state holds the documents plus their insertion order, so list results are
// stable across calls.
type state struct {
	products map[ledger.ProductID]ledger.Product
	vendors  map[ledger.VendorID]ledger.Vendor
	incoming map[ledger.ActionID]ledger.IncomingAction
	payments map[ledger.PaymentID]ledger.Payment

	productOrder  []ledger.ProductID
	vendorOrder   []ledger.VendorID
	incomingOrder []ledger.ActionID
	paymentOrder  []ledger.PaymentID
}

func newState() *state {
	return &state{
		products: make(map[ledger.ProductID]ledger.Product),
		vendors:  make(map[ledger.VendorID]ledger.Vendor),
		incoming: make(map[ledger.ActionID]ledger.IncomingAction),
		payments: make(map[ledger.PaymentID]ledger.Payment),
	}
}

// clone copies the maps and order slices. Documents are values, so a
// shallow map copy is a full snapshot.
func (s *state) clone() *state {
	return &state{
		products:      maps.Clone(s.products),
		vendors:       maps.Clone(s.vendors),
		incoming:      maps.Clone(s.incoming),
		payments:      maps.Clone(s.payments),
		productOrder:  append([]ledger.ProductID(nil), s.productOrder...),
		vendorOrder:   append([]ledger.VendorID(nil), s.vendorOrder...),
		incomingOrder: append([]ledger.ActionID(nil), s.incomingOrder...),
		paymentOrder:  append([]ledger.PaymentID(nil), s.paymentOrder...),
	}
}

func (s *state) insertProduct(p ledger.Product) error {
	if _, ok := s.products[p.ID]; ok {
		return fmt.Errorf("product %s: %w", p.ID, ledger.ErrDuplicateID)
	}
	s.products[p.ID] = p
	s.productOrder = append(s.productOrder, p.ID)
	return nil
}

func (s *state) insertVendor(v ledger.Vendor) error {
	if _, ok := s.vendors[v.ID]; ok {
		return fmt.Errorf("vendor %s: %w", v.ID, ledger.ErrDuplicateID)
	}
	s.vendors[v.ID] = v
	s.vendorOrder = append(s.vendorOrder, v.ID)
	return nil
}

func (s *state) insertIncoming(a ledger.IncomingAction) error {
	if _, ok := s.incoming[a.ID]; ok {
		return fmt.Errorf("incoming %s: %w", a.ID, ledger.ErrDuplicateID)
	}
	s.incoming[a.ID] = a
	s.incomingOrder = append(s.incomingOrder, a.ID)
	return nil
}

func (s *state) insertPayment(p ledger.Payment) error {
	if _, ok := s.payments[p.ID]; ok {
		return fmt.Errorf("payment %s: %w", p.ID, ledger.ErrDuplicateID)
	}
	s.payments[p.ID] = p
	s.paymentOrder = append(s.paymentOrder, p.ID)
	return nil
}

func (s *state) findProduct(id ledger.ProductID) (ledger.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return ledger.Product{}, fmt.Errorf("product %s: %w", id, ledger.ErrNotFound)
	}
	return p, nil
}

func (s *state) findVendor(id ledger.VendorID) (ledger.Vendor, error) {
	v, ok := s.vendors[id]
	if !ok {
		return ledger.Vendor{}, fmt.Errorf("vendor %s: %w", id, ledger.ErrNotFound)
	}
	return v, nil
}

func (s *state) findIncoming(id ledger.ActionID) (ledger.IncomingAction, error) {
	a, ok := s.incoming[id]
	if !ok {
		return ledger.IncomingAction{}, fmt.Errorf("incoming %s: %w", id, ledger.ErrNotFound)
	}
	return a, nil
}

func (s *state) findPayment(id ledger.PaymentID) (ledger.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return ledger.Payment{}, fmt.Errorf("payment %s: %w", id, ledger.ErrNotFound)
	}
	return p, nil
}

func (s *state) listProducts() []ledger.Product {
	out := make([]ledger.Product, 0, len(s.productOrder))
	for _, id := range s.productOrder {
		out = append(out, s.products[id])
	}
	return out
}

func (s *state) listVendors() []ledger.Vendor {
	out := make([]ledger.Vendor, 0, len(s.vendorOrder))
	for _, id := range s.vendorOrder {
		out = append(out, s.vendors[id])
	}
	return out
}

func (s *state) listIncoming(f ledger.IncomingFilter) []ledger.IncomingAction {
	out := []ledger.IncomingAction{}
	for _, id := range s.incomingOrder {
		a := s.incoming[id]
		if !f.Matches(a) {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func (s *state) listPayments(f ledger.PaymentFilter) []ledger.Payment {
	out := []ledger.Payment{}
	for _, id := range s.paymentOrder {
		p := s.payments[id]
		if !f.Matches(p) {
			continue
		}
		out = append(out, p)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func (s *state) incrementStock(id ledger.ProductID, delta int64) (ledger.Product, error) {
	p, err := s.findProduct(id)
	if err != nil {
		return ledger.Product{}, err
	}
	p.Stock += delta
	s.products[id] = p
	return p, nil
}

func (s *state) incrementBalance(id ledger.VendorID, delta decimal.Decimal) (ledger.Vendor, error) {
	v, err := s.findVendor(id)
	if err != nil {
		return ledger.Vendor{}, err
	}
	v.Balance = v.Balance.Add(delta)
	s.vendors[id] = v
	return v, nil
}

func (s *state) setProductActive(id ledger.ProductID, active bool) (ledger.Product, error) {
	prev, err := s.findProduct(id)
	if err != nil {
		return ledger.Product{}, err
	}
	next := prev
	next.Active = active
	s.products[id] = next
	return prev, nil
}

func (s *state) setVendorActive(id ledger.VendorID, active bool) (ledger.Vendor, error) {
	prev, err := s.findVendor(id)
	if err != nil {
		return ledger.Vendor{}, err
	}
	next := prev
	next.Active = active
	s.vendors[id] = next
	return prev, nil
}

func (s *state) setIncomingActive(id ledger.ActionID, active bool) (ledger.IncomingAction, error) {
	prev, err := s.findIncoming(id)
	if err != nil {
		return ledger.IncomingAction{}, err
	}
	next := prev
	next.Active = active
	s.incoming[id] = next
	return prev, nil
}

func (s *state) setPaymentActive(id ledger.PaymentID, active bool) (ledger.Payment, error) {
	prev, err := s.findPayment(id)
	if err != nil {
		return ledger.Payment{}, err
	}
	next := prev
	next.Active = active
	s.payments[id] = next
	return prev, nil
}

func (s *state) replaceIncoming(a ledger.IncomingAction) (ledger.IncomingAction, error) {
	prev, err := s.findIncoming(a.ID)
	if err != nil {
		return ledger.IncomingAction{}, err
	}
	s.incoming[a.ID] = a
	return prev, nil
}
