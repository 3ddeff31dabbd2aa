/*
Package mirror is the client-side projection cache of the ledger.

PURPOSE:
  A client keeps a local copy of products, vendors and their transaction
  documents so the UI can show new aggregates immediately. Each local
  operation applies the same pure effect the engine applies on the server
  (ledger.*Effect) and returns a Pending token. When the server answers,
  the caller confirms the token, or rolls it back, which restores the
  previous document and applies the inverse effect.

USAGE:
  m := mirror.New(snapshot)
  s := mirror.NewSync(m, client)       // client.Client or *ledger.Engine
  a, err := s.RecordIncoming(ctx, a)   // optimistic, then reconciled

PRECONDITIONS:
  Local operations check what they can see (known references, active
  flags, positive amounts) and refuse to project a change the server
  would certainly reject. A change the server rejects anyway is rolled
  back by Sync.

ORDERING:
  Pending changes on the same document must be settled newest first.
  Sync settles every change before it returns, which keeps that order.
*/
package mirror

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

// Snapshot is the full state a mirror starts from.
type Snapshot struct {
	Products []ledger.Product
	Vendors  []ledger.Vendor
	Incoming []ledger.IncomingAction
	Payments []ledger.Payment
}

// Source lists documents. Both *ledger.Engine and *client.Client satisfy it.
type Source interface {
	ListProducts(ctx context.Context) ([]ledger.Product, error)
	ListVendors(ctx context.Context) ([]ledger.Vendor, error)
	ListIncoming(ctx context.Context, f ledger.IncomingFilter) ([]ledger.IncomingAction, error)
	ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error)
}

// Load reads a snapshot from src.
func Load(ctx context.Context, src Source) (Snapshot, error) {
	var s Snapshot
	var err error
	if s.Products, err = src.ListProducts(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("load products: %w", err)
	}
	if s.Vendors, err = src.ListVendors(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("load vendors: %w", err)
	}
	if s.Incoming, err = src.ListIncoming(ctx, ledger.IncomingFilter{}); err != nil {
		return Snapshot{}, fmt.Errorf("load incoming: %w", err)
	}
	if s.Payments, err = src.ListPayments(ctx, ledger.PaymentFilter{}); err != nil {
		return Snapshot{}, fmt.Errorf("load payments: %w", err)
	}
	return s, nil
}

// Pending identifies an optimistic change awaiting the server's answer.
type Pending uint64

type change struct {
	effect ledger.Effect

	incomingID  ledger.ActionID
	prevAction  *ledger.IncomingAction // nil: the action did not exist
	paymentID   ledger.PaymentID
	prevPayment *ledger.Payment
}

// Mirror is a local projection of the ledger. It is safe for concurrent use.
type Mirror struct {
	mu       sync.Mutex
	products map[ledger.ProductID]ledger.Product
	vendors  map[ledger.VendorID]ledger.Vendor
	incoming map[ledger.ActionID]ledger.IncomingAction
	payments map[ledger.PaymentID]ledger.Payment
	order    []ledger.ActionID
	payOrder []ledger.PaymentID

	pending map[Pending]change
	seq     Pending
	newID   func() string
}

// New builds a mirror from snap.
func New(snap Snapshot) *Mirror {
	m := &Mirror{
		products: make(map[ledger.ProductID]ledger.Product, len(snap.Products)),
		vendors:  make(map[ledger.VendorID]ledger.Vendor, len(snap.Vendors)),
		incoming: make(map[ledger.ActionID]ledger.IncomingAction, len(snap.Incoming)),
		payments: make(map[ledger.PaymentID]ledger.Payment, len(snap.Payments)),
		pending:  make(map[Pending]change),
		newID:    uuid.NewString,
	}
	for _, p := range snap.Products {
		m.products[p.ID] = p
	}
	for _, v := range snap.Vendors {
		m.vendors[v.ID] = v
	}
	for _, a := range snap.Incoming {
		m.putAction(a)
	}
	for _, p := range snap.Payments {
		m.putPayment(p)
	}
	return m
}

// =============================================================================
// READS
// =============================================================================

func (m *Mirror) Product(id ledger.ProductID) (ledger.Product, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	return p, ok
}

func (m *Mirror) Vendor(id ledger.VendorID) (ledger.Vendor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vendors[id]
	return v, ok
}

func (m *Mirror) Incoming(id ledger.ActionID) (ledger.IncomingAction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.incoming[id]
	return a, ok
}

func (m *Mirror) Payment(id ledger.PaymentID) (ledger.Payment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	return p, ok
}

// Balance returns the local vendor balance, zero when the vendor is unknown.
func (m *Mirror) Balance(id ledger.VendorID) decimal.Decimal {
	v, _ := m.Vendor(id)
	return v.Balance
}

// Snapshot copies the current projection. Products and vendors are sorted
// by ID; incoming actions and payments keep insertion order.
func (m *Mirror) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Products: slices.SortedFunc(maps.Values(m.products), func(a, b ledger.Product) int { return cmp.Compare(string(a.ID), string(b.ID)) }),
		Vendors:  slices.SortedFunc(maps.Values(m.vendors), func(a, b ledger.Vendor) int { return cmp.Compare(string(a.ID), string(b.ID)) }),
	}
	for _, id := range m.order {
		s.Incoming = append(s.Incoming, m.incoming[id])
	}
	for _, id := range m.payOrder {
		s.Payments = append(s.Payments, m.payments[id])
	}
	return s
}

// PendingCount reports the number of unsettled changes.
func (m *Mirror) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// =============================================================================
// OPTIMISTIC INCOMING OPERATIONS
// =============================================================================

// RecordIncoming projects a new active action. An empty ID is assigned so
// that the server stores the action under the same ID.
func (m *Mirror) RecordIncoming(a ledger.IncomingAction) (Pending, ledger.IncomingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == "" {
		a.ID = ledger.ActionID(m.newID())
	}
	if _, exists := m.incoming[a.ID]; exists {
		return 0, ledger.IncomingAction{}, fmt.Errorf("incoming %s: %w", a.ID, ledger.ErrDuplicateID)
	}
	if err := validateTerms(a); err != nil {
		return 0, ledger.IncomingAction{}, err
	}
	if err := m.checkRefs(a.Product, a.Vendor); err != nil {
		return 0, ledger.IncomingAction{}, err
	}
	a.Active = true
	a = a.WithDerived()
	a.ProductName, a.VendorName = m.products[a.Product].Name, m.vendors[a.Vendor].Name

	m.putAction(a)
	return m.record(change{effect: ledger.RecordIncomingEffect(a), incomingID: a.ID}), a, nil
}

// EditIncoming projects newA over the local copy. It returns the local
// pre-image as well, which is the caller's copy to send to the server.
func (m *Mirror) EditIncoming(newA ledger.IncomingAction) (Pending, ledger.IncomingAction, ledger.IncomingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.incoming[newA.ID]
	if !ok {
		return 0, ledger.IncomingAction{}, ledger.IncomingAction{}, fmt.Errorf("incoming %s: %w", newA.ID, ledger.ErrNotFound)
	}
	if err := validateTerms(newA); err != nil {
		return 0, ledger.IncomingAction{}, ledger.IncomingAction{}, err
	}
	if old.Active {
		if err := m.checkRefs(newA.Product, newA.Vendor); err != nil {
			return 0, ledger.IncomingAction{}, ledger.IncomingAction{}, err
		}
	}
	newA.Active = old.Active
	newA = newA.WithDerived()
	newA.ProductName, newA.VendorName = m.products[newA.Product].Name, m.vendors[newA.Vendor].Name

	m.putAction(newA)
	prev := old
	return m.record(change{effect: ledger.EditIncomingEffect(newA, old), incomingID: old.ID, prevAction: &prev}), newA, old, nil
}

// VoidIncoming projects the void of id and returns the local pre-image.
func (m *Mirror) VoidIncoming(id ledger.ActionID) (Pending, ledger.IncomingAction, error) {
	return m.toggleIncoming(id, false)
}

// RestoreIncoming projects the restore of id and returns the local pre-image.
func (m *Mirror) RestoreIncoming(id ledger.ActionID) (Pending, ledger.IncomingAction, error) {
	return m.toggleIncoming(id, true)
}

func (m *Mirror) toggleIncoming(id ledger.ActionID, active bool) (Pending, ledger.IncomingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.incoming[id]
	if !ok {
		return 0, ledger.IncomingAction{}, fmt.Errorf("incoming %s: %w", id, ledger.ErrNotFound)
	}
	prev := old
	if old.Active == active {
		return m.record(change{incomingID: id, prevAction: &prev}), old, nil
	}

	effect := ledger.VoidIncomingEffect(old)
	if active {
		if err := m.checkRefs(old.Product, old.Vendor); err != nil {
			return 0, ledger.IncomingAction{}, err
		}
		effect = ledger.RestoreIncomingEffect(old)
	}
	next := old
	next.Active = active
	m.putAction(next)
	return m.record(change{effect: effect, incomingID: id, prevAction: &prev}), old, nil
}

// =============================================================================
// OPTIMISTIC PAYMENT OPERATIONS
// =============================================================================

func (m *Mirror) RecordPayment(p ledger.Payment) (Pending, ledger.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == "" {
		p.ID = ledger.PaymentID(m.newID())
	}
	if _, exists := m.payments[p.ID]; exists {
		return 0, ledger.Payment{}, fmt.Errorf("payment %s: %w", p.ID, ledger.ErrDuplicateID)
	}
	if !p.Amount.IsPositive() {
		return 0, ledger.Payment{}, &ledger.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if err := ledger.ValidateMoney("amount", p.Amount); err != nil {
		return 0, ledger.Payment{}, err
	}
	if err := m.checkVendor(p.Vendor); err != nil {
		return 0, ledger.Payment{}, err
	}
	p.Active = true
	p.VendorName = m.vendors[p.Vendor].Name

	m.putPayment(p)
	return m.record(change{effect: ledger.RecordPaymentEffect(p), paymentID: p.ID}), p, nil
}

func (m *Mirror) VoidPayment(id ledger.PaymentID) (Pending, ledger.Payment, error) {
	return m.togglePayment(id, false)
}

func (m *Mirror) RestorePayment(id ledger.PaymentID) (Pending, ledger.Payment, error) {
	return m.togglePayment(id, true)
}

func (m *Mirror) togglePayment(id ledger.PaymentID, active bool) (Pending, ledger.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.payments[id]
	if !ok {
		return 0, ledger.Payment{}, fmt.Errorf("payment %s: %w", id, ledger.ErrNotFound)
	}
	prev := old
	if old.Active == active {
		return m.record(change{paymentID: id, prevPayment: &prev}), old, nil
	}

	effect := ledger.VoidPaymentEffect(old)
	if active {
		if err := m.checkVendor(old.Vendor); err != nil {
			return 0, ledger.Payment{}, err
		}
		effect = ledger.RestorePaymentEffect(old)
	}
	next := old
	next.Active = active
	m.putPayment(next)
	return m.record(change{effect: effect, paymentID: id, prevPayment: &prev}), old, nil
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// Confirm keeps the change.
func (m *Mirror) Confirm(p Pending) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, p)
}

// Rollback undoes the change: the previous document comes back and the
// inverse effect is applied. Unknown tokens are ignored.
func (m *Mirror) Rollback(p Pending) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.pending[p]
	if !ok {
		return
	}
	delete(m.pending, p)

	m.apply(c.effect.Negate())
	switch {
	case c.incomingID != "" && c.prevAction != nil:
		m.putAction(*c.prevAction)
	case c.incomingID != "":
		m.dropAction(c.incomingID)
	case c.paymentID != "" && c.prevPayment != nil:
		m.putPayment(*c.prevPayment)
	case c.paymentID != "":
		m.dropPayment(c.paymentID)
	}
}

// AdoptIncoming replaces the local document with the server's copy. The
// aggregates are not touched.
func (m *Mirror) AdoptIncoming(a ledger.IncomingAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putAction(a)
}

// AdoptPayment replaces the local document with the server's copy.
func (m *Mirror) AdoptPayment(p ledger.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putPayment(p)
}

// =============================================================================
// INTERNALS (m.mu held)
// =============================================================================

func (m *Mirror) record(c change) Pending {
	m.apply(c.effect)
	m.seq++
	m.pending[m.seq] = c
	return m.seq
}

// apply moves the local aggregates. References the mirror does not hold
// are skipped; their aggregates live only on the server.
func (m *Mirror) apply(e ledger.Effect) {
	for _, d := range e.Stock {
		if p, ok := m.products[d.Product]; ok {
			p.Stock += d.Qty
			m.products[d.Product] = p
		}
	}
	for _, d := range e.Balance {
		if v, ok := m.vendors[d.Vendor]; ok {
			v.Balance = v.Balance.Add(d.Amount)
			m.vendors[d.Vendor] = v
		}
	}
}

func validateTerms(a ledger.IncomingAction) error {
	switch {
	case a.Qty <= 0:
		return &ledger.ValidationError{Field: "qty", Reason: "must be positive"}
	case a.PricePerPcs.IsNegative():
		return &ledger.ValidationError{Field: "pricePerPcs", Reason: "must not be negative"}
	}
	if err := ledger.ValidateMoney("pricePerPcs", a.PricePerPcs); err != nil {
		return err
	}
	return ledger.ValidateMoney("priceTotal", ledger.PriceTotal(a.Qty, a.PricePerPcs))
}

func (m *Mirror) checkRefs(pid ledger.ProductID, vid ledger.VendorID) error {
	p, ok := m.products[pid]
	if !ok {
		return fmt.Errorf("product %s: %w", pid, ledger.ErrNotFound)
	}
	if !p.Active {
		return fmt.Errorf("product %s: %w", pid, ledger.ErrInactiveReference)
	}
	return m.checkVendor(vid)
}

func (m *Mirror) checkVendor(vid ledger.VendorID) error {
	v, ok := m.vendors[vid]
	if !ok {
		return fmt.Errorf("vendor %s: %w", vid, ledger.ErrNotFound)
	}
	if !v.Active {
		return fmt.Errorf("vendor %s: %w", vid, ledger.ErrInactiveReference)
	}
	return nil
}

func (m *Mirror) putAction(a ledger.IncomingAction) {
	if _, ok := m.incoming[a.ID]; !ok {
		m.order = append(m.order, a.ID)
	}
	m.incoming[a.ID] = a
}

func (m *Mirror) dropAction(id ledger.ActionID) {
	delete(m.incoming, id)
	m.order = slices.DeleteFunc(m.order, func(x ledger.ActionID) bool { return x == id })
}

func (m *Mirror) putPayment(p ledger.Payment) {
	if _, ok := m.payments[p.ID]; !ok {
		m.payOrder = append(m.payOrder, p.ID)
	}
	m.payments[p.ID] = p
}

func (m *Mirror) dropPayment(id ledger.PaymentID) {
	delete(m.payments, id)
	m.payOrder = slices.DeleteFunc(m.payOrder, func(x ledger.PaymentID) bool { return x == id })
}
