/*
store.go - Aggregate Store contract

PURPOSE:
  Defines the interface between the engine and the document store. The
  engine never holds persistent state: every operation reads current
  documents, computes deltas, and writes them back through a Store handed
  to it by TxStore.WithTx.

REQUIRED CAPABILITIES:
  - insert one document
  - find one / find all with a filter
  - find-one-and-update with an increment (returns the post-image)
  - find-one-and-update with a field set (returns the pre-image)
  - WithTx(unit-of-work): all writes inside commit together or not at all

ERROR CONTRACT:
  - A filter that matches no document returns ErrNotFound (wrapped).
  - Conflicts and commit failures return ErrTransactionAborted (wrapped).
  - Connectivity failures return ErrStoreUnavailable (wrapped).

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, snapshot + rollback
  - store/sqlite:           database/sql + go-sqlite3
  - store/postgres:         database/sql + pgx
  - store/mongo:            mongo-driver sessions
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Document persistence
// =============================================================================

// Store is the set of document operations the engine needs.
type Store interface {
	InsertProduct(ctx context.Context, p Product) error
	InsertVendor(ctx context.Context, v Vendor) error
	InsertIncoming(ctx context.Context, a IncomingAction) error
	InsertPayment(ctx context.Context, p Payment) error

	FindProduct(ctx context.Context, id ProductID) (Product, error)
	FindVendor(ctx context.Context, id VendorID) (Vendor, error)
	FindIncoming(ctx context.Context, id ActionID) (IncomingAction, error)
	FindPayment(ctx context.Context, id PaymentID) (Payment, error)

	ListProducts(ctx context.Context) ([]Product, error)
	ListVendors(ctx context.Context) ([]Vendor, error)
	ListIncoming(ctx context.Context, f IncomingFilter) ([]IncomingAction, error)
	ListPayments(ctx context.Context, f PaymentFilter) ([]Payment, error)

	// IncrementStock adds delta to the product's stock and returns the
	// updated product.
	IncrementStock(ctx context.Context, id ProductID, delta int64) (Product, error)

	// IncrementBalance adds delta to the vendor's balance and returns the
	// updated vendor.
	IncrementBalance(ctx context.Context, id VendorID, delta decimal.Decimal) (Vendor, error)

	// The Set* and Replace methods return the document as it was before
	// the write.
	SetProductActive(ctx context.Context, id ProductID, active bool) (Product, error)
	SetVendorActive(ctx context.Context, id VendorID, active bool) (Vendor, error)
	SetIncomingActive(ctx context.Context, id ActionID, active bool) (IncomingAction, error)
	SetPaymentActive(ctx context.Context, id PaymentID, active bool) (Payment, error)
	ReplaceIncoming(ctx context.Context, a IncomingAction) (IncomingAction, error)
}

// =============================================================================
// TRANSACTIONAL STORE - Atomic multi-document units
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the handed Store is
	// rolled back. If fn returns nil, the writes are committed together.
	WithTx(ctx context.Context, fn func(Store) error) error
}
