/*
Package ledger provides the stock and vendor-balance consistency engine.

PURPOSE:
  Four document kinds live in the Aggregate Store: Product, Vendor,
  IncomingAction and Payment. Two of their fields are derived aggregates
  (Product.Stock, Vendor.Balance) that this package alone writes. Every
  engine operation mutates one transaction document together with the
  aggregates it affects, inside a single atomic unit.

KEY CONCEPTS IN THIS FILE (types.go):
  - Product / Vendor: catalog records carrying a derived aggregate
  - IncomingAction:   a "coming" stock transaction (debit on the vendor)
  - Payment:          a vendor payment (credit on the vendor)
  - Type-safe string IDs for each kind

INVARIANTS:
  product.Stock  = Σ Qty        over active IncomingActions for the product
  vendor.Balance = Σ PriceTotal over active IncomingActions for the vendor
                 - Σ Amount     over active Payments for the vendor

  PriceTotal is Qty × PricePerPcs, derived at write time and stored.
  ProductName / VendorName are copies taken at write time and are not
  kept in sync with later renames.

SEE ALSO:
  - engine.go: the seven atomic operations
  - effect.go: pure delta functions shared with the mirror package
  - store.go:  the Aggregate Store contract
*/
package ledger

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	ProductID string
	VendorID  string
	ActionID  string
	PaymentID string
)

// DateLayout is the wire and storage format of transaction dates.
const DateLayout = "2006-01-02"

// =============================================================================
// CATALOG RECORDS
// =============================================================================

// Product is a stocked item. Stock is written only by the engine.
type Product struct {
	ID     ProductID
	Name   string
	Active bool
	Stock  int64
}

// Vendor is a supplier. Balance is the net amount owed to the vendor:
// incoming stock increases it, payments decrease it.
type Vendor struct {
	ID      VendorID
	Name    string
	Active  bool
	Balance decimal.Decimal
}

// =============================================================================
// TRANSACTION DOCUMENTS
// =============================================================================

// IncomingAction records stock received from a vendor.
type IncomingAction struct {
	ID          ActionID
	Qty         int64
	PricePerPcs decimal.Decimal
	PriceTotal  decimal.Decimal
	Date        time.Time
	Notes       string
	Product     ProductID
	Vendor      VendorID
	Active      bool
	ProductName string
	VendorName  string
}

// Payment records money paid to a vendor.
type Payment struct {
	ID         PaymentID
	Amount     decimal.Decimal
	Date       time.Time
	Notes      string
	Vendor     VendorID
	Active     bool
	VendorName string
}

// PriceTotal is the single definition of an incoming action's value.
func PriceTotal(qty int64, pricePerPcs decimal.Decimal) decimal.Decimal {
	return pricePerPcs.Mul(decimal.NewFromInt(qty))
}

// MaxMoneyDigits is the precision of every stored money value. It is the
// Decimal128 significand width, the narrowest column among the stores.
const MaxMoneyDigits = 34

// ValidateMoney rejects a money value that needs more than MaxMoneyDigits
// significant digits. Trailing zeros of the coefficient do not count.
func ValidateMoney(field string, d decimal.Decimal) error {
	digits := strings.TrimRight(new(big.Int).Abs(d.Coefficient()).String(), "0")
	if len(digits) > MaxMoneyDigits {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("more than %d significant digits", MaxMoneyDigits)}
	}
	return nil
}

// WithDerived returns a copy of a with PriceTotal recomputed.
func (a IncomingAction) WithDerived() IncomingAction {
	a.PriceTotal = PriceTotal(a.Qty, a.PricePerPcs)
	return a
}

// sameTerms reports whether two versions of an action carry the same
// aggregate-driving fields. Active, notes, date and display names are not
// compared. PriceTotal follows from Qty and PricePerPcs.
func (a IncomingAction) sameTerms(b IncomingAction) bool {
	return a.Qty == b.Qty &&
		a.PricePerPcs.Equal(b.PricePerPcs) &&
		a.Product == b.Product &&
		a.Vendor == b.Vendor
}

// describesEffect reports whether a carries enough fields to be compared
// against a stored copy. A bare {id} does not.
func (a IncomingAction) describesEffect() bool {
	return a.Product != "" || a.Vendor != ""
}

func (p Payment) sameTerms(q Payment) bool {
	return p.Amount.Equal(q.Amount) && p.Vendor == q.Vendor
}

func (p Payment) describesEffect() bool {
	return p.Vendor != ""
}

// =============================================================================
// QUERY FILTERS
// =============================================================================

// IncomingFilter selects incoming actions. Nil fields match everything.
type IncomingFilter struct {
	Product *ProductID
	Vendor  *VendorID
	Active  *bool
	Limit   int // 0 = no limit
}

// PaymentFilter selects payments. Nil fields match everything.
type PaymentFilter struct {
	Vendor *VendorID
	Active *bool
	Limit  int
}

// Matches reports whether a satisfies the filter (ignoring Limit).
func (f IncomingFilter) Matches(a IncomingAction) bool {
	if f.Product != nil && a.Product != *f.Product {
		return false
	}
	if f.Vendor != nil && a.Vendor != *f.Vendor {
		return false
	}
	if f.Active != nil && a.Active != *f.Active {
		return false
	}
	return true
}

// Matches reports whether p satisfies the filter (ignoring Limit).
func (f PaymentFilter) Matches(p Payment) bool {
	if f.Vendor != nil && p.Vendor != *f.Vendor {
		return false
	}
	if f.Active != nil && p.Active != *f.Active {
		return false
	}
	return true
}

// Active is a convenience for building filters.
func Active(v bool) *bool { return &v }
