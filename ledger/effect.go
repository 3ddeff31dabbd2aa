/*
effect.go - Pure aggregate delta functions

PURPOSE:
  The one definition of how each operation moves Product.Stock and
  Vendor.Balance. The engine applies these deltas inside its atomic unit;
  the mirror package applies the very same deltas optimistically on the
  client. Neither side may compute deltas any other way.

RULES:
  recordIncoming / restoreIncoming:  stock += qty,  balance += priceTotal
  voidIncoming:                      stock -= qty,  balance -= priceTotal
  editIncoming(new, old):
    old inactive                     → no aggregate change
    same product                     → stock(p) += new.qty - old.qty
    different product                → stock(old.p) -= old.qty,
                                       stock(new.p) += new.qty
    (vendor: same split, using priceTotal)
  recordPayment / restorePayment:    balance -= amount
  voidPayment:                       balance += amount

  The same-vs-different split matters: a single "new minus old" delta is
  only valid when the foreign key did not change.
*/
package ledger

import "github.com/shopspring/decimal"

// StockDelta is a signed change to one product's stock.
type StockDelta struct {
	Product ProductID
	Qty     int64
}

// BalanceDelta is a signed change to one vendor's balance.
type BalanceDelta struct {
	Vendor VendorID
	Amount decimal.Decimal
}

// Effect is the full set of aggregate changes of one operation.
type Effect struct {
	Stock   []StockDelta
	Balance []BalanceDelta
}

// IsZero reports whether applying e changes nothing.
func (e Effect) IsZero() bool {
	for _, d := range e.Stock {
		if d.Qty != 0 {
			return false
		}
	}
	for _, d := range e.Balance {
		if !d.Amount.IsZero() {
			return false
		}
	}
	return true
}

// Negate returns the inverse effect.
func (e Effect) Negate() Effect {
	out := Effect{
		Stock:   make([]StockDelta, len(e.Stock)),
		Balance: make([]BalanceDelta, len(e.Balance)),
	}
	for i, d := range e.Stock {
		out.Stock[i] = StockDelta{Product: d.Product, Qty: -d.Qty}
	}
	for i, d := range e.Balance {
		out.Balance[i] = BalanceDelta{Vendor: d.Vendor, Amount: d.Amount.Neg()}
	}
	return out
}

// =============================================================================
// INCOMING ACTIONS
// =============================================================================

func RecordIncomingEffect(a IncomingAction) Effect {
	return Effect{
		Stock:   []StockDelta{{Product: a.Product, Qty: a.Qty}},
		Balance: []BalanceDelta{{Vendor: a.Vendor, Amount: a.PriceTotal}},
	}
}

func VoidIncomingEffect(a IncomingAction) Effect {
	return RecordIncomingEffect(a).Negate()
}

func RestoreIncomingEffect(a IncomingAction) Effect {
	return RecordIncomingEffect(a)
}

// EditIncomingEffect reconciles aggregates when an action is replaced.
// Only old.Active decides: an inactive record contributes nothing before
// or after the edit.
func EditIncomingEffect(newA, oldA IncomingAction) Effect {
	if !oldA.Active {
		return Effect{}
	}

	var e Effect
	if newA.Product == oldA.Product {
		e.Stock = []StockDelta{{Product: newA.Product, Qty: newA.Qty - oldA.Qty}}
	} else {
		e.Stock = []StockDelta{
			{Product: oldA.Product, Qty: -oldA.Qty},
			{Product: newA.Product, Qty: newA.Qty},
		}
	}

	if newA.Vendor == oldA.Vendor {
		e.Balance = []BalanceDelta{{Vendor: newA.Vendor, Amount: newA.PriceTotal.Sub(oldA.PriceTotal)}}
	} else {
		e.Balance = []BalanceDelta{
			{Vendor: oldA.Vendor, Amount: oldA.PriceTotal.Neg()},
			{Vendor: newA.Vendor, Amount: newA.PriceTotal},
		}
	}
	return e
}

// =============================================================================
// PAYMENTS
// =============================================================================

func RecordPaymentEffect(p Payment) Effect {
	return Effect{Balance: []BalanceDelta{{Vendor: p.Vendor, Amount: p.Amount.Neg()}}}
}

func VoidPaymentEffect(p Payment) Effect {
	return RecordPaymentEffect(p).Negate()
}

func RestorePaymentEffect(p Payment) Effect {
	return RecordPaymentEffect(p)
}
