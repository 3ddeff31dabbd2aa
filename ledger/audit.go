package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Discrepancy is a stored aggregate that disagrees with the sum of the
// active transaction documents.
type Discrepancy struct {
	Kind     string `json:"kind"` // "stock" or "balance"
	ID       string `json:"id"`
	Stored   string `json:"stored"`
	Computed string `json:"computed"`
}

// ComputeAggregates sums active documents into per-product stock and
// per-vendor balance. Inactive documents contribute nothing.
func ComputeAggregates(incoming []IncomingAction, payments []Payment) (map[ProductID]int64, map[VendorID]decimal.Decimal) {
	stock := make(map[ProductID]int64)
	balance := make(map[VendorID]decimal.Decimal)
	for _, a := range incoming {
		if !a.Active {
			continue
		}
		stock[a.Product] += a.Qty
		balance[a.Vendor] = balance[a.Vendor].Add(PriceTotal(a.Qty, a.PricePerPcs))
	}
	for _, p := range payments {
		if !p.Active {
			continue
		}
		balance[p.Vendor] = balance[p.Vendor].Sub(p.Amount)
	}
	return stock, balance
}

// Audit recomputes both aggregates from the documents inside one unit and
// reports every mismatch. An empty slice means the store is consistent.
func (e *Engine) Audit(ctx context.Context) ([]Discrepancy, error) {
	var out []Discrepancy
	err := e.run(ctx, OpAudit, "", func(ctx context.Context) error {
		return e.store.WithTx(ctx, func(s Store) error {
			products, err := s.ListProducts(ctx)
			if err != nil {
				return err
			}
			vendors, err := s.ListVendors(ctx)
			if err != nil {
				return err
			}
			incoming, err := s.ListIncoming(ctx, IncomingFilter{})
			if err != nil {
				return err
			}
			payments, err := s.ListPayments(ctx, PaymentFilter{})
			if err != nil {
				return err
			}
			out = diffAggregates(products, vendors, incoming, payments)
			return nil
		})
	})
	return out, err
}

func diffAggregates(products []Product, vendors []Vendor, incoming []IncomingAction, payments []Payment) []Discrepancy {
	stock, balance := ComputeAggregates(incoming, payments)
	out := []Discrepancy{}
	for _, p := range products {
		if want := stock[p.ID]; want != p.Stock {
			out = append(out, Discrepancy{
				Kind:     "stock",
				ID:       string(p.ID),
				Stored:   decimal.NewFromInt(p.Stock).String(),
				Computed: decimal.NewFromInt(want).String(),
			})
		}
	}
	for _, v := range vendors {
		if want := balance[v.ID]; !want.Equal(v.Balance) {
			out = append(out, Discrepancy{
				Kind:     "balance",
				ID:       string(v.ID),
				Stored:   v.Balance.String(),
				Computed: want.String(),
			})
		}
	}
	return out
}
