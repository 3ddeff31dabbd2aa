/*
catalog.go - Product/vendor lifecycle, deletion guard and queries

PURPOSE:
  Catalog records carry the aggregates but are never written by these
  operations beyond their name and active flag.

DELETION GUARD:
  CanDeleteProduct  false iff an active IncomingAction references it
  CanDeleteVendor   false iff an active IncomingAction or an active
                    Payment references it

  The Can* checks are advisory. DeleteProduct / DeleteVendor re-run the
  same check inside the unit that writes active=false, so the check and
  the write see one snapshot on stores that serialize writers.
*/
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DELETION GUARD
// =============================================================================

// CanDeleteProduct reports whether no active incoming action references id.
// A query failure returns an error matching ErrCheckFailed.
func (e *Engine) CanDeleteProduct(ctx context.Context, id ProductID) (bool, error) {
	var allowed bool
	err := e.run(ctx, OpCanDeleteProduct, string(id), func(ctx context.Context) error {
		var err error
		allowed, err = productDeletable(ctx, e.store, id)
		return err
	})
	return allowed, err
}

// CanDeleteVendor reports whether no active incoming action or payment
// references id.
func (e *Engine) CanDeleteVendor(ctx context.Context, id VendorID) (bool, error) {
	var allowed bool
	err := e.run(ctx, OpCanDeleteVendor, string(id), func(ctx context.Context) error {
		var err error
		allowed, err = vendorDeletable(ctx, e.store, id)
		return err
	})
	return allowed, err
}

func productDeletable(ctx context.Context, s Store, id ProductID) (bool, error) {
	refs, err := s.ListIncoming(ctx, IncomingFilter{Product: &id, Active: Active(true), Limit: 1})
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrCheckFailed, err)
	}
	return len(refs) == 0, nil
}

func vendorDeletable(ctx context.Context, s Store, id VendorID) (bool, error) {
	refs, err := s.ListIncoming(ctx, IncomingFilter{Vendor: &id, Active: Active(true), Limit: 1})
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrCheckFailed, err)
	}
	if len(refs) > 0 {
		return false, nil
	}
	pays, err := s.ListPayments(ctx, PaymentFilter{Vendor: &id, Active: Active(true), Limit: 1})
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrCheckFailed, err)
	}
	return len(pays) == 0, nil
}

// =============================================================================
// PRODUCTS
// =============================================================================

// AddProduct creates an active product with zero stock.
func (e *Engine) AddProduct(ctx context.Context, p Product) (Product, error) {
	if p.ID == "" {
		p.ID = ProductID(e.newID())
	}
	p.Name = strings.TrimSpace(p.Name)
	p.Active = true
	p.Stock = 0

	err := e.run(ctx, OpAddProduct, string(p.ID), func(ctx context.Context) error {
		if p.Name == "" {
			return &ValidationError{Field: "name", Reason: "required"}
		}
		return e.store.WithTx(ctx, func(s Store) error {
			if err := s.InsertProduct(ctx, p); err != nil {
				return &StepError{Op: OpAddProduct, Step: StepInsert, ID: string(p.ID), Err: err}
			}
			return nil
		})
	})
	if err != nil {
		return Product{}, err
	}
	return p, nil
}

// DeleteProduct soft-deletes a product. It fails with ErrDeleteDenied while
// active incoming actions reference it.
func (e *Engine) DeleteProduct(ctx context.Context, id ProductID) (Product, error) {
	var result Product
	err := e.run(ctx, OpDeleteProduct, string(id), func(ctx context.Context) error {
		return e.store.WithTx(ctx, func(s Store) error {
			ok, err := productDeletable(ctx, s, id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("product %s: %w", id, ErrDeleteDenied)
			}
			prev, err := s.SetProductActive(ctx, id, false)
			if err != nil {
				return &StepError{Op: OpDeleteProduct, Step: StepProductUpdate, ID: string(id), Err: err}
			}
			result = prev
			result.Active = false
			return nil
		})
	})
	if err != nil {
		return Product{}, err
	}
	return result, nil
}

// RestoreProduct reactivates a soft-deleted product.
func (e *Engine) RestoreProduct(ctx context.Context, id ProductID) (Product, error) {
	var result Product
	err := e.run(ctx, OpRestoreProduct, string(id), func(ctx context.Context) error {
		return e.store.WithTx(ctx, func(s Store) error {
			prev, err := s.SetProductActive(ctx, id, true)
			if err != nil {
				return &StepError{Op: OpRestoreProduct, Step: StepProductUpdate, ID: string(id), Err: err}
			}
			result = prev
			result.Active = true
			return nil
		})
	})
	if err != nil {
		return Product{}, err
	}
	return result, nil
}

// =============================================================================
// VENDORS
// =============================================================================

// AddVendor creates an active vendor with a zero balance.
func (e *Engine) AddVendor(ctx context.Context, v Vendor) (Vendor, error) {
	if v.ID == "" {
		v.ID = VendorID(e.newID())
	}
	v.Name = strings.TrimSpace(v.Name)
	v.Active = true
	v.Balance = decimal.Zero

	err := e.run(ctx, OpAddVendor, string(v.ID), func(ctx context.Context) error {
		if v.Name == "" {
			return &ValidationError{Field: "name", Reason: "required"}
		}
		return e.store.WithTx(ctx, func(s Store) error {
			if err := s.InsertVendor(ctx, v); err != nil {
				return &StepError{Op: OpAddVendor, Step: StepInsert, ID: string(v.ID), Err: err}
			}
			return nil
		})
	})
	if err != nil {
		return Vendor{}, err
	}
	return v, nil
}

// DeleteVendor soft-deletes a vendor. It fails with ErrDeleteDenied while
// active incoming actions or payments reference it.
func (e *Engine) DeleteVendor(ctx context.Context, id VendorID) (Vendor, error) {
	var result Vendor
	err := e.run(ctx, OpDeleteVendor, string(id), func(ctx context.Context) error {
		return e.store.WithTx(ctx, func(s Store) error {
			ok, err := vendorDeletable(ctx, s, id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("vendor %s: %w", id, ErrDeleteDenied)
			}
			prev, err := s.SetVendorActive(ctx, id, false)
			if err != nil {
				return &StepError{Op: OpDeleteVendor, Step: StepVendorUpdate, ID: string(id), Err: err}
			}
			result = prev
			result.Active = false
			return nil
		})
	})
	if err != nil {
		return Vendor{}, err
	}
	return result, nil
}

// RestoreVendor reactivates a soft-deleted vendor.
func (e *Engine) RestoreVendor(ctx context.Context, id VendorID) (Vendor, error) {
	var result Vendor
	err := e.run(ctx, OpRestoreVendor, string(id), func(ctx context.Context) error {
		return e.store.WithTx(ctx, func(s Store) error {
			prev, err := s.SetVendorActive(ctx, id, true)
			if err != nil {
				return &StepError{Op: OpRestoreVendor, Step: StepVendorUpdate, ID: string(id), Err: err}
			}
			result = prev
			result.Active = true
			return nil
		})
	})
	if err != nil {
		return Vendor{}, err
	}
	return result, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) ListProducts(ctx context.Context) ([]Product, error) {
	var out []Product
	err := e.run(ctx, OpList, "products", func(ctx context.Context) error {
		var err error
		out, err = e.store.ListProducts(ctx)
		return err
	})
	return out, err
}

func (e *Engine) ListVendors(ctx context.Context) ([]Vendor, error) {
	var out []Vendor
	err := e.run(ctx, OpList, "vendors", func(ctx context.Context) error {
		var err error
		out, err = e.store.ListVendors(ctx)
		return err
	})
	return out, err
}

func (e *Engine) ListIncoming(ctx context.Context, f IncomingFilter) ([]IncomingAction, error) {
	var out []IncomingAction
	err := e.run(ctx, OpList, "incoming", func(ctx context.Context) error {
		var err error
		out, err = e.store.ListIncoming(ctx, f)
		return err
	})
	return out, err
}

func (e *Engine) ListPayments(ctx context.Context, f PaymentFilter) ([]Payment, error) {
	var out []Payment
	err := e.run(ctx, OpList, "payments", func(ctx context.Context) error {
		var err error
		out, err = e.store.ListPayments(ctx, f)
		return err
	})
	return out, err
}
