/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. The ledger types
  carry no JSON tags; these types are the wire contract and are shared
  with the client package.

NAMING CONVENTION:
  - *DTO:     documents as returned to clients (also accepted as the
              caller's copy in void/restore/edit bodies)
  - *Request: request bodies from clients, validated with struct tags

WIRE FORMATS:
  Money is a decimal string ("12.50"); numbers are accepted on input.
  Dates are "YYYY-MM-DD".

ENVELOPE:
  Every response is {"success", "error", "code", "data"}.

SEE ALSO:
  - handlers.go: Uses these types
  - client/client.go: Decodes them
*/
package api

import (
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// ENVELOPE
// =============================================================================

// Envelope wraps every response body.
type Envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// CanDeleteDTO answers a deletion-guard query.
type CanDeleteDTO struct {
	Allowed bool `json:"allowed"`
}

// DiscrepancyDTO is one audit finding.
type DiscrepancyDTO = ledger.Discrepancy

// =============================================================================
// CATALOG
// =============================================================================

// ProductDTO represents a product in API responses.
type ProductDTO struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	Stock  int64  `json:"stock"`
}

// VendorDTO represents a vendor in API responses.
type VendorDTO struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Active  bool            `json:"active"`
	Balance decimal.Decimal `json:"balance"`
}

// CreateProductRequest is the request to add a product.
type CreateProductRequest struct {
	ID   string `json:"id" validate:"omitempty,max=128"`
	Name string `json:"name" validate:"required,max=256"`
}

// CreateVendorRequest is the request to add a vendor.
type CreateVendorRequest struct {
	ID   string `json:"id" validate:"omitempty,max=128"`
	Name string `json:"name" validate:"required,max=256"`
}

func ProductFromLedger(p ledger.Product) ProductDTO {
	return ProductDTO{ID: string(p.ID), Name: p.Name, Active: p.Active, Stock: p.Stock}
}

func VendorFromLedger(v ledger.Vendor) VendorDTO {
	return VendorDTO{ID: string(v.ID), Name: v.Name, Active: v.Active, Balance: v.Balance}
}

func (p ProductDTO) ToLedger() ledger.Product {
	return ledger.Product{ID: ledger.ProductID(p.ID), Name: p.Name, Active: p.Active, Stock: p.Stock}
}

func (v VendorDTO) ToLedger() ledger.Vendor {
	return ledger.Vendor{ID: ledger.VendorID(v.ID), Name: v.Name, Active: v.Active, Balance: v.Balance}
}

// =============================================================================
// INCOMING ACTIONS
// =============================================================================

// IncomingDTO represents an incoming action.
type IncomingDTO struct {
	ID          string          `json:"id"`
	Qty         int64           `json:"qty"`
	PricePerPcs decimal.Decimal `json:"pricePerPcs"`
	PriceTotal  decimal.Decimal `json:"priceTotal"`
	Date        string          `json:"date,omitempty"`
	Notes       string          `json:"notes"`
	Product     string          `json:"product"`
	Vendor      string          `json:"vendor"`
	Active      bool            `json:"active"`
	ProductName string          `json:"productName,omitempty"`
	VendorName  string          `json:"vendorName,omitempty"`
}

// IncomingRequest is the body of a record, and the "new" half of an edit.
type IncomingRequest struct {
	ID          string          `json:"id" validate:"omitempty,max=128"`
	Qty         int64           `json:"qty" validate:"gt=0"`
	PricePerPcs decimal.Decimal `json:"pricePerPcs" validate:"min=0"`
	Date        string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Notes       string          `json:"notes" validate:"max=2048"`
	Product     string          `json:"product" validate:"required"`
	Vendor      string          `json:"vendor" validate:"required"`
}

// EditIncomingRequest carries the new terms and the caller's copy of the
// stored action. Old may be omitted or carry only the id.
type EditIncomingRequest struct {
	New IncomingRequest `json:"new"`
	Old *IncomingDTO    `json:"old,omitempty"`
}

func IncomingFromLedger(a ledger.IncomingAction) IncomingDTO {
	return IncomingDTO{
		ID:          string(a.ID),
		Qty:         a.Qty,
		PricePerPcs: a.PricePerPcs,
		PriceTotal:  a.PriceTotal,
		Date:        formatDate(a.Date),
		Notes:       a.Notes,
		Product:     string(a.Product),
		Vendor:      string(a.Vendor),
		Active:      a.Active,
		ProductName: a.ProductName,
		VendorName:  a.VendorName,
	}
}

func (d IncomingDTO) ToLedger() (ledger.IncomingAction, error) {
	date, err := parseDate(d.Date)
	if err != nil {
		return ledger.IncomingAction{}, err
	}
	return ledger.IncomingAction{
		ID:          ledger.ActionID(d.ID),
		Qty:         d.Qty,
		PricePerPcs: d.PricePerPcs,
		PriceTotal:  d.PriceTotal,
		Date:        date,
		Notes:       d.Notes,
		Product:     ledger.ProductID(d.Product),
		Vendor:      ledger.VendorID(d.Vendor),
		Active:      d.Active,
		ProductName: d.ProductName,
		VendorName:  d.VendorName,
	}, nil
}

func (r IncomingRequest) ToLedger() (ledger.IncomingAction, error) {
	date, err := parseDate(r.Date)
	if err != nil {
		return ledger.IncomingAction{}, err
	}
	return ledger.IncomingAction{
		ID:          ledger.ActionID(r.ID),
		Qty:         r.Qty,
		PricePerPcs: r.PricePerPcs,
		Date:        date,
		Notes:       r.Notes,
		Product:     ledger.ProductID(r.Product),
		Vendor:      ledger.VendorID(r.Vendor),
	}, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentDTO represents a payment.
type PaymentDTO struct {
	ID         string          `json:"id"`
	Amount     decimal.Decimal `json:"amount"`
	Date       string          `json:"date,omitempty"`
	Notes      string          `json:"notes"`
	Vendor     string          `json:"vendor"`
	Active     bool            `json:"active"`
	VendorName string          `json:"vendorName,omitempty"`
}

// PaymentRequest is the body of a record payment.
type PaymentRequest struct {
	ID     string          `json:"id" validate:"omitempty,max=128"`
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
	Date   string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Notes  string          `json:"notes" validate:"max=2048"`
	Vendor string          `json:"vendor" validate:"required"`
}

func PaymentFromLedger(p ledger.Payment) PaymentDTO {
	return PaymentDTO{
		ID:         string(p.ID),
		Amount:     p.Amount,
		Date:       formatDate(p.Date),
		Notes:      p.Notes,
		Vendor:     string(p.Vendor),
		Active:     p.Active,
		VendorName: p.VendorName,
	}
}

func (d PaymentDTO) ToLedger() (ledger.Payment, error) {
	date, err := parseDate(d.Date)
	if err != nil {
		return ledger.Payment{}, err
	}
	return ledger.Payment{
		ID:         ledger.PaymentID(d.ID),
		Amount:     d.Amount,
		Date:       date,
		Notes:      d.Notes,
		Vendor:     ledger.VendorID(d.Vendor),
		Active:     d.Active,
		VendorName: d.VendorName,
	}, nil
}

func (r PaymentRequest) ToLedger() (ledger.Payment, error) {
	date, err := parseDate(r.Date)
	if err != nil {
		return ledger.Payment{}, err
	}
	return ledger.Payment{
		ID:     ledger.PaymentID(r.ID),
		Amount: r.Amount,
		Date:   date,
		Notes:  r.Notes,
		Vendor: ledger.VendorID(r.Vendor),
	}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(ledger.DateLayout)
}

// parseDate accepts "" (the engine defaults it to today).
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(ledger.DateLayout, s)
	if err != nil {
		return time.Time{}, &ledger.ValidationError{Field: "date", Reason: "want YYYY-MM-DD"}
	}
	return t, nil
}

func mapSlice[T, D any](in []T, conv func(T) D) []D {
	out := make([]D, len(in))
	for i, v := range in {
		out[i] = conv(v)
	}
	return out
}

var validate = validator.New()

func init() {
	// decimal.Decimal validates as a number so that min/gt tags apply.
	validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if v, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := v.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
}
