/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	data for demos. Each scenario creates products and vendors and drives
	them through the ledger operations it demonstrates.

AVAILABLE SCENARIOS:

	incoming-lifecycle: record, void, restore and edit one delivery
	vendor-payments:    delivery, then a payment that is voided and restored
	guarded-delete:     one product still referenced, one deletable
	multi-vendor:       one product bought from two vendors, one delivery moved

HOW SCENARIOS WORK:
 1. Create products and vendors (ids assigned by the engine)
 2. Record incoming actions and payments
 3. Apply voids, restores and edits
 4. Return the resulting catalog

	Records are never hard-deleted, so loading a scenario twice creates a
	second, independent set of documents.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "incoming-lifecycle"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Add the loader to 'scenarioLoaders'

NOTE:

	Routes are registered only when RouterOptions.Scenarios is set.

SEE ALSO:
  - server.go: Route registration
  - ledger/engine.go: The operations each scenario exercises
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ScenarioResultDTO is the catalog a scenario created.
type ScenarioResultDTO struct {
	Scenario string       `json:"scenario"`
	Products []ProductDTO `json:"products"`
	Vendors  []VendorDTO  `json:"vendors"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "incoming-lifecycle",
		Name:        "Incoming Lifecycle",
		Description: "10 pcs at 5, voided, restored, then edited to 4 pcs (stock 4, balance 20)",
	},
	{
		ID:          "vendor-payments",
		Name:        "Vendor Payments",
		Description: "Balance 50, payment of 30 voided and restored (balance 20)",
	},
	{
		ID:          "guarded-delete",
		Name:        "Guarded Delete",
		Description: "A product with live deliveries stays, a product with only voided ones is deleted",
	},
	{
		ID:          "multi-vendor",
		Name:        "Multi-Vendor",
		Description: "One product from two vendors, one delivery moved between them",
	},
}

type scenarioLoader func(ctx context.Context, e *ledger.Engine) (*scenarioResult, error)

var scenarioLoaders = map[string]scenarioLoader{
	"incoming-lifecycle": loadIncomingLifecycleScenario,
	"vendor-payments":    loadVendorPaymentsScenario,
	"guarded-delete":     loadGuardedDeleteScenario,
	"multi-vendor":       loadMultiVendorScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: scenarios})
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, Envelope{Success: true, Data: s})
			return
		}
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !bindAndValidate(w, r, &req) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, &ledger.ValidationError{Field: "scenario_id", Reason: fmt.Sprintf("unknown scenario %q", req.ScenarioID)})
		return
	}

	res, err := load(r.Context(), h.engine)
	if err != nil {
		h.respondWrite(w, r, http.StatusOK, nil, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}

	h.scenarioMu.Lock()
	h.currentScenario = req.ScenarioID
	h.scenarioMu.Unlock()

	h.respondWrite(w, r, http.StatusCreated, ScenarioResultDTO{
		Scenario: req.ScenarioID,
		Products: mapSlice(res.products, ProductFromLedger),
		Vendors:  mapSlice(res.vendors, VendorFromLedger),
	}, nil)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// scenarioResult collects the catalog a loader touched, in final state.
type scenarioResult struct {
	products []ledger.Product
	vendors  []ledger.Vendor
}

// finish re-reads the catalog so the result shows the final aggregates.
func (res *scenarioResult) finish(ctx context.Context, e *ledger.Engine) (*scenarioResult, error) {
	products, err := e.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	vendors, err := e.ListVendors(ctx)
	if err != nil {
		return nil, err
	}
	out := &scenarioResult{}
	for _, p := range products {
		for _, want := range res.products {
			if p.ID == want.ID {
				out.products = append(out.products, p)
			}
		}
	}
	for _, v := range vendors {
		for _, want := range res.vendors {
			if v.ID == want.ID {
				out.vendors = append(out.vendors, v)
			}
		}
	}
	return out, nil
}

func (res *scenarioResult) product(ctx context.Context, e *ledger.Engine, name string) (ledger.Product, error) {
	p, err := e.AddProduct(ctx, ledger.Product{Name: name})
	if err == nil {
		res.products = append(res.products, p)
	}
	return p, err
}

func (res *scenarioResult) vendor(ctx context.Context, e *ledger.Engine, name string) (ledger.Vendor, error) {
	v, err := e.AddVendor(ctx, ledger.Vendor{Name: name})
	if err == nil {
		res.vendors = append(res.vendors, v)
	}
	return v, err
}

func delivery(p ledger.Product, v ledger.Vendor, qty int64, price int64, notes string) ledger.IncomingAction {
	return ledger.IncomingAction{Qty: qty, PricePerPcs: decimal.NewFromInt(price), Product: p.ID, Vendor: v.ID, Notes: notes}
}

func loadIncomingLifecycleScenario(ctx context.Context, e *ledger.Engine) (*scenarioResult, error) {
	res := &scenarioResult{}
	p, err := res.product(ctx, e, "Widget")
	if err != nil {
		return nil, err
	}
	v, err := res.vendor(ctx, e, "Acme Supplies")
	if err != nil {
		return nil, err
	}

	a, err := e.RecordIncoming(ctx, delivery(p, v, 10, 5, "first delivery"))
	if err != nil {
		return nil, err
	}
	if a, err = e.VoidIncoming(ctx, a); err != nil {
		return nil, err
	}
	if a, err = e.RestoreIncoming(ctx, a); err != nil {
		return nil, err
	}
	edited := a
	edited.Qty = 4
	edited.Notes = "recount: 4 pcs"
	if _, err := e.EditIncoming(ctx, edited, a); err != nil {
		return nil, err
	}
	return res.finish(ctx, e)
}

func loadVendorPaymentsScenario(ctx context.Context, e *ledger.Engine) (*scenarioResult, error) {
	res := &scenarioResult{}
	p, err := res.product(ctx, e, "Bolt M8")
	if err != nil {
		return nil, err
	}
	v, err := res.vendor(ctx, e, "Northwind")
	if err != nil {
		return nil, err
	}

	if _, err := e.RecordIncoming(ctx, delivery(p, v, 10, 5, "")); err != nil {
		return nil, err
	}
	pay, err := e.RecordPayment(ctx, ledger.Payment{Amount: decimal.NewFromInt(30), Vendor: v.ID, Notes: "bank transfer"})
	if err != nil {
		return nil, err
	}
	if pay, err = e.VoidPayment(ctx, pay); err != nil {
		return nil, err
	}
	if _, err := e.RestorePayment(ctx, pay); err != nil {
		return nil, err
	}
	return res.finish(ctx, e)
}

func loadGuardedDeleteScenario(ctx context.Context, e *ledger.Engine) (*scenarioResult, error) {
	res := &scenarioResult{}
	kept, err := res.product(ctx, e, "Hinge")
	if err != nil {
		return nil, err
	}
	retired, err := res.product(ctx, e, "Legacy Hinge")
	if err != nil {
		return nil, err
	}
	v, err := res.vendor(ctx, e, "Globex")
	if err != nil {
		return nil, err
	}

	if _, err := e.RecordIncoming(ctx, delivery(kept, v, 3, 7, "")); err != nil {
		return nil, err
	}
	old, err := e.RecordIncoming(ctx, delivery(retired, v, 2, 6, "returned"))
	if err != nil {
		return nil, err
	}
	if _, err := e.VoidIncoming(ctx, old); err != nil {
		return nil, err
	}
	if _, err := e.DeleteProduct(ctx, retired.ID); err != nil {
		return nil, err
	}
	return res.finish(ctx, e)
}

func loadMultiVendorScenario(ctx context.Context, e *ledger.Engine) (*scenarioResult, error) {
	res := &scenarioResult{}
	p, err := res.product(ctx, e, "Cable 2m")
	if err != nil {
		return nil, err
	}
	first, err := res.vendor(ctx, e, "Initech")
	if err != nil {
		return nil, err
	}
	second, err := res.vendor(ctx, e, "Umbrella")
	if err != nil {
		return nil, err
	}

	if _, err := e.RecordIncoming(ctx, delivery(p, first, 5, 2, "")); err != nil {
		return nil, err
	}
	a, err := e.RecordIncoming(ctx, delivery(p, first, 8, 3, "booked to the wrong vendor"))
	if err != nil {
		return nil, err
	}
	moved := a
	moved.Vendor = second.ID
	if _, err := e.EditIncoming(ctx, moved, a); err != nil {
		return nil, err
	}
	return res.finish(ctx, e)
}
