/*
handlers.go - HTTP API handlers for the stock ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to ledger.Engine.

ENDPOINTS:
  Products:
    GET    /api/products                  List products
    POST   /api/products                  Add product
    DELETE /api/products/{id}             Soft delete (guarded)
    POST   /api/products/{id}/restore     Restore
    GET    /api/products/{id}/can-delete  Deletion guard

  Vendors: same shape under /api/vendors

  Incoming:
    GET    /api/incoming                  List (?product=&vendor=&active=&limit=)
    POST   /api/incoming                  Record
    PUT    /api/incoming/{id}             Edit, body {new, old}
    POST   /api/incoming/{id}/void        Void, body: caller's copy (optional)
    POST   /api/incoming/{id}/restore     Restore, body: caller's copy (optional)

  Payments:
    GET    /api/payments                  List (?vendor=&active=&limit=)
    POST   /api/payments                  Record
    POST   /api/payments/{id}/void        Void
    POST   /api/payments/{id}/restore     Restore

  GET /api/audit                          Invariant check

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (validator tags on *Request types)
  3. Call the engine
  4. Invalidate the list cache on success
  5. Serialize response

ERROR HANDLING:
  The envelope carries the ledger error code. HTTP status follows the code:
  - 400: invalid
  - 401: unauthorized
  - 404: not_found
  - 409: inactive_reference, delete_denied, transaction_aborted
  - 429: rate_limited
  - 503: store_unavailable
  - 500: check_failed, internal

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/warp/stock-ledger/cache"
	"github.com/warp/stock-ledger/ledger"
)

// CodeRateLimited is the envelope code of a throttled request.
const CodeRateLimited = "rate_limited"

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	engine *ledger.Engine
	cache  cache.Cache
	pinger Pinger
	log    zerolog.Logger

	scenarioMu      sync.Mutex
	currentScenario string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithCache enables the read-through list cache.
func WithCache(c cache.Cache) HandlerOption {
	return func(h *Handler) { h.cache = c }
}

// WithPinger makes /ready check the store.
func WithPinger(p Pinger) HandlerOption {
	return func(h *Handler) { h.pinger = p }
}

// WithHandlerLogger sets the logger used for cache warnings.
func WithHandlerLogger(l zerolog.Logger) HandlerOption {
	return func(h *Handler) { h.log = l }
}

// NewHandler creates a new handler over engine.
func NewHandler(engine *ledger.Engine, opts ...HandlerOption) *Handler {
	h := &Handler{engine: engine, cache: cache.Nop{}, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// =============================================================================
// HEALTH
// =============================================================================

// Health is the liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: map[string]string{"status": "ok"}})
}

// Ready checks the store when a pinger is configured.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: map[string]string{"status": "ready"}})
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

// ListProducts returns all products.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	cachedList(h, w, r, func(ctx context.Context) ([]ProductDTO, error) {
		products, err := h.engine.ListProducts(ctx)
		return mapSlice(products, ProductFromLedger), err
	})
}

// CreateProduct adds a product with zero stock.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if !bindAndValidate(w, r, &req) {
		return
	}
	p, err := h.engine.AddProduct(r.Context(), ledger.Product{ID: ledger.ProductID(req.ID), Name: req.Name})
	h.respondWrite(w, r, http.StatusCreated, ProductFromLedger(p), err)
}

// DeleteProduct soft-deletes a product if no active incoming action references it.
func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.DeleteProduct(r.Context(), ledger.ProductID(chi.URLParam(r, "id")))
	h.respondWrite(w, r, http.StatusOK, ProductFromLedger(p), err)
}

// RestoreProduct reactivates a product.
func (h *Handler) RestoreProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.RestoreProduct(r.Context(), ledger.ProductID(chi.URLParam(r, "id")))
	h.respondWrite(w, r, http.StatusOK, ProductFromLedger(p), err)
}

// CanDeleteProduct runs the deletion guard.
func (h *Handler) CanDeleteProduct(w http.ResponseWriter, r *http.Request) {
	ok, err := h.engine.CanDeleteProduct(r.Context(), ledger.ProductID(chi.URLParam(r, "id")))
	respond(w, http.StatusOK, CanDeleteDTO{Allowed: ok}, err)
}

// =============================================================================
// VENDOR HANDLERS
// =============================================================================

// ListVendors returns all vendors.
func (h *Handler) ListVendors(w http.ResponseWriter, r *http.Request) {
	cachedList(h, w, r, func(ctx context.Context) ([]VendorDTO, error) {
		vendors, err := h.engine.ListVendors(ctx)
		return mapSlice(vendors, VendorFromLedger), err
	})
}

func (h *Handler) CreateVendor(w http.ResponseWriter, r *http.Request) {
	var req CreateVendorRequest
	if !bindAndValidate(w, r, &req) {
		return
	}
	v, err := h.engine.AddVendor(r.Context(), ledger.Vendor{ID: ledger.VendorID(req.ID), Name: req.Name})
	h.respondWrite(w, r, http.StatusCreated, VendorFromLedger(v), err)
}

func (h *Handler) DeleteVendor(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.DeleteVendor(r.Context(), ledger.VendorID(chi.URLParam(r, "id")))
	h.respondWrite(w, r, http.StatusOK, VendorFromLedger(v), err)
}

func (h *Handler) RestoreVendor(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.RestoreVendor(r.Context(), ledger.VendorID(chi.URLParam(r, "id")))
	h.respondWrite(w, r, http.StatusOK, VendorFromLedger(v), err)
}

func (h *Handler) CanDeleteVendor(w http.ResponseWriter, r *http.Request) {
	ok, err := h.engine.CanDeleteVendor(r.Context(), ledger.VendorID(chi.URLParam(r, "id")))
	respond(w, http.StatusOK, CanDeleteDTO{Allowed: ok}, err)
}

// =============================================================================
// INCOMING HANDLERS
// =============================================================================

// ListIncoming returns incoming actions matching the query filters.
func (h *Handler) ListIncoming(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f ledger.IncomingFilter
	if v := q.Get("product"); v != "" {
		id := ledger.ProductID(v)
		f.Product = &id
	}
	if v := q.Get("vendor"); v != "" {
		id := ledger.VendorID(v)
		f.Vendor = &id
	}
	var err error
	if f.Active, f.Limit, err = parseCommonFilters(q.Get("active"), q.Get("limit")); err != nil {
		writeError(w, err)
		return
	}
	cachedList(h, w, r, func(ctx context.Context) ([]IncomingDTO, error) {
		actions, err := h.engine.ListIncoming(ctx, f)
		return mapSlice(actions, IncomingFromLedger), err
	})
}

// RecordIncoming records stock received from a vendor.
func (h *Handler) RecordIncoming(w http.ResponseWriter, r *http.Request) {
	var req IncomingRequest
	if !bindAndValidate(w, r, &req) {
		return
	}
	a, err := req.ToLedger()
	if err != nil {
		writeError(w, err)
		return
	}
	a, err = h.engine.RecordIncoming(r.Context(), a)
	h.respondWrite(w, r, http.StatusCreated, IncomingFromLedger(a), err)
}

// EditIncoming replaces the terms of an incoming action.
func (h *Handler) EditIncoming(w http.ResponseWriter, r *http.Request) {
	var req EditIncomingRequest
	if !bindAndValidate(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if req.New.ID != "" && req.New.ID != id {
		writeError(w, &ledger.ValidationError{Field: "id", Reason: "body id does not match path"})
		return
	}
	newA, err := req.New.ToLedger()
	if err != nil {
		writeError(w, err)
		return
	}
	newA.ID = ledger.ActionID(id)

	oldA := ledger.IncomingAction{ID: newA.ID}
	if req.Old != nil {
		if oldA, err = req.Old.ToLedger(); err != nil {
			writeError(w, err)
			return
		}
		if oldA.ID == "" {
			oldA.ID = newA.ID
		}
	}

	a, err := h.engine.EditIncoming(r.Context(), newA, oldA)
	h.respondWrite(w, r, http.StatusOK, IncomingFromLedger(a), err)
}

func (h *Handler) VoidIncoming(w http.ResponseWriter, r *http.Request) {
	h.toggleIncoming(w, r, h.engine.VoidIncoming)
}

func (h *Handler) RestoreIncoming(w http.ResponseWriter, r *http.Request) {
	h.toggleIncoming(w, r, h.engine.RestoreIncoming)
}

func (h *Handler) toggleIncoming(w http.ResponseWriter, r *http.Request,
	op func(context.Context, ledger.IncomingAction) (ledger.IncomingAction, error)) {
	var dto IncomingDTO
	if !bindOptional(w, r, &dto) {
		return
	}
	a, err := dto.ToLedger()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := pathID(r, &a.ID); err != nil {
		writeError(w, err)
		return
	}
	a, err = op(r.Context(), a)
	h.respondWrite(w, r, http.StatusOK, IncomingFromLedger(a), err)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f ledger.PaymentFilter
	if v := q.Get("vendor"); v != "" {
		id := ledger.VendorID(v)
		f.Vendor = &id
	}
	var err error
	if f.Active, f.Limit, err = parseCommonFilters(q.Get("active"), q.Get("limit")); err != nil {
		writeError(w, err)
		return
	}
	cachedList(h, w, r, func(ctx context.Context) ([]PaymentDTO, error) {
		payments, err := h.engine.ListPayments(ctx, f)
		return mapSlice(payments, PaymentFromLedger), err
	})
}

func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !bindAndValidate(w, r, &req) {
		return
	}
	p, err := req.ToLedger()
	if err != nil {
		writeError(w, err)
		return
	}
	p, err = h.engine.RecordPayment(r.Context(), p)
	h.respondWrite(w, r, http.StatusCreated, PaymentFromLedger(p), err)
}

func (h *Handler) VoidPayment(w http.ResponseWriter, r *http.Request) {
	h.togglePayment(w, r, h.engine.VoidPayment)
}

func (h *Handler) RestorePayment(w http.ResponseWriter, r *http.Request) {
	h.togglePayment(w, r, h.engine.RestorePayment)
}

func (h *Handler) togglePayment(w http.ResponseWriter, r *http.Request,
	op func(context.Context, ledger.Payment) (ledger.Payment, error)) {
	var dto PaymentDTO
	if !bindOptional(w, r, &dto) {
		return
	}
	p, err := dto.ToLedger()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := pathID(r, &p.ID); err != nil {
		writeError(w, err)
		return
	}
	p, err = op(r.Context(), p)
	h.respondWrite(w, r, http.StatusOK, PaymentFromLedger(p), err)
}

// =============================================================================
// AUDIT
// =============================================================================

// Audit recomputes the aggregates and reports every mismatch.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	d, err := h.engine.Audit(r.Context())
	respond(w, http.StatusOK, d, err)
}

// =============================================================================
// HELPERS
// =============================================================================

// cachedList serves a list from the cache when possible. The caller check
// runs first so that cached data is never served anonymously.
func cachedList[T any](h *Handler, w http.ResponseWriter, r *http.Request, load func(context.Context) ([]T, error)) {
	ctx := r.Context()
	if _, ok := ledger.CallerFrom(ctx); !ok {
		writeError(w, ledger.ErrUnauthorized)
		return
	}

	key := "list:" + r.URL.Path + "?" + r.URL.Query().Encode()
	var cached []T
	if ok, err := h.cache.Get(ctx, key, &cached); err != nil {
		h.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
	} else if ok {
		writeJSON(w, http.StatusOK, Envelope{Success: true, Data: cached})
		return
	}

	// The generation is read before the load so that a write committing
	// during the load keeps this result out of the cache.
	gen, genErr := h.cache.Generation(ctx)
	items, err := load(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	if genErr != nil {
		h.log.Warn().Err(genErr).Str("key", key).Msg("cache generation read failed")
	} else if _, err := h.cache.Set(ctx, key, items, gen); err != nil {
		h.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: items})
}

// respondWrite responds to a mutating request and drops the list cache
// when it committed.
func (h *Handler) respondWrite(w http.ResponseWriter, r *http.Request, status int, data any, err error) {
	if err == nil {
		if cerr := h.cache.Invalidate(r.Context()); cerr != nil {
			h.log.Warn().Err(cerr).Msg("cache invalidation failed")
		}
	}
	respond(w, status, data, err)
}

func respond(w http.ResponseWriter, status int, data any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, Envelope{Success: true, Data: data})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	res := ledger.ResultOf(err)
	writeJSON(w, StatusForCode(res.Code), Envelope{Success: false, Error: res.Error, Code: res.Code})
}

// StatusForCode maps a ledger error code to an HTTP status.
func StatusForCode(code string) int {
	switch code {
	case ledger.CodeUnauthorized:
		return http.StatusUnauthorized
	case ledger.CodeNotFound:
		return http.StatusNotFound
	case ledger.CodeInvalid:
		return http.StatusBadRequest
	case ledger.CodeInactiveReference, ledger.CodeDeleteDenied, ledger.CodeTransactionAborted:
		return http.StatusConflict
	case ledger.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// bindAndValidate decodes the JSON body and runs the validator tags.
// Returns false and writes the error response if either fails.
func bindAndValidate(w http.ResponseWriter, r *http.Request, req any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(req); err != nil {
		writeError(w, &ledger.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error()})
		return false
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, validationError(err))
		return false
	}
	return true
}

// bindOptional decodes the body when there is one.
func bindOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, &ledger.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func validationError(err error) error {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		fields := make([]string, len(ve))
		for i, fe := range ve {
			fields[i] = fe.Field() + ":" + fe.Tag()
		}
		return &ledger.ValidationError{Field: ve[0].Field(), Reason: "failed " + strings.Join(fields, ", ")}
	}
	return &ledger.ValidationError{Field: "body", Reason: err.Error()}
}

// pathID fills *id from the {id} URL parameter and rejects a body id that
// disagrees with it.
func pathID[ID ~string](r *http.Request, id *ID) error {
	path := ID(chi.URLParam(r, "id"))
	if *id != "" && *id != path {
		return &ledger.ValidationError{Field: "id", Reason: "body id does not match path"}
	}
	*id = path
	return nil
}

func parseCommonFilters(active, limit string) (*bool, int, error) {
	var a *bool
	if active != "" {
		v, err := strconv.ParseBool(active)
		if err != nil {
			return nil, 0, &ledger.ValidationError{Field: "active", Reason: "want true or false"}
		}
		a = &v
	}
	n := 0
	if limit != "" {
		v, err := strconv.Atoi(limit)
		if err != nil || v < 0 {
			return nil, 0, &ledger.ValidationError{Field: "limit", Reason: "want a non-negative integer"}
		}
		n = v
	}
	return a, n, nil
}
