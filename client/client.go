/*
Package client is a typed HTTP client for the stock-ledger API.

PURPOSE:
  Wraps the REST endpoints in methods with the same shape as
  ledger.Engine, so that callers (the mirror package, CLIs, tests) can
  swap one for the other.

ERRORS:
  A {success:false} envelope is turned back into an error that matches
  the ledger sentinel for its code:

    _, err := c.DeleteVendor(ctx, "v-1")
    errors.Is(err, ledger.ErrDeleteDenied) // true

  Transport failures match ledger.ErrStoreUnavailable, so
  ledger.IsRetryable applies to them as well.
*/
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/warp/stock-ledger/api"
	"github.com/warp/stock-ledger/ledger"
)

var (
	// ErrTransport is returned when the request never got an answer.
	ErrTransport = fmt.Errorf("transport: %w", ledger.ErrStoreUnavailable)

	// ErrRateLimited is returned on a 429 answer.
	ErrRateLimited = errors.New("rate limited")
)

// Client talks to one API server.
type Client struct {
	http *resty.Client
}

// Option configures a Client.
type Option func(*resty.Client)

// WithTimeout overrides the default 10s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *resty.Client) { c.SetTimeout(d) }
}

// WithRetry retries transport failures and 503 answers count times. Ledger
// operations are not idempotent on every store, so this is off by default.
func WithRetry(count int, wait time.Duration) Option {
	return func(c *resty.Client) {
		c.SetRetryCount(count).
			SetRetryWaitTime(wait).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() == http.StatusServiceUnavailable
			})
	}
}

// New returns a client for baseURL that authenticates with token.
func New(baseURL, token string, opts ...Option) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(10 * time.Second)
	if token != "" {
		rc.SetAuthToken(token)
	}
	for _, opt := range opts {
		opt(rc)
	}
	return &Client{http: rc}
}

type envelope[T any] struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
	Data    T      `json:"data"`
}

func call[T any](ctx context.Context, c *Client, method, path string, query map[string]string, body any) (T, error) {
	var env envelope[T]
	req := c.http.R().
		SetContext(ctx).
		SetResult(&env).
		SetError(&env)
	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s %s: %w: %w", method, path, ErrTransport, err)
	}
	if env.Success && !resp.IsError() {
		return env.Data, nil
	}

	var zero T
	code := env.Code
	if code == "" {
		code = codeForStatus(resp.StatusCode())
	}
	msg := env.Error
	if msg == "" {
		msg = resp.Status()
	}
	remote := ledger.ErrorFromCode(code, msg)
	if code == api.CodeRateLimited {
		return zero, fmt.Errorf("%w: %w", ErrRateLimited, remote)
	}
	return zero, remote
}

// codeForStatus covers answers without an envelope (proxies, 404 routes).
func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return ledger.CodeUnauthorized
	case http.StatusNotFound:
		return ledger.CodeNotFound
	case http.StatusBadRequest:
		return ledger.CodeInvalid
	case http.StatusTooManyRequests:
		return api.CodeRateLimited
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ledger.CodeStoreUnavailable
	default:
		return ledger.CodeInternal
	}
}

// =============================================================================
// HEALTH
// =============================================================================

// Health calls the liveness probe.
func (c *Client) Health(ctx context.Context) error {
	_, err := call[map[string]string](ctx, c, http.MethodGet, "/health", nil, nil)
	return err
}

// =============================================================================
// CATALOG
// =============================================================================

func (c *Client) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	dtos, err := call[[]api.ProductDTO](ctx, c, http.MethodGet, "/api/products", nil, nil)
	return convert(dtos, err, func(d api.ProductDTO) (ledger.Product, error) { return d.ToLedger(), nil })
}

func (c *Client) ListVendors(ctx context.Context) ([]ledger.Vendor, error) {
	dtos, err := call[[]api.VendorDTO](ctx, c, http.MethodGet, "/api/vendors", nil, nil)
	return convert(dtos, err, func(d api.VendorDTO) (ledger.Vendor, error) { return d.ToLedger(), nil })
}

func (c *Client) AddProduct(ctx context.Context, p ledger.Product) (ledger.Product, error) {
	d, err := call[api.ProductDTO](ctx, c, http.MethodPost, "/api/products", nil,
		api.CreateProductRequest{ID: string(p.ID), Name: p.Name})
	return d.ToLedger(), err
}

func (c *Client) DeleteProduct(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	d, err := call[api.ProductDTO](ctx, c, http.MethodDelete, "/api/products/"+string(id), nil, nil)
	return d.ToLedger(), err
}

func (c *Client) RestoreProduct(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	d, err := call[api.ProductDTO](ctx, c, http.MethodPost, "/api/products/"+string(id)+"/restore", nil, nil)
	return d.ToLedger(), err
}

func (c *Client) CanDeleteProduct(ctx context.Context, id ledger.ProductID) (bool, error) {
	d, err := call[api.CanDeleteDTO](ctx, c, http.MethodGet, "/api/products/"+string(id)+"/can-delete", nil, nil)
	return d.Allowed, err
}

func (c *Client) AddVendor(ctx context.Context, v ledger.Vendor) (ledger.Vendor, error) {
	d, err := call[api.VendorDTO](ctx, c, http.MethodPost, "/api/vendors", nil,
		api.CreateVendorRequest{ID: string(v.ID), Name: v.Name})
	return d.ToLedger(), err
}

func (c *Client) DeleteVendor(ctx context.Context, id ledger.VendorID) (ledger.Vendor, error) {
	d, err := call[api.VendorDTO](ctx, c, http.MethodDelete, "/api/vendors/"+string(id), nil, nil)
	return d.ToLedger(), err
}

func (c *Client) RestoreVendor(ctx context.Context, id ledger.VendorID) (ledger.Vendor, error) {
	d, err := call[api.VendorDTO](ctx, c, http.MethodPost, "/api/vendors/"+string(id)+"/restore", nil, nil)
	return d.ToLedger(), err
}

func (c *Client) CanDeleteVendor(ctx context.Context, id ledger.VendorID) (bool, error) {
	d, err := call[api.CanDeleteDTO](ctx, c, http.MethodGet, "/api/vendors/"+string(id)+"/can-delete", nil, nil)
	return d.Allowed, err
}

// =============================================================================
// INCOMING ACTIONS
// =============================================================================

func (c *Client) ListIncoming(ctx context.Context, f ledger.IncomingFilter) ([]ledger.IncomingAction, error) {
	q := filterQuery(f.Active, f.Limit)
	if f.Product != nil {
		q["product"] = string(*f.Product)
	}
	if f.Vendor != nil {
		q["vendor"] = string(*f.Vendor)
	}
	dtos, err := call[[]api.IncomingDTO](ctx, c, http.MethodGet, "/api/incoming", q, nil)
	return convert(dtos, err, api.IncomingDTO.ToLedger)
}

func (c *Client) RecordIncoming(ctx context.Context, a ledger.IncomingAction) (ledger.IncomingAction, error) {
	d, err := call[api.IncomingDTO](ctx, c, http.MethodPost, "/api/incoming", nil, incomingRequest(a))
	return one(d, err, api.IncomingDTO.ToLedger)
}

func (c *Client) EditIncoming(ctx context.Context, newA, oldA ledger.IncomingAction) (ledger.IncomingAction, error) {
	old := api.IncomingFromLedger(oldA)
	body := api.EditIncomingRequest{New: incomingRequest(newA), Old: &old}
	d, err := call[api.IncomingDTO](ctx, c, http.MethodPut, "/api/incoming/"+string(newA.ID), nil, body)
	return one(d, err, api.IncomingDTO.ToLedger)
}

func (c *Client) VoidIncoming(ctx context.Context, a ledger.IncomingAction) (ledger.IncomingAction, error) {
	d, err := call[api.IncomingDTO](ctx, c, http.MethodPost, "/api/incoming/"+string(a.ID)+"/void", nil, api.IncomingFromLedger(a))
	return one(d, err, api.IncomingDTO.ToLedger)
}

func (c *Client) RestoreIncoming(ctx context.Context, a ledger.IncomingAction) (ledger.IncomingAction, error) {
	d, err := call[api.IncomingDTO](ctx, c, http.MethodPost, "/api/incoming/"+string(a.ID)+"/restore", nil, api.IncomingFromLedger(a))
	return one(d, err, api.IncomingDTO.ToLedger)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (c *Client) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	q := filterQuery(f.Active, f.Limit)
	if f.Vendor != nil {
		q["vendor"] = string(*f.Vendor)
	}
	dtos, err := call[[]api.PaymentDTO](ctx, c, http.MethodGet, "/api/payments", q, nil)
	return convert(dtos, err, api.PaymentDTO.ToLedger)
}

func (c *Client) RecordPayment(ctx context.Context, p ledger.Payment) (ledger.Payment, error) {
	body := api.PaymentRequest{ID: string(p.ID), Amount: p.Amount, Date: formatDate(p.Date), Notes: p.Notes, Vendor: string(p.Vendor)}
	d, err := call[api.PaymentDTO](ctx, c, http.MethodPost, "/api/payments", nil, body)
	return one(d, err, api.PaymentDTO.ToLedger)
}

func (c *Client) VoidPayment(ctx context.Context, p ledger.Payment) (ledger.Payment, error) {
	d, err := call[api.PaymentDTO](ctx, c, http.MethodPost, "/api/payments/"+string(p.ID)+"/void", nil, api.PaymentFromLedger(p))
	return one(d, err, api.PaymentDTO.ToLedger)
}

func (c *Client) RestorePayment(ctx context.Context, p ledger.Payment) (ledger.Payment, error) {
	d, err := call[api.PaymentDTO](ctx, c, http.MethodPost, "/api/payments/"+string(p.ID)+"/restore", nil, api.PaymentFromLedger(p))
	return one(d, err, api.PaymentDTO.ToLedger)
}

// =============================================================================
// AUDIT
// =============================================================================

func (c *Client) Audit(ctx context.Context) ([]ledger.Discrepancy, error) {
	return call[[]ledger.Discrepancy](ctx, c, http.MethodGet, "/api/audit", nil, nil)
}

// =============================================================================
// HELPERS
// =============================================================================

func incomingRequest(a ledger.IncomingAction) api.IncomingRequest {
	return api.IncomingRequest{
		ID:          string(a.ID),
		Qty:         a.Qty,
		PricePerPcs: a.PricePerPcs,
		Date:        formatDate(a.Date),
		Notes:       a.Notes,
		Product:     string(a.Product),
		Vendor:      string(a.Vendor),
	}
}

func filterQuery(active *bool, limit int) map[string]string {
	q := map[string]string{}
	if active != nil {
		q["active"] = strconv.FormatBool(*active)
	}
	if limit > 0 {
		q["limit"] = strconv.Itoa(limit)
	}
	return q
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(ledger.DateLayout)
}

func one[D, T any](d D, err error, conv func(D) (T, error)) (T, error) {
	if err != nil {
		var zero T
		return zero, err
	}
	return conv(d)
}

func convert[D, T any](in []D, err error, conv func(D) (T, error)) ([]T, error) {
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(in))
	for _, d := range in {
		v, err := conv(d)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
