/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RealIP:        Client address for anonymous rate limiting
  3. RequestLogger: zerolog access log (method, path, status, duration)
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. CORS:          Cross-origin requests for the frontend
  6. Authenticate:  Bearer token -> ledger.Caller (see package auth)
  7. RateLimit:     Per-caller token bucket

ROUTE GROUPS:
  /health, /ready     Probes (no auth, no rate limit)
  /api/products/*     Product catalog
  /api/vendors/*      Vendor catalog
  /api/incoming/*     Incoming stock actions
  /api/payments/*     Vendor payments
  /api/audit          Invariant check
  /api/audit/last     Last scheduled check (see scheduler.go)
  /api/scenarios/*    Demo data (development only)

SEE ALSO:
  - handlers.go: Handler implementations
  - scenarios.go: Demo scenario loaders
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// RouterOptions carries the optional middleware of NewRouter.
type RouterOptions struct {
	// Authenticate attaches the caller to the request context.
	Authenticate func(http.Handler) http.Handler
	Limiter      *RateLimiter
	// AllowedOrigins defaults to the local frontend dev servers.
	AllowedOrigins []string
	Logger         zerolog.Logger
	// Scenarios registers the demo scenario routes.
	Scenarios bool
	// Auditor serves GET /api/audit/last when set.
	Auditor *AuditScheduler
}

var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)

	// API routes
	r.Route("/api", func(r chi.Router) {
		if opts.Authenticate != nil {
			r.Use(opts.Authenticate)
		}
		r.Use(opts.Limiter.Middleware)

		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.Post("/", h.CreateProduct)
			r.Delete("/{id}", h.DeleteProduct)
			r.Post("/{id}/restore", h.RestoreProduct)
			r.Get("/{id}/can-delete", h.CanDeleteProduct)
		})

		r.Route("/vendors", func(r chi.Router) {
			r.Get("/", h.ListVendors)
			r.Post("/", h.CreateVendor)
			r.Delete("/{id}", h.DeleteVendor)
			r.Post("/{id}/restore", h.RestoreVendor)
			r.Get("/{id}/can-delete", h.CanDeleteVendor)
		})

		r.Route("/incoming", func(r chi.Router) {
			r.Get("/", h.ListIncoming)
			r.Post("/", h.RecordIncoming)
			r.Put("/{id}", h.EditIncoming)
			r.Post("/{id}/void", h.VoidIncoming)
			r.Post("/{id}/restore", h.RestoreIncoming)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Get("/", h.ListPayments)
			r.Post("/", h.RecordPayment)
			r.Post("/{id}/void", h.VoidPayment)
			r.Post("/{id}/restore", h.RestorePayment)
		})

		r.Get("/audit", h.Audit)
		if opts.Auditor != nil {
			r.Get("/audit/last", opts.Auditor.LastAudit)
		}

		if opts.Scenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

// RequestLogger logs one line per request.
func RequestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				ev := log.Info()
				if status >= http.StatusInternalServerError {
					ev = log.Warn()
				}
				ev.Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
