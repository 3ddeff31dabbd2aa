package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/warp/stock-ledger/ledger"
)

// Middleware validates the Bearer token when one is present and attaches
// the caller to the request context.
//
// A request without an Authorization header passes through untouched; the
// engine rejects it with ErrUnauthorized. A header that is present but
// invalid is answered with 401 here.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			reject(w, ErrInvalidToken)
			return
		}

		caller, err := m.Validate(tokenStr)
		if err != nil {
			reject(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(ledger.WithCaller(r.Context(), caller)))
	})
}

func reject(w http.ResponseWriter, err error) {
	res := ledger.ResultOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="stock-ledger"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(res)
}
