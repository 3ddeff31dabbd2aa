/*
Package auth verifies the bearer tokens that carry a caller identity.

PURPOSE:
  The identity provider lives outside this service. It signs an HS256
  JWT with the shared secret; this package checks the signature and
  expiry and turns the claims into a ledger.Caller.

CLAIMS:
  sub    caller id
  email  caller email, matched against the allow-list
  exp    expiry (required)

ALLOW-LIST:
  When AllowedEmails is non-empty, a valid token whose email is not on
  the list is rejected. Emails compare case-insensitively.

SEE ALSO:
  - middleware.go: the chi middleware that attaches the caller
  - cmd/tokengen:  issues tokens for local use
*/
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/warp/stock-ledger/ledger"
)

var (
	// ErrInvalidToken is returned for a malformed, expired or badly signed token.
	ErrInvalidToken = fmt.Errorf("invalid token: %w", ledger.ErrUnauthorized)

	// ErrEmailNotAllowed is returned when the token is valid but its email is
	// not on the allow-list.
	ErrEmailNotAllowed = fmt.Errorf("email not allowed: %w", ledger.ErrUnauthorized)
)

const issuer = "stock-ledger"

// Claims are the custom claims embedded in every access token.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Manager issues and validates access tokens.
type Manager struct {
	secret  []byte
	allowed map[string]bool
	now     func() time.Time
}

// NewManager creates a manager for secret. allowedEmails may be empty.
func NewManager(secret string, allowedEmails []string) *Manager {
	m := &Manager{secret: []byte(secret), allowed: make(map[string]bool), now: time.Now}
	for _, e := range allowedEmails {
		if e = normalizeEmail(e); e != "" {
			m.allowed[e] = true
		}
	}
	return m
}

// Issue signs a token for c valid for ttl. A caller without an ID gets a
// fresh UUID as subject.
func (m *Manager) Issue(c ledger.Caller, ttl time.Duration) (string, error) {
	if c.Email == "" {
		return "", errors.New("caller email is required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := m.now()
	claims := &Claims{
		Email: c.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   c.ID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate parses tokenString and returns the caller it names.
func (m *Manager) Validate(tokenString string) (ledger.Caller, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return m.secret, nil
	},
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return ledger.Caller{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Email == "" {
		return ledger.Caller{}, ErrInvalidToken
	}
	if len(m.allowed) > 0 && !m.allowed[normalizeEmail(claims.Email)] {
		return ledger.Caller{}, ErrEmailNotAllowed
	}
	return ledger.Caller{ID: claims.Subject, Email: claims.Email}, nil
}

func normalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}
