package ledger

import "context"

// Caller is the authenticated identity behind an operation.
type Caller struct {
	ID    string
	Email string
}

type callerKey struct{}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored in ctx, if any.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	if !ok || (c.ID == "" && c.Email == "") {
		return Caller{}, false
	}
	return c, true
}

// requireCaller fails with ErrUnauthorized before any store access.
func requireCaller(ctx context.Context) (Caller, error) {
	c, ok := CallerFrom(ctx)
	if !ok {
		return Caller{}, ErrUnauthorized
	}
	return c, nil
}

// String is the caller label used in logs.
func (c Caller) String() string {
	if c.Email != "" {
		return c.Email
	}
	return c.ID
}
