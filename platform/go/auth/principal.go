package auth

import (
	"context"
)

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	UserID             string
	Email              string
	Roles              []string
	TenantID           string
	TenantSchema       string
	SessionID          string
	MustChangePassword bool
}

type principalKey struct{}

// WithPrincipal stores the principal on the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext extracts the principal, if present.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
