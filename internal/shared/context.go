package shared

import "context"

// Principal is the authenticated actor resolved from a validated session.
type Principal struct {
	UserID      int64
	SessionID   string
	Roles       []string
	Permissions []string
	// Bearer is set when the session id arrived in an Authorization header.
	Bearer bool
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}
