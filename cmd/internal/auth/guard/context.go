package guard

import (
	"context"

	"wave/cmd/identity"
)

type contextKey struct{}

// WithPrincipal returns a context carrying the authenticated principal.
func WithPrincipal(ctx context.Context, u identity.User) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (identity.User, bool) {
	u, ok := ctx.Value(contextKey{}).(identity.User)
	return u, ok
}
