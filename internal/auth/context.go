package auth

import "context"

type contextKey string

const claimsKey contextKey = "claims"

// WithClaims returns a context carrying validated claims. Set by transport
// middleware after token validation; handlers on every surface (HTTP, MCP)
// read it back with ClaimsFromContext.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext extracts validated claims from the context, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	if v, ok := ctx.Value(claimsKey).(*Claims); ok {
		return v
	}
	return nil
}
