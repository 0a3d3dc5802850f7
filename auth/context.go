package auth

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey int

const (
	// claimsKey is the context key for storing authenticated claims.
	claimsKey contextKey = iota
)

// WithClaims returns a new context carrying the given claims.
// Used by the request middleware to propagate the authenticated tenant.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext retrieves the authenticated claims from context.
// Returns nil if no claims are set (unauthenticated request).
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	if !ok {
		return nil
	}
	return claims
}

// TenantFromContext is a shorthand for the tenant ID on the context claims.
// Returns empty string when unauthenticated.
func TenantFromContext(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.TenantID
	}
	return ""
}
