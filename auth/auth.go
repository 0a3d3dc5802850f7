// Package auth provides tenant identity for the engine: claims carried by
// bearer tokens, the Authenticator interface the request layer calls, and
// context plumbing so every core call can read the caller's tenant.
package auth

import (
	"context"
	"errors"
	"slices"
)

var (
	// ErrInvalidAuthHeader is returned when the authorization header is malformed.
	ErrInvalidAuthHeader = errors.New("authorization header must use Bearer scheme")

	// ErrTokenEmpty is returned when no bearer token is present.
	ErrTokenEmpty = errors.New("authorization token is empty")

	// ErrUnauthenticated is returned when authentication fails.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Claims is the identity extracted from a validated bearer token. The core
// never inspects tokens itself; it trusts the Claims the request layer
// resolved and threads TenantID through every fingerprint, cache key, log
// field and outbound channel name.
type Claims struct {
	// TenantID scopes every catalog lookup, compiled statement and cache key.
	// REQUIRED: a Claims with empty TenantID is rejected.
	TenantID string `json:"tenant_id"`

	// UserID identifies the caller within the tenant. Used for logging only.
	UserID string `json:"user_id"`

	// Roles are opaque role names granted by the identity provider.
	Roles []string `json:"roles,omitempty"`

	// AllowedIdentifiers is the row-level identifier set the tenant may read
	// on shared serving tables that carry no tenant column. nil means the
	// identity provider supplied no set; compiling against a shared table
	// then fails with TenantACLMissing. An empty non-nil set compiles to an
	// empty result without dispatching.
	AllowedIdentifiers []string `json:"allowed_identifiers,omitempty"`
}

// Valid reports whether the claims can enter the core.
func (c *Claims) Valid() bool {
	return c != nil && c.TenantID != ""
}

// HasRole reports whether the claims carry the given role.
func (c *Claims) HasRole(role string) bool {
	return c != nil && slices.Contains(c.Roles, role)
}

// Authenticator validates bearer tokens and returns the caller's claims.
// Implementations MUST be goroutine-safe.
type Authenticator interface {
	// Authenticate validates a bearer token.
	// Returns error if the token is invalid or expired.
	// Context allows timeouts for identity-provider calls.
	Authenticate(ctx context.Context, token string) (*Claims, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, token string) (*Claims, error)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (*Claims, error) {
	return f(ctx, token)
}

// DevelopmentOnly marks authenticators that bypass real token validation.
// The engine refuses to install one unless the development flag is set.
type DevelopmentOnly interface {
	DevelopmentOnly()
}

// Static returns an Authenticator backed by a fixed token->claims table.
// Useful for development and tests. It is a DevelopmentOnly authenticator:
// installing it with development mode off is a configuration error.
func Static(tokens map[string]Claims) Authenticator {
	cp := make(map[string]Claims, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &staticAuthenticator{tokens: cp}
}

type staticAuthenticator struct {
	tokens map[string]Claims
}

// Authenticate implements Authenticator.
func (s *staticAuthenticator) Authenticate(ctx context.Context, token string) (*Claims, error) {
	c, ok := s.tokens[token]
	if !ok {
		return nil, ErrUnauthenticated
	}
	return &c, nil
}

// DevelopmentOnly implements the marker interface.
func (s *staticAuthenticator) DevelopmentOnly() {}
