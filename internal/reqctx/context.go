// Package reqctx propagates per-request identifiers through contexts so log
// lines and store calls can be correlated across packages.
package reqctx

import "context"

// RequestIDHeader is the HTTP header carrying a caller-assigned request ID.
// Requests without one get a generated UUID at the edge.
const RequestIDHeader = "X-Request-Id"

// requestIDKey is the unexported context key for the request ID.
type requestIDKey struct{}

// WithRequestID returns a new context with the request ID stored.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID retrieves the request ID if present.
// Returns ("", false) if no request ID is set.
func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok
}
