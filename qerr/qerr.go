// Package qerr defines the error taxonomy shared by compilation, dispatch
// and caching. Every failure the engine can surface is classified by a Kind
// so the request layer can map it to a status code without string matching.
package qerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an engine failure.
type Kind string

const (
	// Graph validation.
	KindInvalidGraph    Kind = "invalid_graph"
	KindCycleDetected   Kind = "cycle_detected"
	KindUnknownNodeType Kind = "unknown_node_type"
	KindMissingInput    Kind = "missing_input"

	// Compilation.
	KindSchemaMismatch      Kind = "schema_mismatch"
	KindCrossStoreOperation Kind = "cross_store_operation"
	KindInvalidOperator     Kind = "invalid_operator"
	KindUnresolvedColumn    Kind = "unresolved_column"
	KindInvalidIdentifier   Kind = "invalid_identifier"
	KindTenantACLMissing    Kind = "tenant_acl_missing"

	// Lookup.
	KindNotFound Kind = "not_found"

	// Execution.
	KindTimeout          Kind = "timeout"
	KindResourceExceeded Kind = "resource_exceeded"
	KindStoreUnavailable Kind = "store_unavailable"
	KindStoreError       Kind = "store_error"
	KindCancelled        Kind = "cancelled"

	// Anything that must be unreachable by construction.
	KindInternal Kind = "internal_invariant_violation"
)

// Error carries a Kind plus a human-readable message. Wrapped causes are
// preserved for errors.Is/As.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Msg + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind carried by err, mapping context errors to their
// execution kinds. Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to the status code the request layer responds
// with. Cancelled maps to 499 (client closed request).
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidGraph, KindCycleDetected, KindUnknownNodeType,
		KindMissingInput, KindSchemaMismatch, KindCrossStoreOperation,
		KindInvalidOperator, KindUnresolvedColumn, KindInvalidIdentifier:
		return http.StatusUnprocessableEntity
	case KindTenantACLMissing:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindResourceExceeded:
		return http.StatusRequestEntityTooLarge
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the failure is transient at the transport level.
// Only these failures qualify for the executor's bounded retry.
func Retryable(err error) bool {
	return KindOf(err) == KindStoreUnavailable
}

// CycleDetected builds the graph-cycle error, listing the node IDs that
// remain unvisited after topological traversal.
func CycleDetected(nodeIDs []string) *Error {
	return New(KindCycleDetected, "cycle involving nodes [%s]", strings.Join(nodeIDs, ", "))
}

// UnknownNodeType reports a node whose type has no transform.
func UnknownNodeType(nodeID, nodeType string) *Error {
	return New(KindUnknownNodeType, "node %s has unknown type %q", nodeID, nodeType)
}

// MissingInput reports a node with fewer inbound edges than its type requires.
func MissingInput(nodeID string, port int) *Error {
	return New(KindMissingInput, "node %s is missing input %d", nodeID, port)
}

// InvalidOperator reports a filter operator outside the recognized set.
func InvalidOperator(op string) *Error {
	return New(KindInvalidOperator, "unrecognized filter operator %q", op)
}

// UnresolvedColumn reports a reference to a column absent from the input schema.
func UnresolvedColumn(nodeID, column string) *Error {
	return New(KindUnresolvedColumn, "node %s references unknown column %q", nodeID, column)
}

// InvalidIdentifier reports an identifier that failed validation before
// interpolation.
func InvalidIdentifier(ident string) *Error {
	return New(KindInvalidIdentifier, "invalid identifier %q", ident)
}

// Internal marks a condition that must be unreachable by construction.
// These fail loudly: the request dies with a 500 and the site is logged.
func Internal(format string, args ...any) *Error {
	return New(KindInternal, format, args...)
}
