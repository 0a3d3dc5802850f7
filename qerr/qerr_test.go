package qerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

// TestKindOf tests kind extraction through wrapping.
func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"direct", InvalidOperator("approx"), KindInvalidOperator},
		{"wrapped once", fmt.Errorf("compile: %w", CycleDetected([]string{"a", "b"})), KindCycleDetected},
		{"wrapped twice", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", New(KindTimeout, "deadline"))), KindTimeout},
		{"context deadline", context.DeadlineExceeded, KindTimeout},
		{"context canceled", context.Canceled, KindCancelled},
		{"plain error", errors.New("boom"), KindInternal},
		{"wrap cause", Wrap(KindStoreError, errors.New("syntax error"), "olap query"), KindStoreError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

// TestHTTPStatus tests the taxonomy-to-status mapping.
func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{CycleDetected([]string{"n1"}), http.StatusUnprocessableEntity},
		{InvalidOperator("approx"), http.StatusUnprocessableEntity},
		{New(KindTenantACLMissing, "no identifier set"), http.StatusForbidden},
		{New(KindNotFound, "no such widget"), http.StatusNotFound},
		{New(KindTimeout, "deadline"), http.StatusRequestTimeout},
		{New(KindResourceExceeded, "rows"), http.StatusRequestEntityTooLarge},
		{New(KindStoreUnavailable, "refused"), http.StatusServiceUnavailable},
		{New(KindCancelled, "gone"), 499},
		{New(KindStoreError, "syntax"), http.StatusInternalServerError},
		{Internal("acl predicate missing"), http.StatusInternalServerError},
		{errors.New("unclassified"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(KindOf(tt.err)), func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

// TestRetryable tests that only transport unavailability is retryable.
func TestRetryable(t *testing.T) {
	if !Retryable(New(KindStoreUnavailable, "connection refused")) {
		t.Error("StoreUnavailable should be retryable")
	}
	for _, err := range []error{
		New(KindStoreError, "syntax error"),
		New(KindResourceExceeded, "memory"),
		New(KindTimeout, "deadline"),
		context.Canceled,
	} {
		if Retryable(err) {
			t.Errorf("%v should not be retryable", err)
		}
	}
}

// TestErrorUnwrap tests cause preservation.
func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(KindStoreUnavailable, cause, "olap endpoint")
	if !errors.Is(err, cause) {
		t.Error("Wrap() must preserve the cause for errors.Is")
	}
}
