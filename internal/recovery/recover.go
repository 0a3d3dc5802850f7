// Package recovery provides panic recovery for code paths that run
// caller-provided implementations. A panicking catalog or widget store must
// not take the server down with it.
package recovery

import (
	"log/slog"
	"runtime/debug"

	"github.com/slateql/slate/qerr"
)

// RecoverToError wraps a function call with panic recovery.
// If the function panics, the panic is logged with its stack and converted
// to an internal error.
//
// Example:
//
//	err := recovery.RecoverToError(logger, "Preview", func() error {
//	    return svc.run(ctx, req)
//	})
func RecoverToError(logger *slog.Logger, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered",
				"operation", operation,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = qerr.Internal("%s panicked: %v", operation, r)
		}
	}()

	return fn()
}

// RecoverToValue wraps a function that returns a value and error.
// If the function panics, returns the zero value and an internal error.
func RecoverToValue[T any](logger *slog.Logger, operation string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered",
				"operation", operation,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			var zero T
			result = zero
			err = qerr.Internal("%s panicked: %v", operation, r)
		}
	}()

	return fn()
}

// Recover wraps a void function with panic recovery.
// Logs the panic but doesn't return an error. Use on delivery paths where
// one bad message must not stop the loop.
func Recover(logger *slog.Logger, operation string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered",
				"operation", operation,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	fn()
}
