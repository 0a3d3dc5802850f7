package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/slateql/slate/auth"
	"github.com/slateql/slate/internal/recovery"
	"github.com/slateql/slate/internal/reqctx"
	"github.com/slateql/slate/qerr"
)

// requestID assigns every request a correlation ID, honoring one supplied
// by the caller, and echoes it on the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(reqctx.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(reqctx.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(reqctx.WithRequestID(r.Context(), id)))
	})
}

// statusWriter captures the response code for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer so http.ResponseController can reach
// hijacking for websocket upgrades.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// requestLogger writes one line per request with method, path, status,
// duration and the correlation ID. Tenant is appended by handlers that
// resolved one.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if id, ok := reqctx.RequestID(r.Context()); ok {
			attrs = append(attrs, "request_id", id)
		}
		if c := auth.ClaimsFromContext(r.Context()); c != nil {
			attrs = append(attrs, "tenant", c.TenantID)
		}
		s.log.Info("Request handled", attrs...)
	})
}

// recoverer converts handler panics to 500s so one bad request cannot take
// the process down.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := recovery.RecoverToError(s.log, r.Method+" "+r.URL.Path, func() error {
			next.ServeHTTP(w, r)
			return nil
		})
		if err != nil {
			// Best effort: if the handler already wrote, this is a no-op
			// on the status line.
			s.writeError(w, r, err)
		}
	})
}

// bearerAuth resolves the caller's token to Claims and stores them in the
// request context. Missing and invalid tokens are both 401; the distinction
// is logged, not leaked.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.TokenFromRequest(r)
		if err != nil {
			s.unauthorized(w, r, err)
			return
		}
		claims, err := s.cfg.Auth.Authenticate(r.Context(), token)
		if err != nil {
			s.unauthorized(w, r, err)
			return
		}
		if !claims.Valid() {
			s.unauthorized(w, r, auth.ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Info("Request rejected",
		"path", r.URL.Path,
		"error", err.Error())
	w.Header().Set("WWW-Authenticate", `Bearer realm="slate"`)
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{
		Kind:    "unauthenticated",
		Message: "missing or invalid bearer token",
	}})
}

// claims pulls the Claims the auth middleware stored. Reaching a handler
// without them is an invariant violation, not a user error.
func (s *Server) claims(r *http.Request) (*auth.Claims, error) {
	c := auth.ClaimsFromContext(r.Context())
	if !c.Valid() {
		return nil, qerr.Internal("request reached handler without claims")
	}
	return c, nil
}
