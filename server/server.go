// Package server is the HTTP edge of the engine: route wiring, bearer
// authentication, request correlation, and the websocket upgrade. Handlers
// stay thin; they translate wire shapes to engine calls and engine errors
// to status codes. Everything tenant-scoped happens behind auth middleware
// that resolved Claims first.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slateql/slate/auth"
	"github.com/slateql/slate/live"
	"github.com/slateql/slate/preview"
	"github.com/slateql/slate/schema"
	"github.com/slateql/slate/workflow"
)

// Previews answers compiled reads. *preview.Service implements it; tests
// substitute fakes.
type Previews interface {
	Preview(ctx context.Context, req preview.Request) (*preview.Result, error)
	WidgetData(ctx context.Context, req preview.Request) (*preview.Result, error)
}

// HealthChecker reports per-store reachability for the readiness probe.
// *dispatch.Router implements it.
type HealthChecker interface {
	Health(ctx context.Context) map[schema.Source]error
}

// Config wires the request layer.
type Config struct {
	// Auth validates bearer tokens. REQUIRED.
	Auth auth.Authenticator

	// Previews serves POST /preview and widget reads. REQUIRED.
	Previews Previews

	// Widgets resolves widget IDs to stored workflows. REQUIRED.
	Widgets workflow.Store

	// Fanout accepts websocket sessions. OPTIONAL; without it the
	// dashboard socket route responds 503.
	Fanout *live.Fanout

	// Session tunes accepted websocket sessions. OPTIONAL.
	Session live.SessionConfig

	// Health backs GET /readyz. OPTIONAL; without it readiness degrades
	// to liveness.
	Health HealthChecker

	// Development loosens the websocket origin check and permits
	// DevelopmentOnly authenticators. OPTIONAL (default false).
	Development bool

	// Logger for request logs. OPTIONAL (default slog.Default()).
	Logger *slog.Logger
}

// Server holds the handler tree. Construct with New, mount via Handler.
type Server struct {
	cfg Config
	log *slog.Logger
	mux *chi.Mux
}

// New validates the configuration and builds the route tree.
func New(cfg Config) (*Server, error) {
	if cfg.Auth == nil {
		return nil, errors.New("server: Config.Auth is required")
	}
	if cfg.Previews == nil {
		return nil, errors.New("server: Config.Previews is required")
	}
	if cfg.Widgets == nil {
		return nil, errors.New("server: Config.Widgets is required")
	}
	if _, dev := cfg.Auth.(auth.DevelopmentOnly); dev && !cfg.Development {
		return nil, errors.New("server: development authenticator requires development mode")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{cfg: cfg, log: cfg.Logger}
	s.mux = s.routes()
	return s, nil
}

// Handler returns the mounted route tree.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)

	// Unauthenticated probes and scrape target.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Tenant surface.
	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Post("/preview", s.handlePreview)
		r.Get("/widgets/{widgetID}/data", s.handleWidgetData)
		r.Get("/ws/dashboard/{dashboardID}", s.handleDashboardSocket)
	})
	return r
}
