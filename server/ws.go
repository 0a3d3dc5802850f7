package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/slateql/slate/live"
)

// bearerSubprotocol is the websocket subprotocol browsers use to smuggle
// the token, since they cannot set an Authorization header on the upgrade.
const bearerSubprotocol = "bearer"

func (s *Server) handleDashboardSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.claims(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.cfg.Fanout == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errorDetail{
			Kind:    "store_unavailable",
			Message: "live updates are not enabled",
		}})
		return
	}
	dashboardID := chi.URLParam(r, "dashboardID")

	up := websocket.Upgrader{
		ReadBufferSize:  4 << 10,
		WriteBufferSize: 4 << 10,
		Subprotocols:    []string{bearerSubprotocol},
	}
	if s.cfg.Development {
		up.CheckOrigin = func(*http.Request) bool { return true }
	}

	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		s.log.Info("Websocket upgrade refused",
			"dashboard", dashboardID,
			"error", err.Error())
		return
	}

	sess := live.NewSession(conn, claims, s.cfg.Fanout, s.sessionConfig())
	s.log.Info("Dashboard session opened",
		"tenant", claims.TenantID,
		"dashboard", dashboardID,
		"session", sess.ID())

	// Run blocks for the life of the connection. The request context ends
	// it on server shutdown via the http.Server base context.
	if err := sess.Run(r.Context()); err != nil {
		s.log.Warn("Dashboard session failed",
			"dashboard", dashboardID,
			"session", sess.ID(),
			"error", err.Error())
	}
}

func (s *Server) sessionConfig() live.SessionConfig {
	cfg := s.cfg.Session
	if cfg.Logger == nil {
		cfg.Logger = s.log
	}
	return cfg
}
