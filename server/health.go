package server

import (
	"context"
	"net/http"
	"time"
)

// readyTimeout bounds the store pings behind /readyz so a hung store cannot
// wedge the probe itself.
const readyTimeout = 5 * time.Second

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleHealthz is liveness: the process is up and serving.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleReadyz is readiness: every configured store answers a ping. With no
// checker configured it degrades to liveness.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health == nil {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := make(map[string]string)
	ready := true
	for source, err := range s.cfg.Health.Health(ctx) {
		if err != nil {
			checks[string(source)] = err.Error()
			ready = false
			continue
		}
		checks[string(source)] = "ok"
	}

	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Checks: checks})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Checks: checks})
}
