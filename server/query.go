package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/slateql/slate/graph"
	"github.com/slateql/slate/preview"
	"github.com/slateql/slate/sqlgen"
)

// maxGraphBody bounds the preview request body. Authored graphs are a few
// kilobytes; anything near this limit is not a dashboard.
const maxGraphBody = 4 << 20

// previewRequest is the POST /preview body.
type previewRequest struct {
	WorkflowID   string             `json:"workflow_id"`
	TargetNodeID string             `json:"target_node_id"`
	Graph        *graph.Graph       `json:"graph"`
	Offset       int                `json:"offset"`
	Limit        int                `json:"limit"`
	DrillFilters []sqlgen.Condition `json:"drill_filters,omitempty"`
}

// badRequest answers malformed wire input. Engine errors go through
// writeError instead; this is for requests the engine never saw.
func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	s.log.Info("Request malformed", "path", r.URL.Path, "error", msg)
	writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
		Kind:    "bad_request",
		Message: msg,
	}})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	claims, err := s.claims(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var body previewRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxGraphBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.badRequest(w, r, "request body exceeds the graph size limit")
			return
		}
		s.badRequest(w, r, "malformed preview request: "+err.Error())
		return
	}
	if body.Graph == nil || len(body.Graph.Nodes) == 0 {
		s.badRequest(w, r, "preview requires a graph with at least one node")
		return
	}
	if body.TargetNodeID == "" {
		s.badRequest(w, r, "preview requires target_node_id")
		return
	}

	res, err := s.cfg.Previews.Preview(r.Context(), preview.Request{
		TenantID:     claims.TenantID,
		Graph:        body.Graph,
		TargetNodeID: body.TargetNodeID,
		Offset:       body.Offset,
		Limit:        body.Limit,
		DrillFilters: body.DrillFilters,
		Allowed:      claims.AllowedIdentifiers,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Debug("Preview served",
		"tenant", claims.TenantID,
		"workflow", body.WorkflowID,
		"target", body.TargetNodeID,
		"cache_hit", res.CacheHit)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWidgetData(w http.ResponseWriter, r *http.Request) {
	claims, err := s.claims(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	widgetID := chi.URLParam(r, "widgetID")

	wd, err := s.cfg.Widgets.Widget(r.Context(), claims.TenantID, widgetID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	wf, err := s.cfg.Widgets.Workflow(r.Context(), claims.TenantID, wd.WorkflowID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		s.badRequest(w, r, "offset must be a non-negative integer")
		return
	}
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		s.badRequest(w, r, "limit must be a non-negative integer")
		return
	}
	var filters []sqlgen.Condition
	if raw := q.Get("filters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filters); err != nil {
			s.badRequest(w, r, "filters must be a JSON array of conditions")
			return
		}
	}

	res, err := s.cfg.Previews.WidgetData(r.Context(), preview.Request{
		TenantID:     claims.TenantID,
		Graph:        wf.Graph,
		TargetNodeID: wd.TargetNodeID,
		Offset:       offset,
		Limit:        limit,
		DrillFilters: filters,
		Allowed:      claims.AllowedIdentifiers,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Debug("Widget data served",
		"tenant", claims.TenantID,
		"widget", widgetID,
		"cache_hit", res.CacheHit)
	writeJSON(w, http.StatusOK, res)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("not a non-negative integer")
	}
	return n, nil
}
