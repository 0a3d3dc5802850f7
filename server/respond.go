package server

import (
	"encoding/json"
	"net/http"

	"github.com/slateql/slate/qerr"
)

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	// Encoding failures here mean a broken result type; nothing useful can
	// be written to the client at this point.
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an engine error to its status code. Validation failures
// carry their message verbatim so callers can fix the graph; 5xx detail is
// sanitized and kept in the logs only.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := qerr.HTTPStatus(err)
	kind := qerr.KindOf(err)

	if status == 499 {
		// Client went away; there is no one to answer.
		s.log.Debug("Request cancelled", "path", r.URL.Path)
		return
	}

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed",
			"path", r.URL.Path,
			"kind", string(kind),
			"error", msg)
		msg = "internal error"
		if kind == qerr.KindStoreUnavailable {
			msg = "backing store unavailable"
		}
	} else {
		s.log.Info("Request refused",
			"path", r.URL.Path,
			"status", status,
			"kind", string(kind),
			"error", msg)
	}

	writeJSON(w, status, errorBody{Error: errorDetail{
		Kind:    string(kind),
		Message: msg,
	}})
}
