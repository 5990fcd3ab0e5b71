package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/garnizeh/dispatch/internal/queue"
)

// adminRequest is the shared body of the suspend/resume/priority
// mutations. lastUpdatedAt is the merge guard: a caller whose view is
// older than the server's record is rejected with 409 STALE. deviceId is
// observability only.
type adminRequest struct {
	Reason        string `json:"reason,omitempty"`
	Value         *int   `json:"value,omitempty"`
	LastUpdatedAt *int64 `json:"lastUpdatedAt,omitempty"`
	DeviceID      string `json:"deviceId,omitempty"`
}

func decodeAdminRequest(r *http.Request) (*adminRequest, error) {
	var req adminRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return &req, nil
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func actorFrom(r *http.Request) string {
	if actor := r.Header.Get("X-Actor-Id"); actor != "" {
		return actor
	}
	return "admin"
}

func writeMutation(w http.ResponseWriter, record *queue.JobRecord, changed bool) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":   record.Ticket.JobID,
		"status":  record.Status,
		"changed": changed,
	})
}

// handleSuspend handles POST /jobs/{id}/suspend.
func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request, jobID string) {
	if debugFailOnce(r, jobID) {
		writeError(w, http.StatusServiceUnavailable, "debug failure injected", "DEBUG_FAIL_ONCE")
		return
	}

	req, err := decodeAdminRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}

	record, changed, err := s.engine.Suspend(r.Context(), jobID, actorFrom(r), req.Reason, req.DeviceID, req.LastUpdatedAt)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeMutation(w, record, changed)
}

// handleResume handles POST /jobs/{id}/resume.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, jobID string) {
	req, err := decodeAdminRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}

	record, changed, err := s.engine.Resume(r.Context(), jobID, actorFrom(r), req.DeviceID, req.LastUpdatedAt)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeMutation(w, record, changed)
}

// handlePriority handles POST /jobs/{id}/priority.
func (s *Server) handlePriority(w http.ResponseWriter, r *http.Request, jobID string) {
	req, err := decodeAdminRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required", "")
		return
	}

	record, changed, err := s.engine.SetPriority(r.Context(), jobID, *req.Value, actorFrom(r), req.DeviceID, req.LastUpdatedAt)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeMutation(w, record, changed)
}
