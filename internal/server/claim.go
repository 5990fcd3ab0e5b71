package server

import (
	"encoding/json"
	"net/http"

	"github.com/garnizeh/dispatch/internal/signing"
)

// handleClaim handles POST /jobs/claim.
// Request JSON: {"workerId":"..."}. Returns {"job":null} when nothing is
// claimable; a retried call by a worker that already holds a PROCESSING
// job gets the same envelope back with "idempotent":true.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	type reqBody struct {
		WorkerID string `json:"workerId"`
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req reqBody
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "workerId is required", "")
		return
	}

	env, idempotent, err := s.engine.ClaimNext(r.Context(), req.WorkerID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if env == nil {
		writeJSON(w, http.StatusOK, map[string]any{"job": nil})
		return
	}

	resp := map[string]any{"job": env}
	if idempotent {
		resp["idempotent"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHeartbeat handles POST /jobs/heartbeat.
// Request JSON: {"jobId":"...","workerId":"..."}.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	type reqBody struct {
		JobID    string `json:"jobId"`
		WorkerID string `json:"workerId"`
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req reqBody
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.JobID == "" || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "jobId and workerId are required", "")
		return
	}

	record, err := s.engine.Heartbeat(r.Context(), req.JobID, req.WorkerID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":      record.Ticket.JobID,
		"leaseUntil": record.Lease.LeaseUntil,
		"version":    record.Version,
	})
}

// handleResult handles POST /jobs/result. The body is a signed result
// envelope; verification binds it to the stored ticket's payload hash.
// Re-posting the result of an already-terminal job returns 200 without
// mutation.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var env signing.ResultEnvelope
	if err := dec.Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if env.JobID == "" || env.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "jobId and workerId are required", "")
		return
	}

	record, changed, err := s.engine.Complete(r.Context(), &env)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":   record.Ticket.JobID,
		"status":  record.Status,
		"changed": changed,
	})
}

// handleReaper handles POST /jobs/reaper, the admin-gated manual sweep.
func (s *Server) handleReaper(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Reap(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleCronTick handles POST /cron/tick: one reaper pass plus nonce GC.
func (s *Server) handleCronTick(w http.ResponseWriter, r *http.Request) {
	summary, removed, err := s.tick(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reaper":        summary,
		"noncesRemoved": removed,
	})
}
