package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/garnizeh/dispatch/internal/queue"
	"github.com/garnizeh/dispatch/internal/signing"
	"github.com/google/uuid"
)

// handleEnqueue handles POST /jobs/enqueue.
// Request JSON: {"jobType":"...","payload":{...},"policyDecisionId":"...",
// "scope":[...],"traceId":"...","maxAttempts":3,"priority":50}
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	type reqBody struct {
		JobType          string          `json:"jobType"`
		Payload          json.RawMessage `json:"payload"`
		PolicyDecisionID string          `json:"policyDecisionId"`
		Scope            []string        `json:"scope,omitempty"`
		TraceID          string          `json:"traceId,omitempty"`
		MaxAttempts      *int            `json:"maxAttempts,omitempty"`
		Priority         *int            `json:"priority,omitempty"`
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req reqBody
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.JobType == "" {
		writeError(w, http.StatusBadRequest, "jobType is required", "")
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required", "")
		return
	}
	if req.PolicyDecisionID == "" {
		writeError(w, http.StatusBadRequest, "policyDecisionId is required", "")
		return
	}

	// The canonical form is stored alongside the record so verifiers
	// never re-canonicalize and drift between encoders.
	payload, err := signing.CanonicalizeJSON(req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "payload is not valid JSON", "")
		return
	}

	trace := req.TraceID
	if trace == "" {
		trace = GetTraceID(r.Context())
	}
	actor := r.Header.Get("X-Actor-Id")
	if actor == "" {
		actor = "producer"
	}

	now := time.Now().UTC()
	ticket := signing.Ticket{
		JobID:            uuid.NewString(),
		JobType:          req.JobType,
		ActorID:          actor,
		Scope:            req.Scope,
		PolicyDecisionID: req.PolicyDecisionID,
		RequestedAt:      now.Format(time.RFC3339),
		ExpiresAt:        now.Add(queue.TicketTTL).Format(time.RFC3339),
		PayloadHash:      signing.PayloadHash(payload),
		Nonce:            uuid.NewString(),
		TraceID:          trace,
	}
	if err := s.engine.Signer().SignTicket(&ticket); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sign ticket", "")
		return
	}

	record, err := s.engine.Enqueue(r.Context(), ticket, payload, req.Priority, req.MaxAttempts)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"jobId":     record.Ticket.JobID,
		"status":    record.Status,
		"traceId":   record.Ticket.TraceID,
		"expiresAt": record.Ticket.ExpiresAt,
	})
}
