package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/garnizeh/dispatch/internal/queue"
	"github.com/garnizeh/dispatch/internal/signing"
)

// errorBody is the wire shape of every 4xx/5xx response.
type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Current any    `json:"current,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeEngineError maps queue and signing failures onto the HTTP error
// taxonomy.
func writeEngineError(w http.ResponseWriter, err error) {
	var stale *queue.StaleError
	if errors.As(err, &stale) {
		writeJSON(w, http.StatusConflict, errorBody{
			Error:   "record is newer than the caller's view",
			Code:    queue.CodeStale,
			Current: jobViewOf(stale.Current),
		})
		return
	}

	var verr *signing.VerifyError
	if errors.As(err, &verr) {
		code := verr.Code
		if code == signing.CodeBadPayloadHash {
			code = signing.CodeBadSignature
		}
		writeError(w, http.StatusBadRequest, verr.Reason, code)
		return
	}

	var qerr *queue.Error
	if errors.As(err, &qerr) {
		switch qerr.Code {
		case queue.CodeNotFound:
			writeError(w, http.StatusNotFound, qerr.Message, qerr.Code)
		case queue.CodeNonceReused, queue.CodeDuplicateJobID,
			queue.CodeIllegalTransition, queue.CodeNotOwner, queue.CodeNotProcessing:
			writeError(w, http.StatusConflict, qerr.Message, qerr.Code)
		case queue.CodeUnknownJobType, queue.CodePriorityRange:
			writeError(w, http.StatusBadRequest, qerr.Message, qerr.Code)
		default:
			writeError(w, http.StatusInternalServerError, qerr.Message, qerr.Code)
		}
		return
	}

	// Anything else is the store misbehaving; producers see backpressure
	// as 503 and retry with their own backoff.
	log.Printf("store error: %v", err)
	writeError(w, http.StatusServiceUnavailable, "store unavailable", "STORE_UNAVAILABLE")
}

// jobView is the read projection of a job record returned by the admin
// and ops endpoints. The payload itself is only handed to workers.
type jobView struct {
	JobID       string          `json:"jobId"`
	JobType     string          `json:"jobType"`
	Status      queue.Status    `json:"status"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Version     int64           `json:"version"`
	CreatedAt   int64           `json:"createdAt"`
	UpdatedAt   int64           `json:"updatedAt"`
	ClaimableAt int64           `json:"claimableAt,omitempty"`
	WorkerID    string          `json:"workerId,omitempty"`
	TraceID     string          `json:"traceId,omitempty"`
	LastError   *queue.JobError `json:"lastError,omitempty"`
	SuspendedBy string          `json:"suspendedBy,omitempty"`
	Reason      string          `json:"suspendReason,omitempty"`
}

func jobViewOf(r *queue.JobRecord) *jobView {
	if r == nil {
		return nil
	}
	return &jobView{
		JobID:       r.Ticket.JobID,
		JobType:     r.Ticket.JobType,
		Status:      r.Status,
		Priority:    r.Priority,
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		ClaimableAt: r.ClaimableAt,
		WorkerID:    r.WorkerID,
		TraceID:     r.Ticket.TraceID,
		LastError:   r.LastError,
		SuspendedBy: r.SuspendedBy,
		Reason:      r.SuspendReason,
	}
}

func jobViewsOf(records []*queue.JobRecord) []*jobView {
	out := make([]*jobView, 0, len(records))
	for _, r := range records {
		out = append(out, jobViewOf(r))
	}
	return out
}
