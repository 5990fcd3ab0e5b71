package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/garnizeh/dispatch/internal/queue"
)

func parseLimit(r *http.Request) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// handleList handles GET /ops/jobs/list?status=&limit=, most recently
// updated first.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var status *queue.Status
	if v := r.URL.Query().Get("status"); v != "" {
		st := queue.Status(v)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status", "")
			return
		}
		status = &st
	}

	records, err := s.engine.List(r.Context(), status, parseLimit(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobViewsOf(records)})
}

// handleDLQ handles GET /jobs/dlq?limit=: DEAD jobs kept for operator
// inspection.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	records, err := s.engine.DeadLetters(r.Context(), parseLimit(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobViewsOf(records)})
}

// handleStuck handles GET /ops/jobs/stuck?thresholdSec=: PROCESSING rows
// whose lease expired or whose heartbeat went silent.
func (s *Server) handleStuck(w http.ResponseWriter, r *http.Request) {
	var threshold time.Duration
	if v := r.URL.Query().Get("thresholdSec"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid thresholdSec", "")
			return
		}
		threshold = time.Duration(n) * time.Second
	}

	records, err := s.engine.Stuck(r.Context(), threshold)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobViewsOf(records)})
}

// handleStats handles GET /ops/jobs/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
