package server

import (
	"net/http"
	"path"
)

// RegisterRoutes registers all HTTP routes and applies global middleware.
// The producer/admin surface and the worker surface carry separate API
// keys because their auth and rate-shape differ.
func (s *Server) RegisterRoutes() {
	s.router.HandleFunc("/health", s.handleHealth)

	// Producer surface.
	s.router.HandleFunc("/jobs/enqueue", s.requireKey(s.cfg.APIKey, postOnly(s.handleEnqueue)))
	s.router.HandleFunc("/jobs/dlq", s.requireKey(s.cfg.APIKey, getOnly(s.handleDLQ)))

	// Worker surface.
	s.router.HandleFunc("/jobs/claim", s.requireKey(s.cfg.WorkerKey, postOnly(s.handleClaim)))
	s.router.HandleFunc("/jobs/heartbeat", s.requireKey(s.cfg.WorkerKey, postOnly(s.handleHeartbeat)))
	s.router.HandleFunc("/jobs/result", s.requireKey(s.cfg.WorkerKey, postOnly(s.handleResult)))
	s.router.HandleFunc("/jobs/reaper", s.requireKey(s.cfg.APIKey, postOnly(s.handleReaper)))

	// Admin mutations with a path parameter: /jobs/{id}/suspend etc.
	s.router.HandleFunc("/jobs/", s.requireKey(s.cfg.APIKey, postOnly(s.handleJobAction)))

	// Ops surface.
	s.router.HandleFunc("/ops/jobs/list", s.requireKey(s.cfg.APIKey, getOnly(s.handleList)))
	s.router.HandleFunc("/ops/jobs/stuck", s.requireKey(s.cfg.APIKey, getOnly(s.handleStuck)))
	s.router.HandleFunc("/ops/jobs/stats", s.requireKey(s.cfg.APIKey, getOnly(s.handleStats)))
	s.router.HandleFunc("/ops/events", s.handleEvents)

	// Cron driver for external schedulers.
	s.router.HandleFunc("/cron/tick", s.requireCron(postOnly(s.handleCronTick)))

	// Middleware chain: TraceID -> Logger -> CORS.
	s.handler = TraceID(Logger(CORS(s.router)))
}

func postOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
			return
		}
		next(w, r)
	}
}

func getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
			return
		}
		next(w, r)
	}
}

// handleJobAction dispatches /jobs/{id}/suspend, /jobs/{id}/resume and
// /jobs/{id}/priority by parsing the path segments.
func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	action := path.Base(p)
	jobID := path.Base(path.Dir(p))
	if jobID == "" || jobID == "jobs" {
		writeError(w, http.StatusNotFound, "not found", "")
		return
	}

	switch action {
	case "suspend":
		s.handleSuspend(w, r, jobID)
	case "resume":
		s.handleResume(w, r, jobID)
	case "priority":
		s.handlePriority(w, r, jobID)
	default:
		writeError(w, http.StatusNotFound, "not found", "")
	}
}
