package server

import (
	"net/http"
	"time"
)

// handleHealth handles GET /health: store ping plus uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status": status,
		"uptime": time.Since(s.startedAt).Truncate(time.Second).String(),
	})
}
