package server

import (
	"net/http"
	"testing"

	"github.com/garnizeh/dispatch/internal/config"
)

func TestTraceIDPropagation(t *testing.T) {
	env := setupServer(t)

	w := env.do(http.MethodGet, "/health", nil, map[string]string{"X-Trace-Id": "trace-abc"})
	if got := w.Header().Get("X-Trace-Id"); got != "trace-abc" {
		t.Fatalf("trace id not propagated, got %q", got)
	}

	w = env.do(http.MethodGet, "/health", nil, nil)
	if w.Header().Get("X-Trace-Id") == "" {
		t.Fatal("missing trace id must be generated")
	}
}

func TestIdempotencyKeyEcho(t *testing.T) {
	env := setupServer(t)

	w := env.do(http.MethodGet, "/health", nil, map[string]string{"X-Idempotency-Key": "idem-1"})
	if got := w.Header().Get("X-Idempotency-Key"); got != "idem-1" {
		t.Fatalf("idempotency key not echoed, got %q", got)
	}
}

func TestAPIKeyEnforcement(t *testing.T) {
	env := setupServer(t, func(cfg *config.Config) {
		cfg.APIKey = "producer-key"
		cfg.WorkerKey = "worker-key"
	})

	body := map[string]any{
		"jobType": "mail.dispatch", "payload": map[string]any{"to": "x"},
		"policyDecisionId": "p",
	}

	w := env.do(http.MethodPost, "/jobs/enqueue", body, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing key returned %d, want 401", w.Code)
	}

	w = env.do(http.MethodPost, "/jobs/enqueue", body, map[string]string{"X-API-Key": "wrong"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("wrong key returned %d, want 403", w.Code)
	}

	w = env.do(http.MethodPost, "/jobs/enqueue", body, map[string]string{"X-API-Key": "producer-key"})
	if w.Code != http.StatusCreated {
		t.Fatalf("valid key returned %d: %s", w.Code, w.Body.String())
	}

	// The worker surface carries its own key.
	w = env.do(http.MethodPost, "/jobs/claim", map[string]string{"workerId": "w1"},
		map[string]string{"X-API-Key": "producer-key"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("producer key on worker surface returned %d, want 403", w.Code)
	}
	w = env.do(http.MethodPost, "/jobs/claim", map[string]string{"workerId": "w1"},
		map[string]string{"X-API-Key": "worker-key"})
	if w.Code != http.StatusOK {
		t.Fatalf("worker key returned %d: %s", w.Code, w.Body.String())
	}

	// Health stays open.
	if w := env.do(http.MethodGet, "/health", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("health behind key: %d", w.Code)
	}
}

func TestCronTickAuth(t *testing.T) {
	// Without a configured secret the endpoint does not exist.
	env := setupServer(t)
	if w := env.do(http.MethodPost, "/cron/tick", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("cron without secret returned %d, want 404", w.Code)
	}

	env = setupServer(t, func(cfg *config.Config) {
		cfg.CronSecret = "tick-secret"
	})

	w := env.do(http.MethodPost, "/cron/tick", nil, map[string]string{"Authorization": "Bearer nope"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad bearer returned %d, want 401", w.Code)
	}

	w = env.do(http.MethodPost, "/cron/tick", nil, map[string]string{"Authorization": "Bearer tick-secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("cron tick returned %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody[struct {
		Reaper        map[string]any `json:"reaper"`
		NoncesRemoved int            `json:"noncesRemoved"`
	}](t, w)
	if body.Reaper == nil {
		t.Fatalf("tick must report a sweep summary: %s", w.Body.String())
	}
}

func TestMethodGuards(t *testing.T) {
	env := setupServer(t)

	if w := env.do(http.MethodGet, "/jobs/enqueue", nil, nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET enqueue returned %d, want 405", w.Code)
	}
	if w := env.do(http.MethodPost, "/ops/jobs/list", nil, nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST list returned %d, want 405", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := setupServer(t)

	w := env.do(http.MethodOptions, "/jobs/enqueue", nil, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight returned %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS headers on preflight")
	}
}
