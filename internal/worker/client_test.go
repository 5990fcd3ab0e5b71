package worker

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/garnizeh/dispatch/internal/queue"
	"github.com/garnizeh/dispatch/internal/signing"
)

func testConfig(t *testing.T, baseURL string) *Config {
	t.Helper()
	return &Config{
		APIURL:        baseURL,
		WorkerID:      "worker-test",
		APIKey:        "secret-key",
		SigningKey:    ed25519.NewKeyFromSeed(bytes.Repeat([]byte{5}, ed25519.SeedSize)),
		KeyID:         "worker-1",
		PollInterval:  time.Millisecond,
		RetryMinDelay: time.Millisecond,
		RetryMaxDelay: 10 * time.Millisecond,
	}
}

func TestClientClaim(t *testing.T) {
	t.Parallel()

	env := queue.Envelope{
		Ticket:      signing.Ticket{JobID: "job-1", JobType: "mail.dispatch"},
		Payload:     `{"to":"a@example.com"}`,
		Version:     2,
		Attempts:    1,
		MaxAttempts: 3,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/claim" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-API-Key"); got != "secret-key" {
			t.Errorf("missing api key header, got %q", got)
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["workerId"] != "worker-test" {
			t.Errorf("unexpected workerId %q", req["workerId"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"job": env})
	}))
	defer srv.Close()

	c := NewClient(testConfig(t, srv.URL))
	got, err := c.Claim(t.Context())
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got == nil || got.Ticket.JobID != "job-1" || got.Attempts != 1 {
		t.Fatalf("unexpected envelope: %+v", got)
	}
}

func TestClientClaimEmpty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"job": nil})
	}))
	defer srv.Close()

	c := NewClient(testConfig(t, srv.URL))
	got, err := c.Claim(t.Context())
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil envelope, got %+v", got)
	}
}

func TestClientUnauthorized(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(testConfig(t, srv.URL))
	if _, err := c.Claim(t.Context()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := c.Heartbeat(t.Context(), "job-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestClientHeartbeat(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/heartbeat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jobId":      "job-1",
			"leaseUntil": int64(123456),
			"version":    int64(4),
		})
	}))
	defer srv.Close()

	c := NewClient(testConfig(t, srv.URL))
	hb, err := c.Heartbeat(t.Context(), "job-1")
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if hb.LeaseUntil != 123456 || hb.Version != 4 {
		t.Fatalf("unexpected heartbeat result: %+v", hb)
	}
}

func TestClientSubmitResult(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/result" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var env signing.ResultEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
		if env.JobID != "job-1" || env.Status != signing.ResultSuccess {
			t.Errorf("unexpected envelope: %+v", env)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jobId":   "job-1",
			"status":  "COMPLETED",
			"changed": true,
		})
	}))
	defer srv.Close()

	c := NewClient(testConfig(t, srv.URL))
	env := &signing.ResultEnvelope{
		JobID:       "job-1",
		WorkerID:    "worker-test",
		Status:      signing.ResultSuccess,
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
	}
	status, changed, err := c.SubmitResult(t.Context(), env)
	if err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	if status != queue.StatusCompleted || !changed {
		t.Fatalf("unexpected ack: status=%s changed=%t", status, changed)
	}
}

func TestClientAPIErrorCarriesCode(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "job is owned by another worker",
			"code":  "NOT_OWNER",
		})
	}))
	defer srv.Close()

	c := NewClient(testConfig(t, srv.URL))
	_, err := c.Heartbeat(t.Context(), "job-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "NOT_OWNER" {
		t.Fatalf("unexpected APIError: %+v", apiErr)
	}
}
