package server

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/garnizeh/dispatch/internal/config"
	"github.com/garnizeh/dispatch/internal/database"
	"github.com/garnizeh/dispatch/internal/joblog"
	"github.com/garnizeh/dispatch/internal/queue"
	"github.com/garnizeh/dispatch/internal/signing"
	"github.com/garnizeh/dispatch/internal/store"
)

// testEnv is the in-process stack used by the handler tests: in-memory
// sqlite, deterministic keys, and a worker-side signer whose public key
// is registered in the server's ring.
type testEnv struct {
	t      *testing.T
	s      *Server
	worker *signing.Signer
}

func setupServer(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	ctx := t.Context()

	db, err := database.InitDB(ctx, ":memory:")
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() {
		if err := database.CloseDB(db); err != nil {
			t.Fatalf("CloseDB: %v", err)
		}
	})

	attPriv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{7}, ed25519.SeedSize))
	workerPriv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{9}, ed25519.SeedSize))

	ring := signing.NewKeyRing()
	if err := ring.AddEd25519("attestation-1", attPriv.Public().(ed25519.PublicKey)); err != nil {
		t.Fatalf("AddEd25519 attestation: %v", err)
	}
	if err := ring.AddEd25519("worker-1", workerPriv.Public().(ed25519.PublicKey)); err != nil {
		t.Fatalf("AddEd25519 worker: %v", err)
	}

	signer, err := signing.NewEd25519Signer("attestation-1", attPriv, ring)
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	workerSigner, err := signing.NewEd25519Signer("worker-1", workerPriv, ring)
	if err != nil {
		t.Fatalf("worker signer: %v", err)
	}

	engine := queue.NewEngine(store.NewSQLite(db), signer, joblog.New(log.New(io.Discard, "", 0)))

	cfg := &config.Config{
		Port:           "0",
		DBPath:         ":memory:",
		KeyID:          "attestation-1",
		AttestationKey: attPriv,
		AttestationPub: attPriv.Public().(ed25519.PublicKey),
	}
	for _, m := range mutate {
		m(cfg)
	}

	s := New(cfg, db, engine)
	s.RegisterRoutes()
	return &testEnv{t: t, s: s, worker: workerSigner}
}

// do runs one request through the full middleware chain.
func (env *testEnv) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	env.t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			env.t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	r := httptest.NewRequest(method, path, rd)
	r.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	env.s.handler.ServeHTTP(w, r)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

type enqueueResponse struct {
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	TraceID   string `json:"traceId"`
	ExpiresAt string `json:"expiresAt"`
}

func (env *testEnv) enqueue(jobType string, payload map[string]any, extra map[string]any) enqueueResponse {
	env.t.Helper()
	body := map[string]any{
		"jobType":          jobType,
		"payload":          payload,
		"policyDecisionId": "policy-test",
	}
	for k, v := range extra {
		body[k] = v
	}
	w := env.do(http.MethodPost, "/jobs/enqueue", body, nil)
	if w.Code != http.StatusCreated {
		env.t.Fatalf("enqueue returned %d: %s", w.Code, w.Body.String())
	}
	return decodeBody[enqueueResponse](env.t, w)
}

type claimResponse struct {
	Job        *queue.Envelope `json:"job"`
	Idempotent bool            `json:"idempotent"`
}

func (env *testEnv) claim(workerID string) claimResponse {
	env.t.Helper()
	w := env.do(http.MethodPost, "/jobs/claim", map[string]string{"workerId": workerID}, nil)
	if w.Code != http.StatusOK {
		env.t.Fatalf("claim returned %d: %s", w.Code, w.Body.String())
	}
	return decodeBody[claimResponse](env.t, w)
}

// signedResult builds and signs a worker result envelope bound to the
// claimed envelope's payload hash.
func (env *testEnv) signedResult(job *queue.Envelope, workerID, status string, resErr *signing.ResultError) *signing.ResultEnvelope {
	env.t.Helper()
	res := &signing.ResultEnvelope{
		JobID:       job.Ticket.JobID,
		WorkerID:    workerID,
		Status:      status,
		Error:       resErr,
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := env.worker.SignResult(res, job.Ticket.PayloadHash); err != nil {
		env.t.Fatalf("SignResult: %v", err)
	}
	return res
}

type mutationResponse struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Changed bool   `json:"changed"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Current *struct {
		JobID     string `json:"jobId"`
		Status    string `json:"status"`
		Priority  int    `json:"priority"`
		Version   int64  `json:"version"`
		UpdatedAt int64  `json:"updatedAt"`
	} `json:"current"`
}
