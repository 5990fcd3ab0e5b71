package server

import (
	"net/http"
	"testing"
)

type listedJob struct {
	JobID         string `json:"jobId"`
	Status        string `json:"status"`
	Priority      int    `json:"priority"`
	Version       int64  `json:"version"`
	UpdatedAt     int64  `json:"updatedAt"`
	SuspendedBy   string `json:"suspendedBy"`
	SuspendReason string `json:"suspendReason"`
}

func (env *testEnv) getJob(jobID string) listedJob {
	env.t.Helper()
	w := env.do(http.MethodGet, "/ops/jobs/list", nil, nil)
	if w.Code != http.StatusOK {
		env.t.Fatalf("list returned %d", w.Code)
	}
	body := decodeBody[struct {
		Jobs []listedJob `json:"jobs"`
	}](env.t, w)
	for _, j := range body.Jobs {
		if j.JobID == jobID {
			return j
		}
	}
	env.t.Fatalf("job %s not in list", jobID)
	return listedJob{}
}

func TestE2ESuspendResumeCycle(t *testing.T) {
	env := setupServer(t)

	enq := env.enqueue("index.rebuild", map[string]any{"index": "docs"}, nil)

	w := env.do(http.MethodPost, "/jobs/"+enq.JobID+"/suspend",
		map[string]any{"reason": "maintenance window"},
		map[string]string{"X-Actor-Id": "ops-alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("suspend returned %d: %s", w.Code, w.Body.String())
	}
	ack := decodeBody[mutationResponse](t, w)
	if ack.Status != "SUSPENDED" || !ack.Changed {
		t.Fatalf("unexpected suspend ack: %+v", ack)
	}

	job := env.getJob(enq.JobID)
	if job.SuspendedBy != "ops-alice" || job.SuspendReason != "maintenance window" {
		t.Fatalf("suspend metadata not recorded: %+v", job)
	}

	// Suspended jobs are invisible to claim.
	if claim := env.claim("worker-1"); claim.Job != nil {
		t.Fatalf("suspended job must not be claimable: %+v", claim.Job)
	}

	// Repeating the suspend is a no-op 200.
	w = env.do(http.MethodPost, "/jobs/"+enq.JobID+"/suspend", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("repeat suspend returned %d", w.Code)
	}
	if ack := decodeBody[mutationResponse](t, w); ack.Changed {
		t.Fatal("repeat suspend must report changed=false")
	}

	w = env.do(http.MethodPost, "/jobs/"+enq.JobID+"/resume", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resume returned %d: %s", w.Code, w.Body.String())
	}
	ack = decodeBody[mutationResponse](t, w)
	if ack.Status != "PENDING" || !ack.Changed {
		t.Fatalf("unexpected resume ack: %+v", ack)
	}

	job = env.getJob(enq.JobID)
	if job.SuspendedBy != "" || job.SuspendReason != "" {
		t.Fatalf("resume must clear suspend metadata: %+v", job)
	}

	// Back in the pool.
	if claim := env.claim("worker-1"); claim.Job == nil {
		t.Fatal("resumed job must be claimable")
	}
}

func TestE2ESuspendProcessingIsIllegal(t *testing.T) {
	env := setupServer(t)

	enq := env.enqueue("mail.dispatch", map[string]any{"to": "x"}, nil)
	if claim := env.claim("worker-1"); claim.Job == nil {
		t.Fatal("expected a job")
	}

	w := env.do(http.MethodPost, "/jobs/"+enq.JobID+"/suspend", nil, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("suspend of PROCESSING returned %d, want 409", w.Code)
	}
	if body := decodeBody[errorResponse](t, w); body.Code != "ILLEGAL_TRANSITION" {
		t.Fatalf("expected ILLEGAL_TRANSITION, got %q", body.Code)
	}
}

func TestE2EMergeGuardRejectsStaleWriter(t *testing.T) {
	env := setupServer(t)

	enq := env.enqueue("mail.dispatch", map[string]any{"to": "x"}, nil)
	job := env.getJob(enq.JobID)

	// A view one tick behind the record is rejected with the current state
	// echoed so the caller can rebase.
	stale := job.UpdatedAt - 1
	w := env.do(http.MethodPost, "/jobs/"+enq.JobID+"/suspend",
		map[string]any{"lastUpdatedAt": stale}, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("stale suspend returned %d, want 409: %s", w.Code, w.Body.String())
	}
	body := decodeBody[errorResponse](t, w)
	if body.Code != "STALE" {
		t.Fatalf("expected STALE, got %q", body.Code)
	}
	if body.Current == nil || body.Current.JobID != enq.JobID || body.Current.UpdatedAt != job.UpdatedAt {
		t.Fatalf("stale rejection must echo the current record: %+v", body.Current)
	}

	// A fresh view goes through.
	w = env.do(http.MethodPost, "/jobs/"+enq.JobID+"/suspend",
		map[string]any{"lastUpdatedAt": job.UpdatedAt}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("fresh suspend returned %d: %s", w.Code, w.Body.String())
	}
}

func TestE2ESetPriority(t *testing.T) {
	env := setupServer(t)

	enq := env.enqueue("mail.dispatch", map[string]any{"to": "x"}, nil)

	// Value is mandatory.
	w := env.do(http.MethodPost, "/jobs/"+enq.JobID+"/priority", map[string]any{}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("priority without value returned %d, want 400", w.Code)
	}

	w = env.do(http.MethodPost, "/jobs/"+enq.JobID+"/priority", map[string]any{"value": 80}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("priority returned %d: %s", w.Code, w.Body.String())
	}
	if ack := decodeBody[mutationResponse](t, w); !ack.Changed {
		t.Fatalf("unexpected priority ack: %+v", ack)
	}
	if job := env.getJob(enq.JobID); job.Priority != 80 {
		t.Fatalf("priority not applied: %+v", job)
	}

	// Same value again is a no-op.
	w = env.do(http.MethodPost, "/jobs/"+enq.JobID+"/priority", map[string]any{"value": 80}, nil)
	if ack := decodeBody[mutationResponse](t, w); ack.Changed {
		t.Fatal("same priority must report changed=false")
	}

	w = env.do(http.MethodPost, "/jobs/"+enq.JobID+"/priority", map[string]any{"value": 101}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("out-of-range priority returned %d, want 400", w.Code)
	}
	if body := decodeBody[errorResponse](t, w); body.Code != "PRIORITY_OUT_OF_RANGE" {
		t.Fatalf("expected PRIORITY_OUT_OF_RANGE, got %q", body.Code)
	}
}

func TestE2EAdminUnknownJobAndAction(t *testing.T) {
	env := setupServer(t)

	w := env.do(http.MethodPost, "/jobs/no-such-job/suspend", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("suspend of unknown job returned %d, want 404", w.Code)
	}
	if body := decodeBody[errorResponse](t, w); body.Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %q", body.Code)
	}

	w = env.do(http.MethodPost, "/jobs/some-id/explode", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown action returned %d, want 404", w.Code)
	}
}
