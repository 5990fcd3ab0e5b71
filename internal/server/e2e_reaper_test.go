package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/garnizeh/dispatch/internal/queue"
)

// TestE2EReaperRecoversExpiredLease claims a job, lets its lease expire
// by moving the engine clock, and verifies the stuck listing and the
// manual sweep endpoint.
func TestE2EReaperRecoversExpiredLease(t *testing.T) {
	env := setupServer(t)

	enq := env.enqueue("webhook.deliver", map[string]any{"url": "https://example.com"}, nil)
	if claim := env.claim("worker-1"); claim.Job == nil {
		t.Fatal("expected a job")
	}

	// Nothing is stuck while the lease is live.
	w := env.do(http.MethodGet, "/ops/jobs/stuck", nil, nil)
	stuck := decodeBody[struct {
		Jobs []listedJob `json:"jobs"`
	}](t, w)
	if len(stuck.Jobs) != 0 {
		t.Fatalf("fresh lease reported stuck: %+v", stuck.Jobs)
	}

	// Silence the worker past the lease and the heartbeat threshold.
	expired := time.Now().Add(queue.LeaseDuration + queue.StaleHeartbeat + time.Second)
	env.s.engine.SetClock(func() time.Time { return expired })

	w = env.do(http.MethodGet, "/ops/jobs/stuck", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stuck returned %d", w.Code)
	}
	stuck = decodeBody[struct {
		Jobs []listedJob `json:"jobs"`
	}](t, w)
	if len(stuck.Jobs) != 1 || stuck.Jobs[0].JobID != enq.JobID {
		t.Fatalf("unexpected stuck listing: %+v", stuck.Jobs)
	}

	w = env.do(http.MethodPost, "/jobs/reaper", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reaper returned %d: %s", w.Code, w.Body.String())
	}
	summary := decodeBody[queue.ReapSummary](t, w)
	if summary.Found != 1 || summary.Retried != 1 || summary.DeadLettered != 0 {
		t.Fatalf("unexpected sweep summary: %+v", summary)
	}

	job := env.getJob(enq.JobID)
	if job.Status != "FAILED_RETRYABLE" {
		t.Fatalf("expected FAILED_RETRYABLE after sweep, got %s", job.Status)
	}

	// A second sweep finds nothing.
	w = env.do(http.MethodPost, "/jobs/reaper", nil, nil)
	if summary := decodeBody[queue.ReapSummary](t, w); summary.Found != 0 {
		t.Fatalf("second sweep should be empty: %+v", summary)
	}
}
