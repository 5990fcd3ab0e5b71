package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/garnizeh/dispatch/internal/store"
)

// ReapedJob summarizes one job the reaper transitioned.
type ReapedJob struct {
	JobID  string `json:"jobId"`
	Status Status `json:"status"`
}

// ReapSummary is the result of one reaper pass.
type ReapSummary struct {
	Found        int         `json:"found"`
	Retried      int         `json:"retried"`
	DeadLettered int         `json:"deadLettered"`
	Jobs         []ReapedJob `json:"jobs"`
}

// Reap sweeps PROCESSING records whose lease expired or whose heartbeat
// went stale, returning them to the pool with backoff or dead-lettering
// them once attempts are exhausted. Each transition is its own
// transaction that re-checks the lease, so a heartbeat that raced ahead
// of the sweep turns the reap into a no-op. Attempts are not incremented
// here: the count was taken at claim time.
func (e *Engine) Reap(ctx context.Context) (*ReapSummary, error) {
	processing := StatusProcessing
	records, err := e.List(ctx, &processing, 200)
	if err != nil {
		return nil, fmt.Errorf("query processing jobs: %w", err)
	}

	summary := &ReapSummary{Jobs: []ReapedJob{}}
	now := e.nowMilli()
	for _, r := range records {
		if !e.leaseExpired(r, now, StaleHeartbeat) {
			continue
		}
		summary.Found++

		reaped, err := e.reapOne(ctx, r.Ticket.JobID)
		if err != nil {
			return nil, fmt.Errorf("reap job %s: %w", r.Ticket.JobID, err)
		}
		if reaped == nil {
			// A heartbeat or completion won the race.
			summary.Found--
			continue
		}

		summary.Jobs = append(summary.Jobs, ReapedJob{JobID: reaped.Ticket.JobID, Status: reaped.Status})
		if reaped.Status == StatusDead {
			summary.DeadLettered++
		} else {
			summary.Retried++
		}
		e.emit("reaped", reaped)
	}
	return summary, nil
}

// reapOne transitions a single expired job inside a transaction. Returns
// (nil, nil) when the job is no longer reapable.
func (e *Engine) reapOne(ctx context.Context, jobID string) (*JobRecord, error) {
	var out *JobRecord
	err := e.store.RunTransaction(ctx, func(tx store.Tx) error {
		r, err := getRecord(ctx, tx, jobID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		// Re-check under the transaction: a heartbeat may have landed
		// between the sweep read and now.
		now := e.nowMilli()
		if r.Status != StatusProcessing || !e.leaseExpired(r, now, StaleHeartbeat) {
			return nil
		}

		if r.Attempts >= r.MaxAttempts {
			r.Status = StatusDead
		} else {
			r.Status = StatusFailedRetryable
			r.ClaimableAt = now + Backoff(r.Attempts).Milliseconds()
		}
		r.LastError = &JobError{
			Code:    CodeLeaseExpired,
			Message: fmt.Sprintf("lease expired for worker %s", r.WorkerID),
		}
		r.WorkerID = ""
		r.Lease = nil
		r.Heartbeat = nil
		if err := updateRecord(ctx, tx, r, now); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
