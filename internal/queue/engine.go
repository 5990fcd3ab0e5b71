package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/garnizeh/dispatch/internal/joblog"
	"github.com/garnizeh/dispatch/internal/signing"
	"github.com/garnizeh/dispatch/internal/store"
)

// Event is a fire-and-forget lifecycle notification. Consumers (the ops
// websocket hub) must never affect the outcome of the operation that
// produced it.
type Event struct {
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	TraceID  string `json:"traceId,omitempty"`
	WorkerID string `json:"workerId,omitempty"`
	Status   Status `json:"status"`
	Version  int64  `json:"version"`
}

// Engine owns the job status state machine. Every mutation runs inside a
// store transaction and re-checks its preconditions under that
// transaction, so there are no in-process locks on the hot path.
type Engine struct {
	store  store.Store
	signer *signing.Signer
	nonces *NonceTable
	log    *joblog.Logger

	now    func() time.Time
	notify func(Event)
}

// NewEngine constructs an Engine. logger may be nil.
func NewEngine(st store.Store, signer *signing.Signer, logger *joblog.Logger) *Engine {
	if logger == nil {
		logger = joblog.New(nil)
	}
	return &Engine{
		store:  st,
		signer: signer,
		nonces: NewNonceTable(st),
		log:    logger,
		now:    time.Now,
	}
}

// Signer exposes the engine's signer for the HTTP layer.
func (e *Engine) Signer() *signing.Signer { return e.signer }

// Nonces exposes the nonce table (cron GC).
func (e *Engine) Nonces() *NonceTable { return e.nonces }

// SetClock overrides the wall clock. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetNotifier installs the lifecycle event callback.
func (e *Engine) SetNotifier(fn func(Event)) { e.notify = fn }

func (e *Engine) nowMilli() int64 { return e.now().UTC().UnixMilli() }

func (e *Engine) emit(typ string, r *JobRecord) {
	e.log.Event(typ,
		"job", r.Ticket.JobID,
		"trace", r.Ticket.TraceID,
		"status", string(r.Status),
		"worker", r.WorkerID,
		"attempts", r.Attempts,
		"version", r.Version,
	)
	if e.notify != nil {
		e.notify(Event{
			Type:     typ,
			JobID:    r.Ticket.JobID,
			TraceID:  r.Ticket.TraceID,
			WorkerID: r.WorkerID,
			Status:   r.Status,
			Version:  r.Version,
		})
	}
}

func decodeRecord(d *store.Doc) (*JobRecord, error) {
	var r JobRecord
	if err := json.Unmarshal(d.Body, &r); err != nil {
		return nil, fmt.Errorf("decode job record %s: %w", d.ID, err)
	}
	// The store row version is authoritative.
	r.Version = d.Version
	return &r, nil
}

func getRecord(ctx context.Context, rd store.Reader, jobID string) (*JobRecord, error) {
	doc, err := rd.Get(ctx, CollectionJobs, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(doc)
}

// updateRecord writes r back with the version bumped by exactly one.
func updateRecord(ctx context.Context, tx store.Tx, r *JobRecord, now int64) error {
	expect := r.Version
	r.Version = expect + 1
	r.UpdatedAt = now
	return tx.Update(ctx, CollectionJobs, r.Ticket.JobID, r, expect)
}

// Enqueue verifies a signed ticket plus its canonical payload and creates
// the job record in PENDING. Nonce reservation, the duplicate check, and
// record creation are one transaction.
func (e *Engine) Enqueue(ctx context.Context, ticket signing.Ticket, payload []byte, priority, maxAttempts *int) (*JobRecord, error) {
	if !RecognizedJobTypes[ticket.JobType] {
		return nil, &Error{Code: CodeUnknownJobType, Message: fmt.Sprintf("unknown job type %q", ticket.JobType)}
	}
	if priority != nil && (*priority < MinPriority || *priority > MaxPriority) {
		return nil, &Error{Code: CodePriorityRange, Message: fmt.Sprintf("priority %d out of [%d,%d]", *priority, MinPriority, MaxPriority)}
	}
	if maxAttempts != nil && *maxAttempts < 1 {
		return nil, &Error{Code: CodePriorityRange, Message: "maxAttempts must be >= 1"}
	}

	if err := e.signer.VerifyTicket(&ticket, e.now()); err != nil {
		return nil, err
	}
	if err := e.signer.VerifyTicketPayload(&ticket, payload); err != nil {
		return nil, err
	}

	now := e.nowMilli()
	r := &JobRecord{
		Ticket:      ticket,
		Payload:     string(payload),
		Status:      StatusPending,
		Priority:    DefaultPriority,
		Attempts:    0,
		MaxAttempts: DefaultMaxAttempts,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if priority != nil {
		r.Priority = *priority
	}
	if maxAttempts != nil {
		r.MaxAttempts = *maxAttempts
	}

	err := e.store.RunTransaction(ctx, func(tx store.Tx) error {
		if err := e.nonces.Reserve(ctx, tx, ticket.Nonce, now); err != nil {
			return err
		}
		if _, err := tx.Get(ctx, CollectionJobs, ticket.JobID); err == nil {
			return ErrDuplicateJobID
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return tx.Create(ctx, CollectionJobs, ticket.JobID, r)
	})
	if err != nil {
		return nil, err
	}

	e.emit("enqueued", r)
	return r, nil
}

// ClaimNext hands the highest-priority claimable job to workerID. If the
// worker already owns a PROCESSING job (a retried HTTP call), that job is
// returned unchanged with idempotent=true instead of allocating a second
// one; the ownership lookup runs inside the claim transaction so a
// retried call racing the original cannot allocate a second row to the
// same worker. Returns (nil, false, nil) when nothing is claimable.
func (e *Engine) ClaimNext(ctx context.Context, workerID string) (*Envelope, bool, error) {
	// Bounded find-then-claim loop: read a candidate window, CAS the
	// first still-claimable row, skip to the next candidate on conflict.
	// When every candidate in the window lost its CAS, the next iteration
	// re-reads a fresh window.
	for range claimRetries {
		var (
			existing *JobRecord
			claimed  *JobRecord
			empty    bool
		)
		err := e.store.RunTransaction(ctx, func(tx store.Tx) error {
			owned, err := processingFor(ctx, tx, workerID)
			if err != nil {
				return err
			}
			if owned != nil {
				existing = owned
				return nil
			}

			now := e.nowMilli()
			candidates, err := e.claimCandidates(ctx, tx, now)
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				empty = true
				return nil
			}
			for _, r := range candidates {
				r.Status = StatusProcessing
				r.WorkerID = workerID
				r.Attempts++
				r.Lease = &Lease{
					LeaseUntil: now + LeaseDuration.Milliseconds(),
					ClaimedAt:  now,
				}
				r.Heartbeat = &Heartbeat{At: now}
				r.ClaimableAt = 0
				if err := updateRecord(ctx, tx, r, now); err != nil {
					if errors.Is(err, store.ErrConflict) {
						// Lost the race for this row; next candidate.
						continue
					}
					return err
				}
				claimed = r
				return nil
			}
			return nil
		})
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return envelopeFor(existing), true, nil
		}
		if claimed != nil {
			e.emit("claimed", claimed)
			return envelopeFor(claimed), false, nil
		}
		if empty {
			// Nothing claimable; no point retrying.
			return nil, false, nil
		}
	}
	return nil, false, nil
}

// processingFor returns the PROCESSING record owned by workerID, if any.
func processingFor(ctx context.Context, rd store.Reader, workerID string) (*JobRecord, error) {
	docs, err := rd.Query(ctx, CollectionJobs,
		[]store.Predicate{
			store.Eq("status", string(StatusProcessing)),
			store.Eq("workerId", workerID),
		}, nil, 1)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return decodeRecord(&docs[0])
}

// claimCandidates reads PENDING and FAILED_RETRYABLE windows inside tx
// and merges them in claim order: priority DESC, createdAt ASC, jobId
// ASC. Rows still inside their backoff window are excluded in the query
// itself, so they cannot crowd a claimable row out of the window.
func (e *Engine) claimCandidates(ctx context.Context, tx store.Tx, now int64) ([]*JobRecord, error) {
	order := []store.Order{
		{Field: "priority", Desc: true},
		{Field: "createdAt"},
	}

	var out []*JobRecord
	for _, status := range []Status{StatusPending, StatusFailedRetryable} {
		docs, err := tx.Query(ctx, CollectionJobs,
			[]store.Predicate{
				store.Eq("status", string(status)),
				// claimableAt is omitted from the body while zero.
				store.LteOrMissing("claimableAt", now),
			}, order, claimWindow)
		if err != nil {
			return nil, err
		}
		for i := range docs {
			r, err := decodeRecord(&docs[i])
			if err != nil {
				return nil, err
			}
			if r.Claimable(now) {
				out = append(out, r)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.Ticket.JobID < b.Ticket.JobID
	})
	return out, nil
}

// Heartbeat extends the lease of a PROCESSING job owned by workerID.
func (e *Engine) Heartbeat(ctx context.Context, jobID, workerID string) (*JobRecord, error) {
	var out *JobRecord
	err := e.store.RunTransaction(ctx, func(tx store.Tx) error {
		r, err := getRecord(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if r.Status != StatusProcessing {
			return ErrNotProcessing
		}
		if r.WorkerID != workerID {
			return ErrNotOwner
		}
		if r.Lease == nil {
			// PROCESSING with no lease breaks the basic invariant; log the
			// full record and refuse the heartbeat. The reaper will not
			// touch it either.
			body, _ := json.Marshal(r)
			e.log.Event("invariant_violation", "job", r.Ticket.JobID, "record", string(body))
			return ErrNotProcessing
		}

		now := e.nowMilli()
		r.Lease.LeaseUntil = now + LeaseDuration.Milliseconds()
		r.Heartbeat = &Heartbeat{At: now}
		if err := updateRecord(ctx, tx, r, now); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emit("heartbeat", out)
	return out, nil
}

// Complete applies a verified result envelope. Terminal re-posts are
// idempotent: the record is returned unchanged with changed=false.
func (e *Engine) Complete(ctx context.Context, env *signing.ResultEnvelope) (*JobRecord, bool, error) {
	stored, err := getRecord(ctx, e.store, env.JobID)
	if err != nil {
		return nil, false, err
	}
	if err := e.signer.VerifyResult(env, &stored.Ticket); err != nil {
		return nil, false, err
	}

	var (
		out     *JobRecord
		changed bool
	)
	err = e.store.RunTransaction(ctx, func(tx store.Tx) error {
		r, err := getRecord(ctx, tx, env.JobID)
		if err != nil {
			return err
		}
		if r.Status.Terminal() {
			out, changed = r, false
			return nil
		}
		if r.Status != StatusProcessing {
			return ErrNotProcessing
		}
		if r.WorkerID != env.WorkerID {
			return ErrNotOwner
		}

		now := e.nowMilli()
		switch {
		case env.Status == signing.ResultSuccess:
			r.Status = StatusCompleted
			r.LastError = nil
		case env.Error != nil && !env.Error.Retryable:
			r.Status = StatusFailedTerminal
			r.LastError = &JobError{Code: env.Error.Code, Message: env.Error.Message}
		case r.Attempts >= r.MaxAttempts:
			r.Status = StatusDead
			if env.Error != nil {
				r.LastError = &JobError{Code: env.Error.Code, Message: env.Error.Message}
			}
		default:
			r.Status = StatusFailedRetryable
			r.ClaimableAt = now + Backoff(r.Attempts).Milliseconds()
			if env.Error != nil {
				r.LastError = &JobError{Code: env.Error.Code, Message: env.Error.Message}
			}
		}

		r.WorkerID = ""
		r.Lease = nil
		r.Heartbeat = nil
		if err := updateRecord(ctx, tx, r, now); err != nil {
			return err
		}
		out, changed = r, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		switch out.Status {
		case StatusCompleted:
			e.emit("completed", out)
		case StatusDead:
			e.emit("dead", out)
		default:
			e.emit("failed", out)
		}
	}
	return out, changed, nil
}

// checkGuard applies the merge guard: a caller whose view is strictly
// older than the server's loses, and gets the current state back.
func checkGuard(r *JobRecord, lastUpdatedAt *int64) error {
	if lastUpdatedAt != nil && *lastUpdatedAt < r.UpdatedAt {
		return &StaleError{Current: r}
	}
	return nil
}

// Suspend parks a PENDING or FAILED_RETRYABLE job. Idempotent: suspending
// a SUSPENDED job reports changed=false without touching the version.
func (e *Engine) Suspend(ctx context.Context, jobID, actorID, reason, deviceID string, lastUpdatedAt *int64) (*JobRecord, bool, error) {
	var (
		out     *JobRecord
		changed bool
	)
	err := e.store.RunTransaction(ctx, func(tx store.Tx) error {
		r, err := getRecord(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := checkGuard(r, lastUpdatedAt); err != nil {
			return err
		}
		if r.Status == StatusSuspended {
			out, changed = r, false
			return nil
		}
		if r.Status != StatusPending && r.Status != StatusFailedRetryable {
			return IllegalTransition(r.Status, "suspend")
		}

		now := e.nowMilli()
		r.Status = StatusSuspended
		r.SuspendedAt = now
		r.SuspendedBy = actorID
		r.SuspendReason = reason
		r.LastUpdatedByDevice = deviceID
		if err := updateRecord(ctx, tx, r, now); err != nil {
			return err
		}
		out, changed = r, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		e.emit("suspended", out)
	}
	return out, changed, nil
}

// Resume returns a SUSPENDED job to PENDING. Resuming a job that is
// already PENDING reports changed=false.
func (e *Engine) Resume(ctx context.Context, jobID, actorID, deviceID string, lastUpdatedAt *int64) (*JobRecord, bool, error) {
	var (
		out     *JobRecord
		changed bool
	)
	err := e.store.RunTransaction(ctx, func(tx store.Tx) error {
		r, err := getRecord(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := checkGuard(r, lastUpdatedAt); err != nil {
			return err
		}
		if r.Status == StatusPending {
			out, changed = r, false
			return nil
		}
		if r.Status != StatusSuspended {
			return IllegalTransition(r.Status, "resume")
		}

		now := e.nowMilli()
		r.Status = StatusPending
		r.SuspendedAt = 0
		r.SuspendedBy = ""
		r.SuspendReason = ""
		r.ClaimableAt = 0
		r.LastUpdatedByDevice = deviceID
		if err := updateRecord(ctx, tx, r, now); err != nil {
			return err
		}
		out, changed = r, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		e.emit("resumed", out)
	}
	return out, changed, nil
}

// SetPriority changes the claim ordering weight of a non-terminal job.
// Setting the current value is a no-op and does not bump the version.
func (e *Engine) SetPriority(ctx context.Context, jobID string, value int, actorID, deviceID string, lastUpdatedAt *int64) (*JobRecord, bool, error) {
	if value < MinPriority || value > MaxPriority {
		return nil, false, &Error{Code: CodePriorityRange, Message: fmt.Sprintf("priority %d out of [%d,%d]", value, MinPriority, MaxPriority)}
	}

	var (
		out     *JobRecord
		changed bool
	)
	err := e.store.RunTransaction(ctx, func(tx store.Tx) error {
		r, err := getRecord(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := checkGuard(r, lastUpdatedAt); err != nil {
			return err
		}
		if r.Status.Terminal() {
			return IllegalTransition(r.Status, "reprioritize")
		}
		if r.Priority == value {
			out, changed = r, false
			return nil
		}

		now := e.nowMilli()
		r.Priority = value
		r.LastUpdatedByDevice = deviceID
		if err := updateRecord(ctx, tx, r, now); err != nil {
			return err
		}
		out, changed = r, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		e.emit("priority", out)
	}
	return out, changed, nil
}

// Get returns one record.
func (e *Engine) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	return getRecord(ctx, e.store, jobID)
}

// List returns records most recently updated first, optionally filtered
// by status.
func (e *Engine) List(ctx context.Context, status *Status, limit int) ([]*JobRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var preds []store.Predicate
	if status != nil {
		preds = append(preds, store.Eq("status", string(*status)))
	}
	docs, err := e.store.Query(ctx, CollectionJobs, preds,
		[]store.Order{{Field: "updatedAt", Desc: true}}, limit)
	if err != nil {
		return nil, err
	}

	out := make([]*JobRecord, 0, len(docs))
	for i := range docs {
		r, err := decodeRecord(&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// DeadLetters returns DEAD records, most recently updated first.
func (e *Engine) DeadLetters(ctx context.Context, limit int) ([]*JobRecord, error) {
	dead := StatusDead
	return e.List(ctx, &dead, limit)
}

// Stuck returns PROCESSING records whose lease expired or whose last
// heartbeat is older than threshold.
func (e *Engine) Stuck(ctx context.Context, threshold time.Duration) ([]*JobRecord, error) {
	if threshold <= 0 {
		threshold = StaleHeartbeat
	}
	processing := StatusProcessing
	records, err := e.List(ctx, &processing, 200)
	if err != nil {
		return nil, err
	}

	now := e.nowMilli()
	var out []*JobRecord
	for _, r := range records {
		if e.leaseExpired(r, now, threshold) {
			out = append(out, r)
		}
	}
	return out, nil
}

// leaseExpired reports whether a PROCESSING record has lost its lease. A
// PROCESSING row with no lease breaks the basic invariant; it is logged
// at ERROR with the full record and never auto-healed here.
func (e *Engine) leaseExpired(r *JobRecord, now int64, staleAfter time.Duration) bool {
	if r.WorkerID == "" || r.Lease == nil {
		body, _ := json.Marshal(r)
		e.log.Event("invariant_violation", "job", r.Ticket.JobID, "record", string(body))
		return false
	}
	if r.Lease.LeaseUntil < now {
		return true
	}
	return r.Heartbeat != nil && r.Heartbeat.At < now-staleAfter.Milliseconds()
}

// Stats counts records per status.
func (e *Engine) Stats(ctx context.Context) (map[Status]int, error) {
	out := make(map[Status]int)
	for _, s := range []Status{
		StatusPending, StatusProcessing, StatusCompleted,
		StatusFailedRetryable, StatusFailedTerminal, StatusSuspended, StatusDead,
	} {
		docs, err := e.store.Query(ctx, CollectionJobs,
			[]store.Predicate{store.Eq("status", string(s))}, nil, 0)
		if err != nil {
			return nil, err
		}
		out[s] = len(docs)
	}
	return out, nil
}
