// Package queue implements the durable job queue: the record shape and
// status machine, the engine operations (enqueue, claim, heartbeat,
// complete, suspend/resume, set-priority), the nonce table, retry
// backoff, and the lease-expiry reaper.
package queue

import (
	"time"

	"github.com/garnizeh/dispatch/internal/signing"
)

// Store collections.
const (
	CollectionJobs   = "job_queue"
	CollectionNonces = "job_nonces"
)

// Status is the lifecycle state of a job record.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusProcessing      Status = "PROCESSING"
	StatusCompleted       Status = "COMPLETED"
	StatusFailedRetryable Status = "FAILED_RETRYABLE"
	StatusFailedTerminal  Status = "FAILED_TERMINAL"
	StatusSuspended       Status = "SUSPENDED"
	StatusDead            Status = "DEAD"
)

// Terminal reports whether the status never transitions again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailedTerminal, StatusDead:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted,
		StatusFailedRetryable, StatusFailedTerminal, StatusSuspended, StatusDead:
		return true
	}
	return false
}

// Default constants for the queue state machine.
const (
	MinPriority     = 0
	MaxPriority     = 100
	DefaultPriority = 50

	DefaultMaxAttempts = 3
)

// Timing defaults. These are package-level variables so tests can shrink
// them; production code treats them as constants.
var (
	LeaseDuration  = 60 * time.Second
	TicketTTL      = 15 * time.Minute
	StaleHeartbeat = 90 * time.Second

	BackoffBase = 5 * time.Second
	BackoffCap  = 5 * time.Minute

	// NonceRetention is how long used nonces are kept before GC. Entries
	// must outlive any ticket that could still replay them.
	NonceRetention = TicketTTL + 5*time.Minute
)

// Claim tuning: candidates read per transaction attempt and attempts per
// claim call, mirroring the bounded find-then-lease loop the engine uses.
const (
	claimWindow  = 16
	claimRetries = 3
)

// RecognizedJobTypes is the closed set of job types producers may submit.
// Adding one requires a code change on both producer and worker side.
var RecognizedJobTypes = map[string]bool{
	"scheduler.tick":  true,
	"mail.dispatch":   true,
	"export.bundle":   true,
	"index.rebuild":   true,
	"webhook.deliver": true,
}

// Lease is the time-bounded right for exactly one worker to process one
// job. Timestamps are unix milliseconds.
type Lease struct {
	LeaseUntil int64 `json:"leaseUntil"`
	ClaimedAt  int64 `json:"claimedAt"`
}

// Heartbeat records the last liveness signal from the owning worker.
type Heartbeat struct {
	At int64 `json:"at"`
}

// JobError is the last failure recorded on a record.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// JobRecord is the mutable queue document, one per jobId in the job_queue
// collection. The embedded ticket and payload are immutable after
// enqueue. All record timestamps are unix milliseconds; ticket timestamps
// stay RFC3339 because they are part of the signed wire format.
type JobRecord struct {
	Ticket  signing.Ticket `json:"ticket"`
	Payload string         `json:"payload"` // canonical JSON

	Status      Status `json:"status"`
	Priority    int    `json:"priority"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts"`

	// Version is the monotonic counter enforcing optimistic concurrency;
	// it is kept equal to the store row version.
	Version int64 `json:"version"`

	CreatedAt   int64 `json:"createdAt"`
	UpdatedAt   int64 `json:"updatedAt"`
	ClaimableAt int64 `json:"claimableAt,omitempty"`

	WorkerID  string     `json:"workerId,omitempty"`
	Lease     *Lease     `json:"lease,omitempty"`
	Heartbeat *Heartbeat `json:"heartbeat,omitempty"`

	LastError *JobError `json:"lastError,omitempty"`

	SuspendedAt   int64  `json:"suspendedAt,omitempty"`
	SuspendedBy   string `json:"suspendedBy,omitempty"`
	SuspendReason string `json:"suspendReason,omitempty"`

	LastUpdatedByDevice string `json:"lastUpdatedByDevice,omitempty"`
}

// Claimable reports whether the record may be handed to a worker at now.
func (r *JobRecord) Claimable(now int64) bool {
	if r.Status != StatusPending && r.Status != StatusFailedRetryable {
		return false
	}
	return r.ClaimableAt == 0 || r.ClaimableAt <= now
}

// NonceEntry marks a submission nonce as used.
type NonceEntry struct {
	Nonce     string `json:"nonce"`
	CreatedAt int64  `json:"createdAt"`
}

// Envelope is what a worker receives on claim.
type Envelope struct {
	Ticket      signing.Ticket `json:"ticket"`
	Payload     string         `json:"payload"`
	Version     int64          `json:"version"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"maxAttempts"`
}

// envelopeFor builds the claim envelope from a processing record.
func envelopeFor(r *JobRecord) *Envelope {
	return &Envelope{
		Ticket:      r.Ticket,
		Payload:     r.Payload,
		Version:     r.Version,
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
	}
}
