package worker

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/garnizeh/dispatch/internal/queue"
	"github.com/garnizeh/dispatch/internal/signing"
)

// Handler processes one job and returns its output. Returning an error
// marks the job FAILURE; wrap it in RetryableError to ask the queue for
// another attempt.
type Handler func(ctx context.Context, env *queue.Envelope) (json.RawMessage, error)

// RetryableError marks a handler failure as safe to retry.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so the queue schedules another attempt.
func Retryable(err error) error {
	return &RetryableError{Err: err}
}

// heartbeatFailLimit is how many consecutive heartbeat failures the
// worker tolerates before abandoning the job. The lease has expired or
// moved on by then; continuing would waste work the reaper will discard.
const heartbeatFailLimit = 3

// Worker orchestrates claiming jobs, running handlers, heartbeating and
// reporting signed results.
type Worker struct {
	client   *Client
	config   *Config
	signer   *signing.Signer
	handlers map[string]Handler
}

// NewWorker constructs a Worker. Handlers are registered per job type
// with Register before calling Run.
func NewWorker(cfg *Config) (*Worker, error) {
	ring := signing.NewKeyRing()
	pub, ok := cfg.SigningKey.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("derive worker public key")
	}
	if err := ring.AddEd25519(cfg.KeyID, pub); err != nil {
		return nil, fmt.Errorf("register worker key: %w", err)
	}
	signer, err := signing.NewEd25519Signer(cfg.KeyID, cfg.SigningKey, ring)
	if err != nil {
		return nil, fmt.Errorf("build signer: %w", err)
	}

	return &Worker{
		client:   NewClient(cfg),
		config:   cfg,
		signer:   signer,
		handlers: make(map[string]Handler),
	}, nil
}

// Register installs the handler for a job type, replacing any previous
// one.
func (w *Worker) Register(jobType string, h Handler) {
	w.handlers[jobType] = h
}

// Run starts the main worker loop. It returns when ctx is cancelled or
// a fatal error (like ErrUnauthorized) occurs.
func (w *Worker) Run(ctx context.Context) error {
	log.Println("worker: starting")
	backoff := NewBackoff(w.config.PollInterval, w.config.RetryMaxDelay)

	for {
		select {
		case <-ctx.Done():
			log.Println("worker: context cancelled, shutting down")
			return fmt.Errorf("worker: %w", ctx.Err())
		default:
		}

		env, err := w.client.Claim(ctx)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				return fmt.Errorf("worker: claim failed: %w", err)
			}
			if isRetryable(err) {
				delay := backoff.Next()
				log.Printf("worker: claim failed (retryable): %v; waiting %v", err, delay)
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return fmt.Errorf("worker: %w", ctx.Err())
				}
			}
			return fmt.Errorf("worker: claim failed (non-retryable): %w", err)
		}

		if env == nil {
			delay := backoff.Next()
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return fmt.Errorf("worker: %w", ctx.Err())
			}
		}

		// Successful claim resets the poll backoff.
		backoff.Reset()
		log.Printf("worker: claimed job %s type=%s attempt=%d/%d",
			env.Ticket.JobID, env.Ticket.JobType, env.Attempts, env.MaxAttempts)

		if err := w.processJob(ctx, env); err != nil {
			if errors.Is(err, ErrUnauthorized) {
				return err
			}
			log.Printf("worker: processing job %s failed: %v", env.Ticket.JobID, err)
			// The lease expires and the reaper reschedules the job.
			continue
		}
	}
}

// processJob runs the handler for a claimed job while heartbeating in
// the background, then signs and submits the result envelope.
func (w *Worker) processJob(ctx context.Context, env *queue.Envelope) error {
	jobID := env.Ticket.JobID

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Heartbeat at a third of the lease duration so two beats can be
	// missed before the lease lapses.
	interval := queue.LeaseDuration / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var leaseLost int32
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		failures := 0
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if _, err := w.client.Heartbeat(jobCtx, jobID); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					failures++
					log.Printf("worker: heartbeat failed for job %s (%d/%d): %v",
						jobID, failures, heartbeatFailLimit, err)
					if failures >= heartbeatFailLimit || !isRetryable(err) {
						atomic.StoreInt32(&leaseLost, 1)
						cancel()
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	output, handlerErr := w.runHandler(jobCtx, env)

	cancel()
	<-doneCh

	if atomic.LoadInt32(&leaseLost) == 1 {
		return fmt.Errorf("lease lost for job %s, abandoning work", jobID)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("worker: %w", ctx.Err())
	}

	result := &signing.ResultEnvelope{
		JobID:       jobID,
		WorkerID:    w.config.WorkerID,
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if handlerErr != nil {
		result.Status = signing.ResultFailure
		result.Error = classify(handlerErr)
	} else {
		result.Status = signing.ResultSuccess
		result.Output = output
	}

	if err := w.signer.SignResult(result, env.Ticket.PayloadHash); err != nil {
		return fmt.Errorf("sign result for job %s: %w", jobID, err)
	}

	status, changed, err := w.client.SubmitResult(ctx, result)
	if err != nil {
		return fmt.Errorf("submit result for job %s: %w", jobID, err)
	}
	log.Printf("worker: job %s acknowledged status=%s changed=%t", jobID, status, changed)
	return nil
}

// runHandler dispatches to the registered handler, converting panics
// into failures so one bad job cannot take the worker down.
func (w *Worker) runHandler(ctx context.Context, env *queue.Envelope) (out json.RawMessage, err error) {
	h, ok := w.handlers[env.Ticket.JobType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %q", env.Ticket.JobType)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, env)
}

// classify maps a handler error to the wire-level result error.
func classify(err error) *signing.ResultError {
	var re *RetryableError
	if errors.As(err, &re) {
		return &signing.ResultError{
			Code:      "HANDLER_RETRYABLE",
			Message:   re.Err.Error(),
			Retryable: true,
		}
	}
	return &signing.ResultError{
		Code:      "HANDLER_FAILED",
		Message:   err.Error(),
		Retryable: false,
	}
}

// isRetryable determines whether a client error should be retried.
func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= 500 && apiErr.StatusCode < 600 {
			return true
		}
		if apiErr.StatusCode == 429 {
			return true
		}
		return false
	}
	// Non-API errors (network, timeouts) are considered retryable.
	return true
}
