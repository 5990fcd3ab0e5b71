package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/garnizeh/dispatch/internal/store"
)

// hookStore runs a callback once, right before the next transaction
// starts. It lets a test land a competing operation between a caller's
// dispatch and its transaction.
type hookStore struct {
	store.Store
	before func()
}

func (s *hookStore) RunTransaction(ctx context.Context, fn func(store.Tx) error) error {
	if s.before != nil {
		h := s.before
		s.before = nil
		h()
	}
	return s.Store.RunTransaction(ctx, fn)
}

// conflictStore fails the next n compare-and-set updates with
// store.ErrConflict before delegating, simulating lost claim races.
type conflictStore struct {
	store.Store
	conflicts int
}

func (s *conflictStore) RunTransaction(ctx context.Context, fn func(store.Tx) error) error {
	return s.Store.RunTransaction(ctx, func(tx store.Tx) error {
		return fn(&conflictTx{Tx: tx, s: s})
	})
}

type conflictTx struct {
	store.Tx
	s *conflictStore
}

func (t *conflictTx) Update(ctx context.Context, collection, id string, v any, expectVersion int64) error {
	if t.s.conflicts > 0 {
		t.s.conflicts--
		return store.ErrConflict
	}
	return t.Tx.Update(ctx, collection, id, v, expectVersion)
}

// TestClaimRetriedCallCannotDoubleAllocate pins the ownership lookup to
// the claim transaction: a retried claim that races the original call
// must come back with the job the original claimed, never a second one.
func TestClaimRetriedCallCannotDoubleAllocate(t *testing.T) {
	st, signer := testStoreAndSigner(t)
	original := NewEngine(st, signer, testLogger())

	hooked := &hookStore{Store: st}
	retried := NewEngine(hooked, signer, testLogger())

	first := enqueue(t, original, ticketOpts{}, intPtr(90), nil)
	second := enqueue(t, original, ticketOpts{}, intPtr(10), nil)

	// The original call lands between the retried call's dispatch and
	// its transaction.
	hooked.before = func() {
		env, idempotent, err := original.ClaimNext(t.Context(), "worker-1")
		if err != nil {
			t.Fatalf("original claim: %v", err)
		}
		if env == nil || idempotent || env.Ticket.JobID != first.Ticket.JobID {
			t.Fatalf("original claim got %+v idempotent=%t", env, idempotent)
		}
	}

	env, idempotent, err := retried.ClaimNext(t.Context(), "worker-1")
	if err != nil {
		t.Fatalf("retried claim: %v", err)
	}
	if env == nil || !idempotent || env.Ticket.JobID != first.Ticket.JobID {
		t.Fatalf("retried claim must return the already-owned job, got %+v idempotent=%t", env, idempotent)
	}

	// The second job was not handed to the same worker.
	got, err := original.Get(t.Context(), second.Ticket.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("second job must stay PENDING, got %s owned by %q", got.Status, got.WorkerID)
	}
}

// TestClaimRetriesAfterLostRace drives the whole candidate window into a
// CAS conflict; the claim must re-read a fresh window instead of
// reporting an empty queue.
func TestClaimRetriesAfterLostRace(t *testing.T) {
	st, signer := testStoreAndSigner(t)
	cs := &conflictStore{Store: st}
	e := NewEngine(cs, signer, testLogger())

	r := enqueue(t, e, ticketOpts{}, nil, nil)

	cs.conflicts = 1
	env, idempotent, err := e.ClaimNext(t.Context(), "worker-1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if env == nil || idempotent {
		t.Fatalf("expected a claim after the lost race, got %+v idempotent=%t", env, idempotent)
	}
	if env.Ticket.JobID != r.Ticket.JobID || env.Attempts != 1 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if cs.conflicts != 0 {
		t.Fatal("injected conflict was never consumed")
	}
}

// TestClaimJobIDBreaksFullTie covers the deterministic order for rows
// identical in both priority and createdAt.
func TestClaimJobIDBreaksFullTie(t *testing.T) {
	e := newTestEngine(t)

	fixed := time.Now().UTC()
	e.SetClock(func() time.Time { return fixed })

	// Insertion order deliberately scrambled.
	for _, id := range []string{"tie-b", "tie-c", "tie-a"} {
		enqueue(t, e, ticketOpts{jobID: id}, intPtr(50), nil)
	}

	for i, want := range []string{"tie-a", "tie-b", "tie-c"} {
		env, _, err := e.ClaimNext(t.Context(), fmt.Sprintf("tie-worker-%d", i))
		if err != nil {
			t.Fatalf("ClaimNext %d: %v", i, err)
		}
		if env == nil || env.Ticket.JobID != want {
			t.Fatalf("claim %d: want %s, got %+v", i, want, env)
		}
	}
}

// TestClaimSeesPastBackedOffWindow fills the candidate window with
// higher-priority rows still inside their backoff and expects the claim
// to reach the claimable row beyond them.
func TestClaimSeesPastBackedOffWindow(t *testing.T) {
	st, signer := testStoreAndSigner(t)
	e := NewEngine(st, signer, testLogger())
	ctx := t.Context()

	far := time.Now().UTC().Add(time.Hour).UnixMilli()
	for range claimWindow {
		r := enqueue(t, e, ticketOpts{}, intPtr(90), nil)
		err := st.Set(ctx, CollectionJobs, r.Ticket.JobID,
			map[string]any{"claimableAt": far}, true)
		if err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	want := enqueue(t, e, ticketOpts{}, intPtr(10), nil)

	env, _, err := e.ClaimNext(ctx, "worker-1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if env == nil || env.Ticket.JobID != want.Ticket.JobID {
		t.Fatalf("expected the claimable job past the backed-off window, got %+v", env)
	}
}
