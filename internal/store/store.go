// Package store exposes the narrow document-store contract the queue is
// written against: point reads and writes, single-document transactions
// with compare-and-set, and a small set of field-predicate queries.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrExists is returned by Create when the document id is taken.
	ErrExists = errors.New("document already exists")

	// ErrConflict is returned by Update when the expected version does
	// not match the stored row. Callers retry or re-read.
	ErrConflict = errors.New("version conflict")
)

// Doc is a stored document plus its optimistic version.
type Doc struct {
	ID      string
	Body    []byte
	Version int64
}

// Predicate is a single field comparison over a JSON path inside the
// document body (e.g. "status", "lease.leaseUntil"). With MatchMissing
// set, documents where the field is absent also match.
type Predicate struct {
	Field        string
	Op           string // one of = < <= > >=
	Value        any
	MatchMissing bool
}

// Eq builds an equality predicate.
func Eq(field string, value any) Predicate {
	return Predicate{Field: field, Op: "=", Value: value}
}

// Lt builds a strict less-than predicate.
func Lt(field string, value any) Predicate {
	return Predicate{Field: field, Op: "<", Value: value}
}

// Lte builds a less-than-or-equal predicate.
func Lte(field string, value any) Predicate {
	return Predicate{Field: field, Op: "<=", Value: value}
}

// LteOrMissing builds a less-than-or-equal predicate that also matches
// documents where the field is absent. Used for timer fields that are
// omitted from the body while unset.
func LteOrMissing(field string, value any) Predicate {
	return Predicate{Field: field, Op: "<=", Value: value, MatchMissing: true}
}

// Order is a sort key over a JSON path. Ties always break by document id
// ascending so result order is deterministic.
type Order struct {
	Field string
	Desc  bool
}

// Reader is the read surface shared by the store and its transactions.
type Reader interface {
	// Get returns one document or ErrNotFound.
	Get(ctx context.Context, collection, id string) (*Doc, error)

	// Query returns documents matching every predicate, sorted by the
	// given order keys, capped at limit (0 means no cap).
	Query(ctx context.Context, collection string, preds []Predicate, order []Order, limit int) ([]Doc, error)
}

// Tx is the handle passed to RunTransaction callbacks. All writes inside
// a transaction are atomic; Update is the compare-and-set primitive.
type Tx interface {
	Reader

	// Create inserts a new document at version 1, or ErrExists.
	Create(ctx context.Context, collection, id string, v any) error

	// Update replaces the document body if the stored version still
	// equals expectVersion; otherwise ErrConflict. The stored version is
	// incremented by exactly one.
	Update(ctx context.Context, collection, id string, v any, expectVersion int64) error

	// Delete removes a document. Missing documents are not an error.
	Delete(ctx context.Context, collection, id string) error
}

// Store is the persistence contract consumed by the queue engine. All
// concurrency-sensitive operations go through RunTransaction.
type Store interface {
	Reader

	// Set writes a document outside a transaction. With merge, top-level
	// fields of v are merged over the existing body instead of replacing
	// it.
	Set(ctx context.Context, collection, id string, v any, merge bool) error

	// Delete removes a document. Missing documents are not an error.
	Delete(ctx context.Context, collection, id string) error

	// RunTransaction executes fn atomically. If fn returns an error the
	// transaction is rolled back and the error is returned unchanged.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
}
