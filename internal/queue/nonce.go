package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/garnizeh/dispatch/internal/store"
)

// NonceTable is the persistent set of used submission nonces. Entries are
// reserved inside the enqueue transaction so a replayed ticket can never
// race its way past the check.
type NonceTable struct {
	store store.Store
}

// NewNonceTable builds a NonceTable over the given store.
func NewNonceTable(st store.Store) *NonceTable {
	return &NonceTable{store: st}
}

// Reserve inserts the nonce inside tx, or ErrNonceReused.
func (n *NonceTable) Reserve(ctx context.Context, tx store.Tx, nonce string, now int64) error {
	err := tx.Create(ctx, CollectionNonces, nonce, NonceEntry{Nonce: nonce, CreatedAt: now})
	if errors.Is(err, store.ErrExists) {
		return ErrNonceReused
	}
	if err != nil {
		return fmt.Errorf("reserve nonce: %w", err)
	}
	return nil
}

// Used reports whether the nonce has already been consumed.
func (n *NonceTable) Used(ctx context.Context, nonce string) (bool, error) {
	_, err := n.store.Get(ctx, CollectionNonces, nonce)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup nonce: %w", err)
	}
	return true, nil
}

// GC deletes entries created before cutoff (unix milliseconds) and
// returns the number removed. Entries younger than NonceRetention must
// never be passed as cutoff: a live ticket could then replay.
func (n *NonceTable) GC(ctx context.Context, cutoff int64) (int, error) {
	docs, err := n.store.Query(ctx, CollectionNonces,
		[]store.Predicate{store.Lt("createdAt", cutoff)}, nil, 0)
	if err != nil {
		return 0, fmt.Errorf("query expired nonces: %w", err)
	}

	removed := 0
	for _, d := range docs {
		if err := n.store.Delete(ctx, CollectionNonces, d.ID); err != nil {
			return removed, fmt.Errorf("delete nonce %s: %w", d.ID, err)
		}
		removed++
	}
	return removed, nil
}
