// SPDX-License-Identifier: Apache-2.0

// Package checkpoint persists the low-water-mark transaction id
// (txmin_committed) below which every committed change has already been
// durably indexed, one value per (database, index) pair.
package checkpoint

import (
	"context"
	"fmt"
	"strings"
)

// Store loads and saves the committed low-water mark for one (database,
// index) pair. Implementations must make Save durable before returning,
// since the engine advances the checkpoint only after a batch has been
// acknowledged by the indexer.
type Store interface {
	Load(ctx context.Context, database, index string) (txmin int64, found bool, err error)
	Save(ctx context.Context, database, index string, txmin int64) error
}

// Tracker wraps a Store with the monotonicity guarantee: Advance never
// moves txmin_committed backwards, even if called with a smaller value
// than what is already persisted (a replayed or out-of-order batch).
type Tracker struct {
	store          Store
	database       string
	index          string
	txminCommitted int64
	loaded         bool
}

// NewTracker loads the current checkpoint for (database, index), if any.
func NewTracker(ctx context.Context, store Store, database, index string) (*Tracker, error) {
	t := &Tracker{store: store, database: database, index: index}
	txmin, found, err := store.Load(ctx, database, index)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: loading %s: %w", Key(database, index), err)
	}
	if found {
		t.txminCommitted = txmin
		t.loaded = true
	}
	return t, nil
}

// TxminCommitted returns the lowest txid not yet known to be durably
// indexed. Zero means no checkpoint has ever been persisted.
func (t *Tracker) TxminCommitted() int64 {
	return t.txminCommitted
}

// Advance persists txmin as the new checkpoint if it is greater than the
// value currently held; otherwise it is a no-op, preserving monotonicity.
func (t *Tracker) Advance(ctx context.Context, txmin int64) error {
	if txmin <= t.txminCommitted {
		return nil
	}
	if err := t.store.Save(ctx, t.database, t.index, txmin); err != nil {
		return fmt.Errorf("checkpoint: saving %s: %w", Key(t.database, t.index), err)
	}
	t.txminCommitted = txmin
	return nil
}

// Key returns the sanitized "<database>_<index>" identifier used to name
// checkpoint files and broker keys.
func Key(database, index string) string {
	return sanitize(database) + "_" + sanitize(index)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
