// SPDX-License-Identifier: Apache-2.0

// Package engine implements the sync engine: the sole consumer of the
// change-event queue and the sole writer of the checkpoint, turning
// batches of events into synthesized documents and bulk index actions.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/toluaina/pgsync/pkg/capture"
	"github.com/toluaina/pgsync/pkg/checkpoint"
	"github.com/toluaina/pgsync/pkg/db"
	"github.com/toluaina/pgsync/pkg/indexer"
	"github.com/toluaina/pgsync/pkg/schema"
	"github.com/toluaina/pgsync/pkg/synth"
)

// State is one point in the engine's per-batch state machine:
// Idle -> Draining -> Querying -> Indexing -> Checkpointing -> Idle,
// with a self-loop on Draining when the queue is empty.
type State int

const (
	Idle State = iota
	Draining
	Querying
	Indexing
	Checkpointing
)

func (s State) String() string {
	switch s {
	case Draining:
		return "draining"
	case Querying:
		return "querying"
	case Indexing:
		return "indexing"
	case Checkpointing:
		return "checkpointing"
	default:
		return "idle"
	}
}

// Logger is the narrow logging surface the engine needs.
type Logger interface {
	Warnf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warnf(string, ...any) {}

// Source drains up to max queued events without blocking past an empty
// queue; *capture.Queue satisfies it.
type Source interface {
	Drain(max int) []capture.Event
}

// Config bounds one engine's per-iteration batch size and poll cadence.
type Config struct {
	ChunkSize       int // REDIS_CHUNK_SIZE: events drained per iteration
	FilterChunkSize int // FILTER_CHUNK_SIZE: pointed-sync key chunking
	QueryChunkSize  int // QUERY_CHUNK_SIZE: cursor fetch size
	PollTimeout     time.Duration
	Logger          Logger
}

// connProvider is implemented by db.DB backends that can hand out a
// dedicated *sql.Conn for a server-side cursor; *db.RDB satisfies it.
type connProvider interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

// Engine runs the main loop for one Sync: drain, resolve affected pivot
// keys, re-synthesize, index, checkpoint.
type Engine struct {
	Conn       db.DB
	Tree       *schema.Tree
	Synth      *synth.Synthesizer
	Indexer    indexer.BulkIndexer
	Checkpoint *checkpoint.Tracker
	Source     Source
	Config     Config

	state State
}

// New builds an Engine, defaulting an unset ChunkSize, QueryChunkSize,
// PollTimeout or Logger; FilterChunkSize is kept as given.
func New(conn db.DB, tree *schema.Tree, synthesizer *synth.Synthesizer, idx indexer.BulkIndexer, cp *checkpoint.Tracker, source Source, cfg Config) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.QueryChunkSize <= 0 {
		cfg.QueryChunkSize = 10000
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return &Engine{Conn: conn, Tree: tree, Synth: synthesizer, Indexer: idx, Checkpoint: cp, Source: source, Config: cfg}
}

// State returns the engine's current position in its state machine.
func (e *Engine) State() State {
	return e.state
}

func (e *Engine) setState(s State) {
	e.state = s
}

// Run drives the main loop until ctx is cancelled. Cancellation is
// honored only between states: a batch already in flight is completed
// and its checkpoint persisted before Run returns. A configuration or
// privilege error halts the loop and is returned; every other error is
// logged and the loop continues, the checkpoint held back for the
// affected batch only.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			e.setState(Idle)
			return nil
		}

		e.setState(Draining)
		events := e.Source.Drain(e.Config.ChunkSize)
		if len(events) == 0 {
			select {
			case <-ctx.Done():
				e.setState(Idle)
				return nil
			case <-time.After(e.Config.PollTimeout):
			}
			continue
		}

		if err := e.runBatch(ctx, events); err != nil {
			if isHaltingError(err) {
				return err
			}
			e.Config.Logger.Warnf("engine: %v", err)
		}
		e.setState(Idle)
	}
}

func (e *Engine) runBatch(ctx context.Context, events []capture.Event) error {
	e.setState(Querying)
	pivotKeys, rootDeleteIDs, truncatedRoot, truncatedOther, err := e.resolveBatch(ctx, events)
	if err != nil {
		return err
	}

	e.setState(Indexing)
	if truncatedRoot {
		if err := e.Indexer.DeleteByQuery(ctx, map[string]any{"match_all": map[string]any{}}); err != nil {
			return BatchQuarantinedError{Err: err}
		}
	} else if truncatedOther {
		if err := e.fullResync(ctx); err != nil {
			return err
		}
	}
	if len(rootDeleteIDs) > 0 {
		result, err := e.Indexer.RetryDeletes(ctx, rootDeleteIDs)
		if err != nil {
			return BatchQuarantinedError{Err: err}
		}
		if failed := result.Failed(); len(failed) > 0 {
			e.Config.Logger.Warnf("engine: %d delete(s) failed after retry", len(failed))
		}
	}
	if len(pivotKeys) > 0 {
		if err := e.indexPivotKeys(ctx, pivotKeys); err != nil {
			return err
		}
	}

	e.setState(Checkpointing)
	highWater := maxXmin(events)
	if highWater > 0 {
		if err := e.Checkpoint.Advance(ctx, highWater); err != nil {
			return fmt.Errorf("engine: advancing checkpoint: %w", err)
		}
	}
	return nil
}

// resolveBatch groups events by table, resolves each group's affected
// root pivot keys, and separates out root-level deletes, a root truncate,
// and a truncate of some other tree table, deduplicating across the
// whole batch.
func (e *Engine) resolveBatch(ctx context.Context, events []capture.Event) (pivotKeys [][]any, rootDeleteIDs []string, truncatedRoot, truncatedOther bool, err error) {
	root := e.Tree.Root()
	seenKeys := map[string]bool{}
	seenDeletes := map[string]bool{}

	for _, ev := range events {
		isRoot := ev.Schema == root.Table.Schema && ev.Table == root.Table.Name

		if ev.TgOp == capture.Truncate {
			if isRoot {
				truncatedRoot = true
			} else {
				truncatedOther = true
			}
			continue
		}

		if ev.TgOp == capture.Delete && isRoot {
			id := canonicalRootID(root, ev.Old)
			if id != "" && !seenDeletes[id] {
				seenDeletes[id] = true
				rootDeleteIDs = append(rootDeleteIDs, id)
			}
			continue
		}

		row := ev.New
		if row == nil {
			row = ev.Old
		}
		if row == nil {
			continue
		}

		resolved, rerr := ResolvePivotKeys(ctx, e.Conn, e.Tree, ev.Schema, ev.Table, []map[string]any{row})
		if rerr != nil {
			return nil, nil, false, false, fmt.Errorf("engine: resolving pivot keys for %s.%s: %w", ev.Schema, ev.Table, rerr)
		}
		for _, k := range resolved {
			id := synth.CanonicalID(k)
			if !seenKeys[id] {
				seenKeys[id] = true
				pivotKeys = append(pivotKeys, k)
			}
		}
	}
	return pivotKeys, rootDeleteIDs, truncatedRoot, truncatedOther, nil
}

// fullResync re-synthesizes every pivot document, the response to a
// TRUNCATE on a non-root tree table: no pivot rows are removed, but a
// table truncated out from under the tree means every document nesting
// it needs its nested value recomputed to reflect the now-empty table,
// and there is no per-row payload (a TRUNCATE carries none) to resolve
// the affected subset from, so every document is recomputed.
func (e *Engine) fullResync(ctx context.Context) error {
	queries, err := e.Synth.BuildQueries(synth.FullSync{})
	if err != nil {
		return fmt.Errorf("engine: building full resync query: %w", err)
	}

	cp, ok := e.Conn.(connProvider)
	if !ok {
		return fmt.Errorf("engine: database connection does not support streaming cursors")
	}

	for _, q := range queries {
		if err := e.indexQuery(ctx, cp, q); err != nil {
			return err
		}
	}
	return nil
}

// indexPivotKeys re-synthesizes and upserts every document for keys,
// streaming each pointed-sync query through a server-side cursor so an
// arbitrarily large affected set never loads into memory at once.
func (e *Engine) indexPivotKeys(ctx context.Context, keys [][]any) error {
	queries, err := e.Synth.BuildQueries(synth.PointedSync{Keys: keys})
	if err != nil {
		return fmt.Errorf("engine: building pointed-sync queries: %w", err)
	}

	cp, ok := e.Conn.(connProvider)
	if !ok {
		return fmt.Errorf("engine: database connection does not support streaming cursors")
	}

	for _, q := range queries {
		if err := e.indexQuery(ctx, cp, q); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) indexQuery(ctx context.Context, cp connProvider, q synth.Query) error {
	conn, err := cp.Conn(ctx)
	if err != nil {
		return fmt.Errorf("engine: checking out connection: %w", err)
	}

	cursor, err := synth.OpenCursor(ctx, conn, q, e.Config.QueryChunkSize)
	if err != nil {
		return fmt.Errorf("engine: opening cursor: %w", err)
	}

	var docs []indexer.Document
	for cursor.Next(ctx) {
		row := cursor.Row()
		transformed, terr := ApplyTransforms(e.Tree, row.Document)
		if terr != nil {
			e.Config.Logger.Warnf("engine: skipping document %s: %v", row.ID, terr)
			continue
		}
		docs = append(docs, indexer.Document{ID: row.ID, Source: transformed})
	}
	cursorErr := cursor.Err()
	closeErr := cursor.Close()
	if cursorErr != nil {
		return fmt.Errorf("engine: streaming documents: %w", cursorErr)
	}
	if closeErr != nil {
		return fmt.Errorf("engine: closing cursor: %w", closeErr)
	}
	if len(docs) == 0 {
		return nil
	}

	result, err := e.Indexer.Retry(ctx, docs)
	if err != nil {
		return BatchQuarantinedError{Err: err}
	}
	if failed := result.Failed(); len(failed) > 0 {
		return BatchQuarantinedError{Err: fmt.Errorf("%d document(s) failed after retry", len(failed))}
	}
	return nil
}

func canonicalRootID(root *schema.TreeNode, row map[string]any) string {
	if row == nil {
		return ""
	}
	vals := make([]any, len(root.Table.PrimaryKey))
	for i, col := range root.Table.PrimaryKey {
		v, ok := row[col]
		if !ok {
			return ""
		}
		vals[i] = v
	}
	return synth.CanonicalID(vals)
}

func maxXmin(events []capture.Event) int64 {
	var max int64
	for _, ev := range events {
		if ev.Xmin > max {
			max = ev.Xmin
		}
	}
	return max
}
