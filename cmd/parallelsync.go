// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/toluaina/pgsync/internal/config"
	"github.com/toluaina/pgsync/pkg/checkpoint"
	"github.com/toluaina/pgsync/pkg/db"
	"github.com/toluaina/pgsync/pkg/engine"
	"github.com/toluaina/pgsync/pkg/indexer"
	"github.com/toluaina/pgsync/pkg/schema"
	"github.com/toluaina/pgsync/pkg/synth"
)

func parallelSyncCmd() *cobra.Command {
	var nprocs int

	cmd := &cobra.Command{
		Use:   "parallel-sync",
		Short: "Backfill the search index from the current table contents, paging by ctid across nprocs workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, settings, err := loadDocument()
			if err != nil {
				return err
			}
			if nprocs <= 0 {
				nprocs = 1
			}

			logger := newLogger()
			for _, sync := range doc.Syncs {
				if err := runParallelSync(cmd.Context(), settings, sync, nprocs, logger); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&nprocs, "nprocs", 1, "number of concurrent ctid-paging workers")

	return cmd
}

func runParallelSync(ctx context.Context, settings *config.Settings, sync *schema.Sync, nprocs int, logger engine.Logger) error {
	conn, err := openDBForSync(settings, sync)
	if err != nil {
		return err
	}
	defer conn.Close()

	tree, err := schema.BuildTree(ctx, conn, sync)
	if err != nil {
		return err
	}
	synthesizer := synth.New(tree, settings.FilterChunkSize)

	idx, err := indexer.NewElasticsearch(ctx, indexer.ElasticsearchConfig{
		Addresses:      settings.Elasticsearch.Addresses,
		Username:       settings.Elasticsearch.Username,
		Password:       settings.Elasticsearch.Password,
		APIKey:         settings.Elasticsearch.APIKey,
		Index:          sync.Index,
		MaxRetries:     settings.Elasticsearch.MaxRetries,
		InitialBackoff: settings.Elasticsearch.InitialBackoff,
		MaxBackoff:     settings.Elasticsearch.MaxBackoff,
	})
	if err != nil {
		return err
	}

	store := checkpoint.NewFileStore(settings.CheckpointPath)
	ctidKey := checkpoint.Key(sync.Database, sync.Index) + ".ctid"
	startPage, _, err := store.Load(ctx, "ctid", ctidKey)
	if err != nil {
		return fmt.Errorf("cmd: loading ctid checkpoint: %w", err)
	}

	nextPage := int64(startPage)
	var maxPageSeen atomic.Int64
	maxPageSeen.Store(nextPage)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < nprocs; w++ {
		g.Go(func() error {
			for {
				page := atomic.AddInt64(&nextPage, 1) - 1
				n, err := backfillPage(gctx, conn, tree, synthesizer, idx, page, settings.BlockSize)
				if err != nil {
					return err
				}
				if cur := maxPageSeen.Load(); page > cur {
					maxPageSeen.CompareAndSwap(cur, page)
				}
				if n == 0 {
					return nil
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Warnf("parallel-sync: %s -> %s complete through page %d", sync.Database, sync.Index, maxPageSeen.Load())
	return store.Save(ctx, "ctid", ctidKey, maxPageSeen.Load())
}

// backfillPage indexes one ctid page of the pivot table and returns the
// number of documents produced; zero signals the worker has reached the
// end of the table.
func backfillPage(ctx context.Context, conn *db.RDB, tree *schema.Tree, synthesizer *synth.Synthesizer, idx indexer.BulkIndexer, page int64, blockSize int) (int, error) {
	queries, err := synthesizer.BuildQueries(synth.TupleIDPage{Page: page, Row: 0, Limit: blockSize})
	if err != nil {
		return 0, fmt.Errorf("cmd: building ctid page query: %w", err)
	}

	sqlConn, err := conn.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("cmd: checking out connection: %w", err)
	}
	defer sqlConn.Close()

	var docs []indexer.Document
	for _, q := range queries {
		cursor, err := synth.OpenCursor(ctx, sqlConn, q, blockSize)
		if err != nil {
			return 0, fmt.Errorf("cmd: opening cursor: %w", err)
		}
		for cursor.Next(ctx) {
			row := cursor.Row()
			transformed, terr := engine.ApplyTransforms(tree, row.Document)
			if terr != nil {
				continue
			}
			docs = append(docs, indexer.Document{ID: row.ID, Source: transformed})
		}
		cursorErr := cursor.Err()
		closeErr := cursor.Close()
		if cursorErr != nil {
			return 0, fmt.Errorf("cmd: streaming ctid page: %w", cursorErr)
		}
		if closeErr != nil {
			return 0, fmt.Errorf("cmd: closing cursor: %w", closeErr)
		}
	}
	if len(docs) == 0 {
		return 0, nil
	}

	if _, err := idx.Retry(ctx, docs); err != nil {
		return 0, fmt.Errorf("cmd: indexing ctid page %d: %w", page, err)
	}
	return len(docs), nil
}
