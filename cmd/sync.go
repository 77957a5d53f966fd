// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/toluaina/pgsync/internal/config"
	"github.com/toluaina/pgsync/pkg/broker"
	"github.com/toluaina/pgsync/pkg/capture"
	"github.com/toluaina/pgsync/pkg/checkpoint"
	"github.com/toluaina/pgsync/pkg/db"
	"github.com/toluaina/pgsync/pkg/engine"
	"github.com/toluaina/pgsync/pkg/indexer"
	"github.com/toluaina/pgsync/pkg/installer"
	"github.com/toluaina/pgsync/pkg/schema"
	"github.com/toluaina/pgsync/pkg/synth"
)

func syncCmd() *cobra.Command {
	var daemon bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Apply captured Postgres changes to the search index, once or as a daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, settings, err := loadDocument()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logger := newLogger()

			for _, sync := range doc.Syncs {
				if err := runSync(ctx, settings, sync, daemon, logger); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&daemon, "daemon", false, "keep applying changes until interrupted, instead of exiting once the queue drains")

	return cmd
}

func runSync(ctx context.Context, settings *config.Settings, sync *schema.Sync, daemon bool, logger interface {
	Warnf(string, ...any)
	Infof(string, ...any)
}) error {
	conn, err := openDBForSync(settings, sync)
	if err != nil {
		return err
	}
	defer conn.Close()

	tree, err := schema.BuildTree(ctx, conn, sync)
	if err != nil {
		return err
	}

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

	store, closeStore, err := checkpointStore(ctx, settings)
	if err != nil {
		return err
	}
	defer closeStore()

	tracker, err := checkpoint.NewTracker(ctx, store, sync.Database, sync.Index)
	if err != nil {
		return err
	}

	inst := installer.New(conn, installer.Config{Database: sync.Database})
	cap, err := capture.New(ctx, capture.Config{
		NotifyConnString:      settings.PostgresURL,
		ReplicationConnString: settings.PostgresURL,
		Channel:               inst.ChannelName(),
		SlotName:              inst.SlotName(),
		Publication:           inst.SlotName(),
		PollTimeout:           settings.PollTimeout,
		QueueCapacity:         settings.QueryChunkSize,
		Logger:                logger,
		Xmin:                  txidCurrent(conn),
	})
	if err != nil {
		return err
	}
	cap.Start(ctx)
	defer cap.Stop(ctx)

	runCtx := ctx
	var runCancel context.CancelFunc
	var source engine.Source = cap.Queue
	if !daemon {
		runCtx, runCancel = context.WithCancel(ctx)
		source = &drainOnceSource{inner: cap.Queue, cancel: runCancel}
		defer runCancel()
	}

	e := engine.New(conn, tree, synth.New(tree, settings.FilterChunkSize), idx, tracker, source, engine.Config{
		ChunkSize:       settings.QueryChunkSize,
		FilterChunkSize: settings.FilterChunkSize,
		QueryChunkSize:  settings.QueryChunkSize,
		PollTimeout:     settings.PollTimeout,
		Logger:          logger,
	})

	logger.Infof("sync starting for %s -> %s", sync.Database, sync.Index)
	return e.Run(runCtx)
}

// drainOnceSource wraps a Source so the engine's Run loop exits as soon
// as the underlying queue has gone empty once, the non-daemon "drain and
// exit" behavior of the sync command.
type drainOnceSource struct {
	inner   engine.Source
	cancel  context.CancelFunc
	drained bool
}

func (s *drainOnceSource) Drain(max int) []capture.Event {
	events := s.inner.Drain(max)
	if len(events) == 0 && !s.drained {
		s.drained = true
		s.cancel()
	}
	return events
}

// checkpointStore builds the checkpoint.Store REDIS_CHECKPOINT selects
// between: a Redis-backed broker store, or the default on-disk store.
func checkpointStore(ctx context.Context, settings *config.Settings) (checkpoint.Store, func(), error) {
	if !settings.Redis.Checkpoint {
		return checkpoint.NewFileStore(settings.CheckpointPath), func() {}, nil
	}

	b, err := broker.NewRedisBroker(ctx, broker.Config{
		URL:            settings.Redis.URL,
		SocketTimeout:  settings.Redis.SocketTimeout,
		ReadChunkSize:  settings.Redis.ReadChunkSize,
		WriteChunkSize: settings.Redis.WriteChunkSize,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("cmd: connecting redis checkpoint broker: %w", err)
	}
	return checkpoint.NewBrokerStore(b), func() { b.Close() }, nil
}

// txidCurrent returns a capture.Config.Xmin function that reads
// Postgres's current transaction id, stamped onto every notification
// event so the engine can order and checkpoint batches.
func txidCurrent(conn db.DB) func(ctx context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		rows, err := conn.QueryContext(ctx, "select txid_current()")
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		var txid int64
		if rows.Next() {
			if err := rows.Scan(&txid); err != nil {
				return 0, err
			}
		}
		return txid, rows.Err()
	}
}
