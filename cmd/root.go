// SPDX-License-Identifier: Apache-2.0

// Package cmd implements the pgsync CLI: bootstrap, sync, and
// parallel-sync, wired onto pkg/schema, pkg/installer, pkg/capture,
// pkg/engine and pkg/checkpoint through internal/config.
package cmd

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toluaina/pgsync/cmd/flags"
	"github.com/toluaina/pgsync/internal/config"
	"github.com/toluaina/pgsync/internal/connstr"
	"github.com/toluaina/pgsync/internal/logging"
	"github.com/toluaina/pgsync/pkg/db"
	"github.com/toluaina/pgsync/pkg/schema"
)

// Version is the pgsync version, injected at link time.
var Version = "development"

var rootCmd = &cobra.Command{
	Use:          "pgsync",
	Short:        "Keep a search index in sync with Postgres via change data capture",
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	flags.Bind(rootCmd)
}

// Execute runs the CLI and returns the process exit code spec.md §6
// defines: 0 success, 2 InvalidSchema, 3 InsufficientPrivilege, 1
// otherwise.
func Execute() int {
	rootCmd.AddCommand(bootstrapCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(parallelSyncCmd())

	if err := rootCmd.Execute(); err != nil {
		return exitCodeFor(err)
	}
	return exitSuccess
}

// loadDocument reads and parses the schema document named by the
// --config flag (or SCHEMA env var default).
func loadDocument() (*schema.Document, *config.Settings, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("cmd: loading settings: %w", err)
	}
	if settings.SchemaPath == "" {
		return nil, nil, fmt.Errorf("cmd: no schema document path given (--config or SCHEMA)")
	}

	file, err := os.Open(settings.SchemaPath)
	if err != nil {
		return nil, nil, fmt.Errorf("cmd: opening schema document: %w", err)
	}
	defer file.Close()

	doc, err := schema.ParseDocument(file)
	if err != nil {
		return nil, nil, err
	}
	return doc, settings, nil
}

// openDBForSync opens a *db.RDB with its search_path set to the sync's
// root schema, so unqualified identifiers in reflection queries and
// generated SQL resolve the same way they would in a psql session
// connected with that schema first.
func openDBForSync(settings *config.Settings, sync *schema.Sync) (*db.RDB, error) {
	connString := settings.PostgresURL
	if sync.Nodes != nil {
		withSchema, err := connstr.AppendSearchPathOption(connString, sync.Nodes.EffectiveSchema())
		if err != nil {
			return nil, fmt.Errorf("cmd: setting search_path for %s: %w", sync.Database, err)
		}
		connString = withSchema
	}

	conn, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("cmd: opening database connection: %w", err)
	}
	return &db.RDB{DB: conn}, nil
}

func newLogger() logging.Logger {
	return logging.New()
}
