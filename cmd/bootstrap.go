// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"net/url"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/toluaina/pgsync/internal/config"
	"github.com/toluaina/pgsync/pkg/db"
	"github.com/toluaina/pgsync/pkg/installer"
	"github.com/toluaina/pgsync/pkg/schema"
)

func bootstrapCmd() *cobra.Command {
	var teardown bool
	var noCreate bool
	var host, user, password string
	var port int

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Idempotently install (or tear down) triggers, the replication slot, and the helper view for every sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, settings, err := loadDocument()
			if err != nil {
				return err
			}
			overridePostgresURL(settings, host, port, user, password)

			logger := newLogger()
			for _, sync := range doc.Syncs {
				conn, err := openDBForSync(settings, sync)
				if err != nil {
					return err
				}
				err = bootstrapSync(cmd.Context(), conn, sync, teardown, noCreate, logger)
				conn.Close()
				if err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&teardown, "teardown", false, "remove installed artifacts instead of installing them")
	cmd.Flags().BoolVar(&noCreate, "no-create", false, "skip creating the helper view")
	cmd.Flags().StringVar(&host, "host", "", "override the Postgres host")
	cmd.Flags().IntVar(&port, "port", 0, "override the Postgres port")
	cmd.Flags().StringVar(&user, "user", "", "override the Postgres user")
	cmd.Flags().StringVar(&password, "password", "", "override the Postgres password")

	return cmd
}

func bootstrapSync(ctx context.Context, conn db.DB, sync *schema.Sync, teardown, noCreate bool, logger interface {
	LogBootstrapStart(string)
	LogBootstrapComplete(string)
}) error {
	tree, err := schema.BuildTree(ctx, conn, sync)
	if err != nil {
		return err
	}

	var tables []installer.TableRef
	for _, t := range tree.Tables() {
		tables = append(tables, installer.TableRef{Schema: t.Schema, Table: t.Name})
	}

	inst := installer.New(conn, installer.Config{
		Database: sync.Database,
		Tables:   tables,
	})

	sp, _ := pterm.DefaultSpinner.WithText(fmt.Sprintf("bootstrapping %s...", sync.Database)).Start()

	if teardown {
		if err := inst.Teardown(ctx); err != nil {
			sp.Fail(fmt.Sprintf("teardown failed: %s", err))
			return err
		}
		sp.Success(fmt.Sprintf("tore down %s", sync.Database))
		return nil
	}

	logger.LogBootstrapStart(sync.Database)
	if err := inst.Setup(ctx, noCreate); err != nil {
		sp.Fail(fmt.Sprintf("bootstrap failed: %s", err))
		return err
	}
	logger.LogBootstrapComplete(sync.Database)
	sp.Success(fmt.Sprintf("bootstrapped %s", sync.Database))
	return nil
}

// overridePostgresURL applies any non-empty --host/--port/--user/--password
// flags onto settings.PostgresURL, the same per-invocation override the
// teacher's PgConnectionFlags offers for its own Postgres URL flag.
func overridePostgresURL(settings *config.Settings, host string, port int, user, password string) {
	if host == "" && port == 0 && user == "" && password == "" {
		return
	}
	u, err := url.Parse(settings.PostgresURL)
	if err != nil {
		return
	}
	if host != "" {
		if port != 0 {
			u.Host = fmt.Sprintf("%s:%d", host, port)
		} else {
			u.Host = host
		}
	} else if port != 0 {
		u.Host = fmt.Sprintf("%s:%d", u.Hostname(), port)
	}
	if user != "" || password != "" {
		u.User = url.UserPassword(user, password)
	}
	settings.PostgresURL = u.String()
}
