// SPDX-License-Identifier: Apache-2.0

// Package installer idempotently creates and tears down the database-side
// artifacts pgsync's change capture relies on: one notification channel
// per database, one row-change and one truncate trigger per tracked
// table, a logical replication slot, and a helper view exposing key
// metadata.
package installer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"

	"github.com/toluaina/pgsync/pkg/db"
)

// slotInUseErrorCode is Postgres's error code for "replication slot
// already in use", mirroring the lockNotAvailableErrorCode idiom in
// pkg/db/db.go.
const slotInUseErrorCode pq.ErrorCode = "55006"

// TableRef names a tracked table by schema and name.
type TableRef struct {
	Schema string
	Table  string
}

// Logger is the narrow logging surface the installer needs; satisfied by
// internal/logging.Logger.
type Logger interface {
	Warnf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warnf(string, ...any) {}

// Config describes one Sync's installable footprint.
type Config struct {
	Database   string
	ViewSchema string
	ViewName   string
	Tables     []TableRef
	Logger     Logger
}

// Installer performs setup/teardown of the change-capture artifacts for
// a single Sync's Config.
type Installer struct {
	conn db.DB
	cfg  Config
}

// New returns an Installer bound to conn and cfg.
func New(conn db.DB, cfg Config) *Installer {
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.ViewName == "" {
		cfg.ViewName = "pgsync_tracked_tables"
	}
	if cfg.ViewSchema == "" {
		cfg.ViewSchema = "public"
	}
	return &Installer{conn: conn, cfg: cfg}
}

// ChannelName returns the single notification channel every tracked
// table's row-notify function posts to for this database.
func (i *Installer) ChannelName() string {
	return "pgsync_" + sanitize(i.cfg.Database)
}

// SlotName returns the logical replication slot name for this database.
func (i *Installer) SlotName() string {
	return sanitize(i.cfg.Database)
}

// Setup installs the notify functions, per-table triggers, replication
// slot and (unless noCreate) the helper view. All DDL is idempotent.
func (i *Installer) Setup(ctx context.Context, noCreate bool) error {
	ok, err := i.hasRequiredPrivilege(ctx)
	if err != nil {
		return fmt.Errorf("checking privileges: %w", err)
	}
	if !ok {
		return InsufficientPrivilegeError{}
	}

	for _, t := range i.cfg.Tables {
		if err := i.installTable(ctx, t); err != nil {
			return fmt.Errorf("installing triggers for %s.%s: %w", t.Schema, t.Table, err)
		}
	}

	if err := i.createPublicationIfMissing(ctx); err != nil {
		return fmt.Errorf("creating publication %q: %w", i.SlotName(), err)
	}

	if err := i.createSlotIfMissing(ctx); err != nil {
		return fmt.Errorf("creating replication slot %q: %w", i.SlotName(), err)
	}

	if !noCreate {
		if err := i.installHelperView(ctx); err != nil {
			return fmt.Errorf("installing helper view: %w", err)
		}
	}

	return nil
}

// Teardown drops every artifact Setup installs, in reverse dependency
// order, dropping the replication slot last. A slot in active use is
// reported via Logger rather than treated as a teardown failure.
func (i *Installer) Teardown(ctx context.Context) error {
	if err := i.dropHelperView(ctx); err != nil {
		return fmt.Errorf("dropping helper view: %w", err)
	}

	for _, t := range i.cfg.Tables {
		if err := i.uninstallTable(ctx, t); err != nil {
			return fmt.Errorf("dropping triggers for %s.%s: %w", t.Schema, t.Table, err)
		}
	}

	if err := i.dropPublication(ctx); err != nil {
		return fmt.Errorf("dropping publication %q: %w", i.SlotName(), err)
	}

	if err := i.dropSlot(ctx); err != nil {
		var slotInUse SlotInUseError
		if errors.As(err, &slotInUse) {
			i.cfg.Logger.Warnf("replication slot %q is in use, skipping drop: %s", i.SlotName(), slotInUse)
			return nil
		}
		return fmt.Errorf("dropping replication slot %q: %w", i.SlotName(), err)
	}

	return nil
}

func (i *Installer) hasRequiredPrivilege(ctx context.Context) (bool, error) {
	rows, err := i.conn.QueryContext(ctx, `SELECT rolsuper OR rolreplication FROM pg_roles WHERE rolname = current_user`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	var ok bool
	if err := db.ScanFirstValue(rows, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (i *Installer) installTable(ctx context.Context, t TableRef) error {
	pk, err := i.primaryKey(ctx, t)
	if err != nil {
		return err
	}
	if len(pk) == 0 {
		return fmt.Errorf("table %s.%s has no primary key, cannot install change triggers", t.Schema, t.Table)
	}

	rowFn := rowFunctionName(t)
	rowFnSQL, err := buildRowNotifyFunction(rowFunctionConfig{FunctionName: rowFn, Channel: i.ChannelName(), PrimaryKey: pk})
	if err != nil {
		return err
	}
	rowTriggerSQL, err := buildRowTrigger(triggerConfig{TriggerName: rowTriggerName(t), FunctionName: rowFn, Schema: t.Schema, Table: t.Table})
	if err != nil {
		return err
	}

	truncFn := truncateFunctionName(t)
	truncFnSQL, err := buildTruncateNotifyFunction(rowFunctionConfig{FunctionName: truncFn, Channel: i.ChannelName()})
	if err != nil {
		return err
	}
	truncTriggerSQL, err := buildTruncateTrigger(triggerConfig{TriggerName: truncateTriggerName(t), FunctionName: truncFn, Schema: t.Schema, Table: t.Table})
	if err != nil {
		return err
	}

	for _, stmt := range []string{rowFnSQL, rowTriggerSQL, truncFnSQL, truncTriggerSQL} {
		if _, err := i.conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (i *Installer) uninstallTable(ctx context.Context, t TableRef) error {
	stmts := []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s.%s", pq.QuoteIdentifier(rowTriggerName(t)), pq.QuoteIdentifier(t.Schema), pq.QuoteIdentifier(t.Table)),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s.%s", pq.QuoteIdentifier(truncateTriggerName(t)), pq.QuoteIdentifier(t.Schema), pq.QuoteIdentifier(t.Table)),
		fmt.Sprintf("DROP FUNCTION IF EXISTS %s()", pq.QuoteIdentifier(rowFunctionName(t))),
		fmt.Sprintf("DROP FUNCTION IF EXISTS %s()", pq.QuoteIdentifier(truncateFunctionName(t))),
	}
	for _, stmt := range stmts {
		if _, err := i.conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (i *Installer) primaryKey(ctx context.Context, t TableRef) ([]string, error) {
	rows, err := i.conn.QueryContext(ctx, `
		SELECT pg_attribute.attname
		FROM pg_index, pg_attribute, pg_class, pg_namespace
		WHERE pg_index.indrelid = pg_class.oid
		  AND pg_attribute.attrelid = pg_class.oid
		  AND pg_attribute.attnum = ANY(pg_index.indkey)
		  AND pg_class.relnamespace = pg_namespace.oid
		  AND pg_namespace.nspname = $1
		  AND pg_class.relname = $2
		  AND pg_index.indisprimary
		ORDER BY array_position(pg_index.indkey, pg_attribute.attnum)`, t.Schema, t.Table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pk []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, err
		}
		pk = append(pk, col)
	}
	return pk, rows.Err()
}

func (i *Installer) createSlotIfMissing(ctx context.Context) error {
	rows, err := i.conn.QueryContext(ctx, `SELECT 1 FROM pg_replication_slots WHERE slot_name = $1`, i.SlotName())
	if err != nil {
		return err
	}
	var exists int
	scanErr := db.ScanFirstValue(rows, &exists)
	rows.Close()
	if scanErr != nil {
		return scanErr
	}
	if exists == 1 {
		return nil
	}

	_, err = i.conn.ExecContext(ctx, `SELECT pg_create_logical_replication_slot($1, 'pgoutput')`, i.SlotName())
	return err
}

func (i *Installer) dropSlot(ctx context.Context) error {
	_, err := i.conn.ExecContext(ctx, `SELECT pg_drop_replication_slot($1)`, i.SlotName())
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == slotInUseErrorCode {
		return SlotInUseError{Slot: i.SlotName()}
	}
	// Dropping a slot that was never created is a no-op, not an error.
	if errors.As(err, &pqErr) && strings.Contains(pqErr.Message, "does not exist") {
		return nil
	}
	return err
}

func (i *Installer) createPublicationIfMissing(ctx context.Context) error {
	rows, err := i.conn.QueryContext(ctx, `SELECT 1 FROM pg_publication WHERE pubname = $1`, i.SlotName())
	if err != nil {
		return err
	}
	var exists int
	scanErr := db.ScanFirstValue(rows, &exists)
	rows.Close()
	if scanErr != nil {
		return scanErr
	}
	if exists == 1 {
		return nil
	}

	target := "FOR ALL TABLES"
	if len(i.cfg.Tables) > 0 {
		target = "FOR TABLE " + qualifiedTableList(i.cfg.Tables)
	}
	stmt := fmt.Sprintf("CREATE PUBLICATION %s %s", pq.QuoteIdentifier(i.SlotName()), target)
	_, err = i.conn.ExecContext(ctx, stmt)
	return err
}

func (i *Installer) dropPublication(ctx context.Context) error {
	stmt := fmt.Sprintf("DROP PUBLICATION IF EXISTS %s", pq.QuoteIdentifier(i.SlotName()))
	_, err := i.conn.ExecContext(ctx, stmt)
	return err
}

func qualifiedTableList(tables []TableRef) string {
	parts := make([]string, len(tables))
	for i, t := range tables {
		parts[i] = pq.QuoteIdentifier(t.Schema) + "." + pq.QuoteIdentifier(t.Table)
	}
	return strings.Join(parts, ", ")
}

func (i *Installer) installHelperView(ctx context.Context) error {
	if len(i.cfg.Tables) == 0 {
		return nil
	}
	sql, err := buildHelperView(helperViewConfig{
		ViewSchema: i.cfg.ViewSchema,
		ViewName:   i.cfg.ViewName,
		TableList:  quotedTableList(i.cfg.Tables),
	})
	if err != nil {
		return err
	}
	_, err = i.conn.ExecContext(ctx, sql)
	return err
}

func (i *Installer) dropHelperView(ctx context.Context) error {
	stmt := fmt.Sprintf("DROP VIEW IF EXISTS %s.%s", pq.QuoteIdentifier(i.cfg.ViewSchema), pq.QuoteIdentifier(i.cfg.ViewName))
	_, err := i.conn.ExecContext(ctx, stmt)
	return err
}

func rowFunctionName(t TableRef) string {
	return fmt.Sprintf("pgsync_%s_%s_notify_fn", t.Schema, t.Table)
}

func truncateFunctionName(t TableRef) string {
	return fmt.Sprintf("pgsync_%s_%s_truncate_fn", t.Schema, t.Table)
}

func rowTriggerName(t TableRef) string {
	return t.Table + "_notify"
}

func truncateTriggerName(t TableRef) string {
	return t.Table + "_truncate"
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// sanitize maps an arbitrary database/index name to a valid Postgres
// identifier fragment, as the slot and channel names need.
func sanitize(s string) string {
	return strings.ToLower(nonAlnum.ReplaceAllString(s, "_"))
}
