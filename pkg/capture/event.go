// SPDX-License-Identifier: Apache-2.0

// Package capture merges the two ingestion surfaces -- trigger
// notifications and the logical replication stream -- into one ordered
// Change Event queue consumed by the sync engine.
package capture

// TgOp is the row-level operation a Change Event records, matching
// Postgres' TG_OP trigger variable plus a synthetic TRUNCATE.
type TgOp string

const (
	Insert   TgOp = "INSERT"
	Update   TgOp = "UPDATE"
	Delete   TgOp = "DELETE"
	Truncate TgOp = "TRUNCATE"
)

// Event is the normalized change record produced by either ingestion
// surface. Old/New hold only the primary-key (and relevant FK) columns:
// full row content is never required because the synthesizer re-reads
// current state. TRUNCATE carries neither.
type Event struct {
	TgOp   TgOp
	Schema string
	Table  string
	Old    map[string]any
	New    map[string]any
	Xmin   int64
}

// Key identifies the table an event concerns, for batching by
// (tg_op, table) in the engine's drain step.
func (e Event) Key() string {
	return string(e.TgOp) + ":" + e.Schema + "." + e.Table
}
