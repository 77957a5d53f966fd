// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

// undefinedObjectErrorCode is the Postgres SQLSTATE returned when
// START_REPLICATION names a slot that does not exist, mirroring the
// pq.Error.Code classification idiom used for lock/slot errors
// elsewhere in this module.
const undefinedObjectErrorCode = "42704"

// ReplicationReader consumes the pre-installed logical replication slot
// over a dedicated replication-mode connection, decoding pgoutput
// messages into Events. It polls at pollTimeout and is the only worker
// allowed to advance the slot's confirmed position, which it does once
// the caller reports events as durably queued via Confirm.
type ReplicationReader struct {
	conn        *pgconn.PgConn
	slotName    string
	publication string
	pollTimeout time.Duration
	chunkSize   int

	relations  map[uint32]*pglogrepl.RelationMessage
	lastLSN    pglogrepl.LSN
	currentXid uint32
}

// ReplicationConfig configures a ReplicationReader.
type ReplicationConfig struct {
	ConnString  string
	SlotName    string
	Publication string
	PollTimeout time.Duration
	ChunkSize   int
}

// DialReplication opens a replication-mode connection and starts
// logical replication on the slot from its last confirmed LSN.
func DialReplication(ctx context.Context, cfg ReplicationConfig) (*ReplicationReader, error) {
	connCfg, err := pgconn.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("capture: parsing replication connection string: %w", err)
	}
	connCfg.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, connCfg)
	if err != nil {
		return nil, DatabaseConnectionLostError{Err: err}
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("capture: identifying system: %w", err)
	}

	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 100 * time.Millisecond
	}

	r := &ReplicationReader{
		conn:        conn,
		slotName:    cfg.SlotName,
		publication: cfg.Publication,
		pollTimeout: pollTimeout,
		chunkSize:   cfg.ChunkSize,
		relations:   map[uint32]*pglogrepl.RelationMessage{},
		lastLSN:     sysident.XLogPos,
	}

	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", cfg.Publication),
	}
	opts := pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs, Mode: pglogrepl.LogicalReplication}
	// A start position of 0/0 makes the server resume from the slot's
	// confirmed_flush_lsn.
	if err := pglogrepl.StartReplication(ctx, conn, cfg.SlotName, pglogrepl.LSN(0), opts); err != nil {
		_ = conn.Close(ctx)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == undefinedObjectErrorCode {
			return nil, ReplicationSlotGoneError{Slot: cfg.SlotName, Err: err}
		}
		return nil, fmt.Errorf("capture: starting replication on slot %q: %w", cfg.SlotName, err)
	}

	return r, nil
}

// Poll blocks for up to pollTimeout waiting for WAL data, decodes
// whatever pgoutput messages arrive into Events, and appends them to
// queue stamped with the transaction's xmin (its Postgres Xid). It
// returns the number of events appended.
func (r *ReplicationReader) Poll(ctx context.Context, queue *Queue) (int, error) {
	pollCtx, cancel := context.WithTimeout(ctx, r.pollTimeout)
	defer cancel()

	msg, err := r.conn.ReceiveMessage(pollCtx)
	if err != nil {
		if pollCtx.Err() != nil {
			return 0, nil
		}
		return 0, DatabaseConnectionLostError{Err: fmt.Errorf("last received LSN %s: %w", lsnToString(r.lastLSN), err)}
	}

	copyData, ok := msg.(*pgproto3.CopyData)
	if !ok {
		return 0, nil
	}

	n := 0
	switch copyData.Data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		keepalive, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
		if err != nil {
			return 0, fmt.Errorf("capture: parsing keepalive: %w", err)
		}
		r.lastLSN = keepalive.ServerWALEnd
		if keepalive.ReplyRequested {
			if err := r.sendStandbyStatus(ctx); err != nil {
				return 0, err
			}
		}
	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
		if err != nil {
			return 0, fmt.Errorf("capture: parsing xlog data: %w", err)
		}
		r.lastLSN = xld.WALStart

		logicalMsg, err := pglogrepl.Parse(xld.WALData)
		if err != nil {
			return 0, fmt.Errorf("capture: parsing logical message: %w", err)
		}

		ev, _, ok := r.decode(logicalMsg)
		if ok {
			if err := queue.Push(ctx, ev); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// decode turns one pgoutput message into an Event. Relation and Begin
// messages populate per-reader state and never produce an event
// themselves; the Xid from the most recent Begin is stamped onto every
// event until the matching Commit.
func (r *ReplicationReader) decode(msg pglogrepl.Message) (Event, *pglogrepl.RelationMessage, bool) {
	switch m := msg.(type) {
	case *pglogrepl.RelationMessage:
		r.relations[m.RelationID] = m
		return Event{}, m, false
	case *pglogrepl.BeginMessage:
		r.currentXid = m.Xid
		return Event{}, nil, false
	case *pglogrepl.InsertMessage:
		rel, ok := r.relations[m.RelationID]
		if !ok {
			return Event{}, nil, false
		}
		return Event{TgOp: Insert, Schema: rel.Namespace, Table: rel.RelationName, New: decodeTuple(rel, m.Tuple), Xmin: int64(r.currentXid)}, rel, true
	case *pglogrepl.UpdateMessage:
		rel, ok := r.relations[m.RelationID]
		if !ok {
			return Event{}, nil, false
		}
		ev := Event{TgOp: Update, Schema: rel.Namespace, Table: rel.RelationName, New: decodeTuple(rel, m.NewTuple), Xmin: int64(r.currentXid)}
		if m.OldTuple != nil {
			ev.Old = decodeTuple(rel, m.OldTuple)
		}
		return ev, rel, true
	case *pglogrepl.DeleteMessage:
		rel, ok := r.relations[m.RelationID]
		if !ok {
			return Event{}, nil, false
		}
		return Event{TgOp: Delete, Schema: rel.Namespace, Table: rel.RelationName, Old: decodeTuple(rel, m.OldTuple), Xmin: int64(r.currentXid)}, rel, true
	case *pglogrepl.TruncateMessage:
		for _, relID := range m.RelationIDs {
			rel, ok := r.relations[relID]
			if !ok {
				continue
			}
			return Event{TgOp: Truncate, Schema: rel.Namespace, Table: rel.RelationName, Xmin: int64(r.currentXid)}, rel, true
		}
		return Event{}, nil, false
	default:
		return Event{}, nil, false
	}
}

// decodeTuple renders a pgoutput tuple's text-format columns into a
// plain map. Columns sent as "unchanged toast" are omitted, never
// fabricated, since they carry no information about the current value.
func decodeTuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string]any {
	if tuple == nil {
		return nil
	}
	row := make(map[string]any, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case 'n':
			row[name] = nil
		case 't':
			row[name] = string(col.Data)
		case 'u':
			// unchanged TOAST value: not represented in this update.
		}
	}
	return row
}

func (r *ReplicationReader) sendStandbyStatus(ctx context.Context) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, r.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: r.lastLSN,
		WALFlushPosition: r.lastLSN,
		WALApplyPosition: r.lastLSN,
	})
}

// Confirm advances the slot's confirmed flush position to the
// replication reader's current LSN. It must only be called once the
// events decoded up to that point have been durably indexed.
func (r *ReplicationReader) Confirm(ctx context.Context) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, r.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: r.lastLSN,
		WALFlushPosition: r.lastLSN,
		WALApplyPosition: r.lastLSN,
		ReplyRequested:   false,
	})
}

func (r *ReplicationReader) Close(ctx context.Context) error {
	return r.conn.Close(ctx)
}

func lsnToString(lsn pglogrepl.LSN) string {
	return strconv.FormatUint(uint64(lsn), 10)
}
