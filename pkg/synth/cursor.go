// SPDX-License-Identifier: Apache-2.0

package synth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Row is one pivot row's canonical id, its primary-key column values, and
// its fully-synthesized document.
type Row struct {
	ID       string
	PKValues []any
	Document json.RawMessage
}

// Cursor streams Rows from a single Query, a chunk of QUERY_CHUNK_SIZE
// rows at a time, via a server-side DECLARE/FETCH cursor so arbitrarily
// large pivot tables never load into memory at once.
type Cursor struct {
	conn      *sql.Conn
	tx        *sql.Tx
	name      string
	fetchSize int
	pkColumns []string

	buffered *sql.Rows
	current  Row
	err      error
	done     bool
}

// OpenCursor declares a server-side cursor for q on conn and returns a
// Cursor ready to stream its rows. The caller must call Close when done;
// it commits the underlying transaction and releases conn.
func OpenCursor(ctx context.Context, conn *sql.Conn, q Query, fetchSize int) (*Cursor, error) {
	if fetchSize <= 0 {
		fetchSize = 10000
	}

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("synth: beginning cursor transaction: %w", err)
	}

	name := cursorName()
	declare := fmt.Sprintf("DECLARE %s CURSOR FOR %s", pq.QuoteIdentifier(name), q.SQL)
	if _, err := tx.ExecContext(ctx, declare, q.Args...); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("synth: declaring cursor: %w", err)
	}

	return &Cursor{
		conn:      conn,
		tx:        tx,
		name:      name,
		fetchSize: fetchSize,
		pkColumns: q.PKColumns,
	}, nil
}

// Next advances the cursor. It returns false at end of stream or on
// error; callers must check Err after a false return.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.done || c.err != nil {
		return false
	}

	for {
		if c.buffered != nil {
			if c.buffered.Next() {
				if err := c.scan(); err != nil {
					c.err = err
					return false
				}
				return true
			}
			if err := c.buffered.Err(); err != nil {
				c.err = err
				return false
			}
			c.buffered.Close()
			c.buffered = nil
		}

		rows, err := c.tx.QueryContext(ctx, fmt.Sprintf("FETCH %d FROM %s", c.fetchSize, pq.QuoteIdentifier(c.name)))
		if err != nil {
			c.err = fmt.Errorf("synth: fetching from cursor: %w", err)
			return false
		}
		c.buffered = rows
		if !rows.Next() {
			c.done = true
			return false
		}
		if err := c.scan(); err != nil {
			c.err = err
			return false
		}
		return true
	}
}

func (c *Cursor) scan() error {
	pkValues := make([]any, len(c.pkColumns))
	dest := make([]any, 0, len(pkValues)+1)
	for i := range pkValues {
		dest = append(dest, &pkValues[i])
	}
	var doc json.RawMessage
	dest = append(dest, &doc)

	if err := c.buffered.Scan(dest...); err != nil {
		return fmt.Errorf("synth: scanning row: %w", err)
	}
	c.current = Row{ID: CanonicalID(pkValues), PKValues: pkValues, Document: doc}
	return nil
}

// Row returns the row most recently made current by Next.
func (c *Cursor) Row() Row {
	return c.current
}

// Err returns the first error encountered by Next, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Close releases the cursor, its transaction and the underlying
// connection.
func (c *Cursor) Close() error {
	if c.buffered != nil {
		c.buffered.Close()
	}
	_, _ = c.tx.Exec(fmt.Sprintf("CLOSE %s", pq.QuoteIdentifier(c.name)))
	err := c.tx.Commit()
	if closeErr := c.conn.Close(); err == nil {
		err = closeErr
	}
	return err
}

func cursorName() string {
	return "pgsync_" + strings.ReplaceAll(uuid.NewString(), "-", "_")
}

// CanonicalID renders a pivot primary key's values as the delimiter-joined
// string used for the document's _id on the wire (spec.md §6), preserving
// the column order declared by reflection.
func CanonicalID(pkValues []any) string {
	parts := make([]string, len(pkValues))
	for i, v := range pkValues {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "|")
}
