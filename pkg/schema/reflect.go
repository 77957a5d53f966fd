// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/toluaina/pgsync/pkg/db"
)

// columnsQuery mirrors the column-reflection half of pgroll's
// state.go:read_schema function, narrowed to a single table and returning
// rows instead of a JSON aggregate, since pgsync consumes the result in
// Go rather than storing a schema snapshot in the database.
const columnsQuery = `
SELECT
	attr.attname AS name,
	format_type(attr.atttypid, attr.atttypmod) AS type,
	NOT (attr.attnotnull OR tp.typtype = 'd' AND tp.typnotnull) AS nullable
FROM pg_attribute AS attr
INNER JOIN pg_type AS tp ON attr.atttypid = tp.oid
INNER JOIN pg_class AS cls ON cls.oid = attr.attrelid
INNER JOIN pg_namespace AS ns ON cls.relnamespace = ns.oid
WHERE ns.nspname = $1
	AND cls.relname = $2
	AND attr.attnum > 0
	AND NOT attr.attisdropped
ORDER BY attr.attnum
`

const primaryKeyQuery = `
SELECT pg_attribute.attname
FROM pg_index, pg_attribute, pg_class, pg_namespace
WHERE pg_index.indrelid = pg_class.oid
	AND pg_attribute.attrelid = pg_class.oid
	AND pg_attribute.attnum = ANY(pg_index.indkey)
	AND pg_class.relnamespace = pg_namespace.oid
	AND pg_namespace.nspname = $1
	AND pg_class.relname = $2
	AND pg_index.indisprimary
ORDER BY array_position(pg_index.indkey, pg_attribute.attnum)
`

const foreignKeysQuery = `
SELECT
	fk.conname,
	array_agg(child_attr.attname ORDER BY child_ord.ord) AS columns,
	ref_ns.nspname AS referenced_schema,
	ref_cls.relname AS referenced_table,
	array_agg(ref_attr.attname ORDER BY child_ord.ord) AS referenced_columns
FROM pg_constraint fk
INNER JOIN pg_class child_cls ON fk.conrelid = child_cls.oid
INNER JOIN pg_namespace child_ns ON child_cls.relnamespace = child_ns.oid
INNER JOIN pg_class ref_cls ON fk.confrelid = ref_cls.oid
INNER JOIN pg_namespace ref_ns ON ref_cls.relnamespace = ref_ns.oid
CROSS JOIN LATERAL unnest(fk.conkey, fk.confkey) WITH ORDINALITY AS child_ord(childkey, refkey, ord)
INNER JOIN pg_attribute child_attr ON child_attr.attrelid = fk.conrelid AND child_attr.attnum = child_ord.childkey
INNER JOIN pg_attribute ref_attr ON ref_attr.attrelid = fk.confrelid AND ref_attr.attnum = child_ord.refkey
WHERE fk.contype = 'f'
	AND child_ns.nspname = $1
	AND child_cls.relname = $2
GROUP BY fk.conname, ref_ns.nspname, ref_cls.relname
`

// Reflect reflects a single table's columns, primary key and foreign keys
// from the database catalog and registers it in the catalog, if not
// already present. It is idempotent and safe to call once per node that
// references the table.
func Reflect(ctx context.Context, conn db.DB, cat *Catalog, schemaName, tableName string) (*Table, error) {
	if t := cat.GetTable(schemaName, tableName); t != nil {
		return t, nil
	}

	t := &Table{
		Schema:      schemaName,
		Name:        tableName,
		Columns:     make(map[string]*Column),
		ForeignKeys: make(map[string]*ForeignKey),
	}

	rows, err := conn.QueryContext(ctx, columnsQuery, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("reflecting columns of %q.%q: %w", schemaName, tableName, err)
	}
	count := 0
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type, &c.Nullable); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning column of %q.%q: %w", schemaName, tableName, err)
		}
		t.Columns[c.Name] = &c
		count++
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if count == 0 {
		nsRows, err := conn.QueryContext(ctx, `SELECT 1 FROM pg_namespace WHERE nspname = $1`, schemaName)
		if err != nil {
			return nil, fmt.Errorf("reflecting schema %q: %w", schemaName, err)
		}
		schemaExists := nsRows.Next()
		nsRows.Close()
		if !schemaExists {
			return nil, UnknownSchemaError{Schema: schemaName}
		}
		return nil, UnknownTableError{Schema: schemaName, Table: tableName}
	}

	pkRows, err := conn.QueryContext(ctx, primaryKeyQuery, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("reflecting primary key of %q.%q: %w", schemaName, tableName, err)
	}
	for pkRows.Next() {
		var col string
		if err := pkRows.Scan(&col); err != nil {
			pkRows.Close()
			return nil, err
		}
		t.PrimaryKey = append(t.PrimaryKey, col)
	}
	if err := pkRows.Err(); err != nil {
		pkRows.Close()
		return nil, err
	}
	pkRows.Close()

	fkRows, err := conn.QueryContext(ctx, foreignKeysQuery, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("reflecting foreign keys of %q.%q: %w", schemaName, tableName, err)
	}
	for fkRows.Next() {
		var fk ForeignKey
		var columns, refColumns pq.StringArray
		if err := fkRows.Scan(&fk.Name, &columns, &fk.ReferencedSchema, &fk.ReferencedTable, &refColumns); err != nil {
			fkRows.Close()
			return nil, err
		}
		fk.Columns = columns
		fk.ReferencedColumns = refColumns
		t.ForeignKeys[fk.Name] = &fk
	}
	if err := fkRows.Err(); err != nil {
		fkRows.Close()
		return nil, err
	}
	fkRows.Close()

	cat.AddTable(t)
	return t, nil
}
