// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"fmt"
	"sort"
)

// Catalog is a reflected view of the tables pgsync needs to know about,
// keyed by "schema.table". It is built once per Sync from the live
// database catalog (see Reflect) and never guessed from the schema
// document: the document only ever names tables and columns, the catalog
// is the source of truth for their shape.
type Catalog struct {
	Tables map[string]*Table
}

// NewCatalog returns an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{Tables: make(map[string]*Table)}
}

// Table is a reflected Postgres table.
type Table struct {
	Schema string
	Name   string

	// Columns is keyed by column name.
	Columns map[string]*Column

	// PrimaryKey is the ordered list of column names making up the primary
	// key. Empty if the table has none.
	PrimaryKey []string

	// ForeignKeys are all foreign key constraints defined on this table,
	// keyed by constraint name.
	ForeignKeys map[string]*ForeignKey
}

// Column is a reflected Postgres column.
type Column struct {
	Name     string
	Type     string
	Nullable bool
}

// ForeignKey is a reflected Postgres foreign key constraint.
type ForeignKey struct {
	Name string

	// Columns are the referencing (child-side) columns, in constraint order.
	Columns []string

	// ReferencedSchema/ReferencedTable/ReferencedColumns describe the
	// referenced (parent-side) table, in constraint order.
	ReferencedSchema  string
	ReferencedTable   string
	ReferencedColumns []string
}

func key(schema, table string) string {
	return schema + "." + table
}

// AddTable registers a reflected table in the catalog.
func (c *Catalog) AddTable(t *Table) {
	if c.Tables == nil {
		c.Tables = make(map[string]*Table)
	}
	c.Tables[key(t.Schema, t.Name)] = t
}

// GetTable looks up a table by schema and name.
func (c *Catalog) GetTable(schema, table string) *Table {
	return c.Tables[key(schema, table)]
}

// GetColumn looks up a column on the table by name.
func (t *Table) GetColumn(name string) *Column {
	if t == nil {
		return nil
	}
	return t.Columns[name]
}

// QualifiedName returns the schema-qualified table name.
func (t *Table) QualifiedName() string {
	return fmt.Sprintf("%s.%s", t.Schema, t.Name)
}

// ForeignKeysTo returns every foreign key on t that references the given
// (schema, table) pair, in a deterministic order by constraint name.
func (t *Table) ForeignKeysTo(schema, table string) []*ForeignKey {
	var matches []*ForeignKey
	for _, fk := range t.ForeignKeys {
		if fk.ReferencedSchema == schema && fk.ReferencedTable == table {
			matches = append(matches, fk)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })
	return matches
}

// ForeignKeysBetween returns every foreign key declared on the table
// (fromSchema, fromTable) that references (toSchema, toTable), ordered by
// constraint name. resolveLink calls it in both directions to find the
// link between two adjacent tables of a join chain.
func (c *Catalog) ForeignKeysBetween(fromSchema, fromTable, toSchema, toTable string) []*ForeignKey {
	from := c.GetTable(fromSchema, fromTable)
	if from == nil {
		return nil
	}
	return from.ForeignKeysTo(toSchema, toTable)
}
