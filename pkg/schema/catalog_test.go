// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ordersTable() *Table {
	return &Table{
		Schema: "public",
		Name:   "orders",
		Columns: map[string]*Column{
			"id":          {Name: "id", Type: "bigint"},
			"customer_id": {Name: "customer_id", Type: "bigint"},
		},
		PrimaryKey: []string{"id"},
		ForeignKeys: map[string]*ForeignKey{
			"orders_customer_id_fkey": {
				Name:              "orders_customer_id_fkey",
				Columns:           []string{"customer_id"},
				ReferencedSchema:  "public",
				ReferencedTable:   "customers",
				ReferencedColumns: []string{"id"},
			},
		},
	}
}

func TestCatalog_AddAndGetTable(t *testing.T) {
	cat := NewCatalog()
	orders := ordersTable()
	cat.AddTable(orders)

	got := cat.GetTable("public", "orders")
	require.NotNil(t, got)
	assert.Same(t, orders, got)

	assert.Nil(t, cat.GetTable("public", "missing"))
}

func TestTable_GetColumn(t *testing.T) {
	orders := ordersTable()
	assert.NotNil(t, orders.GetColumn("id"))
	assert.Nil(t, orders.GetColumn("bogus"))

	var nilTable *Table
	assert.Nil(t, nilTable.GetColumn("id"))
}

func TestTable_QualifiedName(t *testing.T) {
	assert.Equal(t, "public.orders", ordersTable().QualifiedName())
}

func TestTable_ForeignKeysTo(t *testing.T) {
	orders := ordersTable()
	fks := orders.ForeignKeysTo("public", "customers")
	require.Len(t, fks, 1)
	assert.Equal(t, []string{"customer_id"}, fks[0].Columns)

	assert.Empty(t, orders.ForeignKeysTo("public", "products"))
}

func TestCatalog_ForeignKeysBetween(t *testing.T) {
	cat := NewCatalog()
	orders := ordersTable()
	cat.AddTable(orders)

	fks := cat.ForeignKeysBetween("public", "orders", "public", "customers")
	require.Len(t, fks, 1)

	assert.Empty(t, cat.ForeignKeysBetween("public", "customers", "public", "orders"))
	assert.Empty(t, cat.ForeignKeysBetween("public", "missing", "public", "customers"))
}
