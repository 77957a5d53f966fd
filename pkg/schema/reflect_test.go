// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestPQStringArray_Scan(t *testing.T) {
	var arr pq.StringArray
	require := assert.New(t)

	require.NoError(arr.Scan("{customer_id}"))
	require.Equal(pq.StringArray{"customer_id"}, arr)

	require.NoError(arr.Scan([]byte(`{a,"b,c"}`)))
	require.Equal(pq.StringArray{"a", "b,c"}, arr)
}

func TestReflect_CachedTableShortCircuits(t *testing.T) {
	cat := NewCatalog()
	orders := ordersTable()
	cat.AddTable(orders)

	got, err := Reflect(nil, nil, cat, "public", "orders")
	assert.NoError(t, err)
	assert.Same(t, orders, got)
}
