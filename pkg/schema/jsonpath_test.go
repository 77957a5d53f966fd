// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseColumnExpr_PlainColumn(t *testing.T) {
	expr, err := ParseColumnExpr("name")
	require.NoError(t, err)
	assert.Equal(t, "name", expr.Column)
	assert.Empty(t, expr.Ops)
	assert.Equal(t, `"t"."name"`, expr.SQL(`"t"."name"`))
}

func TestParseColumnExpr_KeyChain(t *testing.T) {
	expr, err := ParseColumnExpr("data->address->city")
	require.NoError(t, err)
	assert.Equal(t, "data", expr.Column)
	require.Len(t, expr.Ops, 2)
	assert.Equal(t, OpKey, expr.Ops[0].Kind)
	assert.Equal(t, "address", expr.Ops[0].Key)
	assert.Equal(t, OpKey, expr.Ops[1].Kind)
	assert.Equal(t, "city", expr.Ops[1].Key)

	assert.Equal(t, `"data"->'address'->>'city'`, expr.SQL(`"data"`))
}

func TestParseColumnExpr_IndexStep(t *testing.T) {
	expr, err := ParseColumnExpr("tags->0")
	require.NoError(t, err)
	require.Len(t, expr.Ops, 1)
	assert.Equal(t, OpIndex, expr.Ops[0].Kind)
	assert.Equal(t, 0, expr.Ops[0].Index)
	assert.Equal(t, `"tags"->>0`, expr.SQL(`"tags"`))
}

func TestParseColumnExpr_PathThenIndex(t *testing.T) {
	expr, err := ParseColumnExpr("data#>{a,b,c}->1")
	require.NoError(t, err)
	require.Len(t, expr.Ops, 2)
	assert.Equal(t, OpPath, expr.Ops[0].Kind)
	assert.Equal(t, []string{"a", "b", "c"}, expr.Ops[0].Path)
	assert.Equal(t, OpIndex, expr.Ops[1].Kind)
	assert.Equal(t, 1, expr.Ops[1].Index)

	assert.Equal(t, `"data"#>'{a,b,c}'->>1`, expr.SQL(`"data"`))
}

func TestParseColumnExpr_PathOnly(t *testing.T) {
	expr, err := ParseColumnExpr("data#>{a,b}")
	require.NoError(t, err)
	require.Len(t, expr.Ops, 1)
	assert.Equal(t, `"data"#>>'{a,b}'`, expr.SQL(`"data"`))
}

func TestParseColumnExpr_Errors(t *testing.T) {
	_, err := ParseColumnExpr("data#>{a,b")
	assert.Error(t, err)

	_, err = ParseColumnExpr("data->")
	assert.Error(t, err)

	_, err = ParseColumnExpr("->key")
	assert.Error(t, err)
}

func TestOutputKey(t *testing.T) {
	keyExpr, _ := ParseColumnExpr("data->city")
	assert.Equal(t, "city", outputKey(keyExpr))

	indexExpr, _ := ParseColumnExpr("tags->2")
	assert.Equal(t, "2", outputKey(indexExpr))

	pathExpr, _ := ParseColumnExpr("data#>{a,b,c}")
	assert.Equal(t, "c", outputKey(pathExpr))

	plain, _ := ParseColumnExpr("name")
	assert.Equal(t, "name", outputKey(plain))
}
