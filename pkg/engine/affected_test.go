// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toluaina/pgsync/pkg/schema"
)

// bookAuthorTree mirrors the synth package's fixture: book is the pivot,
// author attaches through book_author as a scalar one_to_many.
func bookAuthorTree() *schema.Tree {
	book := &schema.Table{
		Schema: "public", Name: "book",
		Columns:    map[string]*schema.Column{"isbn": {Name: "isbn"}, "title": {Name: "title"}},
		PrimaryKey: []string{"isbn"},
	}
	author := &schema.Table{
		Schema: "public", Name: "author",
		Columns:    map[string]*schema.Column{"id": {Name: "id"}, "name": {Name: "name"}},
		PrimaryKey: []string{"id"},
	}

	bookNode := &schema.TreeNode{ID: 0, ParentID: -1, ChildIDs: []int{1}, Table: book, Label: "book"}
	authorNode := &schema.TreeNode{
		ID: 1, ParentID: 0, Table: author, Label: "authors",
		Relationship: &schema.Relationship{Variant: schema.VariantScalar, Type: schema.OneToMany},
		JoinPlan: &schema.JoinPlan{Steps: []schema.JoinStep{
			{LeftSchema: "public", LeftTable: "book", LeftColumns: []string{"isbn"}, RightSchema: "public", RightTable: "book_author", RightColumns: []string{"book_isbn"}},
			{LeftSchema: "public", LeftTable: "book_author", LeftColumns: []string{"author_id"}, RightSchema: "public", RightTable: "author", RightColumns: []string{"id"}},
		}},
	}

	return &schema.Tree{Catalog: schema.NewCatalog(), Nodes: []*schema.TreeNode{bookNode, authorNode}, RootID: 0}
}

func TestRootKeysFromRows(t *testing.T) {
	tree := bookAuthorTree()
	keys, err := rootKeysFromRows(tree.Root(), []map[string]any{{"isbn": "111"}, {"isbn": "222"}})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"111"}, {"222"}}, keys)
}

func TestRootKeysFromRows_MissingColumn(t *testing.T) {
	tree := bookAuthorTree()
	_, err := rootKeysFromRows(tree.Root(), []map[string]any{{"title": "Foo"}})
	assert.Error(t, err)
}

func TestFilterValues_DropsIncompleteRows(t *testing.T) {
	rows := []map[string]any{
		{"book_isbn": "111", "author_id": "1"},
		{"author_id": "2"},
	}
	values := filterValues(rows, []string{"book_isbn", "author_id"})
	assert.Equal(t, [][]any{{"111", "1"}}, values)
}

func TestJoinChainToRoot(t *testing.T) {
	tree := bookAuthorTree()
	chain := joinChainToRoot(tree, tree.Node(1))
	require.Len(t, chain, 2)
	assert.Equal(t, "book", chain[0].LeftTable)
	assert.Equal(t, "book_author", chain[0].RightTable)
	assert.Equal(t, "book_author", chain[1].LeftTable)
	assert.Equal(t, "author", chain[1].RightTable)
}

func TestFindMatches_NodeOwnTable(t *testing.T) {
	tree := bookAuthorTree()
	matches := findMatches(tree, "public", "author")
	require.Len(t, matches, 1)
	assert.Equal(t, []string{"id"}, matches[0].filterColumns)
	assert.Len(t, matches[0].chain, 2)
}

func TestFindMatches_ThroughTable(t *testing.T) {
	tree := bookAuthorTree()
	matches := findMatches(tree, "public", "book_author")
	require.Len(t, matches, 1)
	assert.Equal(t, []string{"book_isbn"}, matches[0].filterColumns)
	assert.Len(t, matches[0].chain, 1)
}

func TestFindMatches_NoMatch(t *testing.T) {
	tree := bookAuthorTree()
	matches := findMatches(tree, "public", "publisher")
	assert.Empty(t, matches)
}

func TestBuildAncestorQuery_ThroughTable(t *testing.T) {
	tree := bookAuthorTree()
	matches := findMatches(tree, "public", "book_author")
	require.Len(t, matches, 1)

	// book_author is a direct child of root: its ancestor chain is just
	// book itself, so the query never reads book_author back at all.
	sqlText, args := buildAncestorQuery(tree.Root(), matches[0].chain, [][]any{{"111"}})
	assert.Contains(t, sqlText, `SELECT DISTINCT root."isbn"`)
	assert.Contains(t, sqlText, `FROM "public"."book" AS root`)
	assert.NotContains(t, sqlText, "book_author")
	assert.Contains(t, sqlText, `WHERE (root."isbn") IN (($1))`)
	assert.Equal(t, []any{"111"}, args)
}

func TestBuildAncestorQuery_LeafNodeTable(t *testing.T) {
	tree := bookAuthorTree()
	matches := findMatches(tree, "public", "author")
	require.Len(t, matches, 1)

	// author is reached through book_author: resolving a change to author
	// reads book_author and book, never author itself, so a deleted
	// author row still resolves correctly.
	sqlText, args := buildAncestorQuery(tree.Root(), matches[0].chain, [][]any{{"7"}})
	assert.Contains(t, sqlText, `FROM "public"."book_author" AS t1`)
	assert.Contains(t, sqlText, `JOIN "public"."book" AS root ON t1."book_isbn" = root."isbn"`)
	assert.NotContains(t, sqlText, `"public"."author"`)
	assert.Contains(t, sqlText, `WHERE (t1."author_id") IN (($1))`)
	assert.Equal(t, []any{"7"}, args)
}

func TestResolvePivotKeys_RootTable(t *testing.T) {
	tree := bookAuthorTree()
	keys, err := ResolvePivotKeys(nil, nil, tree, "public", "book", []map[string]any{{"isbn": "111"}})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"111"}}, keys)
}

func TestResolvePivotKeys_NoMatch_ReturnsNil(t *testing.T) {
	tree := bookAuthorTree()
	keys, err := ResolvePivotKeys(nil, nil, tree, "public", "publisher", []map[string]any{{"id": "1"}})
	require.NoError(t, err)
	assert.Nil(t, keys)
}

func TestResolvePivotKeys_EmptyRows(t *testing.T) {
	tree := bookAuthorTree()
	keys, err := ResolvePivotKeys(nil, nil, tree, "public", "author", nil)
	require.NoError(t, err)
	assert.Nil(t, keys)
}
