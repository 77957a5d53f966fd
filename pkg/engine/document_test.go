// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toluaina/pgsync/pkg/schema"
)

func treeWithTransforms() *schema.Tree {
	book := &schema.Table{Schema: "public", Name: "book", PrimaryKey: []string{"isbn"}}
	author := &schema.Table{Schema: "public", Name: "author", PrimaryKey: []string{"id"}}

	bookDoc := &schema.Node{
		Table: "book",
		Transform: &schema.Transform{
			Rename: map[string]string{"title": "book_title"},
			Move:   map[string]string{"internal_note": "$root.meta.note"},
		},
	}
	authorDoc := &schema.Node{
		Table: "author",
		Transform: &schema.Transform{
			Replace: map[string][][2]string{"name": {{"Mr. ", ""}}},
		},
	}

	bookNode := &schema.TreeNode{ID: 0, ParentID: -1, ChildIDs: []int{1}, Table: book, Label: "book", Doc: bookDoc}
	authorNode := &schema.TreeNode{
		ID: 1, ParentID: 0, Table: author, Label: "authors", Doc: authorDoc,
		Relationship: &schema.Relationship{Variant: schema.VariantObject, Type: schema.OneToMany},
		JoinPlan:     &schema.JoinPlan{Steps: []schema.JoinStep{{LeftSchema: "public", LeftTable: "book", RightSchema: "public", RightTable: "author"}}},
	}

	return &schema.Tree{Catalog: schema.NewCatalog(), Nodes: []*schema.TreeNode{bookNode, authorNode}, RootID: 0}
}

func TestApplyTransforms_RenameAndMove(t *testing.T) {
	tree := treeWithTransforms()
	raw := json.RawMessage(`{"isbn":"111","title":"Go in Action","internal_note":"draft","authors":[]}`)

	out, err := ApplyTransforms(tree, raw)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "Go in Action", decoded["book_title"])
	assert.NotContains(t, decoded, "title")
	assert.NotContains(t, decoded, "internal_note")
	meta, ok := decoded["meta"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "draft", meta["note"])
}

func TestApplyTransforms_RecursesIntoObjectChildren(t *testing.T) {
	tree := treeWithTransforms()
	raw := json.RawMessage(`{"isbn":"111","title":"X","internal_note":"n","authors":[{"id":"1","name":"Mr. Gopher"}]}`)

	out, err := ApplyTransforms(tree, raw)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	authors := decoded["authors"].([]any)
	require.Len(t, authors, 1)
	assert.Equal(t, "Gopher", authors[0].(map[string]any)["name"])
}

func TestApplyTransforms_NoTransformIsPassThrough(t *testing.T) {
	tree := bookAuthorTree()
	raw := json.RawMessage(`{"isbn":"111","title":"X"}`)

	out, err := ApplyTransforms(tree, raw)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "X", decoded["title"])
}

func TestParseMovePath(t *testing.T) {
	segs, err := parseMovePath("$root.meta.note")
	require.NoError(t, err)
	assert.Equal(t, []string{"meta", "note"}, segs)

	_, err = parseMovePath("meta.note")
	assert.Error(t, err)
}

func TestDocumentMover_CreatesIntermediateObjects(t *testing.T) {
	root := map[string]any{}
	mover := &documentMover{root: root}
	require.NoError(t, mover.Move("$root.a.b.c", 42))
	a := root["a"].(map[string]any)
	b := a["b"].(map[string]any)
	assert.Equal(t, 42, b["c"])
}
