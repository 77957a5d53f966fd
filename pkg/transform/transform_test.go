// SPDX-License-Identifier: Apache-2.0

package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMover struct {
	calls []struct {
		path  string
		value any
	}
}

func (m *recordingMover) Move(path string, value any) error {
	m.calls = append(m.calls, struct {
		path  string
		value any
	}{path, value})
	return nil
}

func TestApply_Rename(t *testing.T) {
	row := map[string]any{"isbn": "123", "title": "Kafka"}
	rules := Rules{Rename: map[string]string{"isbn": "book_isbn", "title": "book_title"}}

	out, err := Apply(row, rules, nil)
	require.NoError(t, err)
	assert.Equal(t, "123", out["book_isbn"])
	assert.Equal(t, "Kafka", out["book_title"])
	assert.NotContains(t, out, "isbn")
}

func TestApply_Replace_StringOnly(t *testing.T) {
	row := map[string]any{"review": "bad", "score": 3, "note": nil}
	rules := Rules{Replace: map[string][]ReplaceRule{
		"review": {{Old: "bad", New: "needs work"}},
		"score":  {{Old: "3", New: "three"}},
	}}

	out, err := Apply(row, rules, nil)
	require.NoError(t, err)
	assert.Equal(t, "needs work", out["review"])
	assert.Equal(t, 3, out["score"], "numeric values pass through replace untouched")
}

func TestApply_Replace_MissingColumn(t *testing.T) {
	row := map[string]any{"title": "x"}
	rules := Rules{Replace: map[string][]ReplaceRule{"bogus": {{Old: "a", New: "b"}}}}

	_, err := Apply(row, rules, nil)
	var missing TransformRuleMissingColumnError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "bogus", missing.Column)
}

func TestApply_Concat_AbsentInputsAreEmpty(t *testing.T) {
	row := map[string]any{"first": "Haruki"}
	rules := Rules{Concat: []ConcatRule{{Keys: []string{"first", "last"}, Delimiter: " ", Destination: "full_name"}}}

	out, err := Apply(row, rules, nil)
	require.NoError(t, err)
	assert.Equal(t, "Haruki ", out["full_name"])
}

func TestApply_Move(t *testing.T) {
	row := map[string]any{"isbn": "123", "publisher_name": "Vintage"}
	mover := &recordingMover{}
	rules := Rules{Move: map[string]string{"publisher_name": "$root.publisher.name"}}

	out, err := Apply(row, rules, mover)
	require.NoError(t, err)
	assert.NotContains(t, out, "publisher_name")
	require.Len(t, mover.calls, 1)
	assert.Equal(t, "$root.publisher.name", mover.calls[0].path)
	assert.Equal(t, "Vintage", mover.calls[0].value)
}

func TestApply_Move_NoMover(t *testing.T) {
	row := map[string]any{"x": 1}
	rules := Rules{Move: map[string]string{"x": "$root.y"}}

	_, err := Apply(row, rules, nil)
	assert.Error(t, err)
}

func TestApply_Mapping_MissingColumn(t *testing.T) {
	row := map[string]any{"title": "x"}
	rules := Rules{Mapping: map[string]string{"bogus": "keyword"}}

	_, err := Apply(row, rules, nil)
	var missing MappingRuleMissingColumnError
	require.ErrorAs(t, err, &missing)
}

func TestApply_FixedOrder_RenameBeforeReplace(t *testing.T) {
	// replace/concat/move/mapping rules key off the column's *new* name,
	// since rename runs first.
	row := map[string]any{"review": "bad"}
	rules := Rules{
		Rename:  map[string]string{"review": "comment"},
		Replace: map[string][]ReplaceRule{"comment": {{Old: "bad", New: "negative"}}},
	}

	out, err := Apply(row, rules, nil)
	require.NoError(t, err)
	assert.Equal(t, "negative", out["comment"])
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	row := map[string]any{"isbn": "123"}
	rules := Rules{Rename: map[string]string{"isbn": "book_isbn"}}

	_, err := Apply(row, rules, nil)
	require.NoError(t, err)
	assert.Contains(t, row, "isbn", "Apply must not mutate the caller's row")
}
