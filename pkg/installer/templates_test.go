// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRowNotifyFunction(t *testing.T) {
	sql, err := buildRowNotifyFunction(rowFunctionConfig{
		FunctionName: "pgsync_public_book_notify_fn",
		Channel:      "pgsync_shop",
		PrimaryKey:   []string{"isbn"},
	})
	require.NoError(t, err)
	assert.Contains(t, sql, `CREATE OR REPLACE FUNCTION "pgsync_public_book_notify_fn"()`)
	assert.Contains(t, sql, `'isbn', OLD."isbn"`)
	assert.Contains(t, sql, `'isbn', NEW."isbn"`)
	assert.Contains(t, sql, `pg_notify('pgsync_shop', payload::text)`)
}

func TestBuildRowNotifyFunction_CompositeKey(t *testing.T) {
	sql, err := buildRowNotifyFunction(rowFunctionConfig{
		FunctionName: "fn",
		Channel:      "chan",
		PrimaryKey:   []string{"book_isbn", "author_id"},
	})
	require.NoError(t, err)
	assert.Contains(t, sql, `'book_isbn', NEW."book_isbn", 'author_id', NEW."author_id"`)
}

func TestBuildRowTrigger(t *testing.T) {
	sql, err := buildRowTrigger(triggerConfig{
		TriggerName:  "book_notify",
		FunctionName: "pgsync_public_book_notify_fn",
		Schema:       "public",
		Table:        "book",
	})
	require.NoError(t, err)
	assert.Contains(t, sql, `CREATE OR REPLACE TRIGGER "book_notify"`)
	assert.Contains(t, sql, `ON "public"."book"`)
	assert.Contains(t, sql, `EXECUTE PROCEDURE "pgsync_public_book_notify_fn"()`)
}

func TestBuildTruncateTrigger(t *testing.T) {
	sql, err := buildTruncateTrigger(triggerConfig{
		TriggerName:  "book_truncate",
		FunctionName: "pgsync_public_book_truncate_fn",
		Schema:       "public",
		Table:        "book",
	})
	require.NoError(t, err)
	assert.Contains(t, sql, "FOR EACH STATEMENT")
}

func TestQuotedTableList(t *testing.T) {
	list := quotedTableList([]TableRef{{Schema: "public", Table: "book"}, {Schema: "public", Table: "author"}})
	assert.Equal(t, "('public', 'book'), ('public', 'author')", list)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "my_db", sanitize("my-db"))
	assert.Equal(t, "shop_index", sanitize("Shop.Index"))
}

func TestRowFunctionAndTriggerNames(t *testing.T) {
	ref := TableRef{Schema: "public", Table: "book"}
	assert.Equal(t, "pgsync_public_book_notify_fn", rowFunctionName(ref))
	assert.Equal(t, "pgsync_public_book_truncate_fn", truncateFunctionName(ref))
	assert.Equal(t, "book_notify", rowTriggerName(ref))
	assert.Equal(t, "book_truncate", truncateTriggerName(ref))
}
