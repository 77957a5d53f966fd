// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeNotification_Insert(t *testing.T) {
	payload := `{"tg_op":"INSERT","schema":"public","table":"book","new":{"isbn":"123"}}`
	ev, err := decodeNotification(payload)
	require.NoError(t, err)
	assert.Equal(t, Insert, ev.TgOp)
	assert.Equal(t, "public", ev.Schema)
	assert.Equal(t, "book", ev.Table)
	assert.Equal(t, "123", ev.New["isbn"])
	assert.Nil(t, ev.Old)
}

func TestDecodeNotification_Update(t *testing.T) {
	payload := `{"tg_op":"UPDATE","schema":"public","table":"author","old":{"id":"2"},"new":{"id":"2"}}`
	ev, err := decodeNotification(payload)
	require.NoError(t, err)
	assert.Equal(t, Update, ev.TgOp)
	assert.Equal(t, "2", ev.Old["id"])
	assert.Equal(t, "2", ev.New["id"])
}

func TestDecodeNotification_InvalidJSON(t *testing.T) {
	_, err := decodeNotification("not json")
	assert.Error(t, err)
}
