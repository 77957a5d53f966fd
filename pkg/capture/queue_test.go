// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_PushPop(t *testing.T) {
	q := NewQueue(4)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, Event{TgOp: Insert, Table: "book"}))

	var ev Event
	ok := q.Pop(ctx, &ev)
	assert.True(t, ok)
	assert.Equal(t, Insert, ev.TgOp)
}

func TestQueue_Pop_ContextCancelled(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	var ev Event
	ok := q.Pop(ctx, &ev)
	assert.False(t, ok)
}

func TestQueue_Drain(t *testing.T) {
	q := NewQueue(10)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(ctx, Event{TgOp: Insert, Table: "book"}))
	}

	events := q.Drain(3)
	assert.Len(t, events, 3)
	assert.Equal(t, 2, q.Len())

	rest := q.Drain(10)
	assert.Len(t, rest, 2)
}

func TestQueue_Drain_Empty(t *testing.T) {
	q := NewQueue(4)
	assert.Empty(t, q.Drain(5))
}

func TestEvent_Key(t *testing.T) {
	ev := Event{TgOp: Update, Schema: "public", Table: "book"}
	assert.Equal(t, "UPDATE:public.book", ev.Key())
}
