// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/toluaina/pgsync/pkg/capture"
)

type fixedSource struct {
	batches [][]capture.Event
	idx     int
}

func (s *fixedSource) Drain(max int) []capture.Event {
	if s.idx >= len(s.batches) {
		return nil
	}
	b := s.batches[s.idx]
	s.idx++
	return b
}

func TestDrainOnceSource_CancelsAfterFirstEmptyDrain(t *testing.T) {
	inner := &fixedSource{batches: [][]capture.Event{
		{{Schema: "public", Table: "book"}},
	}}
	_, cancel := context.WithCancel(context.Background())
	cancelled := false
	s := &drainOnceSource{inner: inner, cancel: func() { cancelled = true; cancel() }}

	events := s.Drain(10)
	assert.Len(t, events, 1)
	assert.False(t, cancelled)

	events = s.Drain(10)
	assert.Empty(t, events)
	assert.True(t, cancelled)

	cancelled = false
	events = s.Drain(10)
	assert.Empty(t, events)
	assert.False(t, cancelled, "cancel must only fire once")
}
