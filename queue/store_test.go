// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"testing"
	"time"

	"github.com/absmach/hmq/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeMessage(id string, priority bool) *QueueMessage {
	msg := &protocol.Message{ID: id, HighPriority: priority}
	return newQueueMessage(msg, "p")
}

func popIDs(s *messageStore, lifo bool) []string {
	var ids []string
	for m := s.pop(lifo); m != nil; m = s.pop(lifo) {
		ids = append(ids, m.ID())
	}
	return ids
}

func TestMessageStoreOrdering(t *testing.T) {
	var s messageStore
	s.put(storeMessage("r1", false))
	s.put(storeMessage("p1", true))
	s.put(storeMessage("r2", false))
	s.put(storeMessage("p2", true))

	p, r := s.counts()
	assert.Equal(t, 2, p)
	assert.Equal(t, 2, r)
	assert.Equal(t, []string{"p1", "p2", "r1", "r2"}, popIDs(&s, false))
	assert.Nil(t, s.pop(false))
}

func TestMessageStorePutFront(t *testing.T) {
	var s messageStore
	s.put(storeMessage("r1", false))
	s.put(storeMessage("r2", false))

	m := s.pop(false)
	require.Equal(t, "r1", m.ID())
	assert.False(t, m.IsInQueue())

	s.put(storeMessage("r3", false))
	s.putFront(m)
	assert.True(t, m.IsInQueue())
	assert.Equal(t, []string{"r1", "r2", "r3"}, popIDs(&s, false))
}

func TestMessageStoreClear(t *testing.T) {
	cases := []struct {
		desc    string
		mode    ClearMode
		removed int
		left    []string
	}{
		{desc: "none", mode: ClearNone, removed: 0, left: []string{"p1", "r1"}},
		{desc: "all", mode: ClearAll, removed: 2, left: nil},
		{desc: "high priority", mode: ClearHighPriority, removed: 1, left: []string{"r1"}},
		{desc: "default priority", mode: ClearDefaultPriority, removed: 1, left: []string{"p1"}},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			var s messageStore
			s.put(storeMessage("r1", false))
			s.put(storeMessage("p1", true))

			assert.Len(t, s.clear(tc.mode), tc.removed)
			assert.Equal(t, tc.left, popIDs(&s, false))
		})
	}
}

func TestMessageStoreExpire(t *testing.T) {
	var s messageStore
	old := storeMessage("old", false)
	old.EnqueuedAt = time.Now().Add(-time.Hour)
	s.put(old)
	s.put(storeMessage("new", false))

	expired := s.expire(time.Now().Add(-time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].ID())
	assert.Equal(t, 1, s.len())
}

func TestSubscribersRotation(t *testing.T) {
	var s subscribers
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.add(newTestReceiver(id), 0))
	}

	ids := func(rs []Receiver) []string {
		out := make([]string, len(rs))
		for i, r := range rs {
			out[i] = r.ID()
		}
		return out
	}

	assert.Equal(t, []string{"a", "b", "c"}, ids(s.rotation()))
	assert.Equal(t, []string{"b", "c", "a"}, ids(s.rotation()))
	s.advance(1)
	assert.Equal(t, []string{"a", "b", "c"}, ids(s.rotation()))

	snap := s.snapshot()
	require.True(t, s.remove("b"))
	assert.False(t, s.remove("b"))
	assert.Len(t, snap, 3)
	assert.True(t, s.contains("c"))
	assert.Equal(t, 2, s.len())
}

func TestParseClearMode(t *testing.T) {
	assert.Equal(t, ClearAll, ParseClearMode(protocol.ClearAll))
	assert.Equal(t, ClearHighPriority, ParseClearMode(protocol.ClearHighPriority))
	assert.Equal(t, ClearDefaultPriority, ParseClearMode(protocol.ClearDefaultPriority))
	assert.Equal(t, ClearNone, ParseClearMode(""))
}
