// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/hmq/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageStore(t *testing.T) {
	ctx := context.Background()
	s := New()

	now := time.Now()
	require.NoError(t, s.Messages().SaveMessage(ctx, storage.Message{ID: "2", Queue: "q", EnqueuedAt: now.Add(time.Second)}))
	require.NoError(t, s.Messages().SaveMessage(ctx, storage.Message{ID: "1", Queue: "q", EnqueuedAt: now}))

	frame := []byte("abc")
	require.NoError(t, s.Messages().SaveMessage(ctx, storage.Message{ID: "3", Queue: "q", EnqueuedAt: now.Add(2 * time.Second), Frame: frame}))
	frame[0] = 'z'

	msgs, err := s.Messages().LoadMessages(ctx, "q")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	assert.Equal(t, []byte("abc"), msgs[2].Frame)

	require.NoError(t, s.Messages().DeleteMessage(ctx, "q", "2"))
	require.NoError(t, s.Messages().DeleteMessage(ctx, "unknown", "2"))
	msgs, err = s.Messages().LoadMessages(ctx, "q")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	require.NoError(t, s.Messages().DeleteQueueMessages(ctx, "q"))
	msgs, err = s.Messages().LoadMessages(ctx, "q")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestQueueStore(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	require.NoError(t, s.Queues().SaveQueue(ctx, storage.Queue{Name: "b"}))
	require.NoError(t, s.Queues().SaveQueue(ctx, storage.Queue{Name: "a"}))
	require.NoError(t, s.Queues().SaveQueue(ctx, storage.Queue{Name: "b", Options: []byte("{}")}))

	queues, err := s.Queues().ListQueues(ctx)
	require.NoError(t, err)
	require.Len(t, queues, 2)
	assert.Equal(t, "a", queues[0].Name)
	assert.Equal(t, []byte("{}"), queues[1].Options)

	require.NoError(t, s.Queues().DeleteQueue(ctx, "a"))
	queues, err = s.Queues().ListQueues(ctx)
	require.NoError(t, err)
	assert.Len(t, queues, 1)
}
