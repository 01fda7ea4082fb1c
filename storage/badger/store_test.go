// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/hmq/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()

	store, err := New(Config{Dir: dir})
	require.NoError(t, err)
	return store
}

func TestStore_Close(t *testing.T) {
	store := newTestStore(t, t.TempDir())

	require.NoError(t, store.Close())
	// Closing twice is a no-op.
	require.NoError(t, store.Close())
}

func TestMessageStore_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, t.TempDir())
	defer store.Close()

	base := time.Now().UTC()
	msgs := []storage.Message{
		{ID: "b", Queue: "orders", Producer: "p1", EnqueuedAt: base.Add(2 * time.Second), Frame: []byte{2}},
		{ID: "a", Queue: "orders", Producer: "p1", EnqueuedAt: base, Frame: []byte{1}},
		{ID: "c", Queue: "orders-archive", EnqueuedAt: base, Frame: []byte{3}},
	}
	for _, m := range msgs {
		require.NoError(t, store.Messages().SaveMessage(ctx, m))
	}

	loaded, err := store.Messages().LoadMessages(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "a", loaded[0].ID)
	assert.Equal(t, "b", loaded[1].ID)
	assert.Equal(t, []byte{1}, loaded[0].Frame)
	assert.Equal(t, "p1", loaded[0].Producer)

	require.NoError(t, store.Messages().DeleteMessage(ctx, "orders", "a"))
	require.NoError(t, store.Messages().DeleteMessage(ctx, "orders", "missing"))

	loaded, err = store.Messages().LoadMessages(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "b", loaded[0].ID)

	require.NoError(t, store.Messages().DeleteQueueMessages(ctx, "orders"))
	loaded, err = store.Messages().LoadMessages(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, loaded)

	other, err := store.Messages().LoadMessages(ctx, "orders-archive")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestQueueStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := newTestStore(t, dir)
	require.NoError(t, store.Queues().SaveQueue(ctx, storage.Queue{Name: "jobs", Options: []byte(`{"type":"pull"}`)}))
	require.NoError(t, store.Queues().SaveQueue(ctx, storage.Queue{Name: "events", Options: []byte(`{"type":"push"}`)}))
	require.NoError(t, store.Messages().SaveMessage(ctx, storage.Message{ID: "1", Queue: "jobs", Frame: []byte("frame")}))
	require.NoError(t, store.Close())

	store = newTestStore(t, dir)
	defer store.Close()

	queues, err := store.Queues().ListQueues(ctx)
	require.NoError(t, err)
	require.Len(t, queues, 2)
	assert.Equal(t, "events", queues[0].Name)
	assert.Equal(t, "jobs", queues[1].Name)
	assert.JSONEq(t, `{"type":"pull"}`, string(queues[1].Options))

	msgs, err := store.Messages().LoadMessages(ctx, "jobs")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("frame"), msgs[0].Frame)

	require.NoError(t, store.Queues().DeleteQueue(ctx, "jobs"))
	queues, err = store.Queues().ListQueues(ctx)
	require.NoError(t, err)
	require.Len(t, queues, 1)
}
