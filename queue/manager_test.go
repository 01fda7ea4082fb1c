// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/hmq/protocol"
	"github.com/absmach/hmq/storage"
	"github.com/absmach/hmq/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateQueueValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		desc string
		name string
		opts func(*Options)
		err  error
	}{
		{desc: "empty name", name: "", err: ErrInvalidQueueName},
		{desc: "name with space", name: "a b", err: ErrInvalidQueueName},
		{desc: "unknown type", name: "q1", opts: func(o *Options) { o.Type = "fanout" }, err: ErrInvalidOptions},
		{desc: "ack without timeout", name: "q2", opts: func(o *Options) { o.Acknowledge = AckWait; o.AckTimeout = 0 }, err: ErrInvalidOptions},
		{desc: "unknown handler", name: "q3", opts: func(o *Options) { o.DeliveryHandler = "nope" }, err: ErrUnknownHandler},
		{desc: "persistent without store", name: "q4", opts: func(o *Options) { o.DeliveryHandler = PersistentHandlerName }, err: ErrNoMessageStore},
		{desc: "valid", name: "orders.eu", err: nil},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			opts := DefaultOptions()
			if tc.opts != nil {
				tc.opts(&opts)
			}
			_, err := env.m.CreateQueue(ctx, tc.name, opts)
			if tc.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.err)
		})
	}

	_, err := env.m.CreateQueue(ctx, "orders.eu", DefaultOptions())
	assert.ErrorIs(t, err, ErrQueueAlreadyExists)
}

func TestConcurrentFindOrCreate(t *testing.T) {
	env := newTestEnv(t)

	const workers = 32
	results := make([]*Queue, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, err := env.m.FindOrCreate(context.Background(), "shared")
			assert.NoError(t, err)
			results[i] = q
		}()
	}
	wg.Wait()

	for _, q := range results {
		assert.Same(t, results[0], q)
	}
	assert.Len(t, env.m.List(), 1)
}

func TestMaxQueues(t *testing.T) {
	m := NewManager(Config{MaxQueues: 1, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	t.Cleanup(m.Stop)

	_, err := m.CreateQueue(context.Background(), "a", DefaultOptions())
	require.NoError(t, err)
	_, err = m.CreateQueue(context.Background(), "b", DefaultOptions())
	assert.ErrorIs(t, err, ErrQueueLimitExceeded)
}

func TestAutoCreateOnPush(t *testing.T) {
	m := NewManager(Config{AutoCreate: true, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	t.Cleanup(m.Stop)

	require.NoError(t, m.Push(context.Background(), "p", newMessage("implicit", "m1", "")))
	q, err := m.Get("implicit")
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, TypeRoundRobin, q.Options().Type)
}

func TestSubscribeLimits(t *testing.T) {
	env := newTestEnv(t)
	q := env.createQueue(t, "jobs", func(o *Options) { o.ClientLimit = 1 })
	ctx := context.Background()

	require.NoError(t, env.m.Subscribe(ctx, q.Name(), newTestReceiver("a")))
	assert.ErrorIs(t, env.m.Subscribe(ctx, q.Name(), newTestReceiver("a")), ErrAlreadySubscribed)
	assert.ErrorIs(t, env.m.Subscribe(ctx, q.Name(), newTestReceiver("b")), ErrClientLimitExceeded)
	assert.ErrorIs(t, env.m.Subscribe(ctx, "missing", newTestReceiver("b")), ErrQueueNotFound)

	require.NoError(t, env.m.Unsubscribe(ctx, q.Name(), "a"))
	assert.ErrorIs(t, env.m.Unsubscribe(ctx, q.Name(), "a"), ErrNotSubscribed)
	require.NoError(t, env.m.Subscribe(ctx, q.Name(), newTestReceiver("b")))
	assert.Equal(t, []string{"b"}, q.Subscribers())
}

func TestSetOptionsAndClear(t *testing.T) {
	env := newTestEnv(t)
	q := env.createQueue(t, "jobs", func(o *Options) { o.Type = TypePull })
	ctx := context.Background()

	for i := range 3 {
		msg := newMessage("jobs", fmt.Sprintf("m%d", i), "")
		msg.HighPriority = i == 0
		require.NoError(t, env.m.Push(ctx, "p", msg))
	}

	info := q.Info()
	assert.Equal(t, 3, info.Messages)
	assert.Equal(t, 1, info.PriorityMessages)

	n, err := env.m.ClearMessages(ctx, "jobs", ClearHighPriority)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, q.Len())

	opts := q.Options()
	opts.Type = TypeRoundRobin
	opts.DeliveryHandler = DefaultHandlerName
	require.NoError(t, env.m.SetOptions(ctx, "jobs", opts))
	assert.Equal(t, TypeRoundRobin, q.Options().Type)
	assert.IsType(t, DefaultHandler{}, q.Handler())

	r := newTestReceiver("a")
	require.NoError(t, env.m.Subscribe(ctx, "jobs", r))
	assert.Equal(t, "m1", r.next(t).ID)
	assert.Equal(t, "m2", r.next(t).ID)

	opts.Type = "bogus"
	assert.ErrorIs(t, env.m.SetOptions(ctx, "jobs", opts), ErrInvalidOptions)
	assert.ErrorIs(t, env.m.SetOptions(ctx, "missing", DefaultOptions()), ErrQueueNotFound)
}

func TestRemoveQueue(t *testing.T) {
	env := newTestEnv(t)
	env.createQueue(t, "jobs", func(o *Options) {
		o.Acknowledge = AckRequest
		o.AckTimeout = time.Minute
	})
	ctx := context.Background()

	r := newTestReceiver("a")
	require.NoError(t, env.m.Subscribe(ctx, "jobs", r))
	require.NoError(t, env.m.Push(ctx, "p", newMessage("jobs", "m1", "")))
	r.next(t)

	require.NoError(t, env.m.RemoveQueue(ctx, "jobs"))
	assert.ErrorIs(t, env.m.RemoveQueue(ctx, "jobs"), ErrQueueNotFound)
	assert.Empty(t, env.m.List())

	_, err := env.m.Get("jobs")
	assert.ErrorIs(t, err, ErrQueueNotFound)
}

func TestAutoDestroy(t *testing.T) {
	env := newTestEnv(t)
	env.createQueue(t, "temp", func(o *Options) { o.AutoDestroy = true })
	ctx := context.Background()

	r := newTestReceiver("a")
	require.NoError(t, env.m.Subscribe(ctx, "temp", r))
	require.NoError(t, env.m.Push(ctx, "p", newMessage("temp", "m1", "")))
	r.next(t)
	eventually(t, func() bool { return env.handler.count(hintMessageDequeued) == 1 })

	env.m.RemoveReceiver(ctx, "a")
	_, err := env.m.Get("temp")
	assert.ErrorIs(t, err, ErrQueueNotFound)
}

func TestPersistentQueueRestore(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m := NewManager(Config{Store: store, Logger: logger})
	opts := DefaultOptions()
	opts.Type = TypePull
	opts.DeliveryHandler = PersistentHandlerName
	_, err := m.CreateQueue(ctx, "durable", opts)
	require.NoError(t, err)

	for _, id := range []string{"m1", "m2", "m3"} {
		msg := newMessage("durable", id, "body-"+id)
		msg.AddHeader("Trace", id)
		require.NoError(t, m.Push(ctx, "producer", msg))
	}

	r := newTestReceiver("consumer")
	_, err = m.Pull(ctx, r, pullRequest("durable", "r1"))
	require.NoError(t, err)
	assert.Equal(t, "m1", r.next(t).ID)
	m.Stop()

	restarted := NewManager(Config{Store: store, Logger: logger})
	t.Cleanup(restarted.Stop)
	require.NoError(t, restarted.Start(ctx))

	q, err := restarted.Get("durable")
	require.NoError(t, err)
	assert.Equal(t, TypePull, q.Options().Type)
	assert.Equal(t, 2, q.Len())

	r = newTestReceiver("consumer")
	_, err = restarted.Pull(ctx, r, pullRequest("durable", "r2", protocol.Header{Key: protocol.HeaderCount, Value: "2"}))
	require.NoError(t, err)

	m2 := r.next(t)
	assert.Equal(t, "m2", m2.ID)
	assert.Equal(t, "body-m2", m2.ContentString())
	assert.Equal(t, "m2", m2.HeaderValue("Trace"))
	assert.Equal(t, "m3", r.next(t).ID)

	msgs, err := store.Messages().LoadMessages(ctx, "durable")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, restarted.RemoveQueue(ctx, "durable"))
	queues, err := store.Queues().ListQueues(ctx)
	require.NoError(t, err)
	assert.Empty(t, queues)
}

func TestPersistentRestoreSkipsCorruptRecord(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m := NewManager(Config{Store: store, Logger: logger})
	opts := DefaultOptions()
	opts.Type = TypePull
	opts.DeliveryHandler = PersistentHandlerName
	_, err := m.CreateQueue(ctx, "durable", opts)
	require.NoError(t, err)
	require.NoError(t, m.Push(ctx, "producer", newMessage("durable", "good", "body")))
	m.Stop()

	// The frame claims 2^60 content bytes and carries none.
	corrupt := []byte{byte(protocol.KindQueueMessage), 0, 0, 0, 0, 0, 0, 255, 0, 0, 0, 0, 0, 0, 0, 0x10}
	require.NoError(t, store.Messages().SaveMessage(ctx, storage.Message{ID: "bad", Queue: "durable", Frame: corrupt}))

	restarted := NewManager(Config{Store: store, Logger: logger})
	t.Cleanup(restarted.Stop)
	require.NoError(t, restarted.Start(ctx))

	q, err := restarted.Get("durable")
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())

	r := newTestReceiver("consumer")
	_, err = restarted.Pull(ctx, r, pullRequest("durable", "r1"))
	require.NoError(t, err)
	assert.Equal(t, "good", r.next(t).ID)
}

func TestDeadLetterHandler(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	opts := DefaultOptions()
	opts.Acknowledge = AckWait
	opts.AckTimeout = time.Minute
	opts.DeliveryHandler = DeadLetterHandlerName
	_, err := env.m.CreateQueue(ctx, "jobs", opts)
	require.NoError(t, err)

	r := newTestReceiver("a")
	require.NoError(t, env.m.Subscribe(ctx, "jobs", r))

	msg := newMessage("jobs", "m1", "poison")
	msg.WaitResponse = true
	require.NoError(t, env.m.Push(ctx, "producer", msg))

	for range 3 {
		delivered := r.next(t)
		assert.Equal(t, "m1", delivered.ID)
		require.NoError(t, env.m.Acknowledge(ctx, "a", delivered.CreateAcknowledge("bad payload")))
	}
	r.none(t, 50*time.Millisecond)

	f := env.messenger.next(t)
	assert.Equal(t, protocol.StatusFailed, f.msg.ContentType)
	assert.Equal(t, "bad payload", f.msg.HeaderValue(protocol.HeaderNegativeReason))

	dlq, err := env.m.Get("jobs.dlq")
	require.NoError(t, err)
	assert.Equal(t, TypePull, dlq.Options().Type)

	consumer := newTestReceiver("inspector")
	_, err = env.m.Pull(ctx, consumer, pullRequest("jobs.dlq", "r1"))
	require.NoError(t, err)
	dead := consumer.next(t)
	assert.Equal(t, "m1", dead.ID)
	assert.Equal(t, "jobs", dead.HeaderValue(HeaderDeadLetterSource))
	assert.Equal(t, "bad payload", dead.HeaderValue(HeaderDeadLetterReason))
	assert.Equal(t, "3", dead.HeaderValue(HeaderDeadLetterAttempts))
}

func TestStopRejectsNewQueues(t *testing.T) {
	m := NewManager(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	m.Stop()

	_, err := m.CreateQueue(context.Background(), "late", DefaultOptions())
	assert.ErrorIs(t, err, ErrManagerStopped)
}

func TestSetStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	q, err := env.m.CreateQueue(ctx, "jobs", DefaultOptions())
	require.NoError(t, err)

	cases := []struct {
		desc   string
		status Status
		err    error
	}{
		{desc: "pause", status: StatusPaused},
		{desc: "stop", status: StatusStopped},
		{desc: "resume after stop", status: StatusRunning},
		{desc: "unknown status", status: "sleeping", err: ErrInvalidOptions},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			err := env.m.SetStatus("jobs", tc.status)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.status, q.Status())
		})
	}

	assert.ErrorIs(t, env.m.SetStatus("missing", StatusPaused), ErrQueueNotFound)
	assert.Equal(t, TypeRoundRobin, env.m.DefaultOptions().Type)
}
