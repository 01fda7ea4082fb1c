// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/absmach/hmq/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pullRequest(queue, requestID string, headers ...protocol.Header) *protocol.Message {
	msg := protocol.NewMessage(protocol.KindPullRequest, queue, nil)
	msg.ID = requestID
	msg.AddHeader(protocol.HeaderRequestID, requestID)
	msg.Headers = append(msg.Headers, headers...)
	return msg
}

func isTerminal(msg *protocol.Message) bool {
	_, ok := msg.FindHeader(protocol.HeaderNoContent)
	return ok
}

func TestPullBatches(t *testing.T) {
	env := newTestEnv(t)
	env.createQueue(t, "jobs", func(o *Options) { o.Type = TypePull })

	ctx := context.Background()
	for i := range 3 {
		require.NoError(t, env.m.Push(ctx, "p", newMessage("jobs", fmt.Sprintf("m%d", i), "")))
	}

	r := newTestReceiver("consumer")

	n, err := env.m.Pull(ctx, r, pullRequest("jobs", "r1", protocol.Header{Key: protocol.HeaderCount, Value: "2"}))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"m0", "m1"} {
		m := r.next(t)
		assert.Equal(t, id, m.ID)
		assert.Equal(t, "r1", m.HeaderValue(protocol.HeaderRequestID))
		assert.False(t, isTerminal(m))
	}
	end := r.next(t)
	assert.Equal(t, protocol.KindQueueMessage, end.Kind)
	assert.Empty(t, end.Content)
	assert.Equal(t, protocol.NoContentEnd, end.HeaderValue(protocol.HeaderNoContent))
	assert.Equal(t, "r1", end.HeaderValue(protocol.HeaderRequestID))

	n, err = env.m.Pull(ctx, r, pullRequest("jobs", "r2", protocol.Header{Key: protocol.HeaderCount, Value: "5"}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "m2", r.next(t).ID)
	assert.Equal(t, protocol.NoContentEnd, r.next(t).HeaderValue(protocol.HeaderNoContent))

	n, err = env.m.Pull(ctx, r, pullRequest("jobs", "r3"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, protocol.NoContentEmpty, r.next(t).HeaderValue(protocol.HeaderNoContent))
}

func TestPullPriorityAndOrder(t *testing.T) {
	cases := []struct {
		desc  string
		order string
		want  []string
	}{
		{desc: "fifo", order: "", want: []string{"p1", "p2", "r1", "r2"}},
		{desc: "lifo", order: protocol.OrderLIFO, want: []string{"p2", "p1", "r2", "r1"}},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			env := newTestEnv(t)
			env.createQueue(t, "jobs", func(o *Options) { o.Type = TypePull })

			ctx := context.Background()
			for _, id := range []string{"r1", "p1", "r2", "p2"} {
				msg := newMessage("jobs", id, "")
				msg.HighPriority = id[0] == 'p'
				require.NoError(t, env.m.Push(ctx, "p", msg))
			}

			r := newTestReceiver("consumer")
			req := pullRequest("jobs", "req",
				protocol.Header{Key: protocol.HeaderCount, Value: "4"},
				protocol.Header{Key: protocol.HeaderOrder, Value: tc.order})
			_, err := env.m.Pull(ctx, r, req)
			require.NoError(t, err)

			var got []string
			for range 4 {
				got = append(got, r.next(t).ID)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPullTerminalFrames(t *testing.T) {
	ctx := context.Background()

	t.Run("not a pull queue", func(t *testing.T) {
		env := newTestEnv(t)
		env.createQueue(t, "jobs", nil)

		r := newTestReceiver("consumer")
		_, err := env.m.Pull(ctx, r, pullRequest("jobs", "r1"))
		assert.ErrorIs(t, err, ErrNotPullQueue)
		assert.Equal(t, protocol.NoContentUnacceptable, r.next(t).HeaderValue(protocol.HeaderNoContent))
	})

	t.Run("unknown queue", func(t *testing.T) {
		env := newTestEnv(t)

		r := newTestReceiver("consumer")
		_, err := env.m.Pull(ctx, r, pullRequest("missing", "r1"))
		assert.ErrorIs(t, err, ErrQueueNotFound)
		assert.Equal(t, protocol.NoContentUnacceptable, r.next(t).HeaderValue(protocol.HeaderNoContent))
	})

	t.Run("unauthorized", func(t *testing.T) {
		env := newTestEnv(t, withAuthorizer(denyAuthorizer{denyPull: true}))
		env.createQueue(t, "jobs", func(o *Options) { o.Type = TypePull })

		r := newTestReceiver("consumer")
		_, err := env.m.Pull(ctx, r, pullRequest("jobs", "r1"))
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.Equal(t, protocol.NoContentUnauthorized, r.next(t).HeaderValue(protocol.HeaderNoContent))
	})
}

func TestPullClearAndInfo(t *testing.T) {
	env := newTestEnv(t)
	q := env.createQueue(t, "jobs", func(o *Options) { o.Type = TypePull })

	ctx := context.Background()
	for i := range 4 {
		msg := newMessage("jobs", fmt.Sprintf("m%d", i), "")
		msg.HighPriority = i == 3
		require.NoError(t, env.m.Push(ctx, "p", msg))
	}

	r := newTestReceiver("consumer")
	req := pullRequest("jobs", "r1",
		protocol.Header{Key: protocol.HeaderInfo, Value: "yes"},
		protocol.Header{Key: protocol.HeaderClear, Value: protocol.ClearDefaultPriority})
	n, err := env.m.Pull(ctx, r, req)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	first := r.next(t)
	assert.Equal(t, "m3", first.ID)
	assert.Equal(t, "3", first.HeaderValue(protocol.HeaderQueueMessages))
	assert.Equal(t, "0", first.HeaderValue(protocol.HeaderQueuePriorityMessages))

	end := r.next(t)
	assert.Equal(t, protocol.NoContentEnd, end.HeaderValue(protocol.HeaderNoContent))
	assert.Equal(t, "0", end.HeaderValue(protocol.HeaderQueueMessages))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 4, env.handler.count(hintMessageDequeued))
}

func TestPullWithAcknowledge(t *testing.T) {
	env := newTestEnv(t)
	q := env.createQueue(t, "jobs", func(o *Options) {
		o.Type = TypePull
		o.Acknowledge = AckRequest
		o.AckTimeout = time.Minute
		o.PutBackOnFailure = true
	})

	ctx := context.Background()
	require.NoError(t, env.m.Push(ctx, "p", newMessage("jobs", "m1", "")))

	r := newTestReceiver("consumer")
	_, err := env.m.Pull(ctx, r, pullRequest("jobs", "r1"))
	require.NoError(t, err)

	msg := r.next(t)
	assert.True(t, msg.WaitResponse)
	r.next(t)
	assert.Equal(t, 1, q.Info().InFlight)

	require.NoError(t, env.m.Acknowledge(ctx, "consumer", msg.CreateAcknowledge("cannot process")))
	eventually(t, func() bool { return q.Len() == 1 })

	_, err = env.m.Pull(ctx, r, pullRequest("jobs", "r2"))
	require.NoError(t, err)
	again := r.next(t)
	assert.Equal(t, "m1", again.ID)
	r.next(t)

	require.NoError(t, env.m.Acknowledge(ctx, "consumer", again.CreateAcknowledge("")))
	assert.Equal(t, 0, q.Info().InFlight)
	assert.Equal(t, 0, q.Len())
}

func TestParsePullRequest(t *testing.T) {
	msg := protocol.NewMessage(protocol.KindPullRequest, "jobs", nil)
	msg.ID = "frame-id"

	req := ParsePullRequest(msg)
	assert.Equal(t, PullRequest{RequestID: "frame-id", Count: 1}, req)

	msg.AddHeader(protocol.HeaderCount, "0")
	msg.AddHeader(protocol.HeaderOrder, "lifo")
	msg.AddHeader(protocol.HeaderClear, "all")
	msg.AddHeader(protocol.HeaderInfo, "true")
	req = ParsePullRequest(msg)
	assert.Equal(t, 1, req.Count)
	assert.True(t, req.LIFO)
	assert.Equal(t, ClearAll, req.Clear)
	assert.True(t, req.Info)
}

func TestPullSendFailureKeepsMessage(t *testing.T) {
	env := newTestEnv(t)
	q := env.createQueue(t, "jobs", func(o *Options) { o.Type = TypePull })

	ctx := context.Background()
	require.NoError(t, env.m.Push(ctx, "p", newMessage("jobs", "m1", "")))

	r := newTestReceiver("consumer")
	r.fail.Store(true)
	n, err := env.m.Pull(ctx, r, pullRequest("jobs", "r1"))
	assert.ErrorIs(t, err, ErrReceiverGone)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, env.handler.count(hintConsumerReceiveFailed))
	assert.Equal(t, 0, env.handler.count(hintMessageDequeued))
	assert.Equal(t, 1, q.Len())

	r.fail.Store(false)
	n, err = env.m.Pull(ctx, r, pullRequest("jobs", "r2"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "m1", r.next(t).ID)
	assert.Equal(t, protocol.NoContentEnd, r.next(t).HeaderValue(protocol.HeaderNoContent))
	assert.Equal(t, 1, env.handler.count(hintMessageDequeued))
}
