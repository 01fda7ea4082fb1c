// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"strconv"
	"strings"

	"github.com/absmach/hmq/protocol"
)

// PullRequest is a consumer request for messages of a pull queue.
type PullRequest struct {
	RequestID string
	Count     int
	LIFO      bool
	Clear     ClearMode
	Info      bool
}

// ParsePullRequest reads a pull request from the headers of msg. The
// request id defaults to the frame id and the count to one.
func ParsePullRequest(msg *protocol.Message) PullRequest {
	req := PullRequest{
		RequestID: msg.HeaderValue(protocol.HeaderRequestID),
		Count:     1,
		LIFO:      strings.EqualFold(msg.HeaderValue(protocol.HeaderOrder), protocol.OrderLIFO),
		Clear:     ParseClearMode(msg.HeaderValue(protocol.HeaderClear)),
		Info:      parseBool(msg.HeaderValue(protocol.HeaderInfo)),
	}
	if req.RequestID == "" {
		req.RequestID = msg.ID
	}
	if n, err := strconv.Atoi(strings.TrimSpace(msg.HeaderValue(protocol.HeaderCount))); err == nil && n > 0 {
		req.Count = n
	}
	return req
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "true", "1":
		return true
	default:
		return false
	}
}

// PullEnd builds the terminal frame of a pull request. reason is one of
// the No-Content header values.
func PullEnd(queue string, req PullRequest, reason string) *protocol.Message {
	msg := &protocol.Message{
		ID:     req.RequestID,
		Kind:   protocol.KindQueueMessage,
		Source: queue,
		Target: queue,
	}
	msg.AddHeader(protocol.HeaderRequestID, req.RequestID)
	msg.AddHeader(protocol.HeaderNoContent, reason)
	return msg
}

func (q *Queue) withInfo(msg *protocol.Message) {
	p, r := q.store.counts()
	msg.SetHeader(protocol.HeaderQueueMessages, strconv.Itoa(p+r))
	msg.SetHeader(protocol.HeaderQueuePriorityMessages, strconv.Itoa(p))
}

// pull sends up to req.Count messages to rc followed by a terminal frame.
// It returns the number of messages sent.
func (q *Queue) pull(ctx context.Context, rc Receiver, req PullRequest) (int, error) {
	opts := q.Options()
	if opts.Type != TypePull {
		return 0, q.sendPullEnd(ctx, rc, req, protocol.NoContentUnacceptable, ErrNotPullQueue)
	}
	if q.Status() == StatusStopped {
		return 0, q.sendPullEnd(ctx, rc, req, protocol.NoContentUnacceptable, ErrQueueStopped)
	}

	// Concurrent pulls would interleave their batches.
	q.pullMu.Lock()
	defer q.pullMu.Unlock()

	decorate := func(out *protocol.Message) {
		out.SetHeader(protocol.HeaderRequestID, req.RequestID)
		if req.Info {
			q.withInfo(out)
		}
	}

	count := 0
	for count < req.Count {
		qm := q.store.pop(req.LIFO)
		if qm == nil {
			break
		}

		d, ok := q.call(ctx, hintBeginSend, qm, func(h DeliveryHandler) (Decision, error) {
			return h.BeginSend(ctx, q, qm)
		})
		q.apply(ctx, qm, d)
		if !ok || !d.Allow {
			q.settle(ctx, qm, d.PutBackToQueue)
			if d.PutBackToQueue {
				break
			}
			continue
		}

		r := newRound(qm)
		res := q.deliver(ctx, r, qm, rc, opts, decorate)
		if res == skipped {
			q.store.putFront(qm)
			break
		}
		if res == failed {
			// The round stays unsealed so the failure cannot end the message.
			if qm.discarded.Load() {
				q.dequeue(ctx, qm)
			} else {
				q.store.putFront(qm)
			}
			return count, ErrReceiverGone
		}
		if r.seal() {
			q.finishRound(ctx, r)
		}
		count++
	}

	if req.Clear != ClearNone {
		q.clear(ctx, req.Clear)
	}

	reason := protocol.NoContentEmpty
	if count > 0 {
		reason = protocol.NoContentEnd
	}
	return count, q.sendPullEnd(ctx, rc, req, reason, nil)
}

func (q *Queue) sendPullEnd(ctx context.Context, rc Receiver, req PullRequest, reason string, cause error) error {
	end := PullEnd(q.name, req, reason)
	if req.Info {
		q.withInfo(end)
	}
	if err := rc.Send(ctx, end); err != nil {
		return err
	}
	return cause
}
