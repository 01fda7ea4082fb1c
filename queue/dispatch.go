// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/hmq/protocol"
)

// deliveryResult is the outcome of offering a message to one receiver.
type deliveryResult int

const (
	// skipped means the receiver was not allowed to take the message.
	skipped deliveryResult = iota
	// sent means the message was written to the receiver.
	sent
	// failed means writing to the receiver failed.
	failed
)

func (q *Queue) start() {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	q.wg.Add(1)
	go q.run()
}

// run is the dispatch loop. It wakes on new messages, subscriber changes
// and the sweep ticker.
func (q *Queue) run() {
	defer q.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		q.drain(q.ctx)

		select {
		case <-q.stopCh:
			return
		case <-q.notifyCh:
		case <-ticker.C:
			q.expire(q.ctx)
		}
	}
}

// drain dispatches waiting messages until the queue is empty, no receiver
// can take the next message or the queue is told to stop.
func (q *Queue) drain(ctx context.Context) {
	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		if q.Status() != StatusRunning {
			return
		}
		opts := q.Options()
		if opts.Type == TypePull {
			return
		}
		if q.subs.len() == 0 {
			if opts.Type == TypePush {
				q.discardWaiting(ctx)
			}
			return
		}

		qm := q.store.pop(false)
		if qm == nil {
			return
		}

		r, held := q.dispatch(ctx, qm, opts)
		if held {
			return
		}

		if r != nil && opts.Acknowledge == AckWait {
			select {
			case <-r.done:
			case <-q.stopCh:
				return
			}
		}

		if opts.DelayBetweenMessages > 0 {
			select {
			case <-time.After(opts.DelayBetweenMessages):
			case <-q.stopCh:
				return
			}
		}
	}
}

// discardWaiting drops the messages of a push queue that lost its last
// subscriber.
func (q *Queue) discardWaiting(ctx context.Context) {
	for {
		qm := q.store.pop(false)
		if qm == nil || q.unreceived(ctx, qm) {
			return
		}
	}
}

// dispatch runs one delivery round for a popped message. held reports that
// no receiver could take the message and it went back to the head of the
// queue.
func (q *Queue) dispatch(ctx context.Context, qm *QueueMessage, opts Options) (r *round, held bool) {
	d, ok := q.call(ctx, hintBeginSend, qm, func(h DeliveryHandler) (Decision, error) {
		return h.BeginSend(ctx, q, qm)
	})
	if !ok || !d.Allow {
		q.apply(ctx, qm, d)
		q.settle(ctx, qm, d.PutBackToQueue)
		return nil, false
	}
	q.apply(ctx, qm, d)

	switch opts.Type {
	case TypePush:
		return q.distributePush(ctx, qm, opts)
	default:
		return q.distributeRoundRobin(ctx, qm, opts)
	}
}

// deliver offers qm to a single receiver. decorate, when set, adjusts the
// outgoing copy of the message.
func (q *Queue) deliver(ctx context.Context, r *round, qm *QueueMessage, rc Receiver, opts Options, decorate func(*protocol.Message)) deliveryResult {
	if !q.manager.authorizer.CanConsume(ctx, rc.ID(), q.name) {
		return skipped
	}

	d, ok := q.call(ctx, hintCanConsumerReceive, qm, func(h DeliveryHandler) (Decision, error) {
		return h.CanConsumerReceive(ctx, q, qm, rc)
	})
	if !ok {
		r.record(d)
		return skipped
	}
	if !d.Allow {
		return skipped
	}

	out := qm.Message.Clone()
	out.Kind = protocol.KindQueueMessage
	out.Target = q.name
	out.WaitResponse = opts.Acknowledge != AckNone
	if decorate != nil {
		decorate(out)
	}

	del := &MessageDelivery{
		Message:  qm,
		Receiver: rc,
		SentAt:   time.Now(),
		round:    r,
	}
	r.add()
	qm.deliveryCount.Add(1)

	if opts.Acknowledge != AckNone {
		del.Deadline = del.SentAt.Add(opts.AckTimeout)
		q.track(del, opts.AckTimeout)
	}

	if err := rc.Send(ctx, out); err != nil {
		q.receiveFailed(ctx, del, err)
		return failed
	}
	q.manager.metrics.RecordDelivered(q.name)

	rd, _ := q.call(ctx, hintConsumerReceived, qm, func(h DeliveryHandler) (Decision, error) {
		return h.ConsumerReceived(ctx, q, del)
	})

	if opts.Acknowledge == AckNone {
		if del.resolve(DeliveryCompleted) {
			q.completeDelivery(ctx, del, rd)
		}
		return sent
	}
	q.apply(ctx, qm, rd)
	r.record(rd)
	return sent
}

// track registers a delivery awaiting acknowledgement and arms its timer.
// Deliveries of the same message id to the same receiver are kept in send
// order.
func (q *Queue) track(del *MessageDelivery, timeout time.Duration) {
	q.dmu.Lock()
	defer q.dmu.Unlock()

	key := del.key()
	q.deliveries[key] = append(q.deliveries[key], del)
	q.inFlight++
	del.timer = time.AfterFunc(timeout, func() {
		q.ackTimedOut(q.ctx, del)
	})
}

// untrack forgets a resolved delivery and stops its timer.
func (q *Queue) untrack(del *MessageDelivery) {
	q.dmu.Lock()
	defer q.dmu.Unlock()

	if del.timer != nil {
		del.timer.Stop()
	}
	key := del.key()
	ds := q.deliveries[key]
	for i, d := range ds {
		if d != del {
			continue
		}
		ds = append(ds[:i], ds[i+1:]...)
		q.inFlight--
		break
	}
	if len(ds) == 0 {
		delete(q.deliveries, key)
		return
	}
	q.deliveries[key] = ds
}

// lookup returns the oldest unresolved delivery of a message to a receiver.
func (q *Queue) lookup(messageID, receiverID string) *MessageDelivery {
	q.dmu.Lock()
	defer q.dmu.Unlock()

	ds := q.deliveries[deliveryKey{messageID: messageID, receiverID: receiverID}]
	if len(ds) == 0 {
		return nil
	}
	return ds[0]
}

func (q *Queue) pendingFor(receiverID string) []*MessageDelivery {
	q.dmu.Lock()
	defer q.dmu.Unlock()

	var out []*MessageDelivery
	for key, ds := range q.deliveries {
		if key.receiverID == receiverID {
			out = append(out, ds...)
		}
	}
	return out
}

func (q *Queue) receiveFailed(ctx context.Context, del *MessageDelivery, cause error) {
	if !del.resolve(DeliveryFailed) {
		return
	}
	q.untrack(del)

	q.logger.Debug("delivery failed",
		slog.String("receiver", del.Receiver.ID()),
		slog.String("message_id", del.Message.ID()),
		slog.String("error", cause.Error()))

	d, _ := q.call(ctx, hintConsumerReceiveFailed, del.Message, func(h DeliveryHandler) (Decision, error) {
		return h.ConsumerReceiveFailed(ctx, q, del, cause)
	})
	q.completeDelivery(ctx, del, d)
}

func (q *Queue) ackTimedOut(ctx context.Context, del *MessageDelivery) {
	if !del.resolve(DeliveryTimedOut) {
		return
	}
	q.untrack(del)
	q.manager.metrics.RecordAckTimeout(q.name)

	d, _ := q.call(ctx, hintAcknowledgeTimedOut, del.Message, func(h DeliveryHandler) (Decision, error) {
		return h.AcknowledgeTimedOut(ctx, q, del)
	})
	q.completeDelivery(ctx, del, d)
}

// completeDelivery applies the decision of a resolved delivery and ends
// its round when it was the last one.
func (q *Queue) completeDelivery(ctx context.Context, del *MessageDelivery, d Decision) {
	q.apply(ctx, del.Message, d)
	if del.round.complete(d) {
		q.finishRound(ctx, del.round)
	}
}

func (q *Queue) finishRound(ctx context.Context, r *round) {
	outcome, _ := r.result()

	d, _ := q.call(ctx, hintEndSend, r.msg, func(h DeliveryHandler) (Decision, error) {
		return h.EndSend(ctx, q, r.msg)
	})
	q.apply(ctx, r.msg, d)
	outcome = outcome.merge(d)

	q.settle(ctx, r.msg, outcome.PutBackToQueue)
	close(r.done)
}

// expire removes messages that waited longer than the message timeout.
func (q *Queue) expire(ctx context.Context) {
	timeout := q.Options().MessageTimeout
	if timeout <= 0 {
		return
	}

	for _, qm := range q.store.expire(time.Now().Add(-timeout)) {
		q.manager.metrics.RecordExpired(q.name)

		d, _ := q.call(ctx, hintMessageTimedOut, qm, func(h DeliveryHandler) (Decision, error) {
			return h.MessageTimedOut(ctx, q, qm)
		})
		q.apply(ctx, qm, d)

		if d.PutBackToQueue {
			qm.EnqueuedAt = time.Now()
			q.store.put(qm)
			continue
		}
		q.dequeue(ctx, qm)
	}
}
