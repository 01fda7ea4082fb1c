// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// distributePush sends qm to every subscriber concurrently. The round ends
// when every delivery is resolved. A message no subscriber could take goes
// through MessageTimedOut instead.
func (q *Queue) distributePush(ctx context.Context, qm *QueueMessage, opts Options) (*round, bool) {
	receivers := q.subs.snapshot()
	if len(receivers) == 0 {
		return nil, q.unreceived(ctx, qm)
	}

	r := newRound(qm)
	var g errgroup.Group
	for _, rc := range receivers {
		g.Go(func() error {
			q.deliver(ctx, r, qm, rc, opts, nil)
			return nil
		})
	}
	_ = g.Wait()

	if _, n := r.result(); n == 0 {
		return nil, q.unreceived(ctx, qm)
	}
	if r.seal() {
		q.finishRound(ctx, r)
	}
	return r, false
}

// distributeRoundRobin sends qm to the first subscriber, starting at the
// rotation cursor, that takes it. Refused receivers and failed sends move
// on to the next candidate; each failed send still runs
// ConsumerReceiveFailed. When no candidate takes the message it is held at
// the head of the queue.
func (q *Queue) distributeRoundRobin(ctx context.Context, qm *QueueMessage, opts Options) (*round, bool) {
	for i, rc := range q.subs.rotation() {
		// Failed attempts resolve inside their own round, which is never
		// sealed, so their decisions cannot end the message.
		r := newRound(qm)
		switch q.deliver(ctx, r, qm, rc, opts, nil) {
		case skipped:
			continue
		case failed:
			if qm.discarded.Load() {
				q.dequeue(ctx, qm)
				return nil, false
			}
			continue
		case sent:
			q.subs.advance(i)
			if r.seal() {
				q.finishRound(ctx, r)
			}
			return r, false
		}
	}

	q.store.putFront(qm)
	return nil, true
}

// unreceived handles a push message no receiver took. MessageTimedOut may
// put it back, otherwise it is dequeued. It reports whether the message is
// held in the queue.
func (q *Queue) unreceived(ctx context.Context, qm *QueueMessage) bool {
	q.manager.metrics.RecordExpired(q.name)

	d, _ := q.call(ctx, hintMessageTimedOut, qm, func(h DeliveryHandler) (Decision, error) {
		return h.MessageTimedOut(ctx, q, qm)
	})
	q.apply(ctx, qm, d)

	if d.PutBackToQueue && q.Status() != StatusStopped {
		q.store.putFront(qm)
		return true
	}
	q.dequeue(ctx, qm)
	return false
}
