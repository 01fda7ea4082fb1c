// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"

	"github.com/absmach/hmq/protocol"
)

// acknowledge resolves the delivery of ack.ID to receiverID. It fails with
// ErrDeliveryNotFound when there is no pending delivery, including when
// the acknowledgement lost the race against the timeout.
func (q *Queue) acknowledge(ctx context.Context, receiverID string, ack *protocol.Message) error {
	del := q.lookup(ack.ID, receiverID)
	if del == nil {
		return ErrDeliveryNotFound
	}

	success := protocol.IsSuccess(ack.ContentType)
	state := DeliveryAcknowledged
	if !success {
		state = DeliveryRejected
	}
	if !del.resolve(state) {
		return ErrDeliveryNotFound
	}
	q.untrack(del)
	q.manager.metrics.RecordAcknowledged(q.name, success)

	d, _ := q.call(ctx, hintAcknowledgeReceived, del.Message, func(h DeliveryHandler) (Decision, error) {
		return h.AcknowledgeReceived(ctx, q, ack, del, success)
	})
	if success {
		q.respond(ctx, del.Message, protocol.StatusOK, "")
	}
	q.completeDelivery(ctx, del, d)
	return nil
}

// removeReceiver unsubscribes a receiver and fails its unresolved
// deliveries.
func (q *Queue) removeReceiver(ctx context.Context, id string) {
	q.unsubscribe(id)
	for _, del := range q.pendingFor(id) {
		q.receiveFailed(ctx, del, ErrReceiverGone)
	}
}
