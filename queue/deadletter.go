// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/absmach/hmq/protocol"
)

// Headers added to dead-lettered messages.
const (
	HeaderDeadLetterSource   = "Dead-Letter-Source"
	HeaderDeadLetterReason   = "Dead-Letter-Reason"
	HeaderDeadLetterAttempts = "Dead-Letter-Attempts"
)

// DeadLetterHandler puts failed deliveries back until a message has been
// delivered MaxDeliveries times, then moves it to "<queue><suffix>".
// Every other step is delegated to the wrapped handler.
type DeadLetterHandler struct {
	DeliveryHandler
	manager       *Manager
	maxDeliveries int
}

// NewDeadLetterHandler wraps inner with dead-letter routing.
func NewDeadLetterHandler(m *Manager, inner DeliveryHandler, maxDeliveries int) *DeadLetterHandler {
	return &DeadLetterHandler{
		DeliveryHandler: inner,
		manager:         m,
		maxDeliveries:   maxDeliveries,
	}
}

func (h *DeadLetterHandler) ConsumerReceiveFailed(ctx context.Context, q *Queue, d *MessageDelivery, err error) (Decision, error) {
	return h.failed(ctx, q, d.Message, "receive failed: "+err.Error()), nil
}

func (h *DeadLetterHandler) AcknowledgeReceived(ctx context.Context, q *Queue, ack *protocol.Message, d *MessageDelivery, success bool) (Decision, error) {
	if success {
		return h.DeliveryHandler.AcknowledgeReceived(ctx, q, ack, d, success)
	}
	reason := ack.HeaderValue(protocol.HeaderNegativeReason)
	if reason == "" {
		reason = "negative acknowledgement"
	}
	return h.failed(ctx, q, d.Message, reason), nil
}

func (h *DeadLetterHandler) AcknowledgeTimedOut(ctx context.Context, q *Queue, d *MessageDelivery) (Decision, error) {
	return h.failed(ctx, q, d.Message, "acknowledgement timed out"), nil
}

func (h *DeadLetterHandler) failed(ctx context.Context, q *Queue, msg *QueueMessage, reason string) Decision {
	if msg.DeliveryCount() < h.maxDeliveries {
		return PutBack()
	}

	if err := h.manager.deadLetter(ctx, q, msg, reason); err != nil {
		h.manager.logger.Error("failed to dead-letter message",
			slog.String("queue", q.Name()),
			slog.String("message_id", msg.ID()),
			slog.String("error", err.Error()))
		return PutBack()
	}
	return Decision{Allow: true, SendNegativeAckToProducer: true, NegativeReason: reason}
}

// deadLetter copies msg into the dead-letter queue of q. The dead-letter
// queue is a pull queue created on first use.
func (m *Manager) deadLetter(ctx context.Context, q *Queue, msg *QueueMessage, reason string) error {
	name := q.Name() + m.cfg.DeadLetterSuffix

	dlq, err := m.Get(name)
	if err != nil {
		opts := DefaultOptions()
		opts.Type = TypePull
		dlq, err = m.CreateQueue(ctx, name, opts)
		if errors.Is(err, ErrQueueAlreadyExists) {
			dlq, err = m.Get(name)
		}
		if err != nil {
			return err
		}
	}

	out := msg.Message.Clone()
	out.WaitResponse = false
	out.SetHeader(HeaderDeadLetterSource, q.Name())
	out.SetHeader(HeaderDeadLetterReason, reason)
	out.SetHeader(HeaderDeadLetterAttempts, strconv.Itoa(msg.DeliveryCount()))

	m.logger.Info("message dead-lettered",
		slog.String("queue", q.Name()),
		slog.String("dlq", name),
		slog.String("message_id", msg.ID()),
		slog.String("reason", reason))

	if err := dlq.push(ctx, msg.Producer, out); err != nil {
		return err
	}
	msg.discarded.Store(true)
	return nil
}
