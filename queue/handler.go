// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"

	"github.com/absmach/hmq/protocol"
)

// DeliveryHandler decides what happens to a message at every step of the
// delivery pipeline. Each queue has exactly one handler.
//
// Hooks may return an error. The pipeline then reports it and asks
// ExceptionThrown for the decision to apply instead. Panics are converted
// to errors the same way.
type DeliveryHandler interface {
	// ReceivedFromProducer admits or rejects a produced message.
	ReceivedFromProducer(ctx context.Context, q *Queue, msg *QueueMessage, producer string) (Decision, error)

	// BeginSend runs once per dispatch, before any receiver is selected.
	BeginSend(ctx context.Context, q *Queue, msg *QueueMessage) (Decision, error)

	// CanConsumerReceive filters receivers. A denied receiver is skipped.
	CanConsumerReceive(ctx context.Context, q *Queue, msg *QueueMessage, r Receiver) (Decision, error)

	// ConsumerReceived runs after a message was written to a receiver.
	ConsumerReceived(ctx context.Context, q *Queue, d *MessageDelivery) (Decision, error)

	// ConsumerReceiveFailed runs when writing to a receiver failed or the
	// receiver left with the delivery unresolved.
	ConsumerReceiveFailed(ctx context.Context, q *Queue, d *MessageDelivery, err error) (Decision, error)

	// EndSend runs once all deliveries of a dispatch were resolved.
	EndSend(ctx context.Context, q *Queue, msg *QueueMessage) (Decision, error)

	// AcknowledgeReceived runs when a receiver acknowledged a delivery.
	AcknowledgeReceived(ctx context.Context, q *Queue, ack *protocol.Message, d *MessageDelivery, success bool) (Decision, error)

	// AcknowledgeTimedOut runs when a delivery was not acknowledged in time.
	AcknowledgeTimedOut(ctx context.Context, q *Queue, d *MessageDelivery) (Decision, error)

	// MessageDequeued runs when a message leaves the queue for good.
	MessageDequeued(ctx context.Context, q *Queue, msg *QueueMessage) error

	// MessageTimedOut runs when a message waited longer than the queue
	// message timeout, or could not be delivered at all.
	MessageTimedOut(ctx context.Context, q *Queue, msg *QueueMessage) (Decision, error)

	// ExceptionThrown picks the decision for a step whose hook failed.
	ExceptionThrown(ctx context.Context, q *Queue, msg *QueueMessage, err error) Decision

	// SaveMessage persists a message. Returning false is not fatal.
	SaveMessage(ctx context.Context, q *Queue, msg *QueueMessage) (bool, error)
}

// MessageLoader is implemented by handlers able to restore persisted
// messages when the manager starts. Messages returned alongside an error
// are restored.
type MessageLoader interface {
	LoadMessages(ctx context.Context, q *Queue) ([]*QueueMessage, error)
}

// MessageRemover is implemented by handlers keeping state that must be
// dropped together with the queue.
type MessageRemover interface {
	RemoveQueue(ctx context.Context, q *Queue) error
}

// HandlerFactory builds the handler of a queue.
type HandlerFactory func(m *Manager, q *Queue) (DeliveryHandler, error)

// Names of the built-in handlers.
const (
	DefaultHandlerName    = "default"
	PersistentHandlerName = "persistent"
	DeadLetterHandlerName = "dead-letter"
)

// DefaultHandler lets every step proceed. Failures put the message back
// when the queue has PutBackOnFailure set, otherwise it is dropped.
type DefaultHandler struct{}

var _ DeliveryHandler = DefaultHandler{}

func (DefaultHandler) ReceivedFromProducer(context.Context, *Queue, *QueueMessage, string) (Decision, error) {
	return Continue(), nil
}

func (DefaultHandler) BeginSend(context.Context, *Queue, *QueueMessage) (Decision, error) {
	return Continue(), nil
}

func (DefaultHandler) CanConsumerReceive(context.Context, *Queue, *QueueMessage, Receiver) (Decision, error) {
	return Continue(), nil
}

func (DefaultHandler) ConsumerReceived(context.Context, *Queue, *MessageDelivery) (Decision, error) {
	return Continue(), nil
}

func (DefaultHandler) ConsumerReceiveFailed(_ context.Context, q *Queue, _ *MessageDelivery, _ error) (Decision, error) {
	return onFailure(q), nil
}

func (DefaultHandler) EndSend(context.Context, *Queue, *QueueMessage) (Decision, error) {
	return Continue(), nil
}

func (DefaultHandler) AcknowledgeReceived(_ context.Context, q *Queue, _ *protocol.Message, _ *MessageDelivery, success bool) (Decision, error) {
	if success {
		return Continue(), nil
	}
	return onFailure(q), nil
}

func (DefaultHandler) AcknowledgeTimedOut(_ context.Context, q *Queue, _ *MessageDelivery) (Decision, error) {
	return onFailure(q), nil
}

func (DefaultHandler) MessageDequeued(context.Context, *Queue, *QueueMessage) error {
	return nil
}

func (DefaultHandler) MessageTimedOut(context.Context, *Queue, *QueueMessage) (Decision, error) {
	return Decision{}, nil
}

func (DefaultHandler) ExceptionThrown(_ context.Context, q *Queue, _ *QueueMessage, _ error) Decision {
	return onFailure(q)
}

func (DefaultHandler) SaveMessage(context.Context, *Queue, *QueueMessage) (bool, error) {
	return false, nil
}

func onFailure(q *Queue) Decision {
	if q != nil && q.Options().PutBackOnFailure {
		return PutBack()
	}
	return Continue()
}

// safeDecision runs a hook and converts a panic into an error.
func safeDecision(fn func() (Decision, error)) (d Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			d = Decision{}
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return fn()
}

// HandlerFuncs builds a handler from individual hooks. A nil hook behaves
// like the DefaultHandler.
type HandlerFuncs struct {
	OnReceived         func(ctx context.Context, q *Queue, msg *QueueMessage, producer string) (Decision, error)
	OnBeginSend        func(ctx context.Context, q *Queue, msg *QueueMessage) (Decision, error)
	OnCanReceive       func(ctx context.Context, q *Queue, msg *QueueMessage, r Receiver) (Decision, error)
	OnConsumerReceived func(ctx context.Context, q *Queue, d *MessageDelivery) (Decision, error)
	OnReceiveFailed    func(ctx context.Context, q *Queue, d *MessageDelivery, err error) (Decision, error)
	OnEndSend          func(ctx context.Context, q *Queue, msg *QueueMessage) (Decision, error)
	OnAcknowledge      func(ctx context.Context, q *Queue, ack *protocol.Message, d *MessageDelivery, success bool) (Decision, error)
	OnAckTimeout       func(ctx context.Context, q *Queue, d *MessageDelivery) (Decision, error)
	OnDequeued         func(ctx context.Context, q *Queue, msg *QueueMessage) error
	OnMessageTimeout   func(ctx context.Context, q *Queue, msg *QueueMessage) (Decision, error)
	OnException        func(ctx context.Context, q *Queue, msg *QueueMessage, err error) Decision
	OnSave             func(ctx context.Context, q *Queue, msg *QueueMessage) (bool, error)
}

var _ DeliveryHandler = HandlerFuncs{}

func (h HandlerFuncs) ReceivedFromProducer(ctx context.Context, q *Queue, msg *QueueMessage, producer string) (Decision, error) {
	if h.OnReceived == nil {
		return DefaultHandler{}.ReceivedFromProducer(ctx, q, msg, producer)
	}
	return h.OnReceived(ctx, q, msg, producer)
}

func (h HandlerFuncs) BeginSend(ctx context.Context, q *Queue, msg *QueueMessage) (Decision, error) {
	if h.OnBeginSend == nil {
		return DefaultHandler{}.BeginSend(ctx, q, msg)
	}
	return h.OnBeginSend(ctx, q, msg)
}

func (h HandlerFuncs) CanConsumerReceive(ctx context.Context, q *Queue, msg *QueueMessage, r Receiver) (Decision, error) {
	if h.OnCanReceive == nil {
		return DefaultHandler{}.CanConsumerReceive(ctx, q, msg, r)
	}
	return h.OnCanReceive(ctx, q, msg, r)
}

func (h HandlerFuncs) ConsumerReceived(ctx context.Context, q *Queue, d *MessageDelivery) (Decision, error) {
	if h.OnConsumerReceived == nil {
		return DefaultHandler{}.ConsumerReceived(ctx, q, d)
	}
	return h.OnConsumerReceived(ctx, q, d)
}

func (h HandlerFuncs) ConsumerReceiveFailed(ctx context.Context, q *Queue, d *MessageDelivery, err error) (Decision, error) {
	if h.OnReceiveFailed == nil {
		return DefaultHandler{}.ConsumerReceiveFailed(ctx, q, d, err)
	}
	return h.OnReceiveFailed(ctx, q, d, err)
}

func (h HandlerFuncs) EndSend(ctx context.Context, q *Queue, msg *QueueMessage) (Decision, error) {
	if h.OnEndSend == nil {
		return DefaultHandler{}.EndSend(ctx, q, msg)
	}
	return h.OnEndSend(ctx, q, msg)
}

func (h HandlerFuncs) AcknowledgeReceived(ctx context.Context, q *Queue, ack *protocol.Message, d *MessageDelivery, success bool) (Decision, error) {
	if h.OnAcknowledge == nil {
		return DefaultHandler{}.AcknowledgeReceived(ctx, q, ack, d, success)
	}
	return h.OnAcknowledge(ctx, q, ack, d, success)
}

func (h HandlerFuncs) AcknowledgeTimedOut(ctx context.Context, q *Queue, d *MessageDelivery) (Decision, error) {
	if h.OnAckTimeout == nil {
		return DefaultHandler{}.AcknowledgeTimedOut(ctx, q, d)
	}
	return h.OnAckTimeout(ctx, q, d)
}

func (h HandlerFuncs) MessageDequeued(ctx context.Context, q *Queue, msg *QueueMessage) error {
	if h.OnDequeued == nil {
		return nil
	}
	return h.OnDequeued(ctx, q, msg)
}

func (h HandlerFuncs) MessageTimedOut(ctx context.Context, q *Queue, msg *QueueMessage) (Decision, error) {
	if h.OnMessageTimeout == nil {
		return DefaultHandler{}.MessageTimedOut(ctx, q, msg)
	}
	return h.OnMessageTimeout(ctx, q, msg)
}

func (h HandlerFuncs) ExceptionThrown(ctx context.Context, q *Queue, msg *QueueMessage, err error) Decision {
	if h.OnException == nil {
		return DefaultHandler{}.ExceptionThrown(ctx, q, msg, err)
	}
	return h.OnException(ctx, q, msg, err)
}

func (h HandlerFuncs) SaveMessage(ctx context.Context, q *Queue, msg *QueueMessage) (bool, error) {
	if h.OnSave == nil {
		return false, nil
	}
	return h.OnSave(ctx, q, msg)
}
