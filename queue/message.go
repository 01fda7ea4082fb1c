// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/hmq/protocol"
)

// QueueMessage wraps a produced message while it belongs to a queue.
type QueueMessage struct {
	Message    *protocol.Message
	Producer   string
	EnqueuedAt time.Time

	deliveryCount atomic.Int32
	inQueue       atomic.Bool
	responded     atomic.Bool
	// discarded is set once the message moved to a dead-letter queue.
	discarded atomic.Bool
}

func newQueueMessage(msg *protocol.Message, producer string) *QueueMessage {
	return &QueueMessage{
		Message:    msg,
		Producer:   producer,
		EnqueuedAt: time.Now(),
	}
}

// ID returns the message id.
func (m *QueueMessage) ID() string {
	return m.Message.ID
}

// DeliveryCount returns how many times the message was sent to a receiver.
func (m *QueueMessage) DeliveryCount() int {
	return int(m.deliveryCount.Load())
}

// IsInQueue reports whether the message is waiting in the queue store.
func (m *QueueMessage) IsInQueue() bool {
	return m.inQueue.Load()
}

// claimResponse returns true exactly once, for the first caller that
// answers the producer.
func (m *QueueMessage) claimResponse() bool {
	return m.responded.CompareAndSwap(false, true)
}

// DeliveryState is the resolution of a single delivery.
type DeliveryState int32

const (
	DeliveryPending DeliveryState = iota
	DeliveryAcknowledged
	DeliveryRejected
	DeliveryTimedOut
	DeliveryFailed
	DeliveryCompleted
)

func (s DeliveryState) String() string {
	switch s {
	case DeliveryPending:
		return "pending"
	case DeliveryAcknowledged:
		return "acknowledged"
	case DeliveryRejected:
		return "rejected"
	case DeliveryTimedOut:
		return "timed-out"
	case DeliveryFailed:
		return "failed"
	case DeliveryCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// MessageDelivery records one message sent to one receiver. A delivery is
// resolved at most once: whichever of acknowledgement, timeout or receiver
// failure comes first wins.
type MessageDelivery struct {
	Message  *QueueMessage
	Receiver Receiver
	SentAt   time.Time
	Deadline time.Time

	state atomic.Int32
	timer *time.Timer
	round *round
}

// State returns the current resolution.
func (d *MessageDelivery) State() DeliveryState {
	return DeliveryState(d.state.Load())
}

func (d *MessageDelivery) resolve(to DeliveryState) bool {
	return d.state.CompareAndSwap(int32(DeliveryPending), int32(to))
}

type deliveryKey struct {
	messageID  string
	receiverID string
}

func (d *MessageDelivery) key() deliveryKey {
	return deliveryKey{messageID: d.Message.ID(), receiverID: d.Receiver.ID()}
}

// round tracks one dispatch of a message. It ends when every delivery it
// started has been resolved and no more deliveries will be added.
type round struct {
	msg *QueueMessage

	mu        sync.Mutex
	remaining int
	sealed    bool
	finished  bool
	sent      int
	outcome   Decision
	done      chan struct{}
}

func newRound(msg *QueueMessage) *round {
	return &round{msg: msg, done: make(chan struct{})}
}

func (r *round) add() {
	r.mu.Lock()
	r.remaining++
	r.sent++
	r.mu.Unlock()
}

func (r *round) record(d Decision) {
	r.mu.Lock()
	r.outcome = r.outcome.merge(d)
	r.mu.Unlock()
}

// complete resolves one delivery and reports whether the round just ended.
func (r *round) complete(d Decision) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcome = r.outcome.merge(d)
	r.remaining--
	return r.tryFinish()
}

// seal marks the round as fully dispatched and reports whether it ended.
func (r *round) seal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	return r.tryFinish()
}

func (r *round) tryFinish() bool {
	if r.finished || !r.sealed || r.remaining > 0 {
		return false
	}
	r.finished = true
	return true
}

func (r *round) result() (Decision, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome, r.sent
}
