// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"

	"github.com/absmach/hmq/protocol"
)

// Queue errors.
var (
	ErrQueueNotFound       = errors.New("queue not found")
	ErrQueueAlreadyExists  = errors.New("queue already exists")
	ErrQueueLimitExceeded  = errors.New("queue limit exceeded")
	ErrInvalidQueueName    = errors.New("invalid queue name")
	ErrInvalidOptions      = errors.New("invalid queue options")
	ErrQueueStopped        = errors.New("queue is stopped")
	ErrQueueFull           = errors.New("queue message limit reached")
	ErrMessageTooLarge     = errors.New("message exceeds queue size limit")
	ErrDuplicateMessage    = errors.New("message id already in queue")
	ErrUnauthorized        = errors.New("operation not authorized")
	ErrRejected            = errors.New("message rejected by delivery handler")
	ErrNoReceivers         = errors.New("no receivers subscribed")
	ErrClientLimitExceeded = errors.New("queue client limit reached")
	ErrAlreadySubscribed   = errors.New("receiver already subscribed")
	ErrNotSubscribed       = errors.New("receiver not subscribed")
	ErrDeliveryNotFound    = errors.New("no pending delivery for acknowledgement")
	ErrUnknownHandler      = errors.New("unknown delivery handler")
	ErrNotPullQueue        = errors.New("queue is not a pull queue")
	ErrManagerStopped      = errors.New("queue manager stopped")
	ErrHandlerPanic        = errors.New("delivery handler panicked")
	ErrReceiverGone        = errors.New("receiver disconnected")
	ErrNoMessageStore      = errors.New("no message store configured")
)

// StatusOf maps an error returned by the manager to the response status
// sent to the client.
func StatusOf(err error) uint16 {
	switch {
	case err == nil:
		return protocol.StatusOK
	case errors.Is(err, ErrQueueNotFound):
		return protocol.StatusNotFound
	case errors.Is(err, ErrQueueAlreadyExists), errors.Is(err, ErrDuplicateMessage), errors.Is(err, ErrAlreadySubscribed):
		return protocol.StatusDuplicate
	case errors.Is(err, ErrQueueLimitExceeded), errors.Is(err, ErrQueueFull),
		errors.Is(err, ErrMessageTooLarge), errors.Is(err, ErrClientLimitExceeded):
		return protocol.StatusLimitExceeded
	case errors.Is(err, ErrInvalidQueueName), errors.Is(err, ErrInvalidOptions), errors.Is(err, ErrUnknownHandler):
		return protocol.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return protocol.StatusUnauthorized
	case errors.Is(err, ErrQueueStopped), errors.Is(err, ErrRejected), errors.Is(err, ErrNotPullQueue):
		return protocol.StatusUnacceptable
	case errors.Is(err, ErrNoReceivers):
		return protocol.StatusNoReceivers
	case errors.Is(err, ErrNotSubscribed), errors.Is(err, ErrDeliveryNotFound):
		return protocol.StatusNotFound
	default:
		return protocol.StatusFailed
	}
}
