// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"

	"github.com/absmach/hmq/protocol"
)

// Client errors.
var (
	// Configuration errors.
	ErrNoAddress  = errors.New("no broker address configured")
	ErrEmptyQueue = errors.New("queue name cannot be empty")
	ErrNilHandler = errors.New("consumer handler cannot be nil")

	// Connection errors.
	ErrNotConnected     = errors.New("client not connected")
	ErrAlreadyConnected = errors.New("client already connected")
	ErrConnectFailed    = errors.New("connection failed")
	ErrConnectRejected  = errors.New("connection rejected by broker")
	ErrConnectionLost   = errors.New("connection lost")
	ErrClientClosed     = errors.New("client has been closed")

	// Operation errors.
	ErrTimeout         = errors.New("operation timed out")
	ErrMaxInflight     = errors.New("maximum inflight requests exceeded")
	ErrDuplicateID     = errors.New("request id already pending")
	ErrCorrelatorClose = errors.New("pull correlator closed")
	ErrHandlerPanic    = errors.New("consumer handler panicked")
	ErrAlreadyConsumed = errors.New("queue already has a consumer registration")
)

// StatusError is returned when the broker answers a request with a
// negative status.
type StatusError struct {
	Status uint16
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("broker responded %d (%s)", e.Status, protocol.StatusText(e.Status))
	}
	return fmt.Sprintf("broker responded %d (%s): %s", e.Status, protocol.StatusText(e.Status), e.Reason)
}

func statusError(resp *protocol.Message) error {
	if protocol.IsSuccess(resp.ContentType) {
		return nil
	}
	reason := resp.HeaderValue(protocol.HeaderNegativeReason)
	if reason == "" {
		reason = resp.HeaderValue(protocol.HeaderReason)
	}
	return &StatusError{Status: resp.ContentType, Reason: reason}
}
