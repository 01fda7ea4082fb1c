// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"log/slog"

	"github.com/absmach/hmq/protocol"
)

// Receiver is a consumer able to receive queue messages. Broker client
// connections implement it.
type Receiver interface {
	ID() string
	Send(ctx context.Context, msg *protocol.Message) error
}

// Messenger delivers frames to connected clients by id. It is used to send
// producer responses that are resolved after the producer's frame was
// handled.
type Messenger interface {
	SendTo(ctx context.Context, clientID string, msg *protocol.Message) error
}

// Authorizer decides whether a client may use a queue.
type Authorizer interface {
	CanProduce(ctx context.Context, clientID, queue string, msg *protocol.Message) bool
	CanConsume(ctx context.Context, clientID, queue string) bool
	CanPull(ctx context.Context, clientID, queue string) bool
	CanManage(ctx context.Context, clientID, queue string) bool
}

// AllowAll authorizes every operation.
type AllowAll struct{}

func (AllowAll) CanProduce(context.Context, string, string, *protocol.Message) bool {
	return true
}

func (AllowAll) CanConsume(context.Context, string, string) bool {
	return true
}

func (AllowAll) CanPull(context.Context, string, string) bool {
	return true
}

func (AllowAll) CanManage(context.Context, string, string) bool {
	return true
}

// ErrorReporter receives errors raised inside the delivery pipeline.
type ErrorReporter interface {
	Report(hint string, err error, payload string)
}

// LogReporter reports errors through slog.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Report(hint string, err error, payload string) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("delivery pipeline error",
		slog.String("hint", hint),
		slog.String("error", err.Error()),
		slog.Int("payload_size", len(payload)))
}

// Metrics observes queue activity. A nil Metrics disables observation.
type Metrics interface {
	RecordEnqueued(queue string, size int)
	RecordDelivered(queue string)
	RecordAcknowledged(queue string, success bool)
	RecordAckTimeout(queue string)
	RecordDequeued(queue string)
	RecordExpired(queue string)
}

type noopMetrics struct{}

func (noopMetrics) RecordEnqueued(string, int) {}

func (noopMetrics) RecordDelivered(string) {}

func (noopMetrics) RecordAcknowledged(string, bool) {}

func (noopMetrics) RecordAckTimeout(string) {}

func (noopMetrics) RecordDequeued(string) {}

func (noopMetrics) RecordExpired(string) {}
