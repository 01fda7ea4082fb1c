// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers broker events and delivery pipeline errors to
// HTTP endpoints.
package webhook

import (
	"context"
	"time"

	"github.com/absmach/hmq/broker/events"
)

// Notifier sends event notifications asynchronously. It also receives
// errors raised by queue delivery handlers, which are published as
// pipeline.error events.
type Notifier interface {
	// Notify queues an event for delivery without blocking.
	Notify(ctx context.Context, event events.Event) error

	// Report publishes a delivery pipeline error.
	Report(hint string, err error, payload string)

	// Close gracefully shuts down, flushing pending events.
	Close() error
}

// Sender delivers an encoded event envelope to a single endpoint.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}

var _ Notifier = (*GenericNotifier)(nil)
