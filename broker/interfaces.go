// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"

	"github.com/absmach/hmq/broker/events"
)

// Broker errors.
var (
	ErrBrokerClosed     = errors.New("broker is closed")
	ErrClientNotFound   = errors.New("client not connected")
	ErrDuplicateClient  = errors.New("client id already connected")
	ErrHelloExpected    = errors.New("first frame must be a hello")
	ErrNotAuthenticated = errors.New("client authentication failed")
	errTerminated       = errors.New("client terminated the connection")
)

// RateLimiter throttles per-client push and pull traffic.
type RateLimiter interface {
	AllowPush(clientID string) bool
	AllowPull(clientID string) bool
	OnClientDisconnect(clientID string)
}

// Notifier publishes broker events, typically to webhooks.
type Notifier interface {
	Notify(ctx context.Context, event events.Event) error
}
