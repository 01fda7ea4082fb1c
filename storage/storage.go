// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store is closed")
)

// Store is the composite storage interface providing access to all storage backends.
type Store interface {
	// Messages returns the store for persisted queue messages.
	Messages() MessageStore

	// Queues returns the store for queue definitions.
	Queues() QueueStore

	// Close closes all storage backends.
	Close() error
}

// Message is a persisted queue message. Frame holds the encoded wire frame
// so the store does not depend on the message model.
type Message struct {
	ID         string    `json:"id"`
	Queue      string    `json:"queue"`
	Producer   string    `json:"producer,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Frame      []byte    `json:"frame"`
}

// Queue is a persisted queue definition. Options is the JSON encoded
// queue configuration.
type Queue struct {
	Name      string    `json:"name"`
	Options   []byte    `json:"options"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageStore persists queue messages.
type MessageStore interface {
	// SaveMessage stores or replaces a message.
	SaveMessage(ctx context.Context, msg Message) error

	// DeleteMessage removes a message. Removing a missing message is not an error.
	DeleteMessage(ctx context.Context, queue, id string) error

	// LoadMessages returns every message of a queue ordered by enqueue time.
	LoadMessages(ctx context.Context, queue string) ([]Message, error)

	// DeleteQueueMessages removes every message of a queue.
	DeleteQueueMessages(ctx context.Context, queue string) error
}

// QueueStore persists queue definitions.
type QueueStore interface {
	SaveQueue(ctx context.Context, q Queue) error
	DeleteQueue(ctx context.Context, name string) error
	ListQueues(ctx context.Context) ([]Queue, error)
}
