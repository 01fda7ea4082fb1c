// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/absmach/hmq/protocol"
	"github.com/absmach/hmq/storage"
)

var (
	_ DeliveryHandler = (*PersistentHandler)(nil)
	_ MessageLoader   = (*PersistentHandler)(nil)
	_ MessageRemover  = (*PersistentHandler)(nil)
)

// PersistentHandler saves every admitted message and deletes it once it
// leaves the queue. Saved messages are restored when the manager starts.
type PersistentHandler struct {
	DefaultHandler
	store storage.MessageStore
}

// NewPersistentHandler creates a handler backed by store.
func NewPersistentHandler(store storage.MessageStore) *PersistentHandler {
	return &PersistentHandler{store: store}
}

func (h *PersistentHandler) ReceivedFromProducer(context.Context, *Queue, *QueueMessage, string) (Decision, error) {
	return ContinueAndPersist(), nil
}

func (h *PersistentHandler) SaveMessage(ctx context.Context, q *Queue, msg *QueueMessage) (bool, error) {
	frame, err := protocol.Encode(msg.Message)
	if err != nil {
		return false, fmt.Errorf("failed to encode message: %w", err)
	}

	rec := storage.Message{
		ID:         msg.ID(),
		Queue:      q.Name(),
		Producer:   msg.Producer,
		EnqueuedAt: msg.EnqueuedAt,
		Frame:      frame,
	}
	if err := h.store.SaveMessage(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

func (h *PersistentHandler) MessageDequeued(ctx context.Context, q *Queue, msg *QueueMessage) error {
	return h.store.DeleteMessage(ctx, q.Name(), msg.ID())
}

func (h *PersistentHandler) LoadMessages(ctx context.Context, q *Queue) ([]*QueueMessage, error) {
	recs, err := h.store.LoadMessages(ctx, q.Name())
	if err != nil {
		return nil, err
	}

	// Records that fail to decode are skipped; the rest are still restored.
	var errs []error
	msgs := make([]*QueueMessage, 0, len(recs))
	for _, rec := range recs {
		m, err := protocol.Decode(bytes.NewReader(rec.Frame))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to decode message %s: %w", rec.ID, err))
			continue
		}
		msgs = append(msgs, &QueueMessage{
			Message:    m,
			Producer:   rec.Producer,
			EnqueuedAt: rec.EnqueuedAt,
		})
	}
	return msgs, errors.Join(errs...)
}

func (h *PersistentHandler) RemoveQueue(ctx context.Context, q *Queue) error {
	return h.store.DeleteQueueMessages(ctx, q.Name())
}
