// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/hmq/storage"
)

var (
	_ storage.Store        = (*Store)(nil)
	_ storage.MessageStore = (*MessageStore)(nil)
	_ storage.QueueStore   = (*QueueStore)(nil)
)

// Store is the composite in-memory store.
type Store struct {
	messages *MessageStore
	queues   *QueueStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		messages: NewMessageStore(),
		queues:   NewQueueStore(),
	}
}

// Messages returns the message store.
func (s *Store) Messages() storage.MessageStore {
	return s.messages
}

// Queues returns the queue definition store.
func (s *Store) Queues() storage.QueueStore {
	return s.queues
}

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}

// MessageStore is an in-memory implementation of storage.MessageStore.
type MessageStore struct {
	mu   sync.RWMutex
	data map[string]map[string]storage.Message
}

// NewMessageStore creates a new in-memory message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		data: make(map[string]map[string]storage.Message),
	}
}

func (s *MessageStore) SaveMessage(_ context.Context, msg storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.data[msg.Queue]
	if !ok {
		q = make(map[string]storage.Message)
		s.data[msg.Queue] = q
	}
	msg.Frame = append([]byte(nil), msg.Frame...)
	q[msg.ID] = msg
	return nil
}

func (s *MessageStore) DeleteMessage(_ context.Context, queue, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.data[queue]; ok {
		delete(q, id)
	}
	return nil
}

func (s *MessageStore) LoadMessages(_ context.Context, queue string) ([]storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := s.data[queue]
	result := make([]storage.Message, 0, len(q))
	for _, msg := range q {
		msg.Frame = append([]byte(nil), msg.Frame...)
		result = append(result, msg)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].EnqueuedAt.Before(result[j].EnqueuedAt)
	})
	return result, nil
}

func (s *MessageStore) DeleteQueueMessages(_ context.Context, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, queue)
	return nil
}

// QueueStore is an in-memory implementation of storage.QueueStore.
type QueueStore struct {
	mu     sync.RWMutex
	queues map[string]storage.Queue
}

// NewQueueStore creates a new in-memory queue definition store.
func NewQueueStore() *QueueStore {
	return &QueueStore{
		queues: make(map[string]storage.Queue),
	}
}

func (s *QueueStore) SaveQueue(_ context.Context, q storage.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q.Options = append([]byte(nil), q.Options...)
	s.queues[q.Name] = q
	return nil
}

func (s *QueueStore) DeleteQueue(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.queues, name)
	return nil
}

func (s *QueueStore) ListQueues(_ context.Context) ([]storage.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]storage.Queue, 0, len(s.queues))
	for _, q := range s.queues {
		result = append(result, q)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}
