// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/absmach/hmq/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.QueueStore = (*QueueStore)(nil)

const queuePrefix = "q" + sep

// QueueStore implements storage.QueueStore using BadgerDB.
//
// Key format: q\x00{name}
type QueueStore struct {
	db *badger.DB
}

// NewQueueStore creates a new BadgerDB queue definition store.
func NewQueueStore(db *badger.DB) *QueueStore {
	return &QueueStore{db: db}
}

func (s *QueueStore) SaveQueue(_ context.Context, q storage.Queue) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(queuePrefix+q.Name), data)
	})
}

func (s *QueueStore) DeleteQueue(_ context.Context, name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(queuePrefix + name))
	})
}

func (s *QueueStore) ListQueues(_ context.Context) ([]storage.Queue, error) {
	var queues []storage.Queue

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(queuePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var q storage.Queue
				if err := json.Unmarshal(val, &q); err != nil {
					return err
				}
				queues = append(queues, q)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal queue: %w", err)
			}
		}

		return nil
	})

	return queues, err
}
