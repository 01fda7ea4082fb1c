// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/absmach/hmq/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.MessageStore = (*MessageStore)(nil)

const sep = "\x00"

// MessageStore implements storage.MessageStore using BadgerDB.
//
// Key format: m\x00{queue}\x00{id}
type MessageStore struct {
	db *badger.DB
}

// NewMessageStore creates a new BadgerDB message store.
func NewMessageStore(db *badger.DB) *MessageStore {
	return &MessageStore{db: db}
}

func messagePrefix(queue string) []byte {
	return []byte("m" + sep + queue + sep)
}

func messageKey(queue, id string) []byte {
	return append(messagePrefix(queue), id...)
}

func (m *MessageStore) SaveMessage(_ context.Context, msg storage.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg.Queue, msg.ID), data)
	})
}

func (m *MessageStore) DeleteMessage(_ context.Context, queue, id string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(messageKey(queue, id))
	})
}

func (m *MessageStore) LoadMessages(_ context.Context, queue string) ([]storage.Message, error) {
	var messages []storage.Message

	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messagePrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var msg storage.Message
				if err := json.Unmarshal(val, &msg); err != nil {
					return err
				}
				messages = append(messages, msg)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].EnqueuedAt.Before(messages[j].EnqueuedAt)
	})
	return messages, nil
}

func (m *MessageStore) DeleteQueueMessages(_ context.Context, queue string) error {
	return deleteByPrefix(m.db, messagePrefix(queue))
}

func deleteByPrefix(db *badger.DB, prefix []byte) error {
	return db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		return nil
	})
}
