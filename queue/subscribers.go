// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"sync"
	"sync/atomic"
)

// subscribers is a copy-on-write receiver list. Dispatch reads a snapshot
// without locking while subscribe and unsubscribe replace the list.
type subscribers struct {
	mu   sync.Mutex
	list atomic.Pointer[[]Receiver]
	next atomic.Uint64
}

func (s *subscribers) snapshot() []Receiver {
	p := s.list.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (s *subscribers) len() int {
	return len(s.snapshot())
}

// add appends r. It fails when a receiver with the same id is present or
// the list already holds limit receivers (zero means unlimited).
func (s *subscribers) add(r Receiver, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snapshot()
	for _, existing := range cur {
		if existing.ID() == r.ID() {
			return ErrAlreadySubscribed
		}
	}
	if limit > 0 && len(cur) >= limit {
		return ErrClientLimitExceeded
	}

	next := make([]Receiver, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, r)
	s.list.Store(&next)
	return nil
}

func (s *subscribers) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snapshot()
	for i, r := range cur {
		if r.ID() != id {
			continue
		}
		next := make([]Receiver, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		s.list.Store(&next)
		return true
	}
	return false
}

func (s *subscribers) contains(id string) bool {
	for _, r := range s.snapshot() {
		if r.ID() == id {
			return true
		}
	}
	return false
}

// rotation returns the snapshot ordered from the next round-robin position
// and advances the cursor by one.
func (s *subscribers) rotation() []Receiver {
	cur := s.snapshot()
	n := len(cur)
	if n == 0 {
		return nil
	}
	start := int(s.next.Add(1)-1) % n
	out := make([]Receiver, 0, n)
	out = append(out, cur[start:]...)
	out = append(out, cur[:start]...)
	return out
}

// advance moves the cursor past the receiver at offset within the last
// rotation so the next message starts with its successor.
func (s *subscribers) advance(offset int) {
	if offset > 0 {
		s.next.Add(uint64(offset))
	}
}
