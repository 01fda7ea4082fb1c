// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"sync"
	"time"
)

// ClearMode selects which messages a clear operation removes.
type ClearMode int

const (
	ClearNone ClearMode = iota
	ClearAll
	ClearHighPriority
	ClearDefaultPriority
)

// fifo is a slice-backed double ended list of messages.
type fifo struct {
	items []*QueueMessage
}

func (l *fifo) len() int {
	return len(l.items)
}

func (l *fifo) pushBack(m *QueueMessage) {
	l.items = append(l.items, m)
}

func (l *fifo) pushFront(m *QueueMessage) {
	l.items = append(l.items, nil)
	copy(l.items[1:], l.items)
	l.items[0] = m
}

func (l *fifo) popFront() *QueueMessage {
	if len(l.items) == 0 {
		return nil
	}
	m := l.items[0]
	l.items[0] = nil
	l.items = l.items[1:]
	if len(l.items) == 0 {
		l.items = nil
	}
	return m
}

func (l *fifo) popBack() *QueueMessage {
	n := len(l.items)
	if n == 0 {
		return nil
	}
	m := l.items[n-1]
	l.items[n-1] = nil
	l.items = l.items[:n-1]
	return m
}

func (l *fifo) clear() []*QueueMessage {
	items := l.items
	l.items = nil
	return items
}

func (l *fifo) removeIf(pred func(*QueueMessage) bool) []*QueueMessage {
	var removed []*QueueMessage
	kept := l.items[:0]
	for _, m := range l.items {
		if pred(m) {
			removed = append(removed, m)
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(l.items); i++ {
		l.items[i] = nil
	}
	l.items = kept
	return removed
}

// messageStore keeps waiting messages in two FIFO classes. High priority
// messages are always taken first.
type messageStore struct {
	mu       sync.Mutex
	priority fifo
	regular  fifo
}

func (s *messageStore) class(m *QueueMessage) *fifo {
	if m.Message.HighPriority {
		return &s.priority
	}
	return &s.regular
}

func (s *messageStore) put(m *QueueMessage) {
	s.mu.Lock()
	m.inQueue.Store(true)
	s.class(m).pushBack(m)
	s.mu.Unlock()
}

// putFront inserts m at the head of its class so it is the next message
// taken from that class.
func (s *messageStore) putFront(m *QueueMessage) {
	s.mu.Lock()
	m.inQueue.Store(true)
	s.class(m).pushFront(m)
	s.mu.Unlock()
}

// pop removes the next message. LIFO takes the newest message of the
// highest non-empty class.
func (s *messageStore) pop(lifo bool) *QueueMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range []*fifo{&s.priority, &s.regular} {
		if l.len() == 0 {
			continue
		}
		var m *QueueMessage
		if lifo {
			m = l.popBack()
		} else {
			m = l.popFront()
		}
		m.inQueue.Store(false)
		return m
	}
	return nil
}

func (s *messageStore) counts() (priority, regular int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority.len(), s.regular.len()
}

func (s *messageStore) len() int {
	p, r := s.counts()
	return p + r
}

func (s *messageStore) clear(mode ClearMode) []*QueueMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*QueueMessage
	switch mode {
	case ClearAll:
		removed = append(s.priority.clear(), s.regular.clear()...)
	case ClearHighPriority:
		removed = s.priority.clear()
	case ClearDefaultPriority:
		removed = s.regular.clear()
	}
	for _, m := range removed {
		m.inQueue.Store(false)
	}
	return removed
}

// expire removes messages enqueued before deadline.
func (s *messageStore) expire(deadline time.Time) []*QueueMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := func(m *QueueMessage) bool { return m.EnqueuedAt.Before(deadline) }
	removed := append(s.priority.removeIf(old), s.regular.removeIf(old)...)
	for _, m := range removed {
		m.inQueue.Store(false)
	}
	return removed
}

// ParseClearMode maps a Clear header value to a ClearMode.
func ParseClearMode(v string) ClearMode {
	switch v {
	case "all", "All", "ALL":
		return ClearAll
	case "High-Priority", "high-priority", "high":
		return ClearHighPriority
	case "Default-Priority", "default-priority", "default":
		return ClearDefaultPriority
	default:
		return ClearNone
	}
}
