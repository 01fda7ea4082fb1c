// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"

	"github.com/absmach/hmq/protocol"
)

// pendingOp is a request waiting for its response frame.
type pendingOp struct {
	id   string
	done chan struct{}
	resp *protocol.Message
	err  error
}

// pendingStore correlates responses with requests by message id.
type pendingStore struct {
	mu      sync.Mutex
	pending map[string]*pendingOp
	maxSize int
}

func newPendingStore(maxSize int) *pendingStore {
	return &pendingStore{
		pending: make(map[string]*pendingOp),
		maxSize: maxSize,
	}
}

// add registers a request. It must be called before the request is written
// so a fast response cannot be missed.
func (ps *pendingStore) add(id string) (*pendingOp, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if len(ps.pending) >= ps.maxSize {
		return nil, ErrMaxInflight
	}
	if _, ok := ps.pending[id]; ok {
		return nil, ErrDuplicateID
	}

	op := &pendingOp{id: id, done: make(chan struct{})}
	ps.pending[id] = op
	return op, nil
}

// complete resolves the request with resp. It reports false when nothing
// was waiting for id.
func (ps *pendingStore) complete(id string, resp *protocol.Message) bool {
	ps.mu.Lock()
	op, ok := ps.pending[id]
	if ok {
		delete(ps.pending, id)
	}
	ps.mu.Unlock()

	if !ok {
		return false
	}
	op.resp = resp
	close(op.done)
	return true
}

func (ps *pendingStore) remove(id string) {
	ps.mu.Lock()
	delete(ps.pending, id)
	ps.mu.Unlock()
}

// clear fails every pending request with err.
func (ps *pendingStore) clear(err error) {
	ps.mu.Lock()
	pending := ps.pending
	ps.pending = make(map[string]*pendingOp)
	ps.mu.Unlock()

	for _, op := range pending {
		op.err = err
		close(op.done)
	}
}

func (ps *pendingStore) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.pending)
}

// wait blocks until the response arrives or ctx is done.
func (ps *pendingStore) wait(ctx context.Context, op *pendingOp) (*protocol.Message, error) {
	select {
	case <-op.done:
		return op.resp, op.err
	case <-ctx.Done():
		ps.remove(op.id)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}
