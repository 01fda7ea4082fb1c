// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/hmq/protocol"
	"github.com/google/uuid"
)

// PullStatus is the terminal state of a pull request.
type PullStatus int

const (
	PullPending PullStatus = iota
	PullCompleted
	PullEmpty
	PullNetworkError
	PullUnacceptable
	PullUnauthorized
	PullTimeout
)

func (s PullStatus) String() string {
	switch s {
	case PullPending:
		return "pending"
	case PullCompleted:
		return "completed"
	case PullEmpty:
		return "empty"
	case PullNetworkError:
		return "network error"
	case PullUnacceptable:
		return "unacceptable"
	case PullUnauthorized:
		return "unauthorized"
	case PullTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// statusOf maps the No-Content header of a terminal frame.
func statusOf(reason string) PullStatus {
	switch reason {
	case protocol.NoContentEnd:
		return PullCompleted
	case protocol.NoContentEmpty:
		return PullEmpty
	case protocol.NoContentError:
		return PullNetworkError
	case protocol.NoContentUnacceptable:
		return PullUnacceptable
	case protocol.NoContentUnauthorized:
		return PullUnauthorized
	default:
		return PullTimeout
	}
}

// ClearPolicy tells the broker what to drop once a pull was served.
type ClearPolicy string

const (
	ClearNone            ClearPolicy = ""
	ClearAll             ClearPolicy = protocol.ClearAll
	ClearHighPriority    ClearPolicy = protocol.ClearHighPriority
	ClearDefaultPriority ClearPolicy = protocol.ClearDefaultPriority
)

// PullRequest describes a batch pull.
type PullRequest struct {
	Queue string
	Count int
	LIFO  bool
	Clear ClearPolicy
	Info  bool

	// RequestID correlates the response stream. Generated when empty.
	RequestID string

	// OnMessage, when set, is called for every received message in
	// arrival order with the running count.
	OnMessage func(n int, msg *protocol.Message)
}

func (r PullRequest) frame() *protocol.Message {
	msg := protocol.NewMessage(protocol.KindPullRequest, r.Queue, nil)
	msg.ID = r.RequestID
	msg.AddHeader(protocol.HeaderRequestID, r.RequestID)
	count := r.Count
	if count <= 0 {
		count = 1
	}
	msg.AddHeader(protocol.HeaderCount, strconv.Itoa(count))
	if r.LIFO {
		msg.AddHeader(protocol.HeaderOrder, protocol.OrderLIFO)
	}
	if r.Clear != ClearNone {
		msg.AddHeader(protocol.HeaderClear, string(r.Clear))
	}
	if r.Info {
		msg.AddHeader(protocol.HeaderInfo, "yes")
	}
	return msg
}

// PullResult is the outcome of a pull request.
type PullResult struct {
	RequestID string
	Requested int
	Status    PullStatus
	Messages  []*protocol.Message

	// Queue depth reported by the terminal frame when Info was requested.
	QueueMessages         int
	QueuePriorityMessages int
}

// pullContainer is the live state of an issued pull.
type pullContainer struct {
	id           string
	count        int
	received     []*protocol.Message
	lastActivity time.Time
	onMessage    func(int, *protocol.Message)
	done         chan struct{}
	result       PullResult
}

// PullHandle is returned by Issue and resolves exactly once.
type PullHandle struct {
	c *pullContainer
}

// RequestID returns the correlation id of the pull.
func (h *PullHandle) RequestID() string {
	return h.c.id
}

// Done is closed when the pull reached a terminal status.
func (h *PullHandle) Done() <-chan struct{} {
	return h.c.done
}

// Wait blocks until the pull resolves or ctx is done. The correlator keeps
// the request alive after ctx ends; the sweep still resolves it.
func (h *PullHandle) Wait(ctx context.Context) (PullResult, error) {
	select {
	case <-h.c.done:
		return h.c.result, nil
	case <-ctx.Done():
		return PullResult{RequestID: h.c.id, Status: PullPending}, ctx.Err()
	}
}

// SendFunc writes a frame to the broker.
type SendFunc func(ctx context.Context, msg *protocol.Message) error

// Correlator matches streamed pull responses to the requests that caused
// them. Every issued request resolves once: by a terminal frame, by the
// inactivity sweep, or by Close.
type Correlator struct {
	send     SendFunc
	timeout  time.Duration
	interval time.Duration

	mu     sync.Mutex
	open   map[string]*pullContainer
	closed bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCorrelator creates a correlator that writes requests with send and
// times out requests silent for longer than timeout.
func NewCorrelator(send SendFunc, timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultPullTimeout
	}
	c := &Correlator{
		send:     send,
		timeout:  timeout,
		interval: time.Second,
		open:     make(map[string]*pullContainer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Issue registers and sends a pull request.
func (c *Correlator) Issue(ctx context.Context, req PullRequest) (*PullHandle, error) {
	if req.Queue == "" {
		return nil, ErrEmptyQueue
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	pc := &pullContainer{
		id:           req.RequestID,
		count:        req.Count,
		lastActivity: time.Now(),
		onMessage:    req.OnMessage,
		done:         make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCorrelatorClose
	}
	if _, ok := c.open[pc.id]; ok {
		c.mu.Unlock()
		return nil, ErrDuplicateID
	}
	c.open[pc.id] = pc
	c.mu.Unlock()

	if err := c.send(ctx, req.frame()); err != nil {
		c.finish(pc.id, PullNetworkError, nil)
		return nil, err
	}
	return &PullHandle{c: pc}, nil
}

// Pull issues a request and waits for its result.
func (c *Correlator) Pull(ctx context.Context, req PullRequest) (PullResult, error) {
	h, err := c.Issue(ctx, req)
	if err != nil {
		return PullResult{RequestID: req.RequestID, Status: PullNetworkError}, err
	}
	return h.Wait(ctx)
}

// Handle routes a frame to its pull request. It reports false when the
// frame does not belong to an open request.
func (c *Correlator) Handle(msg *protocol.Message) bool {
	id, ok := msg.FindHeader(protocol.HeaderRequestID)
	if !ok {
		return false
	}
	if reason, ok := msg.FindHeader(protocol.HeaderNoContent); ok {
		return c.OnNoContentFrame(id, reason, msg)
	}
	return c.OnMessageFrame(id, msg)
}

// OnMessageFrame appends a received message to the request requestID.
func (c *Correlator) OnMessageFrame(requestID string, msg *protocol.Message) bool {
	c.mu.Lock()
	pc, ok := c.open[requestID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	pc.received = append(pc.received, msg)
	pc.lastActivity = time.Now()
	n := len(pc.received)
	cb := pc.onMessage
	c.mu.Unlock()

	if cb != nil {
		cb(n, msg)
	}
	return true
}

// OnNoContentFrame resolves the request requestID with the status named by
// reason. The frame, when given, supplies queue depth headers.
func (c *Correlator) OnNoContentFrame(requestID, reason string, frame *protocol.Message) bool {
	return c.finish(requestID, statusOf(reason), frame)
}

// finish removes the request and resolves it. Only the caller that removes
// the entry resolves it.
func (c *Correlator) finish(id string, status PullStatus, frame *protocol.Message) bool {
	c.mu.Lock()
	pc, ok := c.open[id]
	if ok {
		delete(c.open, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	resolve(pc, status, frame)
	return true
}

func resolve(pc *pullContainer, status PullStatus, frame *protocol.Message) {
	pc.result = PullResult{
		RequestID: pc.id,
		Requested: pc.count,
		Status:    status,
		Messages:  pc.received,
	}
	if frame != nil {
		pc.result.QueueMessages, _ = strconv.Atoi(frame.HeaderValue(protocol.HeaderQueueMessages))
		pc.result.QueuePriorityMessages, _ = strconv.Atoi(frame.HeaderValue(protocol.HeaderQueuePriorityMessages))
	}
	close(pc.done)
}

// Open returns the number of unresolved requests.
func (c *Correlator) Open() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

func (c *Correlator) sweepLoop() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

// sweep times out requests without activity for longer than the timeout.
func (c *Correlator) sweep(now time.Time) {
	var expired []*pullContainer

	c.mu.Lock()
	for id, pc := range c.open {
		if now.Sub(pc.lastActivity) >= c.timeout {
			delete(c.open, id)
			expired = append(expired, pc)
		}
	}
	c.mu.Unlock()

	for _, pc := range expired {
		resolve(pc, PullTimeout, nil)
	}
}

// FailAll resolves every open request with PullNetworkError. It is used
// when the connection carrying the requests is lost.
func (c *Correlator) FailAll() {
	c.mu.Lock()
	open := c.open
	c.open = make(map[string]*pullContainer)
	c.mu.Unlock()

	for _, pc := range open {
		resolve(pc, PullNetworkError, nil)
	}
}

// Close stops the sweep and fails every open request with
// PullNetworkError.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh
	c.FailAll()
}
