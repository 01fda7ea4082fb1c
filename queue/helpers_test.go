// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/hmq/protocol"
	"github.com/absmach/hmq/storage"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

var errSendFailed = errors.New("send failed")

type testReceiver struct {
	id   string
	msgs chan *protocol.Message
	fail atomic.Bool
}

func newTestReceiver(id string) *testReceiver {
	return &testReceiver{id: id, msgs: make(chan *protocol.Message, 256)}
}

func (r *testReceiver) ID() string { return r.id }

func (r *testReceiver) Send(_ context.Context, msg *protocol.Message) error {
	if r.fail.Load() {
		return errSendFailed
	}
	r.msgs <- msg
	return nil
}

func (r *testReceiver) next(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case m := <-r.msgs:
		return m
	case <-time.After(waitTimeout):
		t.Fatalf("receiver %s: no message received", r.id)
		return nil
	}
}

func (r *testReceiver) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-r.msgs:
		t.Fatalf("receiver %s: unexpected message %q", r.id, m.ID)
	case <-time.After(d):
	}
}

type sentFrame struct {
	clientID string
	msg      *protocol.Message
}

type testMessenger struct {
	frames chan sentFrame
}

func newTestMessenger() *testMessenger {
	return &testMessenger{frames: make(chan sentFrame, 256)}
}

func (m *testMessenger) SendTo(_ context.Context, clientID string, msg *protocol.Message) error {
	m.frames <- sentFrame{clientID: clientID, msg: msg}
	return nil
}

func (m *testMessenger) next(t *testing.T) sentFrame {
	t.Helper()
	select {
	case f := <-m.frames:
		return f
	case <-time.After(waitTimeout):
		t.Fatal("no frame sent to producer")
		return sentFrame{}
	}
}

func (m *testMessenger) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case f := <-m.frames:
		t.Fatalf("unexpected frame to %s with status %d", f.clientID, f.msg.ContentType)
	case <-time.After(d):
	}
}

type testReporter struct {
	mu    sync.Mutex
	hints []string
	errs  []error
}

func (r *testReporter) Report(hint string, err error, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hints = append(r.hints, hint)
	r.errs = append(r.errs, err)
}

func (r *testReporter) reported() ([]string, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.hints...), append([]error(nil), r.errs...)
}

// recordingHandler records hook invocations and lets tests override
// individual hooks.
type recordingHandler struct {
	DefaultHandler

	mu    sync.Mutex
	calls []string

	receivedFromProducer func(*QueueMessage) (Decision, error)
	beginSend            func(*QueueMessage) (Decision, error)
	canReceive           func(Receiver) (Decision, error)
	exception            func(error) Decision
	save                 func() (bool, error)
}

func (h *recordingHandler) record(name string) {
	h.mu.Lock()
	h.calls = append(h.calls, name)
	h.mu.Unlock()
}

func (h *recordingHandler) count(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (h *recordingHandler) ReceivedFromProducer(ctx context.Context, q *Queue, msg *QueueMessage, producer string) (Decision, error) {
	h.record(hintReceivedFromProducer)
	if h.receivedFromProducer != nil {
		return h.receivedFromProducer(msg)
	}
	return h.DefaultHandler.ReceivedFromProducer(ctx, q, msg, producer)
}

func (h *recordingHandler) BeginSend(ctx context.Context, q *Queue, msg *QueueMessage) (Decision, error) {
	h.record(hintBeginSend)
	if h.beginSend != nil {
		return h.beginSend(msg)
	}
	return Continue(), nil
}

func (h *recordingHandler) CanConsumerReceive(_ context.Context, _ *Queue, _ *QueueMessage, r Receiver) (Decision, error) {
	h.record(hintCanConsumerReceive)
	if h.canReceive != nil {
		return h.canReceive(r)
	}
	return Continue(), nil
}

func (h *recordingHandler) ConsumerReceived(context.Context, *Queue, *MessageDelivery) (Decision, error) {
	h.record(hintConsumerReceived)
	return Continue(), nil
}

func (h *recordingHandler) ConsumerReceiveFailed(ctx context.Context, q *Queue, d *MessageDelivery, err error) (Decision, error) {
	h.record(hintConsumerReceiveFailed)
	return h.DefaultHandler.ConsumerReceiveFailed(ctx, q, d, err)
}

func (h *recordingHandler) EndSend(context.Context, *Queue, *QueueMessage) (Decision, error) {
	h.record(hintEndSend)
	return Continue(), nil
}

func (h *recordingHandler) AcknowledgeReceived(ctx context.Context, q *Queue, ack *protocol.Message, d *MessageDelivery, success bool) (Decision, error) {
	h.record(hintAcknowledgeReceived)
	return h.DefaultHandler.AcknowledgeReceived(ctx, q, ack, d, success)
}

func (h *recordingHandler) AcknowledgeTimedOut(ctx context.Context, q *Queue, d *MessageDelivery) (Decision, error) {
	h.record(hintAcknowledgeTimedOut)
	return h.DefaultHandler.AcknowledgeTimedOut(ctx, q, d)
}

func (h *recordingHandler) MessageDequeued(context.Context, *Queue, *QueueMessage) error {
	h.record(hintMessageDequeued)
	return nil
}

func (h *recordingHandler) MessageTimedOut(context.Context, *Queue, *QueueMessage) (Decision, error) {
	h.record(hintMessageTimedOut)
	return Decision{}, nil
}

func (h *recordingHandler) ExceptionThrown(ctx context.Context, q *Queue, msg *QueueMessage, err error) Decision {
	h.record("ExceptionThrown")
	if h.exception != nil {
		return h.exception(err)
	}
	return h.DefaultHandler.ExceptionThrown(ctx, q, msg, err)
}

func (h *recordingHandler) SaveMessage(context.Context, *Queue, *QueueMessage) (bool, error) {
	h.record(hintSaveMessage)
	if h.save != nil {
		return h.save()
	}
	return false, nil
}

type testEnv struct {
	m         *Manager
	handler   *recordingHandler
	messenger *testMessenger
	reporter  *testReporter
}

type envOption func(*Config)

func withStore(s storage.Store) envOption {
	return func(c *Config) { c.Store = s }
}

func withAuthorizer(a Authorizer) envOption {
	return func(c *Config) { c.Authorizer = a }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	env := &testEnv{
		handler:   &recordingHandler{},
		messenger: newTestMessenger(),
		reporter:  &testReporter{},
	}
	cfg := Config{
		Reporter: env.reporter,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(&cfg)
	}

	env.m = NewManager(cfg)
	env.m.SetMessenger(env.messenger)
	env.m.RegisterHandler("recording", func(*Manager, *Queue) (DeliveryHandler, error) {
		return env.handler, nil
	})
	t.Cleanup(env.m.Stop)
	return env
}

func (e *testEnv) createQueue(t *testing.T, name string, mutate func(*Options)) *Queue {
	t.Helper()
	opts := DefaultOptions()
	opts.DeliveryHandler = "recording"
	if mutate != nil {
		mutate(&opts)
	}
	q, err := e.m.CreateQueue(context.Background(), name, opts)
	require.NoError(t, err)
	return q
}

func newMessage(queue, id string, content string) *protocol.Message {
	msg := protocol.NewMessage(protocol.KindQueueMessage, queue, []byte(content))
	msg.ID = id
	return msg
}

func eventually(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, waitTimeout, 5*time.Millisecond, msgAndArgs...)
}

type denyAuthorizer struct {
	AllowAll
	denyPull    bool
	denyProduce bool
}

func (a denyAuthorizer) CanPull(context.Context, string, string) bool {
	return !a.denyPull
}

func (a denyAuthorizer) CanProduce(context.Context, string, string, *protocol.Message) bool {
	return !a.denyProduce
}
