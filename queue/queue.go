// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/hmq/protocol"
	"github.com/google/uuid"
)

// sweepInterval is how often a queue checks message timeouts and retries
// held messages.
var sweepInterval = time.Second

// Hook names used when reporting handler errors.
const (
	hintReceivedFromProducer  = "ReceivedFromProducer"
	hintBeginSend             = "BeginSend"
	hintCanConsumerReceive    = "CanConsumerReceive"
	hintConsumerReceived      = "ConsumerReceived"
	hintConsumerReceiveFailed = "ConsumerReceiveFailed"
	hintEndSend               = "EndSend"
	hintAcknowledgeReceived   = "AcknowledgeReceived"
	hintAcknowledgeTimedOut   = "AcknowledgeTimedOut"
	hintMessageDequeued       = "MessageDequeued"
	hintMessageTimedOut       = "MessageTimedOut"
	hintSaveMessage           = "SaveMessage"
)

// Info is a point-in-time view of a queue.
type Info struct {
	Name             string    `json:"name"`
	Status           Status    `json:"status"`
	Options          Options   `json:"options"`
	Messages         int       `json:"messages"`
	PriorityMessages int       `json:"priority_messages"`
	Subscribers      int       `json:"subscribers"`
	InFlight         int       `json:"in_flight"`
	CreatedAt        time.Time `json:"created_at"`
}

// Queue holds messages and distributes them to subscribed receivers
// according to its options and delivery handler.
type Queue struct {
	name      string
	manager   *Manager
	logger    *slog.Logger
	createdAt time.Time

	mu      sync.RWMutex
	opts    Options
	status  Status
	handler DeliveryHandler

	store messageStore
	subs  subscribers

	idsMu sync.Mutex
	ids   map[string]struct{}

	dmu        sync.Mutex
	deliveries map[deliveryKey][]*MessageDelivery
	inFlight   int

	pullMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	notifyCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	wg       sync.WaitGroup
}

func newQueue(m *Manager, name string, opts Options) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		name:       name,
		manager:    m,
		logger:     m.logger.With(slog.String("queue", name)),
		createdAt:  time.Now(),
		opts:       opts,
		status:     StatusRunning,
		handler:    DefaultHandler{},
		ids:        make(map[string]struct{}),
		deliveries: make(map[deliveryKey][]*MessageDelivery),
		ctx:        ctx,
		cancel:     cancel,
		notifyCh:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Options returns a copy of the queue options.
func (q *Queue) Options() Options {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.opts
}

// Status returns the runtime state.
func (q *Queue) Status() Status {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.status
}

// Handler returns the delivery handler in use.
func (q *Queue) Handler() DeliveryHandler {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.handler
}

func (q *Queue) configure(opts Options, h DeliveryHandler) {
	q.mu.Lock()
	q.opts = opts
	if h != nil {
		q.handler = h
	}
	q.mu.Unlock()
	q.trigger()
}

// Pause stops dispatching. Messages are still accepted.
func (q *Queue) Pause() {
	q.setStatus(StatusPaused)
}

// Resume restarts dispatching after Pause or Stop.
func (q *Queue) Resume() {
	q.setStatus(StatusRunning)
	q.trigger()
}

// Stop stops dispatching and rejects new messages. The queue keeps its
// messages and can be resumed.
func (q *Queue) Stop() {
	q.setStatus(StatusStopped)
}

func (q *Queue) setStatus(s Status) {
	q.mu.Lock()
	q.status = s
	q.mu.Unlock()
	q.logger.Info("queue status changed", slog.String("status", string(s)))
}

// Len returns the number of waiting messages.
func (q *Queue) Len() int {
	return q.store.len()
}

// Subscribers returns the ids of subscribed receivers.
func (q *Queue) Subscribers() []string {
	subs := q.subs.snapshot()
	ids := make([]string, len(subs))
	for i, r := range subs {
		ids[i] = r.ID()
	}
	return ids
}

// Info returns a snapshot of the queue state.
func (q *Queue) Info() Info {
	p, r := q.store.counts()
	q.dmu.Lock()
	inFlight := q.inFlight
	q.dmu.Unlock()

	q.mu.RLock()
	defer q.mu.RUnlock()
	return Info{
		Name:             q.name,
		Status:           q.status,
		Options:          q.opts,
		Messages:         p + r,
		PriorityMessages: p,
		Subscribers:      q.subs.len(),
		InFlight:         inFlight,
		CreatedAt:        q.createdAt,
	}
}

func (q *Queue) trigger() {
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

func (q *Queue) subscribe(r Receiver) error {
	if err := q.subs.add(r, q.Options().ClientLimit); err != nil {
		return err
	}
	q.logger.Debug("receiver subscribed", slog.String("receiver", r.ID()))
	q.trigger()
	return nil
}

func (q *Queue) unsubscribe(id string) bool {
	if !q.subs.remove(id) {
		return false
	}
	q.trigger()
	return true
}

// idle reports whether the queue has no messages, subscribers or
// unresolved deliveries.
func (q *Queue) idle() bool {
	q.dmu.Lock()
	inFlight := q.inFlight
	q.dmu.Unlock()
	return inFlight == 0 && q.store.len() == 0 && q.subs.len() == 0
}

// push runs admission for a produced message and enqueues it.
func (q *Queue) push(ctx context.Context, producer string, msg *protocol.Message) error {
	if q.Status() == StatusStopped {
		return ErrQueueStopped
	}

	opts := q.Options()
	if opts.MessageSizeLimit > 0 && len(msg.Content) > opts.MessageSizeLimit {
		return ErrMessageTooLarge
	}
	if opts.MessageLimit > 0 && q.store.len() >= opts.MessageLimit {
		return ErrQueueFull
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Kind = protocol.KindQueueMessage
	msg.Target = q.name
	if msg.Source == "" {
		msg.Source = producer
	}

	if opts.UniqueIDCheck && !q.reserveID(msg.ID) {
		return ErrDuplicateMessage
	}

	qm := newQueueMessage(msg, producer)
	d, ok := q.call(ctx, hintReceivedFromProducer, qm, func(h DeliveryHandler) (Decision, error) {
		return h.ReceivedFromProducer(ctx, q, qm, producer)
	})
	if !d.Allow || (!ok && !d.PutBackToQueue) {
		q.releaseID(msg.ID)
		if d.NegativeReason != "" {
			return fmt.Errorf("%w: %s", ErrRejected, d.NegativeReason)
		}
		return ErrRejected
	}

	if opts.Type == TypePush && q.subs.len() == 0 {
		q.releaseID(msg.ID)
		q.manager.metrics.RecordExpired(q.name)
		q.call(ctx, hintMessageTimedOut, qm, func(h DeliveryHandler) (Decision, error) {
			return h.MessageTimedOut(ctx, q, qm)
		})
		return ErrNoReceivers
	}

	if d.Persist {
		q.save(ctx, qm)
	}

	q.store.put(qm)
	q.manager.metrics.RecordEnqueued(q.name, len(msg.Content))
	if opts.Acknowledge == AckNone {
		q.respond(ctx, qm, protocol.StatusOK, "")
	}
	q.trigger()
	return nil
}

// restore puts previously persisted messages back without running
// admission hooks.
func (q *Queue) restore(msgs []*QueueMessage) {
	for _, qm := range msgs {
		q.reserveID(qm.ID())
		q.store.put(qm)
	}
	q.trigger()
}

func (q *Queue) reserveID(id string) bool {
	q.idsMu.Lock()
	defer q.idsMu.Unlock()
	if _, ok := q.ids[id]; ok {
		return false
	}
	q.ids[id] = struct{}{}
	return true
}

func (q *Queue) releaseID(id string) {
	q.idsMu.Lock()
	delete(q.ids, id)
	q.idsMu.Unlock()
}

// call runs a hook of the current handler. When the hook fails the error
// is reported and the decision comes from ExceptionThrown; ok is false.
func (q *Queue) call(ctx context.Context, hint string, qm *QueueMessage, fn func(DeliveryHandler) (Decision, error)) (Decision, bool) {
	h := q.Handler()
	d, err := safeDecision(func() (Decision, error) { return fn(h) })
	if err == nil {
		return d, true
	}
	return q.exception(ctx, h, hint, qm, err), false
}

func (q *Queue) exception(ctx context.Context, h DeliveryHandler, hint string, qm *QueueMessage, err error) Decision {
	q.report(hint, qm, err)

	d, perr := safeDecision(func() (Decision, error) {
		return h.ExceptionThrown(ctx, q, qm, err), nil
	})
	if perr != nil {
		q.report("ExceptionThrown", qm, perr)
		return Decision{}
	}
	return d
}

func (q *Queue) report(hint string, qm *QueueMessage, err error) {
	payload := ""
	if qm != nil {
		payload = qm.Message.ContentString()
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("error reporter panicked", slog.Any("panic", r))
		}
	}()
	q.manager.reporter.Report(q.name+"."+hint, err, payload)
}

// apply executes the side effects of a decision that do not depend on the
// end of a delivery round.
func (q *Queue) apply(ctx context.Context, qm *QueueMessage, d Decision) {
	if d.Persist {
		q.save(ctx, qm)
	}
	if d.SendNegativeAckToProducer {
		reason := d.NegativeReason
		if reason == "" {
			reason = "rejected"
		}
		q.respond(ctx, qm, protocol.StatusFailed, reason)
	}
}

func (q *Queue) save(ctx context.Context, qm *QueueMessage) {
	h := q.Handler()
	var saved bool
	_, err := safeDecision(func() (Decision, error) {
		var err error
		saved, err = h.SaveMessage(ctx, q, qm)
		return Decision{}, err
	})
	if err != nil {
		q.report(hintSaveMessage, qm, err)
		return
	}
	if !saved {
		q.logger.Warn("message was not saved", slog.String("message_id", qm.ID()))
	}
}

// respond answers a producer waiting for a response. Only the first
// response for a message is sent.
func (q *Queue) respond(ctx context.Context, qm *QueueMessage, status uint16, reason string) {
	if !qm.Message.WaitResponse || qm.Producer == "" {
		return
	}
	messenger := q.manager.messenger()
	if messenger == nil || !qm.claimResponse() {
		return
	}

	resp := qm.Message.CreateResponse(status)
	resp.Source = q.name
	resp.Target = qm.Producer
	if reason != "" {
		resp.AddHeader(protocol.HeaderNegativeReason, reason)
	}
	if err := messenger.SendTo(ctx, qm.Producer, resp); err != nil {
		q.logger.Debug("failed to respond to producer",
			slog.String("producer", qm.Producer),
			slog.String("message_id", qm.ID()),
			slog.String("error", err.Error()))
	}
}

// settle ends the life of a popped message: either it is put back or it
// leaves the queue.
func (q *Queue) settle(ctx context.Context, qm *QueueMessage, putBack bool) {
	if putBack && q.Status() != StatusStopped {
		q.putBack(qm)
		return
	}
	q.dequeue(ctx, qm)
}

func (q *Queue) putBack(qm *QueueMessage) {
	delay := q.Options().PutBackDelay
	if delay <= 0 {
		q.store.putFront(qm)
		q.trigger()
		return
	}

	time.AfterFunc(delay, func() {
		select {
		case <-q.stopCh:
			return
		default:
		}
		q.store.putFront(qm)
		q.trigger()
	})
}

func (q *Queue) dequeue(ctx context.Context, qm *QueueMessage) {
	q.releaseID(qm.ID())
	if q.Options().Acknowledge != AckNone {
		q.respond(ctx, qm, protocol.StatusFailed, "message was not acknowledged")
	}

	h := q.Handler()
	_, err := safeDecision(func() (Decision, error) {
		return Decision{}, h.MessageDequeued(ctx, q, qm)
	})
	if err != nil {
		q.report(hintMessageDequeued, qm, err)
	}
	q.manager.metrics.RecordDequeued(q.name)
}

// clear removes waiting messages.
func (q *Queue) clear(ctx context.Context, mode ClearMode) int {
	removed := q.store.clear(mode)
	for _, qm := range removed {
		q.dequeue(ctx, qm)
	}
	return len(removed)
}

// close stops the dispatch loop and abandons unresolved deliveries.
func (q *Queue) close() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		q.cancel()
	})
	q.wg.Wait()

	q.dmu.Lock()
	pending := make([]*MessageDelivery, 0, q.inFlight)
	for _, ds := range q.deliveries {
		pending = append(pending, ds...)
	}
	q.dmu.Unlock()

	for _, d := range pending {
		if d.resolve(DeliveryFailed) {
			q.untrack(d)
		}
	}
}
