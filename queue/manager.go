// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/absmach/hmq/protocol"
	"github.com/absmach/hmq/storage"
)

// MaxNameLength is the longest accepted queue name.
const MaxNameLength = 255

// Config configures the queue manager.
type Config struct {
	// DefaultOptions apply to queues created implicitly.
	DefaultOptions Options
	// AutoCreate creates unknown queues on push and subscribe.
	AutoCreate bool
	// MaxQueues limits the number of queues. Zero means unlimited.
	MaxQueues int
	// DeadLetterMaxDeliveries is the delivery count after which the
	// dead-letter handler moves a failing message away.
	DeadLetterMaxDeliveries int
	// DeadLetterSuffix is appended to a queue name to name its dead-letter queue.
	DeadLetterSuffix string

	Store      storage.Store
	Authorizer Authorizer
	Reporter   ErrorReporter
	Metrics    Metrics
	Logger     *slog.Logger
}

// Manager owns every queue of a broker.
type Manager struct {
	cfg        Config
	logger     *slog.Logger
	authorizer Authorizer
	reporter   ErrorReporter
	metrics    Metrics
	store      storage.Store

	out atomic.Pointer[messengerBox]

	mu       sync.RWMutex
	queues   map[string]*Queue
	handlers map[string]HandlerFactory
	stopped  bool
	started  bool
	stopOnce sync.Once
}

type messengerBox struct {
	m Messenger
}

// NewManager creates a queue manager with the built-in handlers registered.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = AllowAll{}
	}
	if cfg.Reporter == nil {
		cfg.Reporter = LogReporter{Logger: cfg.Logger}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.DefaultOptions.Type == "" {
		cfg.DefaultOptions = DefaultOptions()
	}
	if cfg.DeadLetterMaxDeliveries <= 0 {
		cfg.DeadLetterMaxDeliveries = 3
	}
	if cfg.DeadLetterSuffix == "" {
		cfg.DeadLetterSuffix = ".dlq"
	}

	m := &Manager{
		cfg:        cfg,
		logger:     cfg.Logger,
		authorizer: cfg.Authorizer,
		reporter:   cfg.Reporter,
		metrics:    cfg.Metrics,
		store:      cfg.Store,
		queues:     make(map[string]*Queue),
		handlers:   make(map[string]HandlerFactory),
	}

	m.RegisterHandler(DefaultHandlerName, func(*Manager, *Queue) (DeliveryHandler, error) {
		return DefaultHandler{}, nil
	})
	m.RegisterHandler(PersistentHandlerName, func(m *Manager, _ *Queue) (DeliveryHandler, error) {
		if m.store == nil {
			return nil, ErrNoMessageStore
		}
		return NewPersistentHandler(m.store.Messages()), nil
	})
	m.RegisterHandler(DeadLetterHandlerName, func(m *Manager, _ *Queue) (DeliveryHandler, error) {
		return NewDeadLetterHandler(m, DefaultHandler{}, m.cfg.DeadLetterMaxDeliveries), nil
	})

	return m
}

// SetMessenger sets the transport used to answer producers.
func (m *Manager) SetMessenger(messenger Messenger) {
	m.out.Store(&messengerBox{m: messenger})
}

func (m *Manager) messenger() Messenger {
	if b := m.out.Load(); b != nil {
		return b.m
	}
	return nil
}

// RegisterHandler makes a delivery handler available by name.
func (m *Manager) RegisterHandler(name string, factory HandlerFactory) {
	m.mu.Lock()
	m.handlers[name] = factory
	m.mu.Unlock()
}

func (m *Manager) buildHandler(q *Queue, name string) (DeliveryHandler, error) {
	if name == "" {
		name = DefaultHandlerName
	}
	m.mu.RLock()
	factory, ok := m.handlers[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, name)
	}
	return factory(m, q)
}

// ValidateName checks a queue name.
func ValidateName(name string) error {
	if name == "" || len(name) > MaxNameLength {
		return ErrInvalidQueueName
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrInvalidQueueName
		}
	}
	return nil
}

// CreateQueue creates and starts a queue. Only one of several concurrent
// calls with the same name succeeds; the others get ErrQueueAlreadyExists.
func (m *Manager) CreateQueue(ctx context.Context, name string, opts Options) (*Queue, error) {
	q, err := m.createQueue(name, opts)
	if err != nil {
		return nil, err
	}
	m.persistQueue(ctx, q)
	m.logger.Info("queue created",
		slog.String("queue", name),
		slog.String("type", string(opts.Type)),
		slog.String("acknowledge", string(opts.Acknowledge)))
	return q, nil
}

func (m *Manager) createQueue(name string, opts Options) (*Queue, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if opts.DeliveryHandler == "" {
		opts.DeliveryHandler = DefaultHandlerName
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	q := newQueue(m, name, opts)
	h, err := m.buildHandler(q, opts.DeliveryHandler)
	if err != nil {
		return nil, err
	}
	q.handler = h

	m.mu.Lock()
	switch {
	case m.stopped:
		m.mu.Unlock()
		return nil, ErrManagerStopped
	case m.queues[name] != nil:
		m.mu.Unlock()
		return nil, ErrQueueAlreadyExists
	case m.cfg.MaxQueues > 0 && len(m.queues) >= m.cfg.MaxQueues:
		m.mu.Unlock()
		return nil, ErrQueueLimitExceeded
	}
	m.queues[name] = q
	m.mu.Unlock()

	q.start()
	return q, nil
}

func (m *Manager) persistQueue(ctx context.Context, q *Queue) {
	if m.store == nil {
		return
	}
	data, err := json.Marshal(q.Options())
	if err != nil {
		m.logger.Error("failed to encode queue options", slog.String("queue", q.name), slog.String("error", err.Error()))
		return
	}
	rec := storage.Queue{Name: q.name, Options: data, CreatedAt: q.createdAt}
	if err := m.store.Queues().SaveQueue(ctx, rec); err != nil {
		m.logger.Error("failed to persist queue", slog.String("queue", q.name), slog.String("error", err.Error()))
	}
}

// Get returns a queue by name.
func (m *Manager) Get(name string) (*Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.queues[name]
	if !ok {
		return nil, ErrQueueNotFound
	}
	return q, nil
}

// FindOrCreate returns the named queue, creating it with the default
// options when it does not exist.
func (m *Manager) FindOrCreate(ctx context.Context, name string) (*Queue, error) {
	if q, err := m.Get(name); err == nil {
		return q, nil
	}

	q, err := m.CreateQueue(ctx, name, m.cfg.DefaultOptions)
	if errors.Is(err, ErrQueueAlreadyExists) {
		return m.Get(name)
	}
	return q, err
}

func (m *Manager) resolve(ctx context.Context, name string) (*Queue, error) {
	if m.cfg.AutoCreate {
		return m.FindOrCreate(ctx, name)
	}
	return m.Get(name)
}

// RemoveQueue stops a queue and drops its messages and definition.
func (m *Manager) RemoveQueue(ctx context.Context, name string) error {
	m.mu.Lock()
	q, ok := m.queues[name]
	if !ok {
		m.mu.Unlock()
		return ErrQueueNotFound
	}
	delete(m.queues, name)
	m.mu.Unlock()

	q.close()

	if r, ok := q.Handler().(MessageRemover); ok {
		if err := r.RemoveQueue(ctx, q); err != nil {
			m.logger.Error("failed to remove queue messages", slog.String("queue", name), slog.String("error", err.Error()))
		}
	}
	if m.store != nil {
		if err := m.store.Queues().DeleteQueue(ctx, name); err != nil {
			m.logger.Error("failed to remove queue definition", slog.String("queue", name), slog.String("error", err.Error()))
		}
	}

	m.logger.Info("queue removed", slog.String("queue", name))
	return nil
}

// SetOptions replaces the options of a queue. A changed delivery handler
// name builds a new handler.
func (m *Manager) SetOptions(ctx context.Context, name string, opts Options) error {
	q, err := m.Get(name)
	if err != nil {
		return err
	}
	if opts.DeliveryHandler == "" {
		opts.DeliveryHandler = DefaultHandlerName
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	var h DeliveryHandler
	if opts.DeliveryHandler != q.Options().DeliveryHandler {
		if h, err = m.buildHandler(q, opts.DeliveryHandler); err != nil {
			return err
		}
	}
	q.configure(opts, h)
	m.persistQueue(ctx, q)
	return nil
}

// DefaultOptions returns the options applied to queues created without
// explicit configuration.
func (m *Manager) DefaultOptions() Options {
	return m.cfg.DefaultOptions
}

// Authorizer returns the authorizer consulted for queue operations.
func (m *Manager) Authorizer() Authorizer {
	return m.authorizer
}

// SetStatus pauses, resumes or stops a queue.
func (m *Manager) SetStatus(name string, status Status) error {
	q, err := m.Get(name)
	if err != nil {
		return err
	}
	switch status {
	case StatusRunning:
		q.Resume()
	case StatusPaused:
		q.Pause()
	case StatusStopped:
		q.Stop()
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidOptions, status)
	}
	return nil
}

// ClearMessages removes waiting messages of a queue.
func (m *Manager) ClearMessages(ctx context.Context, name string, mode ClearMode) (int, error) {
	q, err := m.Get(name)
	if err != nil {
		return 0, err
	}
	return q.clear(ctx, mode), nil
}

// List returns every queue ordered by name.
func (m *Manager) List() []Info {
	m.mu.RLock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(queues))
	for _, q := range queues {
		infos = append(infos, q.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Subscribe adds a receiver to a queue.
func (m *Manager) Subscribe(ctx context.Context, name string, r Receiver) error {
	q, err := m.resolve(ctx, name)
	if err != nil {
		return err
	}
	if !m.authorizer.CanConsume(ctx, r.ID(), name) {
		return ErrUnauthorized
	}
	return q.subscribe(r)
}

// Unsubscribe removes a receiver from a queue.
func (m *Manager) Unsubscribe(ctx context.Context, name, receiverID string) error {
	q, err := m.Get(name)
	if err != nil {
		return err
	}
	if !q.unsubscribe(receiverID) {
		return ErrNotSubscribed
	}
	m.autoDestroy(ctx, q)
	return nil
}

// Push hands a produced message to its target queue. Admission failures
// are returned and, when the producer waits for a response, answered with
// a negative response.
func (m *Manager) Push(ctx context.Context, producer string, msg *protocol.Message) error {
	q, err := m.resolve(ctx, msg.Target)
	if err == nil && !m.authorizer.CanProduce(ctx, producer, msg.Target, msg) {
		err = ErrUnauthorized
	}
	if err == nil {
		err = q.push(ctx, producer, msg)
	}
	if err != nil {
		m.respondError(ctx, producer, msg, err)
	}
	return err
}

func (m *Manager) respondError(ctx context.Context, producer string, msg *protocol.Message, cause error) {
	messenger := m.messenger()
	if !msg.WaitResponse || producer == "" || messenger == nil {
		return
	}

	resp := msg.CreateResponse(StatusOf(cause))
	resp.Source = msg.Target
	resp.Target = producer
	resp.AddHeader(protocol.HeaderNegativeReason, cause.Error())
	if err := messenger.SendTo(ctx, producer, resp); err != nil {
		m.logger.Debug("failed to respond to producer", slog.String("producer", producer), slog.String("error", err.Error()))
	}
}

// Pull serves a pull request. The consumer always receives a terminal frame
// unless writing to it fails.
func (m *Manager) Pull(ctx context.Context, r Receiver, msg *protocol.Message) (int, error) {
	req := ParsePullRequest(msg)

	q, err := m.Get(msg.Target)
	if err != nil {
		return 0, sendEnd(ctx, r, msg.Target, req, protocol.NoContentUnacceptable, err)
	}
	if !m.authorizer.CanPull(ctx, r.ID(), msg.Target) {
		return 0, sendEnd(ctx, r, msg.Target, req, protocol.NoContentUnauthorized, ErrUnauthorized)
	}
	return q.pull(ctx, r, req)
}

func sendEnd(ctx context.Context, r Receiver, queue string, req PullRequest, reason string, cause error) error {
	if err := r.Send(ctx, PullEnd(queue, req, reason)); err != nil {
		return err
	}
	return cause
}

// Acknowledge resolves the delivery acknowledged by receiverID. ack.Target
// names the queue and ack.ID the message.
func (m *Manager) Acknowledge(ctx context.Context, receiverID string, ack *protocol.Message) error {
	q, err := m.Get(ack.Target)
	if err != nil {
		return err
	}
	if err := q.acknowledge(ctx, receiverID, ack); err != nil {
		return err
	}
	m.autoDestroy(ctx, q)
	return nil
}

// RemoveReceiver detaches a disconnected receiver from every queue.
func (m *Manager) RemoveReceiver(ctx context.Context, receiverID string) {
	m.mu.RLock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.RUnlock()

	for _, q := range queues {
		q.removeReceiver(ctx, receiverID)
		m.autoDestroy(ctx, q)
	}
}

func (m *Manager) autoDestroy(ctx context.Context, q *Queue) {
	if !q.Options().AutoDestroy || !q.idle() {
		return
	}
	if err := m.RemoveQueue(ctx, q.name); err != nil && !errors.Is(err, ErrQueueNotFound) {
		m.logger.Warn("failed to auto destroy queue", slog.String("queue", q.name), slog.String("error", err.Error()))
	}
}

// Start restores persisted queues and their messages.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}

	records, err := m.store.Queues().ListQueues(ctx)
	if err != nil {
		return fmt.Errorf("failed to list queues: %w", err)
	}

	for _, rec := range records {
		opts := m.cfg.DefaultOptions
		if err := json.Unmarshal(rec.Options, &opts); err != nil {
			m.logger.Error("skipping queue with invalid options", slog.String("queue", rec.Name), slog.String("error", err.Error()))
			continue
		}

		q, err := m.createQueue(rec.Name, opts)
		if err != nil {
			m.logger.Error("failed to restore queue", slog.String("queue", rec.Name), slog.String("error", err.Error()))
			continue
		}
		if !rec.CreatedAt.IsZero() {
			q.createdAt = rec.CreatedAt
		}

		loader, ok := q.Handler().(MessageLoader)
		if !ok {
			continue
		}
		msgs, err := loader.LoadMessages(ctx, q)
		if err != nil {
			m.logger.Error("failed to load queue messages", slog.String("queue", rec.Name), slog.String("error", err.Error()))
		}
		q.restore(msgs)
		m.logger.Info("queue restored", slog.String("queue", rec.Name), slog.Int("messages", len(msgs)))
	}

	return nil
}

// Stop stops every queue. Unresolved deliveries are abandoned.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		queues := make([]*Queue, 0, len(m.queues))
		for _, q := range m.queues {
			queues = append(queues, q)
		}
		m.mu.Unlock()

		var wg sync.WaitGroup
		for _, q := range queues {
			wg.Add(1)
			go func(q *Queue) {
				defer wg.Done()
				q.close()
			}(q)
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(10 * time.Second):
			m.logger.Warn("timed out waiting for queues to stop")
		}
	})
}
