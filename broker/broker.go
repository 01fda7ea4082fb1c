// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker accepts HMQ client connections, runs the hello exchange
// and routes frames to the queue manager, to other clients or to the
// server control operations.
package broker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/hmq/broker/events"
	"github.com/absmach/hmq/protocol"
	"github.com/absmach/hmq/queue"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Default values.
const (
	DefaultMaxContentLength = 16 << 20
	DefaultHelloTimeout     = 10 * time.Second
	DefaultIdleTimeout      = 120 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

// Config configures connection handling.
type Config struct {
	// MaxContentLength bounds the content of a received frame.
	MaxContentLength uint64
	// HelloTimeout bounds the handshake and the hello frame.
	HelloTimeout time.Duration
	// IdleTimeout closes connections silent for longer. Zero disables it.
	IdleTimeout time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
}

// DefaultConfig returns the default connection settings.
func DefaultConfig() Config {
	return Config{
		MaxContentLength: DefaultMaxContentLength,
		HelloTimeout:     DefaultHelloTimeout,
		IdleTimeout:      DefaultIdleTimeout,
		WriteTimeout:     DefaultWriteTimeout,
	}
}

// Broker is the core HMQ server.
type Broker struct {
	cfg    Config
	queues *queue.Manager
	logger *slog.Logger
	stats  *Stats

	auth     Authenticator
	limiter  RateLimiter
	notifier Notifier
	tracer   trace.Tracer

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool

	wg sync.WaitGroup
}

// New creates a broker routing queue traffic to qm. The broker becomes
// the messenger of qm.
func New(cfg Config, qm *queue.Manager, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxContentLength == 0 {
		cfg.MaxContentLength = def.MaxContentLength
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = def.HelloTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	b := &Broker{
		cfg:     cfg,
		queues:  qm,
		logger:  logger,
		stats:   NewStats(),
		auth:    NewTokenAuthenticator(),
		tracer:  noop.NewTracerProvider().Tracer("hmq"),
		clients: make(map[string]*Client),
	}
	qm.SetMessenger(b)
	return b
}

// SetAuthenticator replaces the authenticator used for hello frames.
func (b *Broker) SetAuthenticator(a Authenticator) {
	if a != nil {
		b.auth = a
	}
}

// SetRateLimiter enables per-client push and pull throttling.
func (b *Broker) SetRateLimiter(l RateLimiter) {
	b.limiter = l
}

// SetNotifier enables event notifications.
func (b *Broker) SetNotifier(n Notifier) {
	b.notifier = n
}

// SetTracer sets the tracer used for push, pull and control spans.
func (b *Broker) SetTracer(t trace.Tracer) {
	if t != nil {
		b.tracer = t
	}
}

// Queues returns the queue manager.
func (b *Broker) Queues() *queue.Manager {
	return b.queues
}

// Stats returns the broker statistics.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// IsClosed reports whether Close was called.
func (b *Broker) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Client returns a connected client by id.
func (b *Broker) Client(id string) (*Client, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.clients[id]
	return c, ok
}

// Clients returns the identities of connected clients ordered by id.
func (b *Broker) Clients() []ClientInfo {
	b.mu.RLock()
	infos := make([]ClientInfo, 0, len(b.clients))
	for _, c := range b.clients {
		infos = append(infos, c.Info())
	}
	b.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// SendTo writes msg to the connected client with the given id.
func (b *Broker) SendTo(ctx context.Context, clientID string, msg *protocol.Message) error {
	c, ok := b.Client(clientID)
	if !ok {
		return ErrClientNotFound
	}
	return c.Send(ctx, msg)
}

func (b *Broker) register(c *Client) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	if _, ok := b.clients[c.ID()]; ok {
		return ErrDuplicateClient
	}
	b.clients[c.ID()] = c
	b.stats.IncrementConnections()
	return nil
}

func (b *Broker) unregister(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.clients[c.ID()]; ok && cur == c {
		delete(b.clients, c.ID())
		b.stats.DecrementConnections()
	}
}

func (b *Broker) notify(ctx context.Context, ev events.Event) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Notify(ctx, ev); err != nil {
		b.logger.Warn("event_notify_failed",
			slog.String("event", ev.Type()),
			slog.String("error", err.Error()))
	}
}

// Close stops accepting clients, sends a terminate frame to every
// connected client and waits for their handlers to return or for ctx to
// expire.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	b.logger.Info("broker_shutdown_started", slog.Int("clients", len(clients)))

	for _, c := range clients {
		term := &protocol.Message{Kind: protocol.KindTerminate}
		if err := c.Send(ctx, term); err != nil {
			b.logger.Debug("terminate_send_failed",
				slog.String("client_id", c.ID()),
				slog.String("error", err.Error()))
		}
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("broker_shutdown_completed")
		return nil
	case <-ctx.Done():
		b.logger.Warn("broker_shutdown_timeout")
		return ctx.Err()
	}
}
