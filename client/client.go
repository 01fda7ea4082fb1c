// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/hmq/protocol"
	"github.com/absmach/hmq/transport"
	"github.com/google/uuid"
)

// Client is a thread-safe connection to an HMQ broker.
type Client struct {
	opts   *Options
	logger *slog.Logger
	state  connState

	connMu sync.RWMutex
	conn   transport.Conn
	id     string

	writeMu sync.Mutex

	pending *pendingStore
	pulls   *Correlator

	consumersMu sync.RWMutex
	consumers   map[string]*Executor

	// Consumer handlers run with this context; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopCh       chan struct{}
	doneCh       chan struct{}
	lastActivity atomic.Int64
}

// New creates a client. Call Connect to open the connection.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:      opts,
		logger:    opts.Logger,
		pending:   newPendingStore(opts.MaxInflight),
		consumers: make(map[string]*Executor),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.pulls = NewCorrelator(c.send, opts.PullTimeout)
	return c, nil
}

// Connect dials the broker, exchanges the handshake and the hello frame
// and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.transition(StateConnecting, StateDisconnected) {
		if c.state.get() == StateClosed {
			return ErrClientClosed
		}
		return ErrAlreadyConnected
	}

	conn, reader, id, err := c.dial(ctx)
	if err != nil {
		c.state.set(StateDisconnected)
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.id = id
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.connMu.Unlock()

	c.touch()
	c.state.set(StateConnected)

	go c.readLoop(conn, reader, c.doneCh)
	if c.opts.KeepAlive > 0 {
		go c.keepAlive(conn, c.stopCh)
	}

	c.logger.Debug("client_connected",
		slog.String("address", c.opts.Address),
		slog.String("client_id", id))
	return nil
}

func (c *Client) dial(ctx context.Context) (transport.Conn, *protocol.Reader, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, err := transport.Dial(ctx, c.opts.Address, c.opts.TLSConfig, c.opts.ConnectTimeout)
	if err != nil {
		return nil, nil, "", fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	deadline := time.Now().Add(c.opts.ConnectTimeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	br := bufio.NewReader(conn)
	reader := protocol.NewReader(br, c.opts.MaxContentLength)
	id, err := c.hello(conn, br, reader)
	if err != nil {
		conn.Close()
		return nil, nil, "", err
	}

	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})
	return conn, reader, id, nil
}

// hello runs the handshake and returns the client id assigned by the
// broker.
func (c *Client) hello(conn transport.Conn, br *bufio.Reader, reader *protocol.Reader) (string, error) {
	if err := protocol.WriteHandshake(conn); err != nil {
		return "", fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	if err := protocol.ReadHandshake(br); err != nil {
		return "", fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	msg := protocol.NewMessage(protocol.KindServerControl, "", nil)
	msg.ID = uuid.NewString()
	msg.ContentType = protocol.ControlHello
	msg.WaitResponse = true
	for _, h := range []protocol.Header{
		{Key: protocol.HeaderClientID, Value: c.opts.ClientID},
		{Key: protocol.HeaderClientName, Value: c.opts.Name},
		{Key: protocol.HeaderClientType, Value: c.opts.Type},
		{Key: protocol.HeaderClientToken, Value: c.opts.Token},
	} {
		if h.Value != "" {
			msg.AddHeader(h.Key, h.Value)
		}
	}
	if err := protocol.Write(conn, msg); err != nil {
		return "", fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	resp, err := reader.Read()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	if resp.Kind != protocol.KindResponse || resp.ID != msg.ID {
		return "", fmt.Errorf("%w: unexpected %s frame", ErrConnectRejected, resp.Kind)
	}
	if err := statusError(resp); err != nil {
		return "", fmt.Errorf("%w: %w", ErrConnectRejected, err)
	}
	return resp.HeaderValue(protocol.HeaderClientID), nil
}

// ID returns the client id assigned by the broker.
func (c *Client) ID() string {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.id
}

// State returns the connection state.
func (c *Client) State() State {
	return c.state.get()
}

// IsConnected reports whether the connection is up.
func (c *Client) IsConnected() bool {
	return c.state.get() == StateConnected
}

// Close closes the connection and fails every pending request. A closed
// client cannot be reconnected.
func (c *Client) Close() error {
	prev := State(c.state.v.Swap(uint32(StateClosed)))
	if prev == StateClosed {
		return nil
	}

	c.connMu.RLock()
	conn, stopCh, doneCh := c.conn, c.stopCh, c.doneCh
	c.connMu.RUnlock()

	if conn != nil && prev == StateConnected {
		c.writeFrame(conn, &protocol.Message{Kind: protocol.KindTerminate})
		close(stopCh)
		conn.Close()
		<-doneCh
	}

	c.cancel()
	c.pulls.Close()
	c.pending.clear(ErrClientClosed)
	c.wg.Wait()
	return nil
}

func (c *Client) readLoop(conn transport.Conn, reader *protocol.Reader, done chan struct{}) {
	defer close(done)

	for {
		msg, err := reader.Read()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}
		c.touch()
		c.handle(msg)
	}
}

func (c *Client) handle(msg *protocol.Message) {
	if err := protocol.Decompress(msg); err != nil {
		c.logger.Warn("client_decompress_failed",
			slog.String("kind", msg.Kind.String()),
			slog.String("id", msg.ID),
			slog.String("error", err.Error()))
		if msg.Kind == protocol.KindQueueMessage && msg.WaitResponse {
			c.send(c.ctx, msg.CreateAcknowledge("undecodable content"))
		}
		return
	}

	switch msg.Kind {
	case protocol.KindPing:
		c.send(c.ctx, &protocol.Message{Kind: protocol.KindPong})
	case protocol.KindPong:
	case protocol.KindTerminate:
		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		conn.Close()
	case protocol.KindResponse:
		if c.pending.complete(msg.ID, msg) {
			return
		}
		c.deliver(msg)
	case protocol.KindQueueMessage:
		if c.pulls.Handle(msg) {
			return
		}
		if e := c.executor(msg.Target); e != nil {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				e.Execute(c.ctx, msg)
			}()
			return
		}
		c.deliver(msg)
	default:
		c.deliver(msg)
	}
}

func (c *Client) deliver(msg *protocol.Message) {
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(msg)
		return
	}
	c.logger.Debug("client_unclaimed_message",
		slog.String("kind", msg.Kind.String()),
		slog.String("id", msg.ID),
		slog.String("source", msg.Source))
}

// connectionLost tears down a connection that failed while in use.
func (c *Client) connectionLost(conn transport.Conn, err error) {
	if !c.state.transition(StateDisconnected, StateConnected) {
		return
	}

	c.connMu.Lock()
	close(c.stopCh)
	c.connMu.Unlock()
	conn.Close()

	c.pending.clear(ErrConnectionLost)
	c.pulls.FailAll()

	c.logger.Warn("client_connection_lost", slog.String("error", err.Error()))
	if c.opts.OnConnectionLost != nil {
		go c.opts.OnConnectionLost(fmt.Errorf("%w: %w", ErrConnectionLost, err))
	}
}

func (c *Client) keepAlive(conn transport.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idle > c.opts.KeepAlive+c.opts.PingTimeout {
				c.logger.Warn("client_keepalive_timeout", slog.Duration("idle", idle))
				conn.Close()
				return
			}
			c.send(c.ctx, &protocol.Message{Kind: protocol.KindPing})
		}
	}
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// send writes a single frame.
func (c *Client) send(ctx context.Context, msg *protocol.Message) error {
	if c.state.get() != StateConnected {
		return ErrNotConnected
	}
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(deadline)
	err := protocol.Write(conn, msg)
	conn.SetWriteDeadline(time.Time{})
	return err
}

// writeFrame is a best-effort write used while closing.
func (c *Client) writeFrame(conn transport.Conn, msg *protocol.Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	protocol.Write(conn, msg)
}

// request sends msg and waits for the response with the same id.
func (c *Client) request(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.WaitResponse = true

	op, err := c.pending.add(msg.ID)
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, msg); err != nil {
		c.pending.remove(msg.ID)
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}
	resp, err := c.pending.wait(ctx, op)
	if err != nil {
		return nil, err
	}
	return resp, statusError(resp)
}

// Push sends msg to the queue named by its target without waiting for the
// broker to accept it.
func (c *Client) Push(ctx context.Context, msg *protocol.Message) error {
	if msg.Target == "" {
		return ErrEmptyQueue
	}
	msg.Kind = protocol.KindQueueMessage
	msg.WaitResponse = false
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := c.compress(msg); err != nil {
		return err
	}
	return c.send(ctx, msg)
}

// PushWait sends msg and waits for the producer acknowledgement. For queues
// with consumer acknowledgements the wait ends when a consumer acknowledged
// the message.
func (c *Client) PushWait(ctx context.Context, msg *protocol.Message) error {
	if msg.Target == "" {
		return ErrEmptyQueue
	}
	msg.Kind = protocol.KindQueueMessage
	if err := c.compress(msg); err != nil {
		return err
	}
	_, err := c.request(ctx, msg)
	return err
}

// compress applies the configured content compression to an outgoing
// message.
func (c *Client) compress(msg *protocol.Message) error {
	if c.opts.Compression == "" || len(msg.Content) < c.opts.CompressionMinSize {
		return nil
	}
	return protocol.Compress(msg, c.opts.Compression)
}

// Pull requests a batch of messages and waits for the terminal frame.
func (c *Client) Pull(ctx context.Context, req PullRequest) (PullResult, error) {
	return c.pulls.Pull(ctx, req)
}

// IssuePull sends a pull request and returns without waiting.
func (c *Client) IssuePull(ctx context.Context, req PullRequest) (*PullHandle, error) {
	return c.pulls.Issue(ctx, req)
}

// Ack positively acknowledges a delivered message.
func (c *Client) Ack(ctx context.Context, msg *protocol.Message) error {
	return c.send(ctx, msg.CreateAcknowledge(""))
}

// Nack negatively acknowledges a delivered message.
func (c *Client) Nack(ctx context.Context, msg *protocol.Message, reason string) error {
	if reason == "" {
		reason = "rejected"
	}
	return c.send(ctx, msg.CreateAcknowledge(reason))
}

// SendDirect sends a message to another client. When msg.WaitResponse is
// set it waits for and returns the peer's response.
func (c *Client) SendDirect(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	msg.Kind = protocol.KindDirectMessage
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if !msg.WaitResponse {
		return nil, c.send(ctx, msg)
	}
	return c.request(ctx, msg)
}

// Respond answers a direct message that asked for a response.
func (c *Client) Respond(ctx context.Context, req *protocol.Message, status uint16, content []byte) error {
	resp := req.CreateResponse(status)
	resp.Content = content
	return c.send(ctx, resp)
}

// Consume registers reg and subscribes to its queue. Messages from the
// queue are run through an Executor.
func (c *Client) Consume(ctx context.Context, reg Registration) error {
	if reg.Queue == "" {
		return ErrEmptyQueue
	}
	e, err := NewExecutor(reg, c, c.opts.ErrorHandler, c.logger)
	if err != nil {
		return err
	}

	c.consumersMu.Lock()
	if _, ok := c.consumers[reg.Queue]; ok {
		c.consumersMu.Unlock()
		return ErrAlreadyConsumed
	}
	c.consumers[reg.Queue] = e
	c.consumersMu.Unlock()

	if err := c.Subscribe(ctx, reg.Queue); err != nil {
		c.consumersMu.Lock()
		delete(c.consumers, reg.Queue)
		c.consumersMu.Unlock()
		return err
	}
	return nil
}

// StopConsuming removes the registration of queue and unsubscribes.
func (c *Client) StopConsuming(ctx context.Context, queue string) error {
	c.consumersMu.Lock()
	delete(c.consumers, queue)
	c.consumersMu.Unlock()

	err := c.Unsubscribe(ctx, queue)
	var se *StatusError
	if errors.As(err, &se) && se.Status == protocol.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) executor(queue string) *Executor {
	c.consumersMu.RLock()
	defer c.consumersMu.RUnlock()
	return c.consumers[queue]
}

var _ Acknowledger = (*Client)(nil)
