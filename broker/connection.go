// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/hmq/broker/events"
	"github.com/absmach/hmq/protocol"
	"github.com/absmach/hmq/transport"
	"github.com/google/uuid"
)

// Disconnect reasons reported in client.disconnected events.
const (
	reasonNormal   = "normal"
	reasonError    = "error"
	reasonTimeout  = "timeout"
	reasonShutdown = "shutdown"
)

// HandleConnection serves one client connection until it closes. It runs
// the handshake and hello exchange, then reads frames until the client
// terminates, the idle timeout fires, ctx is cancelled or the broker is
// closed.
func (b *Broker) HandleConnection(ctx context.Context, conn transport.Conn) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		conn.Close()
		return
	}
	b.wg.Add(1)
	b.mu.RUnlock()
	defer b.wg.Done()

	remote := addrString(conn.RemoteAddr())
	br := bufio.NewReader(countingReader{r: conn, stats: b.stats})
	reader := protocol.NewReader(br, b.cfg.MaxContentLength)

	c, err := b.hello(ctx, conn, br, reader, remote)
	if err != nil {
		b.logger.Debug("client_hello_failed",
			slog.String("remote_addr", remote),
			slog.String("error", err.Error()))
		conn.Close()
		return
	}
	defer c.Close()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	b.logger.Info("client_connected",
		slog.String("client_id", c.ID()),
		slog.String("name", c.info.Name),
		slog.String("remote_addr", remote))
	b.notify(ctx, events.ClientConnected{
		ClientID:   c.ID(),
		Name:       c.info.Name,
		ClientType: c.info.Type,
		RemoteAddr: remote,
	})

	err = b.readLoop(ctx, c, reader)
	b.disconnect(context.WithoutCancel(ctx), c, b.disconnectReason(ctx, err))
}

func (b *Broker) hello(ctx context.Context, conn transport.Conn, br *bufio.Reader, reader *protocol.Reader, remote string) (*Client, error) {
	deadline := time.Now().Add(b.cfg.HelloTimeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	if err := protocol.ReadHandshake(br); err != nil {
		b.stats.IncrementProtocolErrors()
		return nil, err
	}
	if err := protocol.WriteHandshake(conn); err != nil {
		return nil, err
	}

	msg, err := reader.Read()
	if err != nil {
		b.stats.IncrementProtocolErrors()
		return nil, err
	}
	if msg.Kind != protocol.KindServerControl || msg.ContentType != protocol.ControlHello {
		b.stats.IncrementProtocolErrors()
		b.reject(conn, msg, protocol.StatusUnacceptable, ErrHelloExpected)
		return nil, ErrHelloExpected
	}

	info := ClientInfo{
		ID:         msg.HeaderValue(protocol.HeaderClientID),
		Name:       msg.HeaderValue(protocol.HeaderClientName),
		Type:       msg.HeaderValue(protocol.HeaderClientType),
		Token:      msg.HeaderValue(protocol.HeaderClientToken),
		RemoteAddr: remote,
	}
	if info.ID == "" {
		info.ID = uuid.NewString()
	}

	ok, err := b.auth.Authenticate(ctx, info)
	if err != nil || !ok {
		b.stats.IncrementAuthErrors()
		cause := ErrNotAuthenticated
		if err != nil {
			cause = fmt.Errorf("%w: %w", ErrNotAuthenticated, err)
		}
		b.reject(conn, msg, protocol.StatusUnauthorized, cause)
		b.notify(ctx, events.ClientRejected{
			ClientID:   info.ID,
			Status:     protocol.StatusUnauthorized,
			Reason:     cause.Error(),
			RemoteAddr: remote,
		})
		return nil, cause
	}

	c := newClient(info, conn, b.stats, b.cfg.WriteTimeout)
	if err := b.register(c); err != nil {
		status := protocol.StatusDuplicate
		if errors.Is(err, ErrBrokerClosed) {
			status = protocol.StatusFailed
		}
		b.reject(conn, msg, status, err)
		b.notify(ctx, events.ClientRejected{
			ClientID:   info.ID,
			Status:     status,
			Reason:     err.Error(),
			RemoteAddr: remote,
		})
		return nil, err
	}

	conn.SetReadDeadline(time.Time{})
	resp := msg.CreateResponse(protocol.StatusAccepted)
	resp.AddHeader(protocol.HeaderClientID, info.ID)
	if err := c.Send(ctx, resp); err != nil {
		b.unregister(c)
		return nil, err
	}
	return c, nil
}

// reject answers a hello frame negatively on a connection that has no
// registered client.
func (b *Broker) reject(conn transport.Conn, msg *protocol.Message, status uint16, cause error) {
	resp := msg.CreateResponse(status)
	resp.AddHeader(protocol.HeaderNegativeReason, cause.Error())
	if err := protocol.Write(conn, resp); err != nil {
		b.logger.Debug("client_reject_failed", slog.String("error", err.Error()))
	}
}

func (b *Broker) readLoop(ctx context.Context, c *Client, reader *protocol.Reader) error {
	for {
		if b.cfg.IdleTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(b.cfg.IdleTimeout))
		}
		msg, err := reader.Read()
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) || errors.Is(err, protocol.ErrTruncatedFrame) {
				b.stats.IncrementProtocolErrors()
			}
			return err
		}
		b.stats.IncrementMessagesReceived()

		if err := b.handle(ctx, c, msg); err != nil {
			return err
		}
	}
}

func (b *Broker) disconnectReason(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, errTerminated), errors.Is(err, io.EOF):
		return reasonNormal
	case b.IsClosed(), ctx.Err() != nil:
		return reasonShutdown
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return reasonTimeout
	}
	return reasonError
}

// disconnect detaches a client from the broker and from every queue.
// Deliveries pending on the client are resolved as failed.
func (b *Broker) disconnect(ctx context.Context, c *Client, reason string) {
	b.unregister(c)
	c.Close()
	b.queues.RemoveReceiver(ctx, c.ID())
	if b.limiter != nil {
		b.limiter.OnClientDisconnect(c.ID())
	}

	b.logger.Info("client_disconnected",
		slog.String("client_id", c.ID()),
		slog.String("reason", reason))
	b.notify(ctx, events.ClientDisconnected{
		ClientID:   c.ID(),
		Reason:     reason,
		RemoteAddr: c.info.RemoteAddr,
	})
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
