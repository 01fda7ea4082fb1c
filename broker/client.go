// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/hmq/protocol"
	"github.com/absmach/hmq/transport"
)

// Client is the broker side of a connected client. It is the receiver
// queues deliver to.
type Client struct {
	info        ClientInfo
	conn        transport.Conn
	stats       *Stats
	connectedAt time.Time

	writeTimeout time.Duration
	writeMu      sync.Mutex
	closed       atomic.Bool
	closeOnce    sync.Once
}

func newClient(info ClientInfo, conn transport.Conn, stats *Stats, writeTimeout time.Duration) *Client {
	return &Client{
		info:         info,
		conn:         conn,
		stats:        stats,
		connectedAt:  time.Now(),
		writeTimeout: writeTimeout,
	}
}

// ID returns the client id.
func (c *Client) ID() string {
	return c.info.ID
}

// Info returns the identity the client connected with.
func (c *Client) Info() ClientInfo {
	return c.info
}

// ConnectedAt returns when the hello exchange completed.
func (c *Client) ConnectedAt() time.Time {
	return c.connectedAt
}

// Send writes one frame to the client. Writes are serialized and bounded
// by the write timeout or the context deadline, whichever comes first.
func (c *Client) Send(ctx context.Context, msg *protocol.Message) error {
	if c.closed.Load() {
		return io.ErrClosedPipe
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var deadline time.Time
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)

	n, err := c.conn.Write(data)
	c.stats.AddBytesSent(uint64(n))
	if err != nil {
		return err
	}
	c.stats.IncrementMessagesSent()
	return nil
}

// Close closes the underlying connection once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

// countingReader feeds received byte counts into the stats.
type countingReader struct {
	r     io.Reader
	stats *Stats
}

func (cr countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.stats.AddBytesReceived(uint64(n))
	return n, err
}
