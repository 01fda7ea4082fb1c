// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// Dial connects to addr. tlsConfig is used by the tls and wss schemes and
// may be nil.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, timeout time.Duration) (Conn, error) {
	scheme, target, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case SchemeTLS:
		d := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: timeout},
			Config:    tlsConfig,
		}
		conn, err := d.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, err
		}
		return conn, nil
	case SchemeWS, SchemeWSS:
		d := websocket.Dialer{
			HandshakeTimeout: timeout,
			TLSClientConfig:  tlsConfig,
		}
		ws, resp, err := d.DialContext(ctx, target, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return NewWSConn(ws), nil
	default:
		d := &net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
