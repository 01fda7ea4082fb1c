// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport carries the binary frame protocol over TCP, TLS and
// WebSocket connections.
package transport

import (
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"time"
)

// ErrInvalidAddress is returned for addresses with an unknown scheme or
// without a host.
var ErrInvalidAddress = errors.New("invalid transport address")

// Conn is a byte stream carrying frames. net.Conn satisfies it.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// Schemes understood by Dial.
const (
	SchemeTCP = "tcp"
	SchemeTLS = "tls"
	SchemeWS  = "ws"
	SchemeWSS = "wss"
)

// ParseAddress splits addr into its scheme and the dial target. Addresses
// without a scheme are plain TCP host:port pairs. For WebSocket schemes the
// target is the full URL.
func ParseAddress(addr string) (scheme, target string, err error) {
	if !strings.Contains(addr, "://") {
		if addr == "" {
			return "", "", ErrInvalidAddress
		}
		return SchemeTCP, addr, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return "", "", errors.Join(ErrInvalidAddress, err)
	}
	if u.Host == "" {
		return "", "", ErrInvalidAddress
	}

	switch u.Scheme {
	case SchemeTCP, SchemeTLS:
		return u.Scheme, u.Host, nil
	case SchemeWS, SchemeWSS:
		return u.Scheme, u.String(), nil
	default:
		return "", "", ErrInvalidAddress
	}
}
