// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/hmq/transport"
)

// ErrShutdownTimeout is returned when open connections outlive the
// shutdown timeout and had to be closed by the server.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

const (
	defaultShutdownTimeout  = 30 * time.Second
	defaultKeepAlive        = 15 * time.Second
	defaultHandshakeTimeout = 10 * time.Second

	maxAcceptBackoff = time.Second
	closeGrace       = time.Second
)

// Handler serves one HMQ connection until it closes. *broker.Broker
// implements it.
type Handler interface {
	HandleConnection(ctx context.Context, conn transport.Conn)
}

// ConnLimiter decides whether a connection from addr is accepted.
type ConnLimiter interface {
	Allow(addr net.Addr) bool
}

// Config holds the TCP listener settings.
type Config struct {
	Address          string
	TLSConfig        *tls.Config
	Logger           *slog.Logger
	ShutdownTimeout  time.Duration
	HandshakeTimeout time.Duration // TLS handshake budget
	TCPKeepAlive     time.Duration
	MaxConnections   int
	DisableNoDelay   bool
	Limiter          ConnLimiter
}

// Server accepts HMQ clients over TCP or TLS and hands every admitted
// connection to a Handler.
type Server struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger
	slots   chan struct{}

	mu       sync.Mutex
	listener net.Listener
	open     map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// New creates a server. Zero durations take their defaults.
func New(cfg Config, h Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = defaultKeepAlive
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	s := &Server{
		cfg:     cfg,
		handler: h,
		logger:  cfg.Logger,
		open:    make(map[net.Conn]struct{}),
	}
	if cfg.MaxConnections > 0 {
		s.slots = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// Listen binds the configured address and serves until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.logger.Info("tcp_server_started",
		slog.String("address", ln.Addr().String()),
		slog.Bool("tls", s.cfg.TLSConfig != nil))
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then stops accepting
// and waits up to ShutdownTimeout for open connections to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	// Handlers outlive ctx so they can drain during shutdown.
	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()

	accepting := make(chan struct{})
	go func() {
		defer close(accepting)
		s.acceptLoop(ctx, connCtx, ln)
	}()

	<-ctx.Done()
	return s.shutdown(ln, accepting, cancelConns)
}

// acceptLoop admits connections until the listener closes. Transient
// accept errors back off exponentially up to maxAcceptBackoff.
func (s *Server) acceptLoop(ctx, connCtx context.Context, ln net.Listener) {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			backoff = nextBackoff(backoff)
			s.logger.Warn("tcp_accept_failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return
			}
		}
		backoff = 0

		release, ok := s.admit(conn)
		if !ok {
			continue
		}
		s.wg.Add(1)
		go s.serveConn(connCtx, conn, release)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	return min(2*d, maxAcceptBackoff)
}

// admit applies the rate limiter, the connection cap and the socket
// options. The returned release frees the slot taken by conn.
func (s *Server) admit(conn net.Conn) (release func(), ok bool) {
	if s.cfg.Limiter != nil && !s.cfg.Limiter.Allow(conn.RemoteAddr()) {
		s.reject(conn, "rate_limited")
		return nil, false
	}
	if !s.takeSlot() {
		s.reject(conn, "connection_limit")
		return nil, false
	}
	if tc, isTCP := conn.(*net.TCPConn); isTCP {
		if err := s.tune(tc); err != nil {
			s.freeSlot()
			s.reject(conn, err.Error())
			return nil, false
		}
	}
	return s.freeSlot, true
}

func (s *Server) reject(conn net.Conn, reason string) {
	s.logger.Warn("tcp_connection_rejected",
		slog.String("remote", conn.RemoteAddr().String()),
		slog.String("reason", reason))
	conn.Close()
}

func (s *Server) takeSlot() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) freeSlot() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *Server) tune(conn *net.TCPConn) error {
	if s.cfg.TCPKeepAlive > 0 {
		if err := conn.SetKeepAlivePeriod(s.cfg.TCPKeepAlive); err != nil {
			return fmt.Errorf("keepalive: %w", err)
		}
		if err := conn.SetKeepAlive(true); err != nil {
			return fmt.Errorf("keepalive: %w", err)
		}
	}
	if !s.cfg.DisableNoDelay {
		if err := conn.SetNoDelay(true); err != nil {
			return fmt.Errorf("nodelay: %w", err)
		}
	}
	return nil
}

// serveConn completes the TLS handshake, if any, and runs the handler.
func (s *Server) serveConn(ctx context.Context, conn net.Conn, release func()) {
	defer s.wg.Done()
	defer release()
	s.track(conn)
	defer s.untrack(conn)

	remote := conn.RemoteAddr().String()
	if tc, ok := conn.(*tls.Conn); ok {
		hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			s.logger.Warn("tcp_tls_handshake_failed",
				slog.String("remote", remote),
				slog.String("error", err.Error()))
			return
		}
	}

	s.logger.Debug("tcp_connection_opened", slog.String("remote", remote))
	s.handler.HandleConnection(ctx, conn)
	s.logger.Debug("tcp_connection_closed", slog.String("remote", remote))
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.open[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.open, conn)
	s.mu.Unlock()
	conn.Close()
}

// OpenConnections returns the number of connections being served.
func (s *Server) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// closeOpen closes every tracked connection so handlers blocked in a read
// return.
func (s *Server) closeOpen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.open {
		conn.Close()
	}
	return len(s.open)
}

func (s *Server) shutdown(ln net.Listener, accepting <-chan struct{}, cancelConns context.CancelFunc) error {
	s.logger.Info("tcp_shutdown_started", slog.Int("open", s.OpenConnections()))
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("tcp_listener_close_failed", slog.String("error", err.Error()))
	}
	<-accepting

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.logger.Info("tcp_shutdown_completed")
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
	}

	cancelConns()
	n := s.closeOpen()
	s.logger.Warn("tcp_shutdown_forced", slog.Int("closed", n))
	select {
	case <-drained:
	case <-time.After(closeGrace):
	}
	return ErrShutdownTimeout
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
