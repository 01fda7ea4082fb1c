// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package api serves the HTTP administration API. Plain HTTP/1.1 and
// cleartext HTTP/2 are accepted on the same port.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/hmq/broker"
	"github.com/absmach/hmq/broker/events"
	"github.com/absmach/hmq/protocol"
	"github.com/absmach/hmq/queue"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Actor identifies API changes in emitted events.
const Actor = "api"

// Notifier receives events for changes made through the API.
type Notifier interface {
	Notify(ctx context.Context, ev events.Event) error
}

// Config holds configuration for the API server.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	TLSCertFile     string
	TLSKeyFile      string
}

// Server provides the HTTP administration API.
type Server struct {
	config     Config
	broker     *broker.Broker
	notifier   Notifier
	logger     *slog.Logger
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new API server. notifier may be nil.
func New(config Config, b *broker.Broker, notifier Notifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config:   config,
		broker:   b,
		notifier: notifier,
		logger:   logger,
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /queues", s.listQueues)
	mux.HandleFunc("POST /queues", s.createQueue)
	mux.HandleFunc("GET /queues/{name}", s.getQueue)
	mux.HandleFunc("PUT /queues/{name}", s.updateQueue)
	mux.HandleFunc("DELETE /queues/{name}", s.removeQueue)
	mux.HandleFunc("DELETE /queues/{name}/messages", s.clearMessages)
	mux.HandleFunc("GET /clients", s.listClients)
	mux.HandleFunc("GET /stats", s.stats)
	return mux
}

// Addr returns the listener address once Listen started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen starts the API server and blocks until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
			s.logger.Info("api_server_started",
				slog.String("address", ln.Addr().String()),
				slog.Bool("tls", true))
			err = s.httpServer.ServeTLS(ln, s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			s.logger.Info("api_server_started",
				slog.String("address", ln.Addr().String()),
				slog.Bool("tls", false))
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("api server error: %w", err)
	}
}

// QueueRequest carries queue options. Absent fields keep their current
// value, or the manager default when creating.
type QueueRequest struct {
	Name            string  `json:"name,omitempty"`
	Type            *string `json:"type,omitempty"`
	Acknowledge     *string `json:"acknowledge,omitempty"`
	AckTimeout      *string `json:"ack_timeout,omitempty"`
	MessageTimeout  *string `json:"message_timeout,omitempty"`
	PutBackDelay    *string `json:"put_back_delay,omitempty"`
	MessageLimit    *int    `json:"message_limit,omitempty"`
	ClientLimit     *int    `json:"client_limit,omitempty"`
	DeliveryHandler *string `json:"delivery_handler,omitempty"`
	Status          *string `json:"status,omitempty"`
}

// apply maps the request onto the queue option headers so the API and
// the wire control operations validate options the same way.
func (r QueueRequest) apply(opts *queue.Options) error {
	msg := protocol.NewMessage(protocol.KindServerControl, r.Name, nil)
	set := func(key string, v *string) {
		if v != nil {
			msg.AddHeader(key, *v)
		}
	}
	setInt := func(key string, v *int) {
		if v != nil {
			msg.AddHeader(key, strconv.Itoa(*v))
		}
	}
	set(protocol.HeaderQueueType, r.Type)
	set(protocol.HeaderAcknowledge, r.Acknowledge)
	set(protocol.HeaderAckTimeout, r.AckTimeout)
	set(protocol.HeaderMessageTimeout, r.MessageTimeout)
	set(protocol.HeaderPutBackDelay, r.PutBackDelay)
	set(protocol.HeaderDeliveryHandler, r.DeliveryHandler)
	setInt(protocol.HeaderMessageLimit, r.MessageLimit)
	setInt(protocol.HeaderClientLimit, r.ClientLimit)
	return opts.ApplyHeaders(msg)
}

// ErrorResponse is the body of failed requests.
type ErrorResponse struct {
	Error  string `json:"error"`
	Status uint16 `json:"status"`
}

// ClearResponse reports removed messages.
type ClearResponse struct {
	Queue   string `json:"queue"`
	Removed int    `json:"removed"`
}

func (s *Server) listQueues(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Queues().List())
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	q, err := s.broker.Queues().Get(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q.Info())
}

func (s *Server) createQueue(w http.ResponseWriter, r *http.Request) {
	var req QueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %w", queue.ErrInvalidOptions, err))
		return
	}

	qm := s.broker.Queues()
	opts := qm.DefaultOptions()
	if err := req.apply(&opts); err != nil {
		s.writeError(w, err)
		return
	}
	q, err := qm.CreateQueue(r.Context(), req.Name, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.Status != nil {
		if err := qm.SetStatus(req.Name, queue.Status(*req.Status)); err != nil {
			s.writeError(w, err)
			return
		}
	}

	s.notify(r.Context(), events.QueueCreated{
		Name:        req.Name,
		QueueType:   string(opts.Type),
		Acknowledge: string(opts.Acknowledge),
		CreatedBy:   Actor,
	})
	writeJSON(w, http.StatusCreated, q.Info())
}

func (s *Server) updateQueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req QueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %w", queue.ErrInvalidOptions, err))
		return
	}
	req.Name = name

	qm := s.broker.Queues()
	q, err := qm.Get(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	opts := q.Options()
	if err := req.apply(&opts); err != nil {
		s.writeError(w, err)
		return
	}
	if err := qm.SetOptions(r.Context(), name, opts); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Status != nil {
		if err := qm.SetStatus(name, queue.Status(*req.Status)); err != nil {
			s.writeError(w, err)
			return
		}
	}

	s.notify(r.Context(), events.QueueUpdated{
		Name:      name,
		Status:    string(q.Status()),
		UpdatedBy: Actor,
	})
	writeJSON(w, http.StatusOK, q.Info())
}

func (s *Server) removeQueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.broker.Queues().RemoveQueue(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.notify(r.Context(), events.QueueRemoved{Name: name, RemovedBy: Actor})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearMessages(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	mode := queue.ClearAll
	if v := r.URL.Query().Get("clear"); v != "" {
		mode = queue.ParseClearMode(v)
		if mode == queue.ClearNone {
			s.writeError(w, fmt.Errorf("%w: unknown clear mode %q", queue.ErrInvalidOptions, v))
			return
		}
	}

	n, err := s.broker.Queues().ClearMessages(r.Context(), name, mode)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClearResponse{Queue: name, Removed: n})
}

func (s *Server) listClients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Clients())
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Stats().Snapshot())
}

func (s *Server) notify(ctx context.Context, ev events.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.logger.Warn("event_notify_failed",
			slog.String("event", ev.Type()),
			slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := queue.StatusOf(err)
	code := httpStatus(status)
	if code >= http.StatusInternalServerError {
		s.logger.Error("api_request_failed", slog.String("error", err.Error()))
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error(), Status: status})
}

// httpStatus maps HMQ response statuses onto HTTP codes.
func httpStatus(status uint16) int {
	switch status {
	case protocol.StatusOK:
		return http.StatusOK
	case protocol.StatusBadRequest:
		return http.StatusBadRequest
	case protocol.StatusUnauthorized:
		return http.StatusUnauthorized
	case protocol.StatusNotFound:
		return http.StatusNotFound
	case protocol.StatusUnacceptable:
		return http.StatusNotAcceptable
	case protocol.StatusDuplicate:
		return http.StatusConflict
	case protocol.StatusLimitExceeded:
		return http.StatusTooManyRequests
	case protocol.StatusNoReceivers:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
