// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/absmach/hmq/broker/events"
	"github.com/absmach/hmq/config"
	"github.com/absmach/hmq/queue"
	"github.com/sony/gobreaker"
)

// ErrNilSender is returned when a notifier is created without a sender.
var ErrNilSender = errors.New("sender cannot be nil")

const maxPayloadExcerpt = 1024

var _ queue.ErrorReporter = (*GenericNotifier)(nil)

// GenericNotifier delivers events with a worker pool, per endpoint retries
// and a circuit breaker per endpoint. It also serves as the error reporter
// of the delivery pipeline.
type GenericNotifier struct {
	cfg       config.WebhookConfig
	brokerID  string
	endpoints []endpointConfig
	jobs      chan eventJob
	breakers  map[string]*gobreaker.CircuitBreaker
	sender    Sender
	logger    *slog.Logger
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

type endpointConfig struct {
	name         string
	url          string
	eventFilters map[string]bool
	queueFilters []string
	headers      map[string]string
	timeout      time.Duration
	retry        config.RetryConfig
}

type eventJob struct {
	event    events.Event
	endpoint endpointConfig
	attempt  int
}

// NewNotifier creates a notifier and starts its workers.
func NewNotifier(cfg config.WebhookConfig, brokerID string, sender Sender, logger *slog.Logger) (*GenericNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, ErrNilSender
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	endpoints := make([]endpointConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		filters := make(map[string]bool, len(ep.Events))
		for _, typ := range ep.Events {
			filters[typ] = true
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		retry := cfg.Defaults.Retry
		if ep.Retry != nil {
			retry = *ep.Retry
		}

		endpoints = append(endpoints, endpointConfig{
			name:         ep.Name,
			url:          ep.URL,
			eventFilters: filters,
			queueFilters: ep.QueueFilters,
			headers:      ep.Headers,
			timeout:      timeout,
			retry:        retry,
		})
	}

	threshold := uint32(max(cfg.Defaults.CircuitBreaker.FailureThreshold, 1))
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook_circuit_state_changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &GenericNotifier{
		cfg:       cfg,
		brokerID:  brokerID,
		endpoints: endpoints,
		jobs:      make(chan eventJob, cfg.QueueSize),
		breakers:  breakers,
		sender:    sender,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook_notifier_started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Notify queues event for every endpoint whose filters match.
func (n *GenericNotifier) Notify(ctx context.Context, event events.Event) error {
	if n.ctx.Err() != nil {
		return nil
	}
	for _, ep := range n.endpoints {
		if !shouldNotify(ep, event) {
			continue
		}
		n.enqueue(eventJob{event: event, endpoint: ep})
	}
	return nil
}

// Report forwards a delivery pipeline error as a pipeline.error event.
func (n *GenericNotifier) Report(hint string, err error, payload string) {
	if len(payload) > maxPayloadExcerpt {
		payload = payload[:maxPayloadExcerpt]
	}
	_ = n.Notify(context.Background(), events.PipelineError{
		Hint:    hint,
		Error:   err.Error(),
		Payload: payload,
	})
}

func (n *GenericNotifier) enqueue(job eventJob) {
	select {
	case n.jobs <- job:
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case <-n.jobs:
		default:
		}
		select {
		case n.jobs <- job:
			return
		default:
		}
	}
	n.logger.Error("webhook_event_dropped",
		slog.String("event_type", job.event.Type()),
		slog.String("endpoint", job.endpoint.name))
}

func shouldNotify(ep endpointConfig, event events.Event) bool {
	if len(ep.eventFilters) > 0 && !ep.eventFilters[event.Type()] {
		return false
	}
	if event.Queue() == "" || len(ep.queueFilters) == 0 {
		return true
	}
	for _, filter := range ep.queueFilters {
		if queueMatches(filter, event.Queue()) {
			return true
		}
	}
	return false
}

// queueMatches matches a queue name against a dot separated pattern where
// "*" matches one segment and a trailing "#" matches the rest.
func queueMatches(filter, name string) bool {
	fp := strings.Split(filter, ".")
	np := strings.Split(name, ".")

	for i, part := range fp {
		if part == "#" {
			return true
		}
		if i >= len(np) {
			return false
		}
		if part != "*" && part != np[i] {
			return false
		}
	}
	return len(fp) == len(np)
}

func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case job := <-n.jobs:
			n.process(job)
		}
	}
}

func (n *GenericNotifier) process(job eventJob) {
	breaker := n.breakers[job.endpoint.name]
	_, err := breaker.Execute(func() (any, error) {
		return nil, n.send(job)
	})
	if err == nil {
		return
	}

	if job.attempt >= job.endpoint.retry.MaxAttempts-1 {
		n.logger.Error("webhook_delivery_failed",
			slog.String("endpoint", job.endpoint.name),
			slog.String("event_type", job.event.Type()),
			slog.Int("attempts", job.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	job.attempt++
	delay := retryDelay(job.attempt, job.endpoint.retry)
	n.logger.Debug("webhook_delivery_retry",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type()),
		slog.Int("attempt", job.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if n.ctx.Err() != nil {
			return
		}
		select {
		case n.jobs <- job:
		default:
			n.logger.Error("webhook_retry_dropped",
				slog.String("endpoint", job.endpoint.name),
				slog.String("event_type", job.event.Type()))
		}
	})
}

func (n *GenericNotifier) send(job eventJob) error {
	payload, err := json.Marshal(job.event.Wrap(n.brokerID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(n.ctx, job.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, job.endpoint.url, job.endpoint.headers, payload, job.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook_delivered",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type()))
	return nil
}

// retryDelay returns the exponential backoff delay for attempt.
func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(cfg.InitialInterval) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops the workers. Events still queued after the shutdown timeout
// are lost.
func (n *GenericNotifier) Close() error {
	n.logger.Info("webhook_notifier_stopping")

	deadline := time.After(n.cfg.ShutdownTimeout)
drain:
	for len(n.jobs) > 0 {
		select {
		case <-deadline:
			break drain
		case <-time.After(10 * time.Millisecond):
		}
	}
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("webhook_notifier_stopped")
	case <-time.After(n.cfg.ShutdownTimeout):
		n.logger.Warn("webhook_notifier_shutdown_timeout", slog.Int("queue_depth", len(n.jobs)))
	}
	return nil
}
