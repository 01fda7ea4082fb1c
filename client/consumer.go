// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/hmq/protocol"
)

// DefaultMaxAttempts bounds retries of a policy whose MaxAttempts is zero.
const DefaultMaxAttempts = 100

// Handler processes a message delivered from a queue.
type Handler func(ctx context.Context, msg *protocol.Message) error

// RetryPolicy controls how often a failing handler is re-run.
type RetryPolicy struct {
	// MaxAttempts is the total number of handler calls. Zero means
	// DefaultMaxAttempts.
	MaxAttempts int
	// Delay is waited between attempts.
	Delay time.Duration
	// IgnoredErrors stop retrying when the handler error matches one of
	// them with errors.Is.
	IgnoredErrors []error
}

func (p *RetryPolicy) attempts() int {
	if p == nil {
		return 1
	}
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

func (p *RetryPolicy) ignored(err error) bool {
	if p == nil {
		return false
	}
	for _, target := range p.IgnoredErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// AckPolicy controls automatic acknowledgements. Acknowledgements are only
// sent for messages the broker asked to be acknowledged.
type AckPolicy struct {
	AutoPositive bool
	AutoNegative bool
	// NegativeReason is sent with negative acknowledgements. The handler
	// error text is used when empty.
	NegativeReason string
}

// Registration binds a handler to a queue.
type Registration struct {
	Queue   string
	Handler Handler
	Retry   *RetryPolicy
	Ack     AckPolicy
}

// Acknowledger sends acknowledgements for delivered messages.
type Acknowledger interface {
	Ack(ctx context.Context, msg *protocol.Message) error
	Nack(ctx context.Context, msg *protocol.Message, reason string) error
}

// ErrorHandler receives failures of consumer handlers.
type ErrorHandler interface {
	Report(hint string, err error, payload string)
}

// LogErrorHandler reports failures to a logger.
type LogErrorHandler struct {
	Logger *slog.Logger
}

func (h LogErrorHandler) Report(hint string, err error, payload string) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("consumer failure",
		slog.String("hint", hint),
		slog.String("error", err.Error()),
		slog.String("payload", payload))
}

// Executor runs the handler of a registration with its retry and
// acknowledgement policies.
type Executor struct {
	reg    Registration
	acker  Acknowledger
	errors ErrorHandler
	logger *slog.Logger
}

// NewExecutor creates an executor. acker may be nil when the registration
// never acknowledges automatically.
func NewExecutor(reg Registration, acker Acknowledger, errs ErrorHandler, logger *slog.Logger) (*Executor, error) {
	if reg.Handler == nil {
		return nil, ErrNilHandler
	}
	if logger == nil {
		logger = slog.Default()
	}
	if errs == nil {
		errs = LogErrorHandler{Logger: logger}
	}
	return &Executor{reg: reg, acker: acker, errors: errs, logger: logger}, nil
}

// Registration returns the registration the executor runs.
func (e *Executor) Registration() Registration {
	return e.reg
}

// Execute runs the handler for msg. It returns the last handler error once
// the retry policy gave up.
func (e *Executor) Execute(ctx context.Context, msg *protocol.Message) error {
	err := e.run(ctx, msg)
	if err == nil {
		if e.reg.Ack.AutoPositive && msg.WaitResponse && e.acker != nil {
			if aerr := e.acker.Ack(ctx, msg); aerr != nil {
				e.report("ack", aerr, msg)
			}
		}
		return nil
	}

	if e.reg.Ack.AutoNegative && msg.WaitResponse && e.acker != nil {
		reason := e.reg.Ack.NegativeReason
		if reason == "" {
			reason = err.Error()
		}
		if aerr := e.acker.Nack(ctx, msg, reason); aerr != nil {
			e.report("nack", aerr, msg)
		}
	}
	e.report("handler", err, msg)
	return err
}

func (e *Executor) run(ctx context.Context, msg *protocol.Message) error {
	attempts := e.reg.Retry.attempts()

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = e.call(ctx, msg); err == nil {
			return nil
		}
		if e.reg.Retry.ignored(err) || attempt == attempts {
			return err
		}

		e.logger.Debug("retrying consumer handler",
			slog.String("queue", e.reg.Queue),
			slog.String("message_id", msg.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		if e.reg.Retry.Delay > 0 {
			t := time.NewTimer(e.reg.Retry.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return err
			case <-t.C:
			}
		} else if ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (e *Executor) call(ctx context.Context, msg *protocol.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return e.reg.Handler(ctx, msg)
}

// report forwards a failure to the error handler. A panicking error
// handler is logged and otherwise ignored.
func (e *Executor) report(hint string, err error, msg *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("error handler panicked",
				slog.String("queue", e.reg.Queue),
				slog.Any("panic", r))
		}
	}()
	e.errors.Report(e.reg.Queue+"."+hint, err, msg.ID)
}
