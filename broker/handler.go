// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/absmach/hmq/protocol"
	"github.com/absmach/hmq/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errUnsupportedKind = errors.New("unsupported message kind")

// handle routes one frame received from c. A returned error closes the
// connection.
func (b *Broker) handle(ctx context.Context, c *Client, msg *protocol.Message) error {
	switch msg.Kind {
	case protocol.KindPing:
		return c.Send(ctx, &protocol.Message{ID: msg.ID, Kind: protocol.KindPong})
	case protocol.KindPong:
		return nil
	case protocol.KindTerminate:
		return errTerminated
	case protocol.KindQueueMessage:
		b.handlePush(ctx, c, msg)
	case protocol.KindPullRequest:
		b.handlePull(ctx, c, msg)
	case protocol.KindResponse:
		b.handleResponse(ctx, c, msg)
	case protocol.KindDirectMessage:
		b.handleDirect(ctx, c, msg)
	case protocol.KindServerControl:
		b.handleControl(ctx, c, msg)
	default:
		b.stats.IncrementProtocolErrors()
		b.respond(ctx, c, msg, protocol.StatusUnacceptable, errUnsupportedKind)
	}
	return nil
}

// respond answers msg with status. A non-nil cause is carried in the
// Negative-Reason header.
func (b *Broker) respond(ctx context.Context, c *Client, msg *protocol.Message, status uint16, cause error) {
	resp := msg.CreateResponse(status)
	if cause != nil {
		resp.AddHeader(protocol.HeaderNegativeReason, cause.Error())
	}
	if err := c.Send(ctx, resp); err != nil {
		b.logger.Debug("response_send_failed",
			slog.String("client_id", c.ID()),
			slog.String("error", err.Error()))
	}
}

func (b *Broker) startSpan(ctx context.Context, name string, c *Client, target string) (context.Context, trace.Span) {
	return b.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("hmq.client_id", c.ID()),
			attribute.String("hmq.target", target),
		))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// handlePush hands a produced message to its queue. Admission failures
// are answered by the queue manager when the producer waits for a
// response.
func (b *Broker) handlePush(ctx context.Context, c *Client, msg *protocol.Message) {
	b.stats.IncrementPushReceived()
	if b.limiter != nil && !b.limiter.AllowPush(c.ID()) {
		b.stats.IncrementRateLimited()
		if msg.WaitResponse {
			resp := msg.CreateResponse(protocol.StatusLimitExceeded)
			resp.AddHeader(protocol.HeaderNegativeReason, "push rate limit exceeded")
			c.Send(ctx, resp)
		}
		return
	}

	msg.Source = c.ID()
	ctx, span := b.startSpan(ctx, "hmq.push", c, msg.Target)
	err := b.queues.Push(ctx, c.ID(), msg)
	endSpan(span, err)
	if err != nil {
		b.logger.Debug("push_rejected",
			slog.String("client_id", c.ID()),
			slog.String("queue", msg.Target),
			slog.String("error", err.Error()))
	}
}

// handlePull serves a pull request. The consumer always receives a
// terminal frame for the request unless the write fails.
func (b *Broker) handlePull(ctx context.Context, c *Client, msg *protocol.Message) {
	b.stats.IncrementPullRequests()
	if b.limiter != nil && !b.limiter.AllowPull(c.ID()) {
		b.stats.IncrementRateLimited()
		req := queue.ParsePullRequest(msg)
		c.Send(ctx, queue.PullEnd(msg.Target, req, protocol.NoContentUnacceptable))
		return
	}

	ctx, span := b.startSpan(ctx, "hmq.pull", c, msg.Target)
	n, err := b.queues.Pull(ctx, c, msg)
	span.SetAttributes(attribute.Int("hmq.pulled", n))
	endSpan(span, err)
	if err != nil {
		b.logger.Debug("pull_failed",
			slog.String("client_id", c.ID()),
			slog.String("queue", msg.Target),
			slog.String("error", err.Error()))
	}
}

// handleResponse resolves acknowledgements first. Responses that match no
// pending delivery are forwarded to the client named in the target, which
// answers direct messages.
func (b *Broker) handleResponse(ctx context.Context, c *Client, msg *protocol.Message) {
	err := b.queues.Acknowledge(ctx, c.ID(), msg)
	if err == nil {
		b.stats.IncrementAcknowledges()
		return
	}
	if !errors.Is(err, queue.ErrQueueNotFound) && !errors.Is(err, queue.ErrDeliveryNotFound) {
		b.logger.Debug("acknowledge_failed",
			slog.String("client_id", c.ID()),
			slog.String("queue", msg.Target),
			slog.String("error", err.Error()))
		return
	}
	if msg.Target == "" {
		return
	}

	msg.Source = c.ID()
	if err := b.SendTo(ctx, msg.Target, msg); err != nil {
		b.logger.Debug("response_dropped",
			slog.String("client_id", c.ID()),
			slog.String("target", msg.Target),
			slog.String("error", err.Error()))
	}
}

// handleDirect forwards a direct message to another client.
func (b *Broker) handleDirect(ctx context.Context, c *Client, msg *protocol.Message) {
	b.stats.IncrementDirectMessages()
	target := msg.Target
	msg.Source = c.ID()

	err := b.SendTo(ctx, target, msg)
	if err == nil {
		return
	}
	b.logger.Debug("direct_message_failed",
		slog.String("client_id", c.ID()),
		slog.String("target", target),
		slog.String("error", err.Error()))
	if !msg.WaitResponse {
		return
	}

	status := protocol.StatusFailed
	if errors.Is(err, ErrClientNotFound) {
		status = protocol.StatusNotFound
	}
	resp := msg.CreateResponse(status)
	resp.Source = target
	resp.Target = c.ID()
	resp.AddHeader(protocol.HeaderNegativeReason, err.Error())
	c.Send(ctx, resp)
}
