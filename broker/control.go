// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	"github.com/absmach/hmq/broker/events"
	"github.com/absmach/hmq/protocol"
	"github.com/absmach/hmq/queue"
)

var (
	errAlreadyGreeted   = errors.New("hello already completed")
	errUnknownOperation = errors.New("unknown server control operation")
)

// handleControl runs a server control operation and answers it. Every
// operation gets a response whether or not the client asked for one.
func (b *Broker) handleControl(ctx context.Context, c *Client, msg *protocol.Message) {
	b.stats.IncrementControlRequests()
	ctx, span := b.startSpan(ctx, "hmq.control", c, msg.Target)

	var (
		resp *protocol.Message
		err  error
	)
	switch msg.ContentType {
	case protocol.ControlHello:
		err = errAlreadyGreeted
	case protocol.ControlCreateQueue:
		err = b.createQueue(ctx, c, msg)
	case protocol.ControlRemoveQueue:
		err = b.removeQueue(ctx, c, msg)
	case protocol.ControlUpdateQueue:
		err = b.updateQueue(ctx, c, msg)
	case protocol.ControlClearMessages:
		resp, err = b.clearMessages(ctx, c, msg)
	case protocol.ControlQueueList:
		resp, err = b.listQueues(msg)
	case protocol.ControlSubscribe:
		err = b.subscribe(ctx, c, msg)
	case protocol.ControlUnsubscribe:
		err = b.unsubscribe(ctx, c, msg)
	default:
		err = errUnknownOperation
	}
	endSpan(span, err)

	if err != nil {
		b.logger.Debug("control_failed",
			slog.String("client_id", c.ID()),
			slog.Int("operation", int(msg.ContentType)),
			slog.String("queue", msg.Target),
			slog.String("error", err.Error()))
		b.respond(ctx, c, msg, controlStatus(err), err)
		return
	}
	if resp == nil {
		resp = msg.CreateResponse(protocol.StatusOK)
	}
	if err := c.Send(ctx, resp); err != nil {
		b.logger.Debug("response_send_failed",
			slog.String("client_id", c.ID()),
			slog.String("error", err.Error()))
	}
}

func controlStatus(err error) uint16 {
	switch {
	case errors.Is(err, errAlreadyGreeted), errors.Is(err, errUnknownOperation):
		return protocol.StatusUnacceptable
	default:
		return queue.StatusOf(err)
	}
}

func (b *Broker) authorizeManage(ctx context.Context, c *Client, name string) error {
	if !b.queues.Authorizer().CanManage(ctx, c.ID(), name) {
		return queue.ErrUnauthorized
	}
	return nil
}

func (b *Broker) createQueue(ctx context.Context, c *Client, msg *protocol.Message) error {
	name := msg.Target
	if err := b.authorizeManage(ctx, c, name); err != nil {
		return err
	}
	opts := b.queues.DefaultOptions()
	if err := opts.ApplyHeaders(msg); err != nil {
		return err
	}
	if _, err := b.queues.CreateQueue(ctx, name, opts); err != nil {
		return err
	}
	if status, ok := msg.FindHeader(protocol.HeaderQueueStatus); ok {
		if err := b.queues.SetStatus(name, queue.Status(status)); err != nil {
			return err
		}
	}

	b.notify(ctx, events.QueueCreated{
		Name:        name,
		QueueType:   string(opts.Type),
		Acknowledge: string(opts.Acknowledge),
		CreatedBy:   c.ID(),
	})
	return nil
}

func (b *Broker) removeQueue(ctx context.Context, c *Client, msg *protocol.Message) error {
	name := msg.Target
	if err := b.authorizeManage(ctx, c, name); err != nil {
		return err
	}
	if err := b.queues.RemoveQueue(ctx, name); err != nil {
		return err
	}
	b.notify(ctx, events.QueueRemoved{Name: name, RemovedBy: c.ID()})
	return nil
}

func (b *Broker) updateQueue(ctx context.Context, c *Client, msg *protocol.Message) error {
	name := msg.Target
	if err := b.authorizeManage(ctx, c, name); err != nil {
		return err
	}
	q, err := b.queues.Get(name)
	if err != nil {
		return err
	}

	opts := q.Options()
	if err := opts.ApplyHeaders(msg); err != nil {
		return err
	}
	if err := b.queues.SetOptions(ctx, name, opts); err != nil {
		return err
	}
	if status, ok := msg.FindHeader(protocol.HeaderQueueStatus); ok {
		if err := b.queues.SetStatus(name, queue.Status(status)); err != nil {
			return err
		}
	}

	b.notify(ctx, events.QueueUpdated{
		Name:      name,
		Status:    string(q.Status()),
		UpdatedBy: c.ID(),
	})
	return nil
}

func (b *Broker) clearMessages(ctx context.Context, c *Client, msg *protocol.Message) (*protocol.Message, error) {
	name := msg.Target
	if err := b.authorizeManage(ctx, c, name); err != nil {
		return nil, err
	}
	mode := queue.ParseClearMode(msg.HeaderValue(protocol.HeaderClear))
	if mode == queue.ClearNone {
		mode = queue.ClearAll
	}
	n, err := b.queues.ClearMessages(ctx, name, mode)
	if err != nil {
		return nil, err
	}

	resp := msg.CreateResponse(protocol.StatusOK)
	resp.AddHeader(protocol.HeaderCount, strconv.Itoa(n))
	return resp, nil
}

func (b *Broker) listQueues(msg *protocol.Message) (*protocol.Message, error) {
	data, err := json.Marshal(b.queues.List())
	if err != nil {
		return nil, err
	}
	resp := msg.CreateResponse(protocol.StatusOK)
	resp.Content = data
	return resp, nil
}

func (b *Broker) subscribe(ctx context.Context, c *Client, msg *protocol.Message) error {
	if err := b.queues.Subscribe(ctx, msg.Target, c); err != nil {
		return err
	}
	b.notify(ctx, events.SubscriptionCreated{ClientID: c.ID(), Name: msg.Target})
	return nil
}

func (b *Broker) unsubscribe(ctx context.Context, c *Client, msg *protocol.Message) error {
	if err := b.queues.Unsubscribe(ctx, msg.Target, c.ID()); err != nil {
		return err
	}
	b.notify(ctx, events.SubscriptionRemoved{ClientID: c.ID(), Name: msg.Target})
	return nil
}
