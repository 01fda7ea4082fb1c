// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/absmach/hmq/protocol"
)

// QueueOptions are the queue settings a client may send when creating or
// updating a queue. Zero fields keep the broker defaults.
type QueueOptions struct {
	Type            string // push, round-robin or pull
	Acknowledge     string // none, request or wait
	AckTimeout      time.Duration
	MessageTimeout  time.Duration
	MessageLimit    int
	ClientLimit     int
	DeliveryHandler string
	PutBackDelay    time.Duration
	Status          string // running, paused or stopped; updates only
}

func (o QueueOptions) headers() []protocol.Header {
	var hs []protocol.Header
	add := func(key, value string) {
		if value != "" {
			hs = append(hs, protocol.Header{Key: key, Value: value})
		}
	}
	ms := func(d time.Duration) string {
		if d <= 0 {
			return ""
		}
		return strconv.FormatInt(d.Milliseconds(), 10)
	}
	num := func(n int) string {
		if n <= 0 {
			return ""
		}
		return strconv.Itoa(n)
	}

	add(protocol.HeaderQueueType, o.Type)
	add(protocol.HeaderAcknowledge, o.Acknowledge)
	add(protocol.HeaderAckTimeout, ms(o.AckTimeout))
	add(protocol.HeaderMessageTimeout, ms(o.MessageTimeout))
	add(protocol.HeaderMessageLimit, num(o.MessageLimit))
	add(protocol.HeaderClientLimit, num(o.ClientLimit))
	add(protocol.HeaderDeliveryHandler, o.DeliveryHandler)
	add(protocol.HeaderPutBackDelay, ms(o.PutBackDelay))
	add(protocol.HeaderQueueStatus, o.Status)
	return hs
}

// QueueInfo describes a queue as listed by the broker.
type QueueInfo struct {
	Name             string          `json:"name"`
	Status           string          `json:"status"`
	Options          json.RawMessage `json:"options"`
	Messages         int             `json:"messages"`
	PriorityMessages int             `json:"priority_messages"`
	Subscribers      int             `json:"subscribers"`
	InFlight         int             `json:"in_flight"`
	CreatedAt        time.Time       `json:"created_at"`
}

func (c *Client) control(ctx context.Context, op uint16, queue string, headers ...protocol.Header) (*protocol.Message, error) {
	msg := protocol.NewMessage(protocol.KindServerControl, queue, nil)
	msg.ContentType = op
	msg.Headers = append(msg.Headers, headers...)
	return c.request(ctx, msg)
}

// Subscribe subscribes the client to queue. Messages pushed from it are
// passed to the consumer registered for the queue or to OnMessage.
func (c *Client) Subscribe(ctx context.Context, queue string) error {
	if queue == "" {
		return ErrEmptyQueue
	}
	_, err := c.control(ctx, protocol.ControlSubscribe, queue)
	return err
}

// Unsubscribe removes the subscription to queue.
func (c *Client) Unsubscribe(ctx context.Context, queue string) error {
	_, err := c.control(ctx, protocol.ControlUnsubscribe, queue)
	return err
}

// CreateQueue creates queue with opts.
func (c *Client) CreateQueue(ctx context.Context, queue string, opts QueueOptions) error {
	if queue == "" {
		return ErrEmptyQueue
	}
	_, err := c.control(ctx, protocol.ControlCreateQueue, queue, opts.headers()...)
	return err
}

// UpdateQueue changes the non-zero options of queue.
func (c *Client) UpdateQueue(ctx context.Context, queue string, opts QueueOptions) error {
	_, err := c.control(ctx, protocol.ControlUpdateQueue, queue, opts.headers()...)
	return err
}

// RemoveQueue deletes queue with its messages.
func (c *Client) RemoveQueue(ctx context.Context, queue string) error {
	_, err := c.control(ctx, protocol.ControlRemoveQueue, queue)
	return err
}

// ClearMessages drops stored messages of queue and returns how many were
// removed.
func (c *Client) ClearMessages(ctx context.Context, queue string, policy ClearPolicy) (int, error) {
	if policy == ClearNone {
		policy = ClearAll
	}
	resp, err := c.control(ctx, protocol.ControlClearMessages, queue,
		protocol.Header{Key: protocol.HeaderClear, Value: string(policy)})
	if err != nil {
		return 0, err
	}
	n, _ := strconv.Atoi(resp.HeaderValue(protocol.HeaderCount))
	return n, nil
}

// Queues lists the queues of the broker.
func (c *Client) Queues(ctx context.Context) ([]QueueInfo, error) {
	resp, err := c.control(ctx, protocol.ControlQueueList, "")
	if err != nil {
		return nil, err
	}
	var infos []QueueInfo
	if len(resp.Content) == 0 {
		return infos, nil
	}
	if err := json.Unmarshal(resp.Content, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}
