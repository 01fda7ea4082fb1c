// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/hmq/protocol"
)

// Type selects how messages of a queue are distributed to receivers.
type Type string

const (
	// TypePush delivers every message to every subscriber.
	TypePush Type = "push"
	// TypeRoundRobin delivers every message to exactly one subscriber,
	// rotating through the subscriber list.
	TypeRoundRobin Type = "round-robin"
	// TypePull keeps messages until a consumer requests them.
	TypePull Type = "pull"
)

// AckMode selects whether and how consumers acknowledge deliveries.
type AckMode string

const (
	// AckNone completes deliveries as soon as they are written.
	AckNone AckMode = "none"
	// AckRequest asks consumers to acknowledge but keeps dispatching.
	AckRequest AckMode = "request"
	// AckWait holds the next message until the current one is resolved.
	AckWait AckMode = "wait"
)

// Status is the runtime state of a queue.
type Status string

const (
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
)

// Options configure a single queue.
type Options struct {
	Type        Type    `yaml:"type" json:"type"`
	Acknowledge AckMode `yaml:"acknowledge" json:"acknowledge"`

	AckTimeout     time.Duration `yaml:"ack_timeout" json:"ack_timeout"`
	MessageTimeout time.Duration `yaml:"message_timeout" json:"message_timeout"`

	// Zero means unlimited.
	MessageLimit     int `yaml:"message_limit" json:"message_limit"`
	MessageSizeLimit int `yaml:"message_size_limit" json:"message_size_limit"`
	ClientLimit      int `yaml:"client_limit" json:"client_limit"`

	DelayBetweenMessages time.Duration `yaml:"delay_between_messages" json:"delay_between_messages"`
	PutBackDelay         time.Duration `yaml:"put_back_delay" json:"put_back_delay"`
	PutBackOnFailure     bool          `yaml:"put_back_on_failure" json:"put_back_on_failure"`
	UniqueIDCheck        bool          `yaml:"unique_id_check" json:"unique_id_check"`

	// DeliveryHandler names a handler registered on the manager.
	DeliveryHandler string `yaml:"delivery_handler" json:"delivery_handler"`

	// AutoDestroy removes the queue once it is empty and its last
	// subscriber leaves.
	AutoDestroy bool `yaml:"auto_destroy" json:"auto_destroy"`
}

// DefaultOptions returns the options used for queues created without
// explicit configuration.
func DefaultOptions() Options {
	return Options{
		Type:            TypeRoundRobin,
		Acknowledge:     AckNone,
		AckTimeout:      30 * time.Second,
		DeliveryHandler: DefaultHandlerName,
	}
}

// Validate checks option values.
func (o Options) Validate() error {
	switch o.Type {
	case TypePush, TypeRoundRobin, TypePull:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOptions, o.Type)
	}

	switch o.Acknowledge {
	case AckNone, AckRequest, AckWait:
	default:
		return fmt.Errorf("%w: unknown acknowledge mode %q", ErrInvalidOptions, o.Acknowledge)
	}

	if o.Acknowledge != AckNone && o.AckTimeout <= 0 {
		return fmt.Errorf("%w: ack timeout must be positive", ErrInvalidOptions)
	}
	if o.AckTimeout < 0 || o.MessageTimeout < 0 || o.DelayBetweenMessages < 0 || o.PutBackDelay < 0 {
		return fmt.Errorf("%w: durations cannot be negative", ErrInvalidOptions)
	}
	if o.MessageLimit < 0 || o.MessageSizeLimit < 0 || o.ClientLimit < 0 {
		return fmt.Errorf("%w: limits cannot be negative", ErrInvalidOptions)
	}

	return nil
}

// ApplyHeaders overrides options with the values carried in control frame
// headers. Absent headers keep their current value.
func (o *Options) ApplyHeaders(msg *protocol.Message) error {
	if v, ok := msg.FindHeader(protocol.HeaderQueueType); ok {
		o.Type = Type(strings.ToLower(v))
	}
	if v, ok := msg.FindHeader(protocol.HeaderAcknowledge); ok {
		o.Acknowledge = AckMode(strings.ToLower(v))
	}
	if v, ok := msg.FindHeader(protocol.HeaderDeliveryHandler); ok {
		o.DeliveryHandler = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{protocol.HeaderAckTimeout, &o.AckTimeout},
		{protocol.HeaderMessageTimeout, &o.MessageTimeout},
		{protocol.HeaderPutBackDelay, &o.PutBackDelay},
	}
	for _, d := range durations {
		v, ok := msg.FindHeader(d.key)
		if !ok {
			continue
		}
		parsed, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidOptions, d.key, err)
		}
		*d.dst = parsed
	}

	limits := []struct {
		key string
		dst *int
	}{
		{protocol.HeaderMessageLimit, &o.MessageLimit},
		{protocol.HeaderClientLimit, &o.ClientLimit},
	}
	for _, l := range limits {
		v, ok := msg.FindHeader(l.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidOptions, l.key, err)
		}
		*l.dst = n
	}

	return o.Validate()
}

// ParseDuration accepts Go duration strings ("30s") and plain integers,
// which are read as milliseconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}
