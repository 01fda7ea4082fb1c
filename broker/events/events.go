// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeClientConnected     = "client.connected"
	TypeClientDisconnected  = "client.disconnected"
	TypeClientRejected      = "client.rejected"
	TypeQueueCreated        = "queue.created"
	TypeQueueUpdated        = "queue.updated"
	TypeQueueRemoved        = "queue.removed"
	TypeSubscriptionCreated = "subscription.created"
	TypeSubscriptionRemoved = "subscription.removed"
	TypePipelineError       = "pipeline.error"
)

// Event is the common interface for all broker events.
type Event interface {
	// Type returns the event type identifier (e.g., "client.connected").
	Type() string

	// Queue returns the queue the event concerns, empty for client events.
	Queue() string

	// Wrap wraps the event in a common envelope with metadata.
	Wrap(brokerID string) *Envelope
}

// Envelope is the common wrapper for all events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

func wrap(ev Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: ev.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      ev,
	}
}

// ClientConnected is emitted when a client completes the hello exchange.
type ClientConnected struct {
	ClientID   string `json:"client_id"`
	Name       string `json:"name,omitempty"`
	ClientType string `json:"client_type,omitempty"`
	RemoteAddr string `json:"remote_addr"`
}

func (e ClientConnected) Type() string                   { return TypeClientConnected }
func (e ClientConnected) Queue() string                  { return "" }
func (e ClientConnected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ClientDisconnected is emitted when a client connection ends.
type ClientDisconnected struct {
	ClientID   string `json:"client_id"`
	Reason     string `json:"reason"` // "normal", "error", "timeout", "shutdown"
	RemoteAddr string `json:"remote_addr"`
}

func (e ClientDisconnected) Type() string                   { return TypeClientDisconnected }
func (e ClientDisconnected) Queue() string                  { return "" }
func (e ClientDisconnected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ClientRejected is emitted when a hello is refused.
type ClientRejected struct {
	ClientID   string `json:"client_id,omitempty"`
	Status     uint16 `json:"status"`
	Reason     string `json:"reason"`
	RemoteAddr string `json:"remote_addr"`
}

func (e ClientRejected) Type() string                   { return TypeClientRejected }
func (e ClientRejected) Queue() string                  { return "" }
func (e ClientRejected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// QueueCreated is emitted when a queue is created by a client or the API.
type QueueCreated struct {
	Name        string `json:"queue"`
	QueueType   string `json:"queue_type"`
	Acknowledge string `json:"acknowledge"`
	CreatedBy   string `json:"created_by,omitempty"`
}

func (e QueueCreated) Type() string                   { return TypeQueueCreated }
func (e QueueCreated) Queue() string                  { return e.Name }
func (e QueueCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// QueueUpdated is emitted when queue options or status change.
type QueueUpdated struct {
	Name      string `json:"queue"`
	Status    string `json:"status"`
	UpdatedBy string `json:"updated_by,omitempty"`
}

func (e QueueUpdated) Type() string                   { return TypeQueueUpdated }
func (e QueueUpdated) Queue() string                  { return e.Name }
func (e QueueUpdated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// QueueRemoved is emitted when a queue is removed.
type QueueRemoved struct {
	Name      string `json:"queue"`
	RemovedBy string `json:"removed_by,omitempty"`
}

func (e QueueRemoved) Type() string                   { return TypeQueueRemoved }
func (e QueueRemoved) Queue() string                  { return e.Name }
func (e QueueRemoved) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionCreated is emitted when a client subscribes to a queue.
type SubscriptionCreated struct {
	ClientID string `json:"client_id"`
	Name     string `json:"queue"`
}

func (e SubscriptionCreated) Type() string                   { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Queue() string                  { return e.Name }
func (e SubscriptionCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionRemoved is emitted when a client unsubscribes from a queue.
type SubscriptionRemoved struct {
	ClientID string `json:"client_id"`
	Name     string `json:"queue"`
}

func (e SubscriptionRemoved) Type() string                   { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Queue() string                  { return e.Name }
func (e SubscriptionRemoved) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// PipelineError is emitted for errors raised inside the delivery pipeline.
type PipelineError struct {
	Hint    string `json:"hint"`
	Error   string `json:"error"`
	Payload string `json:"payload,omitempty"`
}

func (e PipelineError) Type() string                   { return TypePipelineError }
func (e PipelineError) Queue() string                  { return "" }
func (e PipelineError) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }
