// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"github.com/absmach/hmq/broker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "hmq-broker"

// Metrics holds OpenTelemetry metric instruments for queue activity.
// It satisfies queue.Metrics.
type Metrics struct {
	meter metric.Meter

	enqueued     metric.Int64Counter
	delivered    metric.Int64Counter
	acknowledged metric.Int64Counter
	ackTimeouts  metric.Int64Counter
	dequeued     metric.Int64Counter
	expired      metric.Int64Counter

	stored      metric.Int64UpDownCounter
	contentSize metric.Int64Histogram
}

// NewMetrics creates the queue instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates the queue instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error

	m.enqueued, err = meter.Int64Counter(
		"hmq.queue.enqueued.total",
		metric.WithDescription("Messages stored into queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create enqueued counter: %w", err)
	}

	m.delivered, err = meter.Int64Counter(
		"hmq.queue.delivered.total",
		metric.WithDescription("Messages sent to receivers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivered counter: %w", err)
	}

	m.acknowledged, err = meter.Int64Counter(
		"hmq.queue.acknowledged.total",
		metric.WithDescription("Acknowledges received, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create acknowledged counter: %w", err)
	}

	m.ackTimeouts, err = meter.Int64Counter(
		"hmq.queue.ack_timeouts.total",
		metric.WithDescription("Deliveries whose acknowledge deadline passed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ackTimeouts counter: %w", err)
	}

	m.dequeued, err = meter.Int64Counter(
		"hmq.queue.dequeued.total",
		metric.WithDescription("Messages removed from queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dequeued counter: %w", err)
	}

	m.expired, err = meter.Int64Counter(
		"hmq.queue.expired.total",
		metric.WithDescription("Messages dropped after their deadline"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expired counter: %w", err)
	}

	m.stored, err = meter.Int64UpDownCounter(
		"hmq.queue.stored",
		metric.WithDescription("Messages currently stored across queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stored gauge: %w", err)
	}

	m.contentSize, err = meter.Int64Histogram(
		"hmq.queue.content.size.bytes",
		metric.WithDescription("Content size distribution of queued messages"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create contentSize histogram: %w", err)
	}

	return m, nil
}

func queueAttr(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("queue", name))
}

// RecordEnqueued records a message stored into a queue.
func (m *Metrics) RecordEnqueued(queue string, size int) {
	ctx := context.Background()
	m.enqueued.Add(ctx, 1, queueAttr(queue))
	m.stored.Add(ctx, 1, queueAttr(queue))
	m.contentSize.Record(ctx, int64(size), queueAttr(queue))
}

// RecordDelivered records a message sent to a receiver.
func (m *Metrics) RecordDelivered(queue string) {
	m.delivered.Add(context.Background(), 1, queueAttr(queue))
}

// RecordAcknowledged records an acknowledge by outcome.
func (m *Metrics) RecordAcknowledged(queue string, success bool) {
	m.acknowledged.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.Bool("success", success),
	))
}

// RecordAckTimeout records an expired acknowledge deadline.
func (m *Metrics) RecordAckTimeout(queue string) {
	m.ackTimeouts.Add(context.Background(), 1, queueAttr(queue))
}

// RecordDequeued records a message leaving a queue.
func (m *Metrics) RecordDequeued(queue string) {
	ctx := context.Background()
	m.dequeued.Add(ctx, 1, queueAttr(queue))
	m.stored.Add(ctx, -1, queueAttr(queue))
}

// RecordExpired records a message dropped after its deadline.
func (m *Metrics) RecordExpired(queue string) {
	m.expired.Add(context.Background(), 1, queueAttr(queue))
}

// ObserveBroker exports the broker connection and traffic counters as
// asynchronous instruments read on each collection.
func (m *Metrics) ObserveBroker(stats *broker.Stats) error {
	connections, err := m.meter.Int64ObservableUpDownCounter(
		"hmq.connections.current",
		metric.WithDescription("Current number of connected clients"),
	)
	if err != nil {
		return fmt.Errorf("failed to create connections gauge: %w", err)
	}

	connectionsTotal, err := m.meter.Int64ObservableCounter(
		"hmq.connections.total",
		metric.WithDescription("Total accepted client connections"),
	)
	if err != nil {
		return fmt.Errorf("failed to create connections counter: %w", err)
	}

	messages, err := m.meter.Int64ObservableCounter(
		"hmq.messages.total",
		metric.WithDescription("Frames exchanged with clients, by direction"),
	)
	if err != nil {
		return fmt.Errorf("failed to create messages counter: %w", err)
	}

	bytes, err := m.meter.Int64ObservableCounter(
		"hmq.bytes.total",
		metric.WithDescription("Bytes exchanged with clients, by direction"),
	)
	if err != nil {
		return fmt.Errorf("failed to create bytes counter: %w", err)
	}

	errs, err := m.meter.Int64ObservableCounter(
		"hmq.errors.total",
		metric.WithDescription("Rejected frames and connections, by type"),
	)
	if err != nil {
		return fmt.Errorf("failed to create errors counter: %w", err)
	}

	in := metric.WithAttributes(attribute.String("direction", "in"))
	out := metric.WithAttributes(attribute.String("direction", "out"))

	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats.Snapshot()
		o.ObserveInt64(connections, int64(s.CurrentConnections))
		o.ObserveInt64(connectionsTotal, int64(s.TotalConnections))
		o.ObserveInt64(messages, int64(s.MessagesReceived), in)
		o.ObserveInt64(messages, int64(s.MessagesSent), out)
		o.ObserveInt64(bytes, int64(s.BytesReceived), in)
		o.ObserveInt64(bytes, int64(s.BytesSent), out)
		o.ObserveInt64(errs, int64(s.ProtocolErrors), metric.WithAttributes(attribute.String("type", "protocol")))
		o.ObserveInt64(errs, int64(s.AuthErrors), metric.WithAttributes(attribute.String("type", "auth")))
		o.ObserveInt64(errs, int64(s.RateLimited), metric.WithAttributes(attribute.String("type", "rate_limited")))
		return nil
	}, connections, connectionsTotal, messages, bytes, errs)
	if err != nil {
		return fmt.Errorf("failed to register broker callback: %w", err)
	}
	return nil
}
