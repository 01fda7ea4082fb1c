// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker statistics.
type Stats struct {
	startTime time.Time

	// Connection stats
	totalConnections   atomic.Uint64
	currentConnections atomic.Uint64
	disconnections     atomic.Uint64

	// Frame stats
	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	pushReceived     atomic.Uint64
	pullRequests     atomic.Uint64
	acknowledges     atomic.Uint64
	directMessages   atomic.Uint64
	controlRequests  atomic.Uint64

	// Byte stats
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	// Error stats
	protocolErrors atomic.Uint64
	authErrors     atomic.Uint64
	rateLimited    atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Uptime             string `json:"uptime"`
	TotalConnections   uint64 `json:"total_connections"`
	CurrentConnections uint64 `json:"current_connections"`
	Disconnections     uint64 `json:"disconnections"`
	MessagesReceived   uint64 `json:"messages_received"`
	MessagesSent       uint64 `json:"messages_sent"`
	PushReceived       uint64 `json:"push_received"`
	PullRequests       uint64 `json:"pull_requests"`
	Acknowledges       uint64 `json:"acknowledges"`
	DirectMessages     uint64 `json:"direct_messages"`
	ControlRequests    uint64 `json:"control_requests"`
	BytesReceived      uint64 `json:"bytes_received"`
	BytesSent          uint64 `json:"bytes_sent"`
	ProtocolErrors     uint64 `json:"protocol_errors"`
	AuthErrors         uint64 `json:"auth_errors"`
	RateLimited        uint64 `json:"rate_limited"`
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Connection tracking.
func (s *Stats) IncrementConnections() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) DecrementConnections() {
	s.currentConnections.Add(^uint64(0))
	s.disconnections.Add(1)
}

func (s *Stats) GetTotalConnections() uint64 {
	return s.totalConnections.Load()
}

func (s *Stats) GetCurrentConnections() uint64 {
	return s.currentConnections.Load()
}

// Frame tracking.
func (s *Stats) IncrementMessagesReceived() {
	s.messagesReceived.Add(1)
}

func (s *Stats) IncrementMessagesSent() {
	s.messagesSent.Add(1)
}

func (s *Stats) IncrementPushReceived() {
	s.pushReceived.Add(1)
}

func (s *Stats) IncrementPullRequests() {
	s.pullRequests.Add(1)
}

func (s *Stats) IncrementAcknowledges() {
	s.acknowledges.Add(1)
}

func (s *Stats) IncrementDirectMessages() {
	s.directMessages.Add(1)
}

func (s *Stats) IncrementControlRequests() {
	s.controlRequests.Add(1)
}

func (s *Stats) GetMessagesReceived() uint64 {
	return s.messagesReceived.Load()
}

func (s *Stats) GetMessagesSent() uint64 {
	return s.messagesSent.Load()
}

func (s *Stats) GetPushReceived() uint64 {
	return s.pushReceived.Load()
}

// Byte tracking.
func (s *Stats) AddBytesReceived(n uint64) {
	s.bytesReceived.Add(n)
}

func (s *Stats) AddBytesSent(n uint64) {
	s.bytesSent.Add(n)
}

func (s *Stats) GetBytesReceived() uint64 {
	return s.bytesReceived.Load()
}

func (s *Stats) GetBytesSent() uint64 {
	return s.bytesSent.Load()
}

// Error tracking.
func (s *Stats) IncrementProtocolErrors() {
	s.protocolErrors.Add(1)
}

func (s *Stats) IncrementAuthErrors() {
	s.authErrors.Add(1)
}

func (s *Stats) IncrementRateLimited() {
	s.rateLimited.Add(1)
}

func (s *Stats) GetProtocolErrors() uint64 {
	return s.protocolErrors.Load()
}

func (s *Stats) GetAuthErrors() uint64 {
	return s.authErrors.Load()
}

func (s *Stats) GetRateLimited() uint64 {
	return s.rateLimited.Load()
}

// Uptime.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Uptime:             s.GetUptime().Truncate(time.Second).String(),
		TotalConnections:   s.totalConnections.Load(),
		CurrentConnections: s.currentConnections.Load(),
		Disconnections:     s.disconnections.Load(),
		MessagesReceived:   s.messagesReceived.Load(),
		MessagesSent:       s.messagesSent.Load(),
		PushReceived:       s.pushReceived.Load(),
		PullRequests:       s.pullRequests.Load(),
		Acknowledges:       s.acknowledges.Load(),
		DirectMessages:     s.directMessages.Load(),
		ControlRequests:    s.controlRequests.Load(),
		BytesReceived:      s.bytesReceived.Load(),
		BytesSent:          s.bytesSent.Load(),
		ProtocolErrors:     s.protocolErrors.Load(),
		AuthErrors:         s.authErrors.Load(),
		RateLimited:        s.rateLimited.Load(),
	}
}
