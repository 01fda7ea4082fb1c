// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"sync"
	"time"

	"github.com/absmach/hmq/config"
	"golang.org/x/time/rate"
)

// IPRateLimiter limits connection attempts per IP address.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates an IP limiter allowing r connections per second
// with the given burst. Entries idle for two cleanup intervals are dropped.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from addr is allowed. Addresses
// without an IP are always allowed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	now := time.Now()
	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.removeStale(now)
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) removeStale(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := now.Add(-l.cleanup * 2)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// ClientRateLimiter limits one kind of operation per client id.
type ClientRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewClientRateLimiter creates a limiter allowing r operations per second
// per client with the given burst.
func NewClientRateLimiter(r float64, burst int) *ClientRateLimiter {
	return &ClientRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow reports whether clientID may perform one more operation.
func (l *ClientRateLimiter) Allow(clientID string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[clientID]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[clientID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Remove drops the limiter of a disconnected client.
func (l *ClientRateLimiter) Remove(clientID string) {
	l.mu.Lock()
	delete(l.limiters, clientID)
	l.mu.Unlock()
}

// extractIP extracts the IP address from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Manager coordinates the connection, push and pull limiters. A nil or
// disabled Manager allows everything.
type Manager struct {
	ip   *IPRateLimiter
	push *ClientRateLimiter
	pull *ClientRateLimiter
}

// NewManager creates the limiters enabled in cfg.
func NewManager(cfg config.RateLimitConfig) *Manager {
	m := &Manager{}
	if !cfg.Enabled {
		return m
	}
	if cfg.Connection.Enabled {
		m.ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Push.Enabled {
		m.push = NewClientRateLimiter(cfg.Push.Rate, cfg.Push.Burst)
	}
	if cfg.Pull.Enabled {
		m.pull = NewClientRateLimiter(cfg.Pull.Rate, cfg.Pull.Burst)
	}
	return m
}

// Allow reports whether a new connection from addr is accepted. It is used
// by the TCP and WebSocket servers.
func (m *Manager) Allow(addr net.Addr) bool {
	if m == nil || m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowPush reports whether clientID may push another message.
func (m *Manager) AllowPush(clientID string) bool {
	if m == nil || m.push == nil {
		return true
	}
	return m.push.Allow(clientID)
}

// AllowPull reports whether clientID may issue another pull request.
func (m *Manager) AllowPull(clientID string) bool {
	if m == nil || m.pull == nil {
		return true
	}
	return m.pull.Allow(clientID)
}

// OnClientDisconnect drops the per-client limiters of clientID.
func (m *Manager) OnClientDisconnect(clientID string) {
	if m == nil {
		return
	}
	if m.push != nil {
		m.push.Remove(clientID)
	}
	if m.pull != nil {
		m.pull.Remove(clientID)
	}
}

// Stop stops background cleanup.
func (m *Manager) Stop() {
	if m != nil && m.ip != nil {
		m.ip.Stop()
	}
}
