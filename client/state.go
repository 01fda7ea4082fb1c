// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync/atomic"

// State is the connection state of a client.
type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type connState struct {
	v atomic.Uint32
}

func (s *connState) get() State {
	return State(s.v.Load())
}

func (s *connState) set(to State) {
	s.v.Store(uint32(to))
}

// transition moves from one of the given states to to. It reports whether
// the move happened.
func (s *connState) transition(to State, from ...State) bool {
	for _, f := range from {
		if s.v.CompareAndSwap(uint32(f), uint32(to)) {
			return true
		}
	}
	return false
}
