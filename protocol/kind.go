// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

// Kind identifies what a frame carries. The code occupies the low five bits
// of the control byte.
type Kind byte

const (
	KindOther         Kind = 0x00
	KindTerminate     Kind = 0x08
	KindPing          Kind = 0x09
	KindPong          Kind = 0x0A
	KindServerControl Kind = 0x10
	KindQueueMessage  Kind = 0x11
	KindDirectMessage Kind = 0x12
	KindResponse      Kind = 0x14
	KindPullRequest   Kind = 0x15
	KindEvent         Kind = 0x16
	KindRouter        Kind = 0x17
	KindChannel       Kind = 0x18
	KindCache         Kind = 0x19
	KindPipe          Kind = 0x1A
	KindTransaction   Kind = 0x1B
)

const kindMask = 0x1F

// Valid reports whether k fits in the five kind bits.
func (k Kind) Valid() bool {
	return k <= kindMask
}

func (k Kind) String() string {
	switch k {
	case KindOther:
		return "other"
	case KindTerminate:
		return "terminate"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindServerControl:
		return "server"
	case KindQueueMessage:
		return "queue"
	case KindDirectMessage:
		return "direct"
	case KindResponse:
		return "response"
	case KindPullRequest:
		return "pull"
	case KindEvent:
		return "event"
	case KindRouter:
		return "router"
	case KindChannel:
		return "channel"
	case KindCache:
		return "cache"
	case KindPipe:
		return "pipe"
	case KindTransaction:
		return "transaction"
	default:
		return "unknown"
	}
}
