// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

// Status codes carried in the ContentType field of response frames.
const (
	StatusOK            uint16 = 200
	StatusAccepted      uint16 = 202
	StatusNoContent     uint16 = 204
	StatusBadRequest    uint16 = 400
	StatusUnauthorized  uint16 = 401
	StatusNotFound      uint16 = 404
	StatusUnacceptable  uint16 = 406
	StatusDuplicate     uint16 = 409
	StatusLimitExceeded uint16 = 429
	StatusFailed        uint16 = 500
	StatusNoReceivers   uint16 = 503
)

// Server control operations carried in the ContentType field of
// KindServerControl frames.
const (
	ControlHello         uint16 = 100
	ControlCreateQueue   uint16 = 101
	ControlRemoveQueue   uint16 = 102
	ControlUpdateQueue   uint16 = 103
	ControlClearMessages uint16 = 104
	ControlQueueList     uint16 = 105
	ControlSubscribe     uint16 = 106
	ControlUnsubscribe   uint16 = 107
)

// IsSuccess reports whether a response status is positive.
func IsSuccess(status uint16) bool {
	return status >= 200 && status < 300
}

// StatusText returns a short description of a response status.
func StatusText(status uint16) string {
	switch status {
	case StatusOK:
		return "ok"
	case StatusAccepted:
		return "accepted"
	case StatusNoContent:
		return "no content"
	case StatusBadRequest:
		return "bad request"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusNotFound:
		return "not found"
	case StatusUnacceptable:
		return "unacceptable"
	case StatusDuplicate:
		return "duplicate"
	case StatusLimitExceeded:
		return "limit exceeded"
	case StatusFailed:
		return "failed"
	case StatusNoReceivers:
		return "no receivers"
	default:
		return "unknown"
	}
}
