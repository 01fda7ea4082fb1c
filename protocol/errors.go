// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import "errors"

// Codec errors.
var (
	ErrNilMessage       = errors.New("cannot encode nil message")
	ErrInvalidKind      = errors.New("message kind does not fit in five bits")
	ErrFieldTooLong     = errors.New("id, source or target longer than 255 bytes")
	ErrInvalidHeader    = errors.New("header key or value contains CR or LF")
	ErrHeaderTooLarge   = errors.New("header block longer than 65535 bytes")
	ErrTruncatedFrame   = errors.New("truncated frame")
	ErrFrameTooLarge    = errors.New("frame content exceeds maximum length")
	ErrBadHandshake     = errors.New("protocol handshake mismatch")
	ErrUnknownEncoding  = errors.New("unknown content encoding")
	ErrAdditionalTooBig = errors.New("additional content longer than 4GiB")
)
