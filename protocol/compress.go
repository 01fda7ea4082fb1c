// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Encoding names a content compression scheme carried in the
// Content-Encoding header.
type Encoding string

const (
	EncodingS2   Encoding = "s2"
	EncodingZstd Encoding = "zstd"
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// Compress replaces the content of msg with its compressed form and records
// the encoding in the Content-Encoding header. Already encoded messages are
// left untouched.
func Compress(msg *Message, enc Encoding) error {
	if _, ok := msg.FindHeader(HeaderContentEncoding); ok {
		return nil
	}

	switch enc {
	case EncodingS2:
		msg.Content = s2.Encode(nil, msg.Content)
	case EncodingZstd:
		msg.Content = zstdEncoder.EncodeAll(msg.Content, nil)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEncoding, enc)
	}

	msg.SetHeader(HeaderContentEncoding, string(enc))
	return nil
}

// Decompress restores compressed content and removes the Content-Encoding
// header. Messages without the header are left untouched.
func Decompress(msg *Message) error {
	value, ok := msg.FindHeader(HeaderContentEncoding)
	if !ok {
		return nil
	}

	var (
		data []byte
		err  error
	)
	switch Encoding(value) {
	case EncodingS2:
		data, err = s2.Decode(nil, msg.Content)
	case EncodingZstd:
		data, err = zstdDecoder.DecodeAll(msg.Content, nil)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEncoding, value)
	}
	if err != nil {
		return fmt.Errorf("failed to decompress content: %w", err)
	}

	msg.Content = data
	msg.RemoveHeader(HeaderContentEncoding)
	return nil
}
