// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		desc string
		msg  *Message
	}{
		{
			desc: "empty queue message",
			msg:  &Message{Kind: KindQueueMessage},
		},
		{
			desc: "addressed message with content",
			msg: &Message{
				ID:          "msg-1",
				Kind:        KindQueueMessage,
				Source:      "producer",
				Target:      "orders",
				ContentType: 42,
				Content:     []byte("hello"),
			},
		},
		{
			desc: "all flags and headers",
			msg: &Message{
				ID:           "id",
				Kind:         KindDirectMessage,
				Source:       "a",
				Target:       "b",
				ContentType:  65535,
				HighPriority: true,
				WaitResponse: true,
				Headers: []Header{
					{Key: "Count", Value: "10"},
					{Key: "count", Value: "11"},
					{Key: "Url", Value: "http://host:80/path"},
					{Key: "Empty", Value: ""},
				},
				Content: []byte{0x00, 0x01, 0xFF},
			},
		},
		{
			desc: "utf-8 names",
			msg: &Message{
				ID:     "идентификатор",
				Kind:   KindResponse,
				Source: "源",
				Target: "🎯",
			},
		},
		{
			desc: "maximum length names",
			msg: &Message{
				ID:     strings.Repeat("i", 255),
				Kind:   KindPullRequest,
				Source: strings.Repeat("s", 255),
				Target: strings.Repeat("t", 255),
			},
		},
		{
			desc: "additional content",
			msg: &Message{
				Kind:              KindServerControl,
				Content:           []byte("primary"),
				AdditionalContent: []byte("secondary"),
			},
		},
		{
			desc: "additional content without primary",
			msg: &Message{
				Kind:              KindEvent,
				AdditionalContent: []byte{1, 2, 3},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			data, err := Encode(tc.msg)
			require.NoError(t, err)

			got, err := Decode(bytes.NewReader(data))
			require.NoError(t, err)
			assert.Equal(t, tc.msg, got)
		})
	}
}

func TestEncodeLengthTiers(t *testing.T) {
	cases := []struct {
		desc      string
		length    int
		marker    byte
		extension int
	}{
		{desc: "zero", length: 0, marker: 0, extension: 0},
		{desc: "largest literal", length: 252, marker: 252, extension: 0},
		{desc: "smallest uint16", length: 253, marker: lengthUint16, extension: 2},
		{desc: "largest uint16", length: 65535, marker: lengthUint16, extension: 2},
		{desc: "smallest uint32", length: 65536, marker: lengthUint32, extension: 4},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			content := bytes.Repeat([]byte{0xAB}, tc.length)
			msg := &Message{Kind: KindQueueMessage, Content: content}

			data, err := Encode(msg)
			require.NoError(t, err)
			require.Len(t, data, PrefixSize+tc.extension+tc.length)
			assert.Equal(t, tc.marker, data[7])

			switch tc.extension {
			case 2:
				assert.Equal(t, uint16(tc.length), binary.LittleEndian.Uint16(data[8:10]))
			case 4:
				assert.Equal(t, uint32(tc.length), binary.LittleEndian.Uint32(data[8:12]))
			}

			got, err := Decode(bytes.NewReader(data))
			require.NoError(t, err)
			assert.Len(t, got.Content, tc.length)
			assert.True(t, bytes.Equal(msg.Content, got.Content))
		})
	}
}

func TestDecodeUint64Length(t *testing.T) {
	content := []byte("tiny")
	frame := []byte{byte(KindQueueMessage), 0, 0, 0, 0, 0, 0, lengthUint64}
	var ext [8]byte
	binary.LittleEndian.PutUint64(ext[:], uint64(len(content)))
	frame = append(frame, ext[:]...)
	frame = append(frame, content...)

	got, err := Decode(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, content, got.Content)
}

func TestEncodeControlByte(t *testing.T) {
	msg := &Message{
		Kind:         KindQueueMessage,
		WaitResponse: true,
		HighPriority: true,
		Headers:      []Header{{Key: "k", Value: "v"}},
		ContentType:  0x0102,
	}

	data, err := Encode(msg)
	require.NoError(t, err)

	assert.Equal(t, byte(0x80|0x40|0x20|0x11), data[0])
	assert.Equal(t, byte(0), data[1])
	assert.Equal(t, []byte{0x02, 0x01}, data[5:7])
}

func TestEncodePingPong(t *testing.T) {
	ping, err := Encode(&Message{
		Kind:    KindPing,
		ID:      "ignored",
		Headers: []Header{{Key: "a", Value: "b"}},
		Content: []byte("ignored"),
	})
	require.NoError(t, err)
	assert.Equal(t, PingFrame[:], ping)

	pong, err := Encode(&Message{Kind: KindPong, WaitResponse: true})
	require.NoError(t, err)
	assert.Equal(t, PongFrame[:], pong)

	got, err := Decode(bytes.NewReader(ping))
	require.NoError(t, err)
	assert.Equal(t, &Message{Kind: KindPing}, got)
}

func TestEncodeErrors(t *testing.T) {
	cases := []struct {
		desc string
		msg  *Message
		err  error
	}{
		{desc: "nil message", msg: nil, err: ErrNilMessage},
		{desc: "kind out of range", msg: &Message{Kind: 0x20}, err: ErrInvalidKind},
		{desc: "id too long", msg: &Message{ID: strings.Repeat("x", 256)}, err: ErrFieldTooLong},
		{desc: "source too long", msg: &Message{Source: strings.Repeat("x", 256)}, err: ErrFieldTooLong},
		{desc: "target too long", msg: &Message{Target: strings.Repeat("x", 256)}, err: ErrFieldTooLong},
		{desc: "CRLF in value", msg: &Message{Headers: []Header{{Key: "k", Value: "a\r\nb"}}}, err: ErrInvalidHeader},
		{desc: "colon in key", msg: &Message{Headers: []Header{{Key: "a:b", Value: "c"}}}, err: ErrInvalidHeader},
		{
			desc: "header block too large",
			msg:  &Message{Headers: []Header{{Key: "k", Value: strings.Repeat("v", 70000)}}},
			err:  ErrHeaderTooLarge,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := Encode(tc.msg)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestDecodeTruncated(t *testing.T) {
	msg := &Message{
		ID:      "id",
		Kind:    KindQueueMessage,
		Target:  "queue",
		Headers: []Header{{Key: "k", Value: "v"}},
		Content: bytes.Repeat([]byte("x"), 300),
	}
	data, err := Encode(msg)
	require.NoError(t, err)

	t.Run("clean end of stream", func(t *testing.T) {
		_, err := Decode(bytes.NewReader(nil))
		assert.ErrorIs(t, err, io.EOF)
	})

	for _, cut := range []int{1, 7, 9, 12, 20, len(data) - 1} {
		_, err := Decode(bytes.NewReader(data[:cut]))
		assert.ErrorIs(t, err, ErrTruncatedFrame, "cut at %d", cut)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF, "cut at %d", cut)
	}
}

func TestDecodeCorruptLength(t *testing.T) {
	uint64Frame := func(length uint64, body string) []byte {
		frame := []byte{byte(KindQueueMessage), 0, 0, 0, 0, 0, 0, lengthUint64}
		frame = binary.LittleEndian.AppendUint64(frame, length)
		return append(frame, body...)
	}
	additionalFrame := []byte{byte(KindQueueMessage), flagAdditional, 0, 0, 0, 0, 0, 0}
	additionalFrame = binary.LittleEndian.AppendUint32(additionalFrame, math.MaxUint32)
	additionalFrame = append(additionalFrame, "short"...)

	cases := []struct {
		desc  string
		frame []byte
	}{
		{desc: "content length beyond the stream", frame: uint64Frame(1<<60, "12345678")},
		{desc: "content length just above the read chunk", frame: uint64Frame(readChunk+1, "abc")},
		{desc: "additional content beyond the stream", frame: additionalFrame},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			var err error
			assert.NotPanics(t, func() {
				_, err = Decode(bytes.NewReader(tc.frame))
			})
			assert.ErrorIs(t, err, ErrTruncatedFrame)
			assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		})
	}
}

func TestDecodeLargeContent(t *testing.T) {
	content := bytes.Repeat([]byte("hmq"), readChunk)
	data, err := Encode(&Message{Kind: KindQueueMessage, Content: content})
	require.NoError(t, err)

	got, err := Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got.Content))
}

func TestDecodeSkipsHeaderLinesWithoutColon(t *testing.T) {
	block := "garbage\r\nKey:Value\r\n\r\nother:a:b\r\n"
	frame := []byte{byte(KindQueueMessage) | flagHasHeader, 0, 0, 0, 0, 0, 0, 0}
	var hl [2]byte
	binary.LittleEndian.PutUint16(hl[:], uint16(len(block)))
	frame = append(frame, hl[:]...)
	frame = append(frame, block...)

	got, err := Decode(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, []Header{
		{Key: "Key", Value: "Value"},
		{Key: "other", Value: "a:b"},
	}, got.Headers)
}

func TestReaderMaxContentLength(t *testing.T) {
	data, err := Encode(&Message{Kind: KindQueueMessage, Content: make([]byte, 1024)})
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(data), 512)
	_, err = r.Read()
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	r = NewReader(bytes.NewReader(data), 1024)
	got, err := r.Read()
	require.NoError(t, err)
	assert.Len(t, got.Content, 1024)
}

func TestReaderConsecutiveFrames(t *testing.T) {
	var stream bytes.Buffer
	first := &Message{ID: "1", Kind: KindQueueMessage, Content: []byte("one")}
	second := &Message{ID: "2", Kind: KindResponse, ContentType: StatusOK}
	require.NoError(t, Write(&stream, first))
	stream.Write(PingFrame[:])
	require.NoError(t, Write(&stream, second))

	r := NewReader(&stream, 0)

	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, KindPing, got.Kind)

	got, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, second, got)

	_, err = r.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestHandshake(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf))
	assert.Equal(t, "HMQP/1.0", buf.String())
	require.NoError(t, ReadHandshake(&buf))

	err := ReadHandshake(strings.NewReader("HTTP/1.1"))
	assert.ErrorIs(t, err, ErrBadHandshake)

	err = ReadHandshake(strings.NewReader("HMQ"))
	assert.ErrorIs(t, err, ErrBadHandshake)
}
