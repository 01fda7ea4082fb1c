// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/absmach/hmq/internal/bufpool"
)

// Frame layout constants.
const (
	PrefixSize = 8

	flagWaitResponse = 0x80
	flagHighPriority = 0x40
	flagHasHeader    = 0x20
	flagAdditional   = 0x80

	maxFieldLength   = 255
	maxHeaderBlock   = math.MaxUint16
	maxLiteralLength = 252
	lengthUint16     = 253
	lengthUint32     = 254
	lengthUint64     = 255
)

// PingFrame and PongFrame are the complete keep-alive frames.
var (
	PingFrame = [PrefixSize]byte{byte(KindPing)}
	PongFrame = [PrefixSize]byte{byte(KindPong)}
)

// Encode serializes msg into a new byte slice.
func Encode(msg *Message) ([]byte, error) {
	buf := bufpool.Get(sizeHint(msg))
	defer bufpool.Put(buf)

	if err := encode(buf, msg); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// Write serializes msg and writes the frame to w with a single Write call.
func Write(w io.Writer, msg *Message) error {
	buf := bufpool.Get(sizeHint(msg))
	defer bufpool.Put(buf)

	if err := encode(buf, msg); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// sizeHint estimates the encoded size of msg without its headers.
func sizeHint(msg *Message) int {
	if msg == nil {
		return PrefixSize
	}
	return PrefixSize + len(msg.ID) + len(msg.Source) + len(msg.Target) + len(msg.Content) + len(msg.AdditionalContent) + 16
}

func encode(buf *bytes.Buffer, msg *Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	if !msg.Kind.Valid() {
		return ErrInvalidKind
	}

	if msg.Kind == KindPing || msg.Kind == KindPong {
		frame := PingFrame
		if msg.Kind == KindPong {
			frame = PongFrame
		}
		buf.Write(frame[:])
		return nil
	}

	if len(msg.ID) > maxFieldLength || len(msg.Source) > maxFieldLength || len(msg.Target) > maxFieldLength {
		return ErrFieldTooLong
	}
	if uint64(len(msg.AdditionalContent)) > math.MaxUint32 {
		return ErrAdditionalTooBig
	}

	var headers []byte
	if msg.HasHeader() {
		var err error
		if headers, err = encodeHeaders(msg.Headers); err != nil {
			return err
		}
	}

	control := byte(msg.Kind)
	if msg.WaitResponse {
		control |= flagWaitResponse
	}
	if msg.HighPriority {
		control |= flagHighPriority
	}
	if headers != nil {
		control |= flagHasHeader
	}

	var reserved byte
	if len(msg.AdditionalContent) > 0 {
		reserved |= flagAdditional
	}

	var prefix [PrefixSize]byte
	prefix[0] = control
	prefix[1] = reserved
	prefix[2] = byte(len(msg.ID))
	prefix[3] = byte(len(msg.Source))
	prefix[4] = byte(len(msg.Target))
	binary.LittleEndian.PutUint16(prefix[5:7], msg.ContentType)

	length := uint64(len(msg.Content))
	var ext [8]byte
	var extLen int
	switch {
	case length <= maxLiteralLength:
		prefix[7] = byte(length)
	case length <= math.MaxUint16:
		prefix[7] = lengthUint16
		binary.LittleEndian.PutUint16(ext[:], uint16(length))
		extLen = 2
	case length <= math.MaxUint32:
		prefix[7] = lengthUint32
		binary.LittleEndian.PutUint32(ext[:], uint32(length))
		extLen = 4
	default:
		prefix[7] = lengthUint64
		binary.LittleEndian.PutUint64(ext[:], length)
		extLen = 8
	}

	buf.Write(prefix[:])
	buf.Write(ext[:extLen])

	if reserved&flagAdditional != 0 {
		var add [4]byte
		binary.LittleEndian.PutUint32(add[:], uint32(len(msg.AdditionalContent)))
		buf.Write(add[:])
	}

	buf.WriteString(msg.ID)
	buf.WriteString(msg.Source)
	buf.WriteString(msg.Target)

	if headers != nil {
		var hl [2]byte
		binary.LittleEndian.PutUint16(hl[:], uint16(len(headers)))
		buf.Write(hl[:])
		buf.Write(headers)
	}

	buf.Write(msg.Content)
	buf.Write(msg.AdditionalContent)
	return nil
}

func encodeHeaders(headers []Header) ([]byte, error) {
	var sb strings.Builder
	for _, h := range headers {
		if strings.ContainsAny(h.Key, "\r\n:") || strings.ContainsAny(h.Value, "\r\n") {
			return nil, ErrInvalidHeader
		}
		sb.WriteString(h.Key)
		sb.WriteByte(':')
		sb.WriteString(h.Value)
		sb.WriteString("\r\n")
	}
	if sb.Len() > maxHeaderBlock {
		return nil, ErrHeaderTooLarge
	}
	return []byte(sb.String()), nil
}

// Reader decodes consecutive frames from a stream.
type Reader struct {
	r io.Reader

	// MaxContentLength bounds the primary and additional content of a
	// single frame. Zero means no bound.
	MaxContentLength uint64
}

// NewReader creates a frame reader. The caller should buffer r.
func NewReader(r io.Reader, maxContentLength uint64) *Reader {
	return &Reader{r: r, MaxContentLength: maxContentLength}
}

// Decode reads a single frame from r without a content bound.
func Decode(r io.Reader) (*Message, error) {
	return (&Reader{r: r}).Read()
}

// Read reads the next frame. It returns io.EOF when the stream ends cleanly
// between frames and an error wrapping ErrTruncatedFrame when it ends inside
// one. Either way the stream is no longer usable.
func (fr *Reader) Read() (*Message, error) {
	var prefix [PrefixSize]byte
	n, err := io.ReadFull(fr.r, prefix[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return nil, io.EOF
		}
		return nil, truncated(err)
	}

	control := prefix[0]
	msg := &Message{
		Kind:         Kind(control & kindMask),
		WaitResponse: control&flagWaitResponse != 0,
		HighPriority: control&flagHighPriority != 0,
		ContentType:  binary.LittleEndian.Uint16(prefix[5:7]),
	}
	hasHeader := control&flagHasHeader != 0
	hasAdditional := prefix[1]&flagAdditional != 0

	length := uint64(prefix[7])
	switch prefix[7] {
	case lengthUint16:
		b, err := readExact(fr.r, 2)
		if err != nil {
			return nil, err
		}
		length = uint64(binary.LittleEndian.Uint16(b))
	case lengthUint32:
		b, err := readExact(fr.r, 4)
		if err != nil {
			return nil, err
		}
		length = uint64(binary.LittleEndian.Uint32(b))
	case lengthUint64:
		b, err := readExact(fr.r, 8)
		if err != nil {
			return nil, err
		}
		length = binary.LittleEndian.Uint64(b)
	}
	if err := fr.checkLength(length); err != nil {
		return nil, err
	}

	var additional uint64
	if hasAdditional {
		b, err := readExact(fr.r, 4)
		if err != nil {
			return nil, err
		}
		additional = uint64(binary.LittleEndian.Uint32(b))
		if err := fr.checkLength(additional); err != nil {
			return nil, err
		}
	}

	if names := int(prefix[2]) + int(prefix[3]) + int(prefix[4]); names > 0 {
		b, err := readExact(fr.r, names)
		if err != nil {
			return nil, err
		}
		idEnd := int(prefix[2])
		sourceEnd := idEnd + int(prefix[3])
		msg.ID = string(b[:idEnd])
		msg.Source = string(b[idEnd:sourceEnd])
		msg.Target = string(b[sourceEnd:])
	}

	if hasHeader {
		b, err := readExact(fr.r, 2)
		if err != nil {
			return nil, err
		}
		if size := int(binary.LittleEndian.Uint16(b)); size > 0 {
			block, err := readExact(fr.r, size)
			if err != nil {
				return nil, err
			}
			msg.Headers = parseHeaders(block)
		}
	}

	if length > 0 {
		if msg.Content, err = readExact(fr.r, int(length)); err != nil {
			return nil, err
		}
	}
	if additional > 0 {
		if msg.AdditionalContent, err = readExact(fr.r, int(additional)); err != nil {
			return nil, err
		}
	}

	return msg, nil
}

func (fr *Reader) checkLength(length uint64) error {
	if length > uint64(math.MaxInt) {
		return ErrFrameTooLarge
	}
	if fr.MaxContentLength > 0 && length > fr.MaxContentLength {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, fr.MaxContentLength)
	}
	return nil
}

// parseHeaders splits a header block into lines and each line on its first
// colon. Lines without a colon are skipped.
func parseHeaders(block []byte) []Header {
	var headers []Header
	for _, line := range strings.Split(string(block), "\r\n") {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		headers = append(headers, Header{Key: line[:idx], Value: line[idx+1:]})
	}
	return headers
}

// readChunk bounds the allocation made ahead of the bytes actually read,
// so a corrupt length cannot allocate more than the stream delivers.
const readChunk = 64 * 1024

func readExact(r io.Reader, n int) ([]byte, error) {
	if n <= readChunk {
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, truncated(err)
		}
		return b, nil
	}

	var buf bytes.Buffer
	buf.Grow(readChunk)
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		return nil, truncated(err)
	}
	return buf.Bytes(), nil
}

func truncated(err error) error {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: %w", ErrTruncatedFrame, err)
}
