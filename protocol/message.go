// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"strings"
)

// Message is the unit of transport. The same value is used by producers,
// the broker and consumers.
type Message struct {
	ID           string
	Kind         Kind
	Source       string
	Target       string
	ContentType  uint16
	HighPriority bool
	WaitResponse bool

	// Headers keep insertion order and may repeat a key.
	Headers []Header

	Content []byte

	// AdditionalContent is an independent out-of-band block.
	AdditionalContent []byte
}

// NewMessage creates a message of the given kind addressed to target.
func NewMessage(kind Kind, target string, content []byte) *Message {
	return &Message{
		Kind:    kind,
		Target:  target,
		Content: content,
	}
}

// HasHeader reports whether the message carries a header block.
func (m *Message) HasHeader() bool {
	return len(m.Headers) > 0
}

// AddHeader appends a header, keeping any existing value with the same key.
func (m *Message) AddHeader(key, value string) {
	m.Headers = append(m.Headers, Header{Key: key, Value: value})
}

// SetHeader replaces every value of key with a single value.
func (m *Message) SetHeader(key, value string) {
	m.RemoveHeader(key)
	m.AddHeader(key, value)
}

// FindHeader returns the first value of key.
func (m *Message) FindHeader(key string) (string, bool) {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value, true
		}
	}
	return "", false
}

// HeaderValue returns the first value of key or an empty string.
func (m *Message) HeaderValue(key string) string {
	v, _ := m.FindHeader(key)
	return v
}

// FindHeaders returns every value of key in insertion order.
func (m *Message) FindHeaders(key string) []string {
	var values []string
	for _, h := range m.Headers {
		if strings.EqualFold(h.Key, key) {
			values = append(values, h.Value)
		}
	}
	return values
}

// RemoveHeader removes every value of key.
func (m *Message) RemoveHeader(key string) {
	if len(m.Headers) == 0 {
		return
	}
	kept := m.Headers[:0]
	for _, h := range m.Headers {
		if !strings.EqualFold(h.Key, key) {
			kept = append(kept, h)
		}
	}
	for i := len(kept); i < len(m.Headers); i++ {
		m.Headers[i] = Header{}
	}
	m.Headers = kept
	if len(m.Headers) == 0 {
		m.Headers = nil
	}
}

// ContentReader returns a reader positioned at the start of the content.
func (m *Message) ContentReader() *bytes.Reader {
	return bytes.NewReader(m.Content)
}

// ContentString returns the content as a string.
func (m *Message) ContentString() string {
	return string(m.Content)
}

// Clone returns a deep copy so fan-out deliveries never share mutable state.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Headers != nil {
		c.Headers = make([]Header, len(m.Headers))
		copy(c.Headers, m.Headers)
	}
	if m.Content != nil {
		c.Content = append([]byte(nil), m.Content...)
	}
	if m.AdditionalContent != nil {
		c.AdditionalContent = append([]byte(nil), m.AdditionalContent...)
	}
	return &c
}

// CreateResponse builds a response to m carrying status. Addressing is
// reversed so the response travels back to the sender.
func (m *Message) CreateResponse(status uint16) *Message {
	return &Message{
		ID:          m.ID,
		Kind:        KindResponse,
		Source:      m.Target,
		Target:      m.Source,
		ContentType: status,
	}
}

// CreateAcknowledge builds the consumer acknowledgement for a delivered
// queue message. An empty reason produces a positive acknowledgement.
func (m *Message) CreateAcknowledge(negativeReason string) *Message {
	ack := &Message{
		ID:          m.ID,
		Kind:        KindResponse,
		Target:      m.Target,
		ContentType: StatusOK,
	}
	if negativeReason != "" {
		ack.ContentType = StatusFailed
		ack.AddHeader(HeaderNegativeReason, negativeReason)
	}
	return ack
}
