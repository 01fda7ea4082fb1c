// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageHeaders(t *testing.T) {
	msg := NewMessage(KindQueueMessage, "q", nil)
	assert.False(t, msg.HasHeader())

	msg.AddHeader("Request-Id", "1")
	msg.AddHeader("request-id", "2")
	msg.AddHeader("Count", "5")
	assert.True(t, msg.HasHeader())

	v, ok := msg.FindHeader("REQUEST-ID")
	require.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, []string{"1", "2"}, msg.FindHeaders("Request-Id"))

	msg.SetHeader("request-ID", "3")
	assert.Equal(t, []string{"3"}, msg.FindHeaders("Request-Id"))
	assert.Equal(t, []Header{{Key: "Count", Value: "5"}, {Key: "request-ID", Value: "3"}}, msg.Headers)

	msg.RemoveHeader("count")
	msg.RemoveHeader("Request-Id")
	assert.False(t, msg.HasHeader())
	assert.Equal(t, "", msg.HeaderValue("Count"))
}

func TestMessageCloneIsIndependent(t *testing.T) {
	orig := &Message{
		ID:                "id",
		Kind:              KindQueueMessage,
		Headers:           []Header{{Key: "a", Value: "1"}},
		Content:           []byte("abc"),
		AdditionalContent: []byte("x"),
	}

	c := orig.Clone()
	assert.Equal(t, orig, c)

	c.Headers[0].Value = "2"
	c.AddHeader("b", "3")
	c.Content[0] = 'z'
	c.AdditionalContent[0] = 'y'

	assert.Equal(t, "1", orig.HeaderValue("a"))
	assert.Len(t, orig.Headers, 1)
	assert.Equal(t, []byte("abc"), orig.Content)
	assert.Equal(t, []byte("x"), orig.AdditionalContent)

	var nilMsg *Message
	assert.Nil(t, nilMsg.Clone())
}

func TestContentReaderStartsAtBeginning(t *testing.T) {
	msg := &Message{Content: []byte("payload")}

	first, err := io.ReadAll(msg.ContentReader())
	require.NoError(t, err)
	second, err := io.ReadAll(msg.ContentReader())
	require.NoError(t, err)

	assert.Equal(t, "payload", string(first))
	assert.Equal(t, first, second)
}

func TestCreateResponse(t *testing.T) {
	msg := &Message{ID: "m1", Kind: KindQueueMessage, Source: "producer", Target: "orders"}

	resp := msg.CreateResponse(StatusLimitExceeded)
	assert.Equal(t, "m1", resp.ID)
	assert.Equal(t, KindResponse, resp.Kind)
	assert.Equal(t, "orders", resp.Source)
	assert.Equal(t, "producer", resp.Target)
	assert.False(t, IsSuccess(resp.ContentType))
}

func TestCreateAcknowledge(t *testing.T) {
	msg := &Message{ID: "m1", Kind: KindQueueMessage, Target: "orders"}

	ack := msg.CreateAcknowledge("")
	assert.Equal(t, StatusOK, ack.ContentType)
	assert.Equal(t, "orders", ack.Target)
	assert.False(t, ack.HasHeader())

	nack := msg.CreateAcknowledge("invalid payload")
	assert.Equal(t, StatusFailed, nack.ContentType)
	assert.Equal(t, "invalid payload", nack.HeaderValue(HeaderNegativeReason))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "queue", KindQueueMessage.String())
	assert.Equal(t, "pull", KindPullRequest.String())
	assert.Equal(t, "unknown", Kind(0x1F).String())
	assert.True(t, Kind(0x1F).Valid())
	assert.False(t, Kind(0x20).Valid())
}
