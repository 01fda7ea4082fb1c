// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/absmach/hmq/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOfflineClient(t *testing.T, opts *Options) *Client {
	t.Helper()

	opts.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCompressionOption(t *testing.T) {
	cases := []struct {
		desc    string
		enc     protocol.Encoding
		wantErr error
	}{
		{desc: "disabled", enc: ""},
		{desc: "s2", enc: protocol.EncodingS2},
		{desc: "zstd", enc: protocol.EncodingZstd},
		{desc: "unknown", enc: "gzip", wantErr: protocol.ErrUnknownEncoding},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			c, err := New(NewOptions().SetCompression(tc.enc, 0))
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			c.Close()
		})
	}
}

func TestCompressOutgoing(t *testing.T) {
	large := bytes.Repeat([]byte("order-line;"), 100)

	cases := []struct {
		desc       string
		enc        protocol.Encoding
		minSize    int
		content    []byte
		compressed bool
	}{
		{desc: "compression disabled", content: large},
		{desc: "below minimum size", enc: protocol.EncodingS2, minSize: 4096, content: large},
		{desc: "s2", enc: protocol.EncodingS2, minSize: 64, content: large, compressed: true},
		{desc: "zstd", enc: protocol.EncodingZstd, content: large, compressed: true},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			c := newOfflineClient(t, NewOptions().SetCompression(tc.enc, tc.minSize))

			msg := protocol.NewMessage(protocol.KindQueueMessage, "orders", bytes.Clone(tc.content))
			require.NoError(t, c.compress(msg))

			if !tc.compressed {
				assert.Equal(t, tc.content, msg.Content)
				assert.Empty(t, msg.HeaderValue(protocol.HeaderContentEncoding))
				return
			}
			assert.Equal(t, string(tc.enc), msg.HeaderValue(protocol.HeaderContentEncoding))
			assert.Less(t, len(msg.Content), len(tc.content))
		})
	}
}

func TestHandleRestoresCompressedContent(t *testing.T) {
	var got []*protocol.Message
	opts := NewOptions().SetOnMessage(func(msg *protocol.Message) {
		got = append(got, msg)
	})
	c := newOfflineClient(t, opts)

	content := bytes.Repeat([]byte("payload"), 50)
	msg := protocol.NewMessage(protocol.KindQueueMessage, "orders", bytes.Clone(content))
	msg.ID = "m1"
	require.NoError(t, protocol.Compress(msg, protocol.EncodingZstd))

	c.handle(msg)

	require.Len(t, got, 1)
	assert.Equal(t, content, got[0].Content)
	assert.Empty(t, got[0].HeaderValue(protocol.HeaderContentEncoding))

	bad := protocol.NewMessage(protocol.KindQueueMessage, "orders", []byte("not compressed"))
	bad.SetHeader(protocol.HeaderContentEncoding, "gzip")
	c.handle(bad)
	assert.Len(t, got, 1)
}
