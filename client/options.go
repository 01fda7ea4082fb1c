// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/hmq/protocol"
	"github.com/absmach/hmq/transport"
)

// Default values.
const (
	DefaultAddress          = "tcp://localhost:2622"
	DefaultKeepAlive        = 30 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultRequestTimeout   = 10 * time.Second
	DefaultPingTimeout      = 5 * time.Second
	DefaultPullTimeout      = 15 * time.Second
	DefaultMaxInflight      = 1024
	DefaultMaxContentLength = 16 << 20
)

// Options configures the client.
type Options struct {
	// Connection
	Address          string        // Broker URL: tcp://host:port, ws://host:port/path or host:port
	TLSConfig        *tls.Config   // TLS configuration (nil for plain connections)
	ConnectTimeout   time.Duration // Timeout for dialing, handshake and hello
	WriteTimeout     time.Duration // Timeout for a single frame write
	KeepAlive        time.Duration // Ping interval (0 to disable)
	PingTimeout      time.Duration // Extra silence tolerated after a ping
	MaxContentLength uint64        // Largest frame content accepted from the broker

	// Identity sent in the hello frame
	ClientID string
	Name     string
	Type     string
	Token    string

	// Requests
	RequestTimeout time.Duration // Default wait for broker responses
	PullTimeout    time.Duration // Inactivity window of a pull request
	MaxInflight    int           // Maximum requests awaiting a response

	// Compression of pushed content. Content shorter than
	// CompressionMinSize is sent as is.
	Compression        protocol.Encoding
	CompressionMinSize int

	// Callbacks
	OnMessage        func(*protocol.Message) // Messages not claimed by a pull or a consumer
	OnConnectionLost func(error)

	// ErrorHandler receives consumer failures. Defaults to logging.
	ErrorHandler ErrorHandler
	Logger       *slog.Logger
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Address:          DefaultAddress,
		ConnectTimeout:   DefaultConnectTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		KeepAlive:        DefaultKeepAlive,
		PingTimeout:      DefaultPingTimeout,
		MaxContentLength: DefaultMaxContentLength,
		RequestTimeout:   DefaultRequestTimeout,
		PullTimeout:      DefaultPullTimeout,
		MaxInflight:      DefaultMaxInflight,
	}
}

// SetAddress sets the broker URL.
func (o *Options) SetAddress(addr string) *Options {
	o.Address = addr
	return o
}

// SetClientID sets the requested client identifier.
func (o *Options) SetClientID(id string) *Options {
	o.ClientID = id
	return o
}

// SetIdentity sets the client name and type announced to the broker.
func (o *Options) SetIdentity(name, typ string) *Options {
	o.Name = name
	o.Type = typ
	return o
}

// SetToken sets the authentication token.
func (o *Options) SetToken(token string) *Options {
	o.Token = token
	return o
}

// SetTLSConfig sets TLS configuration.
func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

// SetKeepAlive sets the ping interval.
func (o *Options) SetKeepAlive(d time.Duration) *Options {
	o.KeepAlive = d
	return o
}

// SetRequestTimeout sets the default response wait.
func (o *Options) SetRequestTimeout(d time.Duration) *Options {
	o.RequestTimeout = d
	return o
}

// SetPullTimeout sets the inactivity window after which a pull resolves
// with PullTimeout.
func (o *Options) SetPullTimeout(d time.Duration) *Options {
	o.PullTimeout = d
	return o
}

// SetCompression compresses the content of pushed messages of at least
// minSize bytes with enc. Received compressed content is always restored.
func (o *Options) SetCompression(enc protocol.Encoding, minSize int) *Options {
	o.Compression = enc
	o.CompressionMinSize = minSize
	return o
}

// SetOnMessage sets the callback for unclaimed messages.
func (o *Options) SetOnMessage(fn func(*protocol.Message)) *Options {
	o.OnMessage = fn
	return o
}

// SetOnConnectionLost sets the callback invoked when the connection drops.
func (o *Options) SetOnConnectionLost(fn func(error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// SetErrorHandler sets the consumer failure sink.
func (o *Options) SetErrorHandler(h ErrorHandler) *Options {
	o.ErrorHandler = h
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// Validate checks the options and fills zero values with defaults.
func (o *Options) Validate() error {
	if o.Address == "" {
		return ErrNoAddress
	}
	if _, _, err := transport.ParseAddress(o.Address); err != nil {
		return err
	}
	switch o.Compression {
	case "", protocol.EncodingS2, protocol.EncodingZstd:
	default:
		return fmt.Errorf("%w: %q", protocol.ErrUnknownEncoding, o.Compression)
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = DefaultPingTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.PullTimeout <= 0 {
		o.PullTimeout = DefaultPullTimeout
	}
	if o.MaxInflight <= 0 {
		o.MaxInflight = DefaultMaxInflight
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ErrorHandler == nil {
		o.ErrorHandler = LogErrorHandler{Logger: o.Logger}
	}
	return nil
}
