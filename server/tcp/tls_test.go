// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/hmq/broker"
	"github.com/absmach/hmq/client"
	hmqtls "github.com/absmach/hmq/pkg/tls"
	"github.com/absmach/hmq/pkg/tls/tlstest"
	"github.com/absmach/hmq/protocol"
	"github.com/absmach/hmq/queue"
)

// startBroker runs a broker behind a TCP server on a random port and
// returns the address clients dial.
func startBroker(t *testing.T, tlsConfig *tls.Config) string {
	t.Helper()

	nullLogger := slog.New(slog.NewTextHandler(io.Discard, nil))
	qm := queue.NewManager(queue.Config{
		DefaultOptions: queue.DefaultOptions(),
		AutoCreate:     true,
		Logger:         nullLogger,
	})
	b := broker.New(broker.DefaultConfig(), qm, nullLogger)

	server := New(Config{
		Address:         "127.0.0.1:0",
		TLSConfig:       tlsConfig,
		ShutdownTimeout: 5 * time.Second,
		Logger:          nullLogger,
	}, b)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for server.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		b.Close(closeCtx)
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Logf("server shutdown with error: %v", err)
			}
		case <-time.After(6 * time.Second):
			t.Error("server shutdown timeout")
		}
		qm.Stop()
	})

	return server.Addr().String()
}

func serverTLSConfig(t *testing.T, certs *tlstest.Certs, clientAuth string) *tls.Config {
	t.Helper()

	cfg := hmqtls.Config{
		CertFile:   certs.ServerCertFile,
		KeyFile:    certs.ServerKeyFile,
		ClientAuth: clientAuth,
	}
	if clientAuth != hmqtls.ClientAuthNone {
		cfg.CAFile = certs.CAFile
	}
	tlsConfig, err := hmqtls.LoadTLSConfig(cfg)
	if err != nil {
		t.Fatalf("failed to load server TLS config: %v", err)
	}
	return tlsConfig
}

func newClient(t *testing.T, addr string, tlsConfig *tls.Config) *client.Client {
	t.Helper()

	opts := client.NewOptions().
		SetAddress(addr).
		SetTLSConfig(tlsConfig).
		SetKeepAlive(0).
		SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	opts.ConnectTimeout = 2 * time.Second

	c, err := client.New(opts)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestTLS_BasicConnection(t *testing.T) {
	certs := tlstest.Generate(t)
	addr := startBroker(t, serverTLSConfig(t, certs, hmqtls.ClientAuthNone))

	c := newClient(t, "tls://"+addr, tlstest.ClientConfig(t, certs, false))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with TLS: %v", err)
	}

	ctx := context.Background()
	if err := c.CreateQueue(ctx, "secure", client.QueueOptions{Type: "pull"}); err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	msg := protocol.NewMessage(protocol.KindQueueMessage, "secure", []byte("payload"))
	if err := c.PushWait(ctx, msg); err != nil {
		t.Fatalf("push over TLS failed: %v", err)
	}

	res, err := c.Pull(ctx, client.PullRequest{Queue: "secure", Count: 1})
	if err != nil {
		t.Fatalf("pull over TLS failed: %v", err)
	}
	if len(res.Messages) != 1 || string(res.Messages[0].Content) != "payload" {
		t.Fatalf("unexpected pull result: %+v", res)
	}
}

func TestTLS_RequireClientCert(t *testing.T) {
	certs := tlstest.Generate(t)
	tlsConfig := serverTLSConfig(t, certs, hmqtls.ClientAuthRequire)
	if tlsConfig.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Fatalf("server TLS config ClientAuth not set correctly")
	}
	addr := startBroker(t, tlsConfig)

	t.Run("NoClientCert", func(t *testing.T) {
		c := newClient(t, "tls://"+addr, tlstest.ClientConfig(t, certs, false))
		if err := c.Connect(context.Background()); err == nil {
			t.Fatal("expected connection without client certificate to fail")
		}
	})

	t.Run("WithClientCert", func(t *testing.T) {
		c := newClient(t, "tls://"+addr, tlstest.ClientConfig(t, certs, true))
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("failed to connect with client cert: %v", err)
		}
	})
}

func TestTLS_InvalidCert(t *testing.T) {
	certs := tlstest.Generate(t)
	addr := startBroker(t, serverTLSConfig(t, certs, hmqtls.ClientAuthNone))

	// The client does not trust the test CA.
	c := newClient(t, "tls://"+addr, &tls.Config{MinVersion: tls.VersionTLS12})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected connection to fail with unverified certificate")
	}
}

func TestTLS_MinVersion(t *testing.T) {
	certs := tlstest.Generate(t)
	tlsConfig := serverTLSConfig(t, certs, hmqtls.ClientAuthNone)
	if tlsConfig.MinVersion != tls.VersionTLS12 {
		t.Fatalf("expected MinVersion to be TLS 1.2, got %v", tlsConfig.MinVersion)
	}
	addr := startBroker(t, tlsConfig)

	clientTLSConfig := tlstest.ClientConfig(t, certs, false)
	clientTLSConfig.MaxVersion = tls.VersionTLS11
	conn, err := tls.Dial("tcp", addr, clientTLSConfig)
	if err == nil {
		conn.Close()
		t.Fatal("expected TLS 1.1 connection to be rejected")
	}
}

func TestTLS_NoTLS(t *testing.T) {
	addr := startBroker(t, nil)

	c := newClient(t, addr, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect without TLS: %v", err)
	}
	if c.ID() == "" {
		t.Fatal("expected broker to assign a client id")
	}
}
