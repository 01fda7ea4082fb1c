// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/hmq/broker"
	"github.com/absmach/hmq/broker/webhook"
	"github.com/absmach/hmq/config"
	hmqtls "github.com/absmach/hmq/pkg/tls"
	"github.com/absmach/hmq/queue"
	"github.com/absmach/hmq/ratelimit"
	"github.com/absmach/hmq/server/api"
	"github.com/absmach/hmq/server/health"
	"github.com/absmach/hmq/server/otel"
	"github.com/absmach/hmq/server/tcp"
	"github.com/absmach/hmq/server/websocket"
	"github.com/absmach/hmq/storage"
	"github.com/absmach/hmq/storage/badger"
	"github.com/absmach/hmq/storage/memory"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting HMQ broker", "version", version, "broker_id", cfg.Broker.ID)
	slog.Info("Configuration loaded",
		"tcp_addr", cfg.Server.TCPAddr,
		"tls", cfg.Server.TLSEnabled,
		"ws_enabled", cfg.Server.WSEnabled,
		"api_enabled", cfg.Server.APIEnabled,
		"health_enabled", cfg.Server.HealthEnabled,
		"storage", cfg.Storage.Type,
		"auto_create", cfg.Queue.AutoCreate,
		"log_level", cfg.Log.Level)

	var store storage.Store
	switch cfg.Storage.Type {
	case "memory":
		store = memory.New()
		slog.Info("Using in-memory storage")
	case "badger":
		bs, err := badger.New(badger.Config{Dir: cfg.Storage.BadgerDir, SyncWrites: cfg.Storage.SyncWrites})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB storage", "error", err)
			os.Exit(1)
		}
		store = bs
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer store.Close()

	var notifier webhook.Notifier
	if cfg.Webhook.Enabled {
		n, err := webhook.NewNotifier(cfg.Webhook, cfg.Broker.ID, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to initialize webhooks", "error", err)
			os.Exit(1)
		}
		notifier = n
		slog.Info("Webhooks enabled",
			"endpoints", len(cfg.Webhook.Endpoints),
			"workers", cfg.Webhook.Workers)
	} else {
		slog.Info("Webhooks disabled")
	}

	var (
		otelShutdown otel.ShutdownFunc
		metrics      *otel.Metrics
	)
	if cfg.Server.MetricsEnabled {
		otelShutdown, err = otel.InitProvider(context.Background(), cfg.Server, cfg.Broker.ID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)

		if cfg.Server.OtelMetricsEnabled {
			metrics, err = otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			slog.Info("OTel metrics enabled")
		}
		if cfg.Server.OtelTracesEnabled {
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Server.OtelTraceSampleRate)
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	qcfg := queue.Config{
		DefaultOptions:          cfg.Queue.Defaults,
		AutoCreate:              cfg.Queue.AutoCreate,
		MaxQueues:               cfg.Queue.MaxQueues,
		DeadLetterMaxDeliveries: cfg.Queue.DeadLetterMaxDeliveries,
		DeadLetterSuffix:        cfg.Queue.DeadLetterSuffix,
		Store:                   store,
		Logger:                  logger,
	}
	if notifier != nil {
		qcfg.Reporter = notifier
	}
	// A nil *otel.Metrics must not reach the interface field.
	if metrics != nil {
		qcfg.Metrics = metrics
	}
	qm := queue.NewManager(qcfg)

	b := broker.New(broker.Config{
		MaxContentLength: cfg.Broker.MaxContentLength,
		HelloTimeout:     cfg.Broker.HelloTimeout,
		IdleTimeout:      cfg.Broker.IdleTimeout,
		WriteTimeout:     cfg.Broker.WriteTimeout,
	}, qm, logger)
	b.SetAuthenticator(broker.NewTokenAuthenticator(cfg.Broker.Tokens...))
	if notifier != nil {
		b.SetNotifier(notifier)
	}
	if cfg.Server.MetricsEnabled && cfg.Server.OtelTracesEnabled {
		b.SetTracer(otel.Tracer())
	}
	if metrics != nil {
		if err := metrics.ObserveBroker(b.Stats()); err != nil {
			slog.Error("Failed to register broker metrics", "error", err)
			os.Exit(1)
		}
	}

	if err := qm.Start(context.Background()); err != nil {
		slog.Error("Failed to restore queues", "error", err)
		os.Exit(1)
	}
	for _, def := range cfg.Queue.Queues {
		_, err := qm.CreateQueue(context.Background(), def.Name, def.Options)
		switch {
		case err == nil:
			slog.Info("Declared queue created", "queue", def.Name, "type", def.Options.Type)
		case errors.Is(err, queue.ErrQueueAlreadyExists):
		default:
			slog.Error("Failed to create declared queue", "queue", def.Name, "error", err)
			os.Exit(1)
		}
	}

	limiter := ratelimit.NewManager(cfg.RateLimit)
	defer limiter.Stop()
	if cfg.RateLimit.Enabled {
		b.SetRateLimiter(limiter)
		slog.Info("Rate limiting enabled",
			slog.Bool("connection", cfg.RateLimit.Connection.Enabled),
			slog.Bool("push", cfg.RateLimit.Push.Enabled),
			slog.Bool("pull", cfg.RateLimit.Pull.Enabled))
	} else {
		slog.Info("Rate limiting disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 4)

	tlsCfg, err := loadTLS(cfg.Server)
	if err != nil {
		slog.Error("Failed to build TLS configuration", "error", err)
		os.Exit(1)
	}

	tcpServer := tcp.New(tcp.Config{
		Address:         cfg.Server.TCPAddr,
		TLSConfig:       tlsCfg,
		Logger:          logger,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxConnections:  cfg.Server.TCPMaxConn,
		Limiter:         limiter,
	}, b)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Starting TCP server", "address", cfg.Server.TCPAddr, "security", hmqtls.SecurityStatus(tlsCfg))
		if err := tcpServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.WSEnabled {
		wsServer := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			Limiter:         limiter,
		}, b, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting WebSocket server", "address", cfg.Server.WSAddr, "path", cfg.Server.WSPath)
			if err := wsServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			BrokerID:        cfg.Broker.ID,
		}, b, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Server.HealthAddr)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.APIEnabled {
		apiServer := api.New(api.Config{
			Address:         cfg.Server.APIAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, notifier, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting admin API server", "address", cfg.Server.APIAddr)
			if err := apiServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("HMQ broker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := b.Close(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	cancel()
	wg.Wait()

	qm.Stop()

	if notifier != nil {
		if err := notifier.Close(); err != nil {
			slog.Error("Failed to stop webhook notifier", "error", err)
		}
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("HMQ broker stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func loadTLS(cfg config.ServerConfig) (*tls.Config, error) {
	if !cfg.TLSEnabled {
		return nil, nil
	}
	return hmqtls.LoadTLSConfig(hmqtls.Config{
		CertFile:   cfg.TLSCertFile,
		KeyFile:    cfg.TLSKeyFile,
		CAFile:     cfg.TLSCAFile,
		ClientAuth: cfg.TLSClientAuth,
	})
}
