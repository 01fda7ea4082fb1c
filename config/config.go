// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/hmq/queue"
	"gopkg.in/yaml.v3"
)

// Config holds the complete broker configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Queue     QueueConfig     `yaml:"queue"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// ServerConfig holds listener and observability settings.
type ServerConfig struct {
	TCPAddr         string        `yaml:"tcp_addr"`
	TCPMaxConn      int           `yaml:"tcp_max_connections"`
	TCPReadTimeout  time.Duration `yaml:"tcp_read_timeout"`
	TCPWriteTimeout time.Duration `yaml:"tcp_write_timeout"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	TLSCertFile     string        `yaml:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file"`
	TLSCAFile       string        `yaml:"tls_ca_file"`     // CA certificate for client verification
	TLSClientAuth   string        `yaml:"tls_client_auth"` // "none", "request", or "require"

	WSEnabled bool   `yaml:"ws_enabled"`
	WSAddr    string `yaml:"ws_addr"`
	WSPath    string `yaml:"ws_path"`

	APIEnabled bool   `yaml:"api_enabled"`
	APIAddr    string `yaml:"api_addr"`

	HealthEnabled bool   `yaml:"health_enabled"`
	HealthAddr    string `yaml:"health_addr"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	MetricsEnabled      bool    `yaml:"metrics_enabled"`
	MetricsAddr         string  `yaml:"metrics_addr"` // OTLP gRPC endpoint
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// BrokerConfig holds connection handling settings.
type BrokerConfig struct {
	ID               string        `yaml:"id"`
	MaxContentLength uint64        `yaml:"max_content_length"`
	HelloTimeout     time.Duration `yaml:"hello_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`

	// Tokens accepted in the Client-Token hello header. Empty allows
	// anonymous clients.
	Tokens []string `yaml:"tokens"`
}

// QueueConfig holds queue manager settings.
type QueueConfig struct {
	AutoCreate              bool          `yaml:"auto_create"`
	MaxQueues               int           `yaml:"max_queues"`
	DeadLetterMaxDeliveries int           `yaml:"dead_letter_max_deliveries"`
	DeadLetterSuffix        string        `yaml:"dead_letter_suffix"`
	Defaults                queue.Options `yaml:"defaults"`

	// Queues are created at startup when missing.
	Queues []QueueDefinition `yaml:"queues"`
}

// QueueDefinition declares a queue created at startup.
type QueueDefinition struct {
	Name    string        `yaml:"name"`
	Options queue.Options `yaml:"options"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	Type       string `yaml:"type"` // memory, badger
	BadgerDir  string `yaml:"badger_dir"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled    bool                 `yaml:"enabled"`
	Connection ConnectionRateConfig `yaml:"connection"`
	Push       ClientRateConfig     `yaml:"push"`
	Pull       ClientRateConfig     `yaml:"pull"`
}

// ConnectionRateConfig limits new connections per IP.
type ConnectionRateConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`  // connections per second per IP
	Burst           int           `yaml:"burst"` // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ClientRateConfig limits a per-client operation.
type ClientRateConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // operations per second per client
	Burst   int     `yaml:"burst"` // burst allowance
}

// WebhookConfig configures the webhook event and error sink.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"` // "oldest" or "newest"
	Workers         int               `yaml:"workers"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults apply to endpoints without overrides.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig configures exponential retry of webhook deliveries.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig configures the per-endpoint circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint is a single webhook receiver.
type WebhookEndpoint struct {
	Name         string            `yaml:"name"`
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`        // Event type filter (empty = all)
	QueueFilters []string          `yaml:"queue_filters"` // Queue name patterns (empty = all)
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"`
	Retry        *RetryConfig      `yaml:"retry,omitempty"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCPAddr:         ":2622",
			TCPMaxConn:      10000,
			TCPReadTimeout:  60 * time.Second,
			TCPWriteTimeout: 60 * time.Second,
			TLSClientAuth:   "none",
			WSEnabled:       false,
			WSAddr:          ":2623",
			WSPath:          "/hmq",
			APIEnabled:      true,
			APIAddr:         ":8080",
			HealthEnabled:   true,
			HealthAddr:      ":8081",
			ShutdownTimeout: 30 * time.Second,

			MetricsEnabled:      false,
			MetricsAddr:         "localhost:4317",
			OtelServiceName:     "hmq",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Broker: BrokerConfig{
			ID:               "hmq-1",
			MaxContentLength: 16 << 20,
			HelloTimeout:     10 * time.Second,
			IdleTimeout:      120 * time.Second,
			WriteTimeout:     10 * time.Second,
		},
		Queue: QueueConfig{
			AutoCreate:              true,
			DeadLetterMaxDeliveries: 3,
			DeadLetterSuffix:        ".dlq",
			Defaults:                queue.DefaultOptions(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:      "badger",
			BadgerDir: "/tmp/hmq/data",
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Connection: ConnectionRateConfig{
				Enabled:         true,
				Rate:            100.0 / 60.0,
				Burst:           20,
				CleanupInterval: 5 * time.Minute,
			},
			Push: ClientRateConfig{
				Enabled: true,
				Rate:    1000,
				Burst:   100,
			},
			Pull: ClientRateConfig{
				Enabled: true,
				Rate:    100,
				Burst:   10,
			},
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
	}
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Server.TCPAddr == "" {
		return fmt.Errorf("server.tcp_addr cannot be empty")
	}
	if c.Server.TCPMaxConn < 0 {
		return fmt.Errorf("server.tcp_max_connections cannot be negative")
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCertFile == "" {
			return fmt.Errorf("server.tls_cert_file required when TLS is enabled")
		}
		if c.Server.TLSKeyFile == "" {
			return fmt.Errorf("server.tls_key_file required when TLS is enabled")
		}

		validClientAuth := map[string]bool{"none": true, "request": true, "require": true}
		if !validClientAuth[c.Server.TLSClientAuth] {
			return fmt.Errorf("server.tls_client_auth must be one of: none, request, require")
		}
		if (c.Server.TLSClientAuth == "request" || c.Server.TLSClientAuth == "require") && c.Server.TLSCAFile == "" {
			return fmt.Errorf("server.tls_ca_file required when tls_client_auth is '%s'", c.Server.TLSClientAuth)
		}
	}
	if c.Server.WSEnabled && c.Server.WSAddr == "" {
		return fmt.Errorf("server.ws_addr required when websocket is enabled")
	}
	if c.Server.APIEnabled && c.Server.APIAddr == "" {
		return fmt.Errorf("server.api_addr required when the admin API is enabled")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health checks are enabled")
	}
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.Broker.MaxContentLength < 1024 {
		return fmt.Errorf("broker.max_content_length must be at least 1KB")
	}
	if c.Broker.HelloTimeout <= 0 {
		return fmt.Errorf("broker.hello_timeout must be positive")
	}
	if c.Broker.IdleTimeout < 0 || c.Broker.WriteTimeout < 0 {
		return fmt.Errorf("broker timeouts cannot be negative")
	}

	if c.Queue.MaxQueues < 0 {
		return fmt.Errorf("queue.max_queues cannot be negative")
	}
	if err := c.Queue.Defaults.Validate(); err != nil {
		return fmt.Errorf("queue.defaults: %w", err)
	}
	seen := make(map[string]bool, len(c.Queue.Queues))
	for i, q := range c.Queue.Queues {
		if err := queue.ValidateName(q.Name); err != nil {
			return fmt.Errorf("queue.queues[%d]: %w", i, err)
		}
		if err := q.Options.Validate(); err != nil {
			return fmt.Errorf("queue.queues[%d]: %w", i, err)
		}
		if seen[q.Name] {
			return fmt.Errorf("queue.queues[%d]: duplicate queue %q", i, q.Name)
		}
		seen[q.Name] = true
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Connection.Enabled && (c.RateLimit.Connection.Rate <= 0 || c.RateLimit.Connection.Burst <= 0) {
			return fmt.Errorf("ratelimit.connection rate and burst must be positive")
		}
		if c.RateLimit.Push.Enabled && (c.RateLimit.Push.Rate <= 0 || c.RateLimit.Push.Burst <= 0) {
			return fmt.Errorf("ratelimit.push rate and burst must be positive")
		}
		if c.RateLimit.Pull.Enabled && (c.RateLimit.Pull.Rate <= 0 || c.RateLimit.Pull.Burst <= 0) {
			return fmt.Errorf("ratelimit.pull rate and burst must be positive")
		}
	}

	if c.Webhook.Enabled {
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.QueueSize < 1 {
			return fmt.Errorf("webhook.queue_size must be at least 1")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be one of: oldest, newest")
		}
		for i, ep := range c.Webhook.Endpoints {
			if ep.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if ep.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
