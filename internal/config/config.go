// Package config defines the typed configuration consumed by the delivery
// core. Core components never read the process environment directly; every
// tunable arrives through a Config value constructed here.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Conduit.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the listening endpoints.
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// AuthConfig configures bearer credential verification. Token issuance is
// external; the core only verifies.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// HeartbeatConfig governs connection liveness detection. It is independent
// of the reconnection backoff clock.
type HeartbeatConfig struct {
	// Interval is the expected time between client heartbeats.
	Interval time.Duration `yaml:"interval"`
	// MissedThreshold is the number of missed heartbeats before a
	// connection is considered dead and deregistered.
	MissedThreshold int `yaml:"missed_threshold"`
}

// ReconnectConfig governs the client reconnection state machine.
type ReconnectConfig struct {
	// MaxAttempts is the number of reconnection attempts before the state
	// machine transitions to FAILED. It must be bounded; the client never
	// retries indefinitely.
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffBase is the delay before the first retry attempt.
	BackoffBase time.Duration `yaml:"backoff_base"`
	// BackoffCap is the maximum delay between attempts.
	BackoffCap time.Duration `yaml:"backoff_cap"`
	// Jitter is the randomization factor applied to each delay.
	Jitter float64 `yaml:"jitter"`
}

// DeliveryConfig governs the resilience layer wrapping the event router.
type DeliveryConfig struct {
	// BufferCapacity is the maximum buffered events per session.
	BufferCapacity int `yaml:"buffer_capacity"`
	// BufferTTL is the retention window for buffered events.
	BufferTTL time.Duration `yaml:"buffer_ttl"`
	// BufferStore selects the restoration buffer backend ("memory" or
	// "sqlite").
	BufferStore string `yaml:"buffer_store"`
	// BufferPath is the SQLite database path when BufferStore is "sqlite".
	BufferPath string `yaml:"buffer_path"`
	// QueueDepth is the per-connection outbound queue capacity.
	QueueDepth int `yaml:"queue_depth"`
	// SendRetryAttempts caps retries for a transient send failure.
	SendRetryAttempts int `yaml:"send_retry_attempts"`
	// BreakerFailureThreshold is the consecutive-failure count that opens
	// a connection's circuit breaker.
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold"`
	// BreakerCooldown is how long an open breaker short-circuits sends.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration defaults. The numeric values are
// operational defaults, not protocol requirements; deployments tune them.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8420,
			MetricsPort: 9420,
		},
		Heartbeat: HeartbeatConfig{
			Interval:        30 * time.Second,
			MissedThreshold: 3,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 10,
			BackoffBase: time.Second,
			BackoffCap:  30 * time.Second,
			Jitter:      0.1,
		},
		Delivery: DeliveryConfig{
			BufferCapacity:          10000,
			BufferTTL:               15 * time.Minute,
			BufferStore:             "memory",
			QueueDepth:              256,
			SendRetryAttempts:       3,
			BreakerFailureThreshold: 5,
			BreakerCooldown:         30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML configuration file, expands ${VAR} references from the
// environment, and merges the result over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes YAML bytes over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the core cannot operate with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	if c.Heartbeat.MissedThreshold <= 0 {
		return fmt.Errorf("heartbeat.missed_threshold must be positive")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be positive")
	}
	if c.Reconnect.BackoffBase <= 0 {
		return fmt.Errorf("reconnect.backoff_base must be positive")
	}
	if c.Reconnect.BackoffCap < c.Reconnect.BackoffBase {
		return fmt.Errorf("reconnect.backoff_cap %v is below backoff_base %v",
			c.Reconnect.BackoffCap, c.Reconnect.BackoffBase)
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter %v must be within [0, 1]", c.Reconnect.Jitter)
	}
	if c.Delivery.BufferCapacity <= 0 {
		return fmt.Errorf("delivery.buffer_capacity must be positive")
	}
	if c.Delivery.BufferTTL <= 0 {
		return fmt.Errorf("delivery.buffer_ttl must be positive")
	}
	switch c.Delivery.BufferStore {
	case "memory":
	case "sqlite":
		if c.Delivery.BufferPath == "" {
			return fmt.Errorf("delivery.buffer_path is required for the sqlite buffer store")
		}
	default:
		return fmt.Errorf("delivery.buffer_store %q is not supported", c.Delivery.BufferStore)
	}
	if c.Delivery.QueueDepth <= 0 {
		return fmt.Errorf("delivery.queue_depth must be positive")
	}
	if c.Delivery.SendRetryAttempts <= 0 {
		return fmt.Errorf("delivery.send_retry_attempts must be positive")
	}
	if c.Delivery.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("delivery.breaker_failure_threshold must be positive")
	}
	if c.Delivery.BreakerCooldown <= 0 {
		return fmt.Errorf("delivery.breaker_cooldown must be positive")
	}
	return nil
}
