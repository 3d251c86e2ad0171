// Package config provides configuration loading for overthinkd.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SERVER_HTTP_PORT, STORE_BACKEND, ...)
//  2. YAML config file
//  3. Hardcoded defaults
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete overthinkd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Anxiety   AnxietyConfig   `koanf:"anxiety"`
	Turns     TurnConfig      `koanf:"turns"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds the ops HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig selects and tunes the state store backend.
type StoreConfig struct {
	// Backend is "memory" or "nats".
	Backend string `koanf:"backend"`

	// URL is the NATS server URL. Empty starts an embedded server.
	URL string `koanf:"url"`

	// TTL is the conversation inactivity budget.
	TTL time.Duration `koanf:"ttl"`

	// LockTimeout bounds distributed lock acquisition.
	LockTimeout time.Duration `koanf:"lock_timeout"`
}

// AnxietyConfig tunes the signal tracker.
type AnxietyConfig struct {
	HighThreshold        int     `koanf:"high_threshold"`
	VolatilityThreshold  float64 `koanf:"volatility_threshold"`
	SustainedHighMinutes float64 `koanf:"sustained_high_minutes"`
	PlateauMinutes       float64 `koanf:"plateau_minutes"`
	AlertBuffer          int     `koanf:"alert_buffer"`
	AlertsPerSecond      float64 `koanf:"alerts_per_second"`
}

// TurnConfig tunes turn dispatch.
type TurnConfig struct {
	CollabTimeout      time.Duration `koanf:"collab_timeout"`
	MessageBudget      int           `koanf:"message_budget"`
	LongConversation   int           `koanf:"long_conversation"`
	LowEscalationRatio float64       `koanf:"low_escalation_ratio"`
	AgentTurnover      int           `koanf:"agent_turnover"`
}

// LoggingConfig holds zap configuration.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export configuration.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// defaultYAML is the built-in baseline, loaded before file and environment
// overrides.
const defaultYAML = `
server:
  http_port: 9090
  shutdown_timeout: 10s
store:
  backend: memory
  ttl: 1h
  lock_timeout: 30s
anxiety:
  high_threshold: 4
  volatility_threshold: 0.5
  sustained_high_minutes: 5
  plateau_minutes: 3
  alert_buffer: 64
  alerts_per_second: 20
turns:
  collab_timeout: 15s
  message_budget: 1900
  long_conversation: 10
  low_escalation_ratio: 0.3
  agent_turnover: 4
logging:
  level: info
  format: json
telemetry:
  enabled: false
  endpoint: localhost:4317
  service_name: overthinkd
  insecure: true
  sample_rate: 1.0
`

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, in ascending precedence. configPath may be empty.
//
// Environment variables map as SECTION_FIELD_NAME -> section.field_name,
// for example STORE_LOCK_TIMEOUT -> store.lock_timeout.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaultYAML)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		// SECTION_FIELD_NAME -> section.field_name. Split on the first
		// underscore only; field names keep theirs.
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server.http_port %d", c.Server.HTTPPort)
	}
	switch c.Store.Backend {
	case "memory", "nats":
	default:
		return fmt.Errorf("invalid store.backend %q: must be memory or nats", c.Store.Backend)
	}
	if c.Store.TTL <= 0 {
		return fmt.Errorf("store.ttl must be positive, got %s", c.Store.TTL)
	}
	if c.Anxiety.HighThreshold < 1 || c.Anxiety.HighThreshold > 5 {
		return fmt.Errorf("anxiety.high_threshold must be 1..5, got %d", c.Anxiety.HighThreshold)
	}
	if c.Turns.MessageBudget < 200 {
		return fmt.Errorf("turns.message_budget too small: %d", c.Turns.MessageBudget)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging.format %q", c.Logging.Format)
	}
	return nil
}
