// Package config provides the file and environment based configuration
// for the gate.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	// Server configures the HTTP listeners.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Data configures tenant database storage.
	Data DataConfig `yaml:"data" mapstructure:"data"`

	// Audit configures the configuration-change audit stream.
	Audit LogStreamConfig `yaml:"audit" mapstructure:"audit"`

	// Events configures the decision-event stream.
	Events EventStreamConfig `yaml:"events" mapstructure:"events"`

	// Origins maps service binding names to base URLs for routes with a
	// service-typed origin.
	Origins map[string]string `yaml:"origins" mapstructure:"origins" validate:"omitempty,dive,url"`

	// Tracing configures OpenTelemetry span export.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// DevMode enables development features (verbose logging).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the edge and admin listeners. TLS termination is
// left to the fronting proxy.
type ServerConfig struct {
	// EdgeAddr is where client traffic is accepted.
	EdgeAddr string `yaml:"edge_addr" mapstructure:"edge_addr" validate:"omitempty,hostname_port"`

	// AdminAddr is where the configuration API listens. Defaults to
	// localhost only.
	AdminAddr string `yaml:"admin_addr" mapstructure:"admin_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// EvalTimeout bounds the decision stages per request (e.g. "150ms").
	// An exceeded deadline blocks the request with 503.
	EvalTimeout string `yaml:"eval_timeout" mapstructure:"eval_timeout" validate:"omitempty,duration_string"`

	// TrustedProxy trusts X-Forwarded-For and the edge meta header from
	// the fronting proxy.
	TrustedProxy bool `yaml:"trusted_proxy" mapstructure:"trusted_proxy"`
}

// DataConfig configures tenant database storage.
type DataConfig struct {
	// Dir holds the global and per-route SQLite databases.
	Dir string `yaml:"dir" mapstructure:"dir" validate:"required"`
}

// LogStreamConfig configures one rotating JSONL stream.
type LogStreamConfig struct {
	// Dir holds the stream's files.
	Dir string `yaml:"dir" mapstructure:"dir" validate:"required"`
	// RetentionDays is how long rotated files are kept.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`
}

// EventStreamConfig extends the stream config with the in-memory buffer
// bound of the decision logger.
type EventStreamConfig struct {
	LogStreamConfig `yaml:",inline" mapstructure:",squash"`
	// BufferSize bounds queued decision events; the oldest are dropped
	// under pressure.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=16"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	// Enabled turns on span export to stdout.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			EdgeAddr:    "0.0.0.0:8080",
			AdminAddr:   "127.0.0.1:8081",
			LogLevel:    "info",
			EvalTimeout: "150ms",
		},
		Data:  DataConfig{Dir: "data"},
		Audit: LogStreamConfig{Dir: "logs/audit", RetentionDays: 30},
		Events: EventStreamConfig{
			LogStreamConfig: LogStreamConfig{Dir: "logs/events", RetentionDays: 7},
			BufferSize:      4096,
		},
		Origins: map[string]string{},
	}
}

// ParsedEvalTimeout returns the evaluation deadline as a duration,
// defaulting to 150ms.
func (c *Config) ParsedEvalTimeout() time.Duration {
	if c.Server.EvalTimeout == "" {
		return 150 * time.Millisecond
	}
	d, err := time.ParseDuration(c.Server.EvalTimeout)
	if err != nil || d <= 0 {
		return 150 * time.Millisecond
	}
	return d
}

// WriteDefault writes a starter configuration file. Refuses to overwrite.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	b, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	header := []byte("# hostwaf configuration. Values can be overridden via\n# HOSTWAF_* environment variables, e.g. HOSTWAF_SERVER_EDGE_ADDR.\n")
	if err := os.WriteFile(path, append(header, b...), 0o600); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}
