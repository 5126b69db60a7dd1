// Package config handles gameserver configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the top-level gameserver configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Hub     HubConfig     `json:"hub"`
	Auth    AuthConfig    `json:"auth,omitempty"`
	Storage StorageConfig `json:"storage"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8000"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS + WS origin check; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max HTTP request body; default 1MB
}

// HubConfig tunes the connection hub.
type HubConfig struct {
	HeartbeatInterval Duration `json:"heartbeat_interval,omitempty"` // monitor scan period; default 60s
	HeartbeatTimeout  Duration `json:"heartbeat_timeout,omitempty"`  // silence before disconnect; default 180s
	MaxMessageBytes   int64    `json:"max_message_bytes,omitempty"`  // max WebSocket frame; default 64KB
	Debug             bool     `json:"debug,omitempty"`              // include diagnostic detail in error envelopes
}

// AuthConfig defines the connection admission check. When Require is false,
// unauthenticated connections are admitted (development mode).
type AuthConfig struct {
	Require bool          `json:"require,omitempty"`
	APIKeys []APIKeyEntry `json:"api_keys,omitempty"` // static keys in addition to stored ones
}

// APIKeyEntry maps a username to a static API key.
type APIKeyEntry struct {
	Username string `json:"username"`
	Key      string `json:"key"`
}

// StorageConfig selects the store backend.
type StorageConfig struct {
	Driver string `json:"driver,omitempty"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn,omitempty"`    // sqlite path or postgres connection string
}

// LoggingConfig defines log output settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // "json" (default) or "text"
}

// Duration wraps time.Duration for JSON config: accepts "90s"-style strings
// or bare numbers of seconds.
type Duration struct {
	time.Duration
}

// Seconds builds a Duration from whole seconds.
func Seconds(n int) Duration {
	return Duration{time.Duration(n) * time.Second}
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if c.Hub.HeartbeatInterval.Duration < 0 || c.Hub.HeartbeatTimeout.Duration < 0 {
		return fmt.Errorf("hub heartbeat settings must be positive")
	}
	if i, t := c.Hub.HeartbeatInterval.Duration, c.Hub.HeartbeatTimeout.Duration; i > 0 && t > 0 && i >= t {
		return fmt.Errorf("hub.heartbeat_interval must be shorter than hub.heartbeat_timeout")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver)
	}
	for i, entry := range c.Auth.APIKeys {
		if entry.Username == "" || entry.Key == "" {
			return fmt.Errorf("auth.api_keys[%d]: username and key are required", i)
		}
	}
	return nil
}

// ApplyDefaults fills unset fields with defaults.
func (c *Config) ApplyDefaults() {
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024
	}
	if c.Hub.HeartbeatInterval.Duration == 0 {
		c.Hub.HeartbeatInterval.Duration = 60 * time.Second
	}
	if c.Hub.HeartbeatTimeout.Duration == 0 {
		c.Hub.HeartbeatTimeout.Duration = 180 * time.Second
	}
	if c.Hub.MaxMessageBytes == 0 {
		c.Hub.MaxMessageBytes = 64 * 1024
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = "gameserver.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Default returns a starter configuration, used by "gameserver init".
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{Addr: ":8000"},
		Auth:   AuthConfig{Require: false},
	}
	cfg.ApplyDefaults()
	return cfg
}

// Write saves the configuration to path with restrictive permissions.
func (c *Config) Write(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
