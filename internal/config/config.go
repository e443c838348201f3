package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harun/steer/pkg/dispatch"
)

// Config represents the main steer configuration
type Config struct {
	Server   ServerConfig          `json:"server" mapstructure:"server"`
	Session  SessionConfig         `json:"session" mapstructure:"session"`
	Engine   EngineConfig          `json:"engine" mapstructure:"engine"`
	Security dispatch.PolicyConfig `json:"security" mapstructure:"security"`
	Logging  LoggingConfig         `json:"logging" mapstructure:"logging"`
	Metrics  MetricsConfig         `json:"metrics" mapstructure:"metrics"`
	Tracing  TracingConfig         `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host               string        `json:"host" mapstructure:"host"`
	Port               int           `json:"port" mapstructure:"port"`
	Production         bool          `json:"production" mapstructure:"production"`
	RateLimitPerMinute int           `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"` // 0 disables
	MaxBodyBytes       int64         `json:"max_body_bytes" mapstructure:"max_body_bytes"`
	ShutdownTimeout    time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SessionConfig holds client session configuration
type SessionConfig struct {
	CookieName   string        `json:"cookie_name" mapstructure:"cookie_name"`
	Secret       string        `json:"secret" mapstructure:"secret"`
	MaxAge       time.Duration `json:"max_age" mapstructure:"max_age"`
	IdleTimeout  time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"` // 0 disables eviction
	ReapSchedule string        `json:"reap_schedule" mapstructure:"reap_schedule"`
	Store        string        `json:"store" mapstructure:"store"` // memory, sqlite
	DBPath       string        `json:"db_path" mapstructure:"db_path"`
}

// EngineConfig holds browser engine configuration
type EngineConfig struct {
	DefaultBrowser string        `json:"default_browser" mapstructure:"default_browser"`
	Headless       bool          `json:"headless" mapstructure:"headless"`
	ActionTimeout  time.Duration `json:"action_timeout" mapstructure:"action_timeout"`
	NoSandbox      bool          `json:"no_sandbox" mapstructure:"no_sandbox"`
	Bin            string        `json:"bin" mapstructure:"bin"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	// AuditFile receives one JSON line per session lifecycle event; empty disables it.
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// MetricsConfig holds prometheus configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               3000,
			RateLimitPerMinute: 600,
			MaxBodyBytes:       1 << 20,
			ShutdownTimeout:    15 * time.Second,
		},
		Session: SessionConfig{
			CookieName:   "steer.sid",
			MaxAge:       24 * time.Hour,
			IdleTimeout:  30 * time.Minute,
			ReapSchedule: "@every 1m",
			Store:        "memory",
		},
		Engine: EngineConfig{
			DefaultBrowser: "chromium",
			Headless:       true,
			ActionTimeout:  30 * time.Second,
		},
		Security: dispatch.PolicyConfig{
			AllowFileURLs:      false,
			AllowLocalhostURLs: true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "steer",
			SampleRatio: 1,
		},
	}
}

// String returns the config as indented JSON with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Session.Secret != "" {
		masked.Session.Secret = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("server.rate_limit_per_minute must not be negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}

	if c.Session.CookieName == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.Server.Production && len(c.Session.Secret) < 32 {
		return fmt.Errorf("session.secret must be at least 32 characters in production")
	}
	if c.Session.MaxAge <= 0 {
		return fmt.Errorf("session.max_age must be positive")
	}
	if c.Session.IdleTimeout < 0 {
		return fmt.Errorf("session.idle_timeout must not be negative")
	}
	switch c.Session.Store {
	case "memory":
	case "sqlite":
		if c.Session.DBPath == "" {
			return fmt.Errorf("session.db_path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("invalid session.store %q (must be: memory, sqlite)", c.Session.Store)
	}

	switch strings.ToLower(c.Engine.DefaultBrowser) {
	case "chromium", "chrome":
	default:
		return fmt.Errorf("invalid engine.default_browser %q (must be: chromium, chrome)", c.Engine.DefaultBrowser)
	}
	if c.Engine.ActionTimeout <= 0 {
		return fmt.Errorf("engine.action_timeout must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	return nil
}
