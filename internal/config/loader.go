package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. STEER_SERVER_PORT
const EnvPrefix = "STEER"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file (if any), applies STEER_* environment
// overrides and fills derived paths. A missing file is not an error.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType(configType(configPath))
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".steer")
	}

	if cfg.Session.Store == "sqlite" && cfg.Session.DBPath == "" {
		cfg.Session.DBPath = filepath.Join(cfg.DataDir, "sessions.db")
	}

	return cfg, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// setDefaults registers every key so AutomaticEnv can override values that
// are absent from the config file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)

	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.production", cfg.Server.Production)
	v.SetDefault("server.rate_limit_per_minute", cfg.Server.RateLimitPerMinute)
	v.SetDefault("server.max_body_bytes", cfg.Server.MaxBodyBytes)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)

	v.SetDefault("session.cookie_name", cfg.Session.CookieName)
	v.SetDefault("session.secret", cfg.Session.Secret)
	v.SetDefault("session.max_age", cfg.Session.MaxAge)
	v.SetDefault("session.idle_timeout", cfg.Session.IdleTimeout)
	v.SetDefault("session.reap_schedule", cfg.Session.ReapSchedule)
	v.SetDefault("session.store", cfg.Session.Store)
	v.SetDefault("session.db_path", cfg.Session.DBPath)

	v.SetDefault("engine.default_browser", cfg.Engine.DefaultBrowser)
	v.SetDefault("engine.headless", cfg.Engine.Headless)
	v.SetDefault("engine.action_timeout", cfg.Engine.ActionTimeout)
	v.SetDefault("engine.no_sandbox", cfg.Engine.NoSandbox)
	v.SetDefault("engine.bin", cfg.Engine.Bin)

	v.SetDefault("security.allow_file_urls", cfg.Security.AllowFileURLs)
	v.SetDefault("security.allow_localhost_urls", cfg.Security.AllowLocalhostURLs)
	v.SetDefault("security.allowed_domains", cfg.Security.AllowedDomains)
	v.SetDefault("security.blocked_domains", cfg.Security.BlockedDomains)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("logging.audit_file", cfg.Logging.AuditFile)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", cfg.Tracing.SampleRatio)
}

// Save writes the configuration to the loader's path as JSON
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("no config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType(configType(configPath))

	v.Set("server", cfg.Server)
	v.Set("session", cfg.Session)
	v.Set("engine", cfg.Engine)
	v.Set("security", cfg.Security)
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)
	v.Set("tracing", cfg.Tracing)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".steer", "steer.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
