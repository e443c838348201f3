package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		cfg, err := NewLoader(filepath.Join(tmpDir, "nonexistent.json")).Load()

		require.NoError(t, err)
		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "steer.sid", cfg.Session.CookieName)
		assert.NotEmpty(t, cfg.DataDir)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		testConfig := `{
			"server": {"port": 8080},
			"session": {"idle_timeout": "5m", "store": "sqlite"},
			"engine": {"headless": false},
			"security": {"allow_file_urls": true, "blocked_domains": ["evil.test"]},
			"data_dir": "` + tmpDir + `"
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 5*time.Minute, cfg.Session.IdleTimeout)
		assert.False(t, cfg.Engine.Headless)
		assert.True(t, cfg.Security.AllowFileURLs)
		assert.Equal(t, []string{"evil.test"}, cfg.Security.BlockedDomains)
		assert.Equal(t, filepath.Join(tmpDir, "sessions.db"), cfg.Session.DBPath)
		// untouched keys keep their defaults
		assert.Equal(t, "steer.sid", cfg.Session.CookieName)
		assert.Equal(t, 30*time.Second, cfg.Engine.ActionTimeout)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("STEER_SERVER_PORT", "9090")
		t.Setenv("STEER_ENGINE_ACTION_TIMEOUT", "10s")
		t.Setenv("STEER_LOGGING_LEVEL", "debug")

		cfg, err := NewLoader(filepath.Join(t.TempDir(), "none.json")).Load()

		require.NoError(t, err)
		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, 10*time.Second, cfg.Engine.ActionTimeout)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "invalid.json")
		require.NoError(t, os.WriteFile(configPath, []byte("invalid json"), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "steer.json")
	loader := NewLoader(configPath)

	cfg := DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Server.Port = 4000
	cfg.Session.IdleTimeout = 2 * time.Minute
	cfg.Security.AllowedDomains = []string{"example.com"}

	require.NoError(t, loader.Save(cfg))
	assert.FileExists(t, configPath)

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 4000, loaded.Server.Port)
	assert.Equal(t, 2*time.Minute, loaded.Session.IdleTimeout)
	assert.Equal(t, []string{"example.com"}, loaded.Security.AllowedDomains)
	assert.Equal(t, tmpDir, loaded.DataDir)
}
