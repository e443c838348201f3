package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "steer.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"server": {"port": 3001}}`), 0644))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(NewLoader(configPath), 20*time.Millisecond, func(c *Config) {
		changes <- c
	}, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(configPath, []byte(`{"security": {"blocked_domains": ["ads.test"]}}`), 0644))

	select {
	case cfg := <-changes:
		assert.Equal(t, []string{"ads.test"}, cfg.Security.BlockedDomains)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatcherIgnoresInvalidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "steer.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{}`), 0644))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(NewLoader(configPath), 20*time.Millisecond, func(c *Config) {
		changes <- c
	}, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(configPath, []byte(`{"logging": {"level": "loud"}}`), 0644))

	select {
	case <-changes:
		t.Fatal("invalid config must not be applied")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherCloseIdempotent(t *testing.T) {
	w, err := NewWatcher(NewLoader(filepath.Join(t.TempDir(), "steer.json")), 0, func(*Config) {}, zerolog.Nop())
	require.NoError(t, err)

	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}
