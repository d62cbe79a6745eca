package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresRelayToken(t *testing.T) {
	t.Setenv("RELAY_TOKEN", "")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("RELAY_TOKEN", "tok")
	t.Setenv("APEX_API_TOKEN", "")
	t.Setenv("RELAY_PORT", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8787", cfg.Server.Port)
	assert.Equal(t, 5, cfg.Limits.TradeMax)
	assert.Equal(t, 5*time.Hour, cfg.Sessions.Timeout)
	assert.Equal(t, "tok", cfg.RelayToken)
	assert.Empty(t, cfg.ApexToken)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	t.Setenv("RELAY_TOKEN", "tok")
	t.Setenv("RELAY_PORT", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9000"
limits:
  trade_max: 10
  trade_window: 30s
sessions:
  manager_timeout: 2h
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 10, cfg.Limits.TradeMax)
	assert.Equal(t, 30*time.Second, cfg.Limits.TradeWindow)
	assert.Equal(t, 2*time.Hour, cfg.Sessions.ManagerTimeout)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30, cfg.Limits.ReadMax)
}

func TestLoadEnvPortWins(t *testing.T) {
	t.Setenv("RELAY_TOKEN", "tok")
	t.Setenv("RELAY_PORT", "9999")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "http://localhost:9999", cfg.RelayURL())
}

func TestLoadSpawnSecretFromFile(t *testing.T) {
	t.Setenv("RELAY_TOKEN", "tok")
	dir := t.TempDir()
	secretPath := filepath.Join(dir, ".spawn_secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("hmac-key\n"), 0o600))

	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("paths:\n  spawn_secret: "+secretPath+"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hmac-key", cfg.SpawnSecret, "secret is trimmed")
}
