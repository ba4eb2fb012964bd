package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("accounts:\n  - acct-7001\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"acct-7001"}, cfg.Accounts)
	assert.Equal(t, 10*time.Second, cfg.Connection.CallTimeout)
	assert.Equal(t, 3, cfg.Connection.MaxMissedPings)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "data/trades.db", cfg.DatabasePath)
}

func TestLoad_FileValues(t *testing.T) {
	raw := `
accounts:
  - acct-7001
  - acct-7002
market_url: wss://stream.testnet.example.com/ws
connection:
  call_timeout_sec: 5
  max_missed_pings: 2
  reconnect_min_ms: 500
database_path: /tmp/futbot/trades.db
log_level: debug
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Accounts, 2)
	assert.Equal(t, "wss://stream.testnet.example.com/ws", cfg.MarketURL)
	assert.Equal(t, 5*time.Second, cfg.Connection.CallTimeout)
	assert.Equal(t, 2, cfg.Connection.MaxMissedPings)
	assert.Equal(t, 500*time.Millisecond, cfg.Connection.ReconnectMinDelay)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("accounts:\n  - acct-7001\nlog_level: info\n"), 0644))

	t.Setenv("FUTBOT_ACCOUNTS", "acct-9001, acct-9002")
	t.Setenv("FUTBOT_LOG_LEVEL", "warn")
	t.Setenv("FUTBOT_SECRET_KEY", "test-secret-key")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"acct-9001", "acct-9002"}, cfg.Accounts)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "test-secret-key", cfg.SecretStoreKey)
}

func TestLoad_NoAccounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
