package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
database-file = "overrides.txt"

[upstream]
ip = "8.8.8.8"
`), 0644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Server.LocalIP)
	require.Equal(t, 53, cfg.Server.LocalPort)
	require.Equal(t, 64, cfg.Server.Workers)
	require.Equal(t, 3600, cfg.Cache.TTL)
	require.Equal(t, 10000, cfg.Cache.Capacity)
	require.Equal(t, "30s", cfg.Cache.SweepInterval)
	require.Equal(t, "5s", cfg.Relay.QueryTimeout)
	require.Equal(t, 3, cfg.Relay.MaxRetries)
	require.Equal(t, "8.8.8.8", cfg.Upstream.IP)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
database-file = "overrides.txt"
log-file = "dnsrelay.log"
log-level = "debug"

[server]
local-ip = "127.0.0.1"
local-port = 5353
workers = 8

[upstream]
ip = "1.1.1.1"
port = 53

[cache]
ttl = 120
capacity = 500
sweep-interval = "10s"

[relay]
query-timeout = "2s"
max-retries = 5
`), 0644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Server.LocalIP)
	require.Equal(t, 5353, cfg.Server.LocalPort)
	require.Equal(t, 8, cfg.Server.Workers)
	require.Equal(t, 120, cfg.Cache.TTL)
	require.Equal(t, 500, cfg.Cache.Capacity)
	require.Equal(t, 5, cfg.Relay.MaxRetries)

	sweep, err := cfg.Cache.sweepInterval()
	require.NoError(t, err)
	require.Equal(t, "10s", sweep.String())

	timeout, err := cfg.Relay.queryTimeout()
	require.NoError(t, err)
	require.Equal(t, "2s", timeout.String())
}

func TestLoadConfigRequiresUpstreamIP(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`database-file = "overrides.txt"`), 0644))

	_, err := loadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigRequiresDatabaseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[upstream]
ip = "8.8.8.8"
`), 0644))

	_, err := loadConfig(path)
	require.Error(t, err)
}
