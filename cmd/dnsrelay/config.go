package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// config is the on-disk shape consumed by the CLI, decoded with
// github.com/BurntSushi/toml as the teacher's cmd/routedns/config.go does.
// Loading, parsing, and defaulting this value is explicitly an external
// collaborator's job (spec.md §1); the core package never sees a toml tag.
type config struct {
	Server   serverConfig
	Upstream upstreamConfig
	Cache    cacheConfig
	Relay    relayConfig

	DatabaseFile string `toml:"database-file"`
	LogFile      string `toml:"log-file"`
	LogLevel     string `toml:"log-level"`

	QueryLog queryLogConfig `toml:"query-log"`
}

// queryLogConfig enables the optional secondary query log spec.md leaves
// as an external-collaborator concern but that the teacher's query-log.go
// and syslog.go both implement; this repository exposes both as one
// opt-in sink (disabled unless Output or Syslog is set).
type queryLogConfig struct {
	Output string `toml:"output"` // file path, "stdout", or "" to disable
	Format string `toml:"format"` // "text" or "json"
	Syslog string `toml:"syslog"` // syslog endpoint address, enables syslog output instead
}

type serverConfig struct {
	LocalIP   string `toml:"local-ip"`
	LocalPort int    `toml:"local-port"`
	Workers   int
}

type upstreamConfig struct {
	IP   string
	Port int
}

type cacheConfig struct {
	TTL           int    `toml:"ttl"`
	Capacity      int    `toml:"capacity"`
	SweepInterval string `toml:"sweep-interval"`
}

type relayConfig struct {
	QueryTimeout string `toml:"query-timeout"`
	MaxRetries   int    `toml:"max-retries"`
}

func defaultConfig() config {
	return config{
		Server: serverConfig{
			LocalIP:   "0.0.0.0",
			LocalPort: 53,
			Workers:   64,
		},
		Upstream: upstreamConfig{Port: 53},
		Cache: cacheConfig{
			TTL:           3600,
			Capacity:      10000,
			SweepInterval: "30s",
		},
		Relay: relayConfig{
			QueryTimeout: "5s",
			MaxRetries:   3,
		},
		LogLevel: "info",
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return config{}, fmt.Errorf("failed to load config %q: %w", path, err)
	}
	if cfg.Upstream.IP == "" {
		return config{}, fmt.Errorf("config %q: upstream.ip is required", path)
	}
	if cfg.DatabaseFile == "" {
		return config{}, fmt.Errorf("config %q: database-file is required", path)
	}
	return cfg, nil
}

func (c cacheConfig) sweepInterval() (time.Duration, error) {
	return time.ParseDuration(c.SweepInterval)
}

func (c relayConfig) queryTimeout() (time.Duration, error) {
	return time.ParseDuration(c.QueryTimeout)
}
