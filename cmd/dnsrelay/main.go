package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kjhughes/dnsrelay"
)

type options struct {
	debug      bool
	debugDebug bool
}

// onClose mirrors the teacher's cmd/routedns/main.go package-level hook
// list: components register cleanup here, and it all runs on shutdown
// signal in registration order.
var onClose []func()

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "dnsrelay <config>",
		Short: "Recursive-forwarding DNS resolver with overrides and caching",
		Long: `dnsrelay is a DNS stub resolver that answers from a local override
database or an in-memory cache before forwarding unresolved queries to a
configured upstream resolver.`,
		Example: "  dnsrelay config.toml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opt, args[0])
		},
		SilenceUsage: true,
	}
	// pflag shorthands are a single rune, so the spec's "-d"/"-dd" pairing
	// becomes "-d"/"--dd" here: "-d" for INFO, "--dd" for DEBUG.
	cmd.Flags().BoolVarP(&opt.debug, "debug", "d", false, "INFO-level logging")
	cmd.Flags().BoolVar(&opt.debugDebug, "dd", false, "DEBUG-level logging")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opt options, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := logLevelFromConfig(cfg.LogLevel)
	if opt.debug {
		level = logrus.InfoLevel
	}
	if opt.debugDebug {
		level = logrus.DebugLevel
	}
	configureLogging(cfg.LogFile, level)

	sweepInterval, err := cfg.Cache.sweepInterval()
	if err != nil {
		return fmt.Errorf("invalid cache.sweep-interval: %w", err)
	}
	queryTimeout, err := cfg.Relay.queryTimeout()
	if err != nil {
		return fmt.Errorf("invalid relay.query-timeout: %w", err)
	}

	override, err := dnsrelay.NewOverrideTable(dnsrelay.NewFileLoader(cfg.DatabaseFile))
	if err != nil {
		return fmt.Errorf("failed to load override database: %w", err)
	}

	cache := dnsrelay.NewCache(configPath, dnsrelay.CacheOptions{
		Capacity:      cfg.Cache.Capacity,
		SweepInterval: sweepInterval,
	})
	onClose = append(onClose, cache.Close)

	upstream := net.JoinHostPort(cfg.Upstream.IP, fmt.Sprint(cfg.Upstream.Port))
	relay, err := dnsrelay.NewRelay(upstream, dnsrelay.RelayOptions{
		Timeout:    queryTimeout,
		MaxRetries: cfg.Relay.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize relay: %w", err)
	}
	onClose = append(onClose, func() { relay.Close() })

	queryLogger, err := newQueryLogger(cfg.QueryLog)
	if err != nil {
		return fmt.Errorf("failed to initialize query log: %w", err)
	}

	addr := net.JoinHostPort(cfg.Server.LocalIP, fmt.Sprint(cfg.Server.LocalPort))
	// cache_ttl serves both roles spec.md §6 assigns it: the TTL stamped
	// on override/blackhole answers, and the ceiling on relayed answers'
	// TTL before they enter the cache.
	server := dnsrelay.NewServer(addr, cache, override, relay, dnsrelay.ServerOptions{
		Workers:     cfg.Server.Workers,
		OverrideTTL: uint32(cfg.Cache.TTL),
		MaxCacheTTL: uint32(cfg.Cache.TTL),
		QueryLogger: queryLogger,
	})

	dnsrelay.Log.Info("starting dnsrelay", "addr", addr, "upstream", upstream)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			dnsrelay.Log.Error("server exited", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	<-sig
	dnsrelay.Log.Info("stopping")
	server.Shutdown(5 * time.Second)
	for _, f := range onClose {
		f()
	}
	return nil
}

func logLevelFromConfig(s string) logrus.Level {
	l, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel
	}
	return l
}

func configureLogging(logFile string, level logrus.Level) {
	w := os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			w = f
		}
	}
	dnsrelay.Log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: dnsrelay.LevelFromLogrus(level),
	}))
}

func newQueryLogger(cfg queryLogConfig) (dnsrelay.QueryLogger, error) {
	if cfg.Syslog != "" {
		return dnsrelay.NewSyslogQueryLogger("dnsrelay", dnsrelay.SyslogOptions{
			Address: cfg.Syslog,
		})
	}
	if cfg.Output != "" {
		output := cfg.Output
		if output == "stdout" {
			output = ""
		}
		return dnsrelay.NewFileQueryLogger(output, dnsrelay.QueryLogFormat(cfg.Format))
	}
	return nil, nil
}
