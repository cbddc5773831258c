package dnsrelay

import (
	"log/slog"
	"net"
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the package-level logger, following the same convention the
// teacher lineage uses (rdns.Log): library code logs through this handle
// rather than a logger threaded through every constructor, and cmd/dnsrelay
// replaces it at startup once the configured log level and output file are
// known.
var Log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// LevelFromLogrus maps the log level chosen by the CLI (the config's
// log-level parsed with logrus, as the teacher's cmd/routedns/main.go does
// for its --log-level flag, or overridden by -d/--dd) onto an slog.Level
// understood by this package's logger.
func LevelFromLogrus(l logrus.Level) slog.Level {
	switch l {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return slog.LevelError
	case logrus.WarnLevel:
		return slog.LevelWarn
	case logrus.InfoLevel:
		return slog.LevelInfo
	default: // Debug, Trace
		return slog.LevelDebug
	}
}

// logger returns a query-scoped logger with the fields the spec requires
// on every per-query DEBUG line: client address and qname/qtype. Mirrors
// the teacher's logger(id, q, ci) helper used throughout cache.go,
// static.go, and request-dedup.go.
func logger(qname string, qtype uint16, ci ClientInfo) *slog.Logger {
	return Log.With(
		"client", sourceIPString(ci.SourceIP),
		"qname", qname,
		"qtype", qtype,
	)
}

func sourceIPString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
