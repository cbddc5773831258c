package dnsrelay

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestFileQueryLoggerWritesLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queries.log")

	logger, err := NewFileQueryLogger(path, QueryLogFormatText)
	require.NoError(t, err)

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	a := BuildResponse(q, []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   net.IPv4(1, 2, 3, 4),
	}}, dns.RcodeSuccess)

	logger.Log(q, a, ClientInfo{SourceIP: net.ParseIP("192.0.2.1")})

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(content), "example.com.")
	require.Contains(t, string(content), "192.0.2.1")
}

func TestFileQueryLoggerInvalidFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queries.log")
	_, err := NewFileQueryLogger(path, QueryLogFormat("xml"))
	require.Error(t, err)
}
