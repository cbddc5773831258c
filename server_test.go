package dnsrelay

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, override *OverrideTable, relay *Relay, opt ServerOptions) (*Server, string) {
	t.Helper()
	cache := NewCache(t.Name(), CacheOptions{Capacity: 100, SweepInterval: time.Hour})
	t.Cleanup(cache.Close)

	// bind an ephemeral port ourselves so the listen address is known
	// before the server's own ListenAndServe bind.
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp", addr)
	require.NoError(t, err)
	listenAddr := conn.LocalAddr().String()
	conn.Close()

	server := NewServer(listenAddr, cache, override, relay, opt)
	go func() {
		_ = server.ListenAndServe()
	}()
	t.Cleanup(func() { server.Shutdown(time.Second) })

	// give the listener a moment to bind
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("udp", listenAddr, 50*time.Millisecond)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, time.Second, 10*time.Millisecond)

	return server, listenAddr
}

func sendQuery(t *testing.T, addr string, q *dns.Msg) *dns.Msg {
	t.Helper()
	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()

	raw, err := q.Pack()
	require.NoError(t, err)
	_, err = conn.Write(raw)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, dns.MaxMsgSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(buf[:n]))
	return resp
}

func TestServerAnswersFromOverride(t *testing.T) {
	override, err := NewOverrideTable(staticLoader{lines: []string{"local.example.com A 10.1.1.1"}})
	require.NoError(t, err)

	_, addr := startTestServer(t, override, nil, ServerOptions{})

	q := new(dns.Msg)
	q.SetQuestion("local.example.com.", dns.TypeA)
	q.Id = 0x1111

	resp := sendQuery(t, addr, q)
	require.Equal(t, q.Id, resp.Id)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	require.Equal(t, "10.1.1.1", resp.Answer[0].(*dns.A).A.String())
}

func TestServerAnswersBlackhole(t *testing.T) {
	override, err := NewOverrideTable(staticLoader{lines: []string{"ads.example.com A blackhole"}})
	require.NoError(t, err)

	_, addr := startTestServer(t, override, nil, ServerOptions{})

	q := new(dns.Msg)
	q.SetQuestion("ads.example.com.", dns.TypeA)
	resp := sendQuery(t, addr, q)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Equal(t, "0.0.0.0", resp.Answer[0].(*dns.A).A.String())
}

func TestServerReturnsFormErrOnGarbage(t *testing.T) {
	override, err := NewOverrideTable(staticLoader{})
	require.NoError(t, err)
	_, addr := startTestServer(t, override, nil, ServerOptions{})

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()
	// well-formed header, but too short to carry a question
	garbage := make([]byte, 12)
	_, err = conn.Write(garbage)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(buf[:n]))
	require.Equal(t, dns.RcodeFormatError, resp.Rcode)
}

func TestServerFlushQuery(t *testing.T) {
	override, err := NewOverrideTable(staticLoader{lines: []string{"local.example.com A 10.1.1.1"}})
	require.NoError(t, err)

	server, addr := startTestServer(t, override, nil, ServerOptions{FlushQuery: "flush.internal."})

	q := new(dns.Msg)
	q.SetQuestion("local.example.com.", dns.TypeA)
	sendQuery(t, addr, q)
	require.Equal(t, 1, server.cache.Size())

	flushQ := new(dns.Msg)
	flushQ.SetQuestion("flush.internal.", dns.TypeA)
	resp := sendQuery(t, addr, flushQ)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Equal(t, 0, server.cache.Size())
}
