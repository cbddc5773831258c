package dnsrelay

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func testKey(name string) cacheKey {
	return cacheKey{Name: dns.CanonicalName(name), Qtype: dns.TypeA, Qclass: dns.ClassINET}
}

func TestCacheGetPutHitMiss(t *testing.T) {
	c := NewCache("test", CacheOptions{Capacity: 10, SweepInterval: time.Hour})
	defer c.Close()

	key := testKey("example.com.")
	_, ok := c.Get(key)
	require.False(t, ok)

	rr := &dns.A{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60}}
	c.Put(key, []dns.RR{rr}, 60)

	answer, ok := c.Get(key)
	require.True(t, ok)
	require.Len(t, answer, 1)
	require.LessOrEqual(t, answer[0].Header().Ttl, uint32(60))
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewCache("test", CacheOptions{Capacity: 10, SweepInterval: time.Hour})
	defer c.Close()

	key := testKey("expiring.com.")
	rr := &dns.A{Hdr: dns.RR_Header{Name: "expiring.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 1}}
	c.Put(key, []dns.RR{rr}, 1)

	time.Sleep(1100 * time.Millisecond)
	_, ok := c.Get(key)
	require.False(t, ok)
}

func TestCacheLRUBound(t *testing.T) {
	c := NewCache("test", CacheOptions{Capacity: 2, SweepInterval: time.Hour})
	defer c.Close()

	keys := []cacheKey{testKey("a.com."), testKey("b.com."), testKey("c.com.")}
	for _, k := range keys {
		c.Put(k, []dns.RR{&dns.A{Hdr: dns.RR_Header{Ttl: 60}}}, 60)
	}
	require.Equal(t, 2, c.Size())
	_, ok := c.Get(keys[0])
	require.False(t, ok, "oldest entry should have been evicted")
}

func TestCacheFlush(t *testing.T) {
	c := NewCache("test", CacheOptions{Capacity: 10, SweepInterval: time.Hour})
	defer c.Close()

	key := testKey("example.com.")
	c.Put(key, []dns.RR{&dns.A{Hdr: dns.RR_Header{Ttl: 60}}}, 60)
	require.Equal(t, 1, c.Size())

	c.Flush()
	require.Equal(t, 0, c.Size())
}

func TestCacheZeroTTLNotStored(t *testing.T) {
	c := NewCache("test", CacheOptions{Capacity: 10, SweepInterval: time.Hour})
	defer c.Close()

	key := testKey("nottl.com.")
	c.Put(key, []dns.RR{&dns.A{Hdr: dns.RR_Header{Ttl: 0}}}, 0)
	require.Equal(t, 0, c.Size())
}

func TestCacheSweepRemovesExpired(t *testing.T) {
	c := NewCache("sweep-test", CacheOptions{Capacity: 10, SweepInterval: 50 * time.Millisecond})
	defer c.Close()

	key := testKey("sweepme.com.")
	c.Put(key, []dns.RR{&dns.A{Hdr: dns.RR_Header{Ttl: 1}}}, 1)
	require.Equal(t, 1, c.Size())

	time.Sleep(1200 * time.Millisecond)
	require.Eventually(t, func() bool {
		return c.Size() == 0
	}, time.Second, 50*time.Millisecond)
}
