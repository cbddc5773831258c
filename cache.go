package dnsrelay

import (
	"expvar"
	"sync"
	"time"

	"log/slog"

	"github.com/miekg/dns"
)

// minCachedTTL is the floor spec.md §4.5 step 5 requires on the remaining
// TTL returned from a cache hit.
const minCachedTTL = 1

// CacheOptions configures a Cache.
type CacheOptions struct {
	// Capacity is the maximum number of entries the cache holds; 0 means
	// unlimited. Defaults from config's cache_ttl-adjacent CACHE_CAPACITY.
	Capacity int

	// SweepInterval is how often the background sweeper removes expired
	// entries. Defaults to 30s (spec.md §4.3's SWEEP_INTERVAL).
	SweepInterval time.Duration
}

// Cache is the key→answer store described in spec.md §4.3: TTL-bounded,
// LRU-evicting, with a periodic background sweep. Grounded on the
// teacher's cache.go/cache-memory.go pairing, but collapsed into one type
// and one mutex, and with a plain Get/Put surface instead of the teacher's
// Resolver-decorator pattern: the server loop here needs to special-case
// override, blackhole, and relay answers differently before they ever
// reach the cache (different TTL sources, different cacheability rules),
// which doesn't fit cleanly behind a single wrapped Resolver.Resolve call.
type Cache struct {
	mu   sync.Mutex
	lru  *lruList
	opt  CacheOptions
	stop chan struct{}

	hits, misses, evictions *expvar.Int
}

// NewCache builds a Cache and starts its background sweeper. id namespaces
// the expvar metrics this cache publishes (cache.<id>.hit, .miss, .evicted),
// following the teacher's CacheMetrics/getVarInt convention (vars.go).
func NewCache(id string, opt CacheOptions) *Cache {
	if opt.SweepInterval <= 0 {
		opt.SweepInterval = 30 * time.Second
	}
	c := &Cache{
		lru:       newLRUList(opt.Capacity),
		opt:       opt,
		stop:      make(chan struct{}),
		hits:      getVarInt("cache", id, "hit"),
		misses:    getVarInt("cache", id, "miss"),
		evictions: getVarInt("cache", id, "evicted"),
	}
	go c.sweepLoop()
	return c
}

// Get returns a copy of the cached answer for key if one exists and has
// not expired, with every RR's TTL rewritten to the remaining lifetime
// (floored at minCachedTTL), per spec.md §4.5 step 3. An expired entry
// encountered here is evicted immediately.
func (c *Cache) Get(key cacheKey) ([]dns.RR, bool) {
	c.mu.Lock()
	e := c.lru.touch(key)
	if e == nil {
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	now := time.Now()
	if !now.Before(e.expiry) {
		c.lru.delete(key)
		c.mu.Unlock()
		c.misses.Add(1)
		c.evictions.Add(1)
		return nil, false
	}
	remaining := uint32(e.expiry.Sub(now).Seconds())
	if remaining < minCachedTTL {
		remaining = minCachedTTL
	}
	answer := make([]dns.RR, len(e.answer))
	for i, rr := range e.answer {
		cp := dns.Copy(rr)
		cp.Header().Ttl = remaining
		answer[i] = cp
	}
	c.mu.Unlock()
	c.hits.Add(1)
	return answer, true
}

// Put stores answer under key with the given ttl (seconds), evicting the
// least-recently-used entry if capacity is exceeded.
func (c *Cache) Put(key cacheKey, answer []dns.RR, ttl uint32) {
	if ttl == 0 {
		return
	}
	c.mu.Lock()
	c.lru.put(&cacheEntry{
		key:    key,
		answer: answer,
		expiry: time.Now().Add(time.Duration(ttl) * time.Second),
	})
	c.mu.Unlock()
}

// Flush empties the cache, used by the server's flush-query trigger
// (adapted from the teacher's Cache.FlushQuery feature).
func (c *Cache) Flush() {
	c.mu.Lock()
	c.lru.reset()
	c.mu.Unlock()
}

// Size returns the current number of entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.size()
}

// Close stops the background sweeper.
func (c *Cache) Close() {
	close(c.stop)
}

// sweepLoop runs every SweepInterval, dropping expired entries regardless
// of whether they'd otherwise have been touched by LRU access. Mirrors the
// teacher's memoryBackend.startGC.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.opt.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			removed := c.lru.deleteFunc(func(e *cacheEntry) bool {
				return !now.Before(e.expiry)
			})
			total := c.lru.size()
			c.mu.Unlock()
			if removed > 0 {
				c.evictions.Add(int64(removed))
			}
			Log.Debug("cache sweep", slog.Int("total", total), slog.Int("removed", removed))
		}
	}
}
