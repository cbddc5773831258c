package dnsrelay

import (
	"time"

	"github.com/miekg/dns"
)

// cacheKey identifies a cached answer by the triple spec.md §3 defines:
// lowercased qname, qtype, qclass.
type cacheKey struct {
	Name   string
	Qtype  uint16
	Qclass uint16
}

func cacheKeyFor(q *dns.Question) cacheKey {
	return cacheKey{
		Name:   dns.CanonicalName(q.Name),
		Qtype:  q.Qtype,
		Qclass: q.Qclass,
	}
}

// cacheEntry is one node of the LRU doubly-linked list. Answer is the
// immutable RR set stored at insert time; Get returns copies with the TTL
// rewritten to the remaining time, never mutating Answer itself.
type cacheEntry struct {
	key    cacheKey
	answer []dns.RR
	expiry time.Time

	prev, next *cacheEntry
}

// lruList is a capacity-bounded hash map plus doubly-linked list, the same
// structure the teacher's lru-cache.go uses: a map for O(1) lookup and an
// intrusive list for O(1) most-recently-used reordering and eviction.
// Unlike the teacher's version this one drops JSON (de)serialization,
// since persisting the cache across restarts is explicitly out of scope
// here (spec.md §1 Non-goals).
type lruList struct {
	capacity   int
	items      map[cacheKey]*cacheEntry
	head, tail *cacheEntry // sentinels; head.next is most recently used
}

func newLRUList(capacity int) *lruList {
	head := new(cacheEntry)
	tail := new(cacheEntry)
	head.next = tail
	tail.prev = head
	return &lruList{
		capacity: capacity,
		items:    make(map[cacheKey]*cacheEntry),
		head:     head,
		tail:     tail,
	}
}

func (l *lruList) unlink(e *cacheEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
}

func (l *lruList) pushFront(e *cacheEntry) {
	e.next = l.head.next
	e.prev = l.head
	l.head.next.prev = e
	l.head.next = e
}

// touch moves an existing entry to the front (most-recently-used position)
// and returns it, or nil if key isn't present.
func (l *lruList) touch(key cacheKey) *cacheEntry {
	e, ok := l.items[key]
	if !ok {
		return nil
	}
	l.unlink(e)
	l.pushFront(e)
	return e
}

// put inserts or replaces the entry for key, then evicts from the tail
// until the list is back within capacity.
func (l *lruList) put(e *cacheEntry) {
	if existing := l.touch(e.key); existing != nil {
		existing.answer = e.answer
		existing.expiry = e.expiry
		return
	}
	l.pushFront(e)
	l.items[e.key] = e
	l.evictOverCapacity()
}

func (l *lruList) evictOverCapacity() {
	if l.capacity <= 0 {
		return
	}
	for len(l.items) > l.capacity {
		victim := l.tail.prev
		if victim == l.head {
			return
		}
		l.unlink(victim)
		delete(l.items, victim.key)
	}
}

func (l *lruList) delete(key cacheKey) {
	e, ok := l.items[key]
	if !ok {
		return
	}
	l.unlink(e)
	delete(l.items, key)
}

func (l *lruList) size() int {
	return len(l.items)
}

func (l *lruList) reset() {
	head := new(cacheEntry)
	tail := new(cacheEntry)
	head.next = tail
	tail.prev = head
	l.head, l.tail = head, tail
	l.items = make(map[cacheKey]*cacheEntry)
}

// deleteFunc removes every entry for which f returns true, without
// disturbing LRU order of the rest. Used by the sweeper to drop expired
// entries regardless of recency.
func (l *lruList) deleteFunc(f func(*cacheEntry) bool) int {
	removed := 0
	for e := l.head.next; e != l.tail; {
		next := e.next
		if f(e) {
			l.unlink(e)
			delete(l.items, e.key)
			removed++
		}
		e = next
	}
	return removed
}
