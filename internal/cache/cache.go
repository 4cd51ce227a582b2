// Package cache implements the response cache: a sharded LRU keyed by
// question, honoring DNS TTLs with a negative-caching path for NXDOMAIN and
// NODATA answers.
package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const (
	numShards = 16

	// DefaultMaxEntries bounds the cache when no capacity is configured.
	DefaultMaxEntries = 10000

	defaultCleanupInterval = time.Minute
)

// Config holds the cache tuning knobs.
type Config struct {
	// MaxEntries caps the total number of cached responses.
	MaxEntries int

	// MaxTTL clamps the TTL taken from answer records.
	MaxTTL time.Duration

	// NegativeTTL is used for NXDOMAIN/NODATA answers without an SOA
	// minimum.
	NegativeTTL time.Duration
}

// Entry is a single cached response.
type Entry struct {
	key        string
	msg        *dns.Msg
	insertedAt time.Time
	expiresAt  time.Time
}

type shard struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	maxEntries int
}

// Cache is a sharded, TTL-aware LRU of DNS responses.
type Cache struct {
	shards [numShards]*shard
	cfg    Config
	stop   chan struct{}
	once   sync.Once
}

// New creates a cache and starts its periodic expiry sweep.
func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	perShard := cfg.MaxEntries / numShards
	if perShard < 1 {
		perShard = 1
	}

	c := &Cache{cfg: cfg, stop: make(chan struct{})}
	for i := range c.shards {
		c.shards[i] = &shard{
			entries:    make(map[string]*list.Element),
			lru:        list.New(),
			maxEntries: perShard,
		}
	}
	go c.cleanup()
	return c
}

// Get returns a copy of the cached response for key, or false. Expired
// entries are evicted lazily here.
func (c *Cache) Get(key string) (*dns.Msg, bool) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*Entry)
	if time.Now().After(entry.expiresAt) {
		s.lru.Remove(elem)
		delete(s.entries, key)
		return nil, false
	}

	s.lru.MoveToFront(elem)
	return entry.msg.Copy(), true
}

// Set stores a response. The TTL is the minimum across answer records
// clamped to MaxTTL; negative answers use the SOA minimum when present, the
// configured negative TTL otherwise. Responses that would expire immediately
// are not stored.
func (c *Cache) Set(key string, msg *dns.Msg) {
	ttl := c.responseTTL(msg)
	if ttl <= 0 {
		return
	}

	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if elem, ok := s.entries[key]; ok {
		entry := elem.Value.(*Entry)
		entry.msg = msg.Copy()
		entry.insertedAt = now
		entry.expiresAt = now.Add(ttl)
		s.lru.MoveToFront(elem)
		return
	}

	if s.lru.Len() >= s.maxEntries {
		if oldest := s.lru.Back(); oldest != nil {
			entry := s.lru.Remove(oldest).(*Entry)
			delete(s.entries, entry.key)
		}
	}

	entry := &Entry{
		key:        key,
		msg:        msg.Copy(),
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	}
	s.entries[key] = s.lru.PushFront(entry)
}

// Remove evicts one key.
func (c *Cache) Remove(key string) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[key]; ok {
		s.lru.Remove(elem)
		delete(s.entries, key)
	}
}

// Len returns the number of live entries across all shards.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.lru.Len()
		s.mu.Unlock()
	}
	return total
}

// Stop terminates the expiry sweeper.
func (c *Cache) Stop() {
	c.once.Do(func() { close(c.stop) })
}

// responseTTL derives the cache lifetime of a response.
func (c *Cache) responseTTL(msg *dns.Msg) time.Duration {
	negative := msg.Rcode == dns.RcodeNameError ||
		(msg.Rcode == dns.RcodeSuccess && len(msg.Answer) == 0)

	if negative {
		// SOA minimum from the authority section takes precedence.
		for _, rr := range msg.Ns {
			if soa, ok := rr.(*dns.SOA); ok {
				ttl := time.Duration(soa.Minttl) * time.Second
				if hdrTTL := time.Duration(soa.Hdr.Ttl) * time.Second; hdrTTL < ttl {
					ttl = hdrTTL
				}
				return c.clamp(ttl)
			}
		}
		return c.clamp(c.cfg.NegativeTTL)
	}

	minTTL := time.Duration(0)
	for i, rr := range msg.Answer {
		ttl := time.Duration(rr.Header().Ttl) * time.Second
		if i == 0 || ttl < minTTL {
			minTTL = ttl
		}
	}
	return c.clamp(minTTL)
}

func (c *Cache) clamp(ttl time.Duration) time.Duration {
	if c.cfg.MaxTTL > 0 && ttl > c.cfg.MaxTTL {
		return c.cfg.MaxTTL
	}
	return ttl
}

func (c *Cache) shard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// cleanup periodically drops expired entries, walking each shard's LRU from
// the least recently used end.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			for _, s := range c.shards {
				s.mu.Lock()
				for elem := s.lru.Back(); elem != nil; {
					prev := elem.Prev()
					entry := elem.Value.(*Entry)
					if now.After(entry.expiresAt) {
						s.lru.Remove(elem)
						delete(s.entries, entry.key)
					}
					elem = prev
				}
				s.mu.Unlock()
			}
		case <-c.stop:
			return
		}
	}
}
