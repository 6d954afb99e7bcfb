// Package cache memoizes policy decisions per flow key.
//
// Every entry carries the rule-set version it was computed under. A lookup
// only hits when the stored version equals the caller's current version, so
// a rule reload invalidates the whole cache without touching it. Clear is
// still offered to release memory after a reload.
//
// The cache is split into independently locked shards, each a bounded LRU,
// so concurrent lookups on different keys rarely contend.
package cache

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/golang/groupcache/lru"
	"golang.org/x/sys/cpu"

	"opensase/sase-policy/pkg/policy"
)

// Config sizes the cache.
type Config struct {
	// MaxEntries bounds the total number of cached keys.
	// Default: 65536.
	MaxEntries int `yaml:"max_entries"`

	// Shards is the number of independently locked partitions. Must be a
	// power of two.
	// Default: 64.
	Shards int `yaml:"shards"`
}

// DefaultConfig returns the default cache sizing.
func DefaultConfig() Config {
	return Config{
		MaxEntries: 65536,
		Shards:     64,
	}
}

// Validate checks the sizing.
func (c Config) Validate() error {
	if c.MaxEntries <= 0 {
		return fmt.Errorf("cache max entries must be positive, got %d", c.MaxEntries)
	}
	if c.Shards <= 0 || bits.OnesCount(uint(c.Shards)) != 1 {
		return fmt.Errorf("cache shards must be a positive power of two, got %d", c.Shards)
	}
	if c.Shards > c.MaxEntries {
		return fmt.Errorf("cache shards (%d) exceed max entries (%d)", c.Shards, c.MaxEntries)
	}
	return nil
}

type entry struct {
	version  uint64
	decision policy.PolicyDecision
}

type shard struct {
	mu  sync.Mutex
	lru *lru.Cache
	_   cpu.CacheLinePad
}

// Cache is a sharded, version-tagged LRU of decisions. It is safe for
// concurrent use.
type Cache struct {
	shards    []shard
	mask      uint64
	perShard  int
	evictions atomic.Uint64
}

// New builds a cache. An invalid config falls back to DefaultConfig.
func New(cfg Config) *Cache {
	if cfg.Validate() != nil {
		cfg = DefaultConfig()
	}
	c := &Cache{
		shards:   make([]shard, cfg.Shards),
		mask:     uint64(cfg.Shards - 1),
		perShard: cfg.MaxEntries / cfg.Shards,
	}
	for i := range c.shards {
		c.shards[i].lru = c.newLRU()
	}
	return c
}

func (c *Cache) newLRU() *lru.Cache {
	l := lru.New(c.perShard)
	l.OnEvicted = func(lru.Key, interface{}) {
		c.evictions.Add(1)
	}
	return l
}

func (c *Cache) shardFor(key policy.PolicyKey) *shard {
	return &c.shards[key.Hash()&c.mask]
}

// Get returns the decision cached for key if it was computed under
// version. Absent and stale entries are both reported as a miss.
func (c *Cache) Get(key policy.PolicyKey, version uint64) (policy.PolicyDecision, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	v, ok := s.lru.Get(key)
	s.mu.Unlock()
	if !ok {
		return policy.PolicyDecision{}, false
	}
	e := v.(entry)
	if e.version != version {
		return policy.PolicyDecision{}, false
	}
	return e.decision, true
}

// Insert stores decision for key under version, replacing any previous
// entry. The least recently used key of the shard is evicted when full.
func (c *Cache) Insert(key policy.PolicyKey, version uint64, decision policy.PolicyDecision) {
	s := c.shardFor(key)
	s.mu.Lock()
	s.lru.Add(key, entry{version: version, decision: decision})
	s.mu.Unlock()
}

// Clear drops every entry. Dropped entries are not counted as evictions.
func (c *Cache) Clear() {
	for i := range c.shards {
		s := &c.shards[i]
		fresh := c.newLRU()
		s.mu.Lock()
		s.lru = fresh
		s.mu.Unlock()
	}
}

// Len returns the number of cached entries, including stale ones.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}

// Capacity is the maximum number of entries the cache holds.
func (c *Cache) Capacity() int {
	return c.perShard * len(c.shards)
}

// Evictions is the number of entries pushed out by capacity pressure.
func (c *Cache) Evictions() uint64 {
	return c.evictions.Load()
}
