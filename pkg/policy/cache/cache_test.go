package cache

import (
	"sync"
	"testing"

	"opensase/sase-policy/pkg/policy"
)

func testKey(i uint32) policy.PolicyKey {
	return policy.KeyFromIPv4(0x0a000000|i, 0xc0a80001, uint16(i), 443, policy.ProtoTCP)
}

func deny(id uint32) policy.PolicyDecision {
	d := policy.DenyDecision()
	d.RuleID = id
	return d
}

func TestCache_GetInsert(t *testing.T) {
	c := New(DefaultConfig())
	k := testKey(1)

	if _, ok := c.Get(k, 1); ok {
		t.Fatal("Get() on empty cache = hit, want miss")
	}

	c.Insert(k, 1, deny(7))
	got, ok := c.Get(k, 1)
	if !ok {
		t.Fatal("Get() after Insert = miss, want hit")
	}
	if got.RuleID != 7 || got.Action != policy.ActionDeny {
		t.Errorf("Get() = %v, want deny rule 7", got)
	}
}

func TestCache_StaleVersionIsMiss(t *testing.T) {
	c := New(DefaultConfig())
	k := testKey(1)
	c.Insert(k, 1, deny(7))

	if _, ok := c.Get(k, 2); ok {
		t.Error("Get() with newer version = hit, want miss")
	}
	if _, ok := c.Get(k, 0); ok {
		t.Error("Get() with older version = hit, want miss")
	}

	c.Insert(k, 2, deny(8))
	got, ok := c.Get(k, 2)
	if !ok || got.RuleID != 8 {
		t.Errorf("Get() after overwrite = %v, %v; want rule 8, hit", got, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d after overwrite, want 1", c.Len())
	}
}

func TestCache_Bounded(t *testing.T) {
	c := New(Config{MaxEntries: 64, Shards: 4})
	if c.Capacity() != 64 {
		t.Fatalf("Capacity() = %d, want 64", c.Capacity())
	}
	for i := uint32(0); i < 10000; i++ {
		c.Insert(testKey(i), 1, deny(i))
	}
	if n := c.Len(); n > 64 {
		t.Errorf("Len() = %d, want <= 64", n)
	}
	if c.Evictions() == 0 {
		t.Error("Evictions() = 0 after overfilling, want > 0")
	}
}

func TestCache_LRUOrder(t *testing.T) {
	c := New(Config{MaxEntries: 2, Shards: 1})
	a, b, d := testKey(1), testKey(2), testKey(3)
	c.Insert(a, 1, deny(1))
	c.Insert(b, 1, deny(2))
	c.Get(a, 1) // a becomes most recent
	c.Insert(d, 1, deny(3))

	if _, ok := c.Get(b, 1); ok {
		t.Error("least recently used key survived eviction")
	}
	if _, ok := c.Get(a, 1); !ok {
		t.Error("recently used key was evicted")
	}
}

func TestCache_Clear(t *testing.T) {
	c := New(Config{MaxEntries: 1024, Shards: 8})
	for i := uint32(0); i < 100; i++ {
		c.Insert(testKey(i), 3, deny(i))
	}
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", c.Len())
	}
	if c.Evictions() != 0 {
		t.Errorf("Evictions() after Clear = %d, want 0", c.Evictions())
	}
	if _, ok := c.Get(testKey(5), 3); ok {
		t.Error("Get() after Clear = hit, want miss")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"single shard", Config{MaxEntries: 10, Shards: 1}, false},
		{"zero entries", Config{MaxEntries: 0, Shards: 1}, true},
		{"not power of two", Config{MaxEntries: 100, Shards: 12}, true},
		{"more shards than entries", Config{MaxEntries: 4, Shards: 8}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_InvalidConfigFallsBack(t *testing.T) {
	c := New(Config{MaxEntries: -1, Shards: 3})
	if c.Capacity() != DefaultConfig().MaxEntries {
		t.Errorf("Capacity() = %d, want default %d", c.Capacity(), DefaultConfig().MaxEntries)
	}
}

func TestCache_Concurrent(t *testing.T) {
	c := New(Config{MaxEntries: 4096, Shards: 16})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := uint32(0); i < 2000; i++ {
				k := testKey(i % 512)
				if d, ok := c.Get(k, 1); ok && d.RuleID != i%512 {
					t.Errorf("Get(%d) returned rule %d", i%512, d.RuleID)
					return
				}
				c.Insert(k, 1, deny(i%512))
				if w == 0 && i%500 == 0 {
					c.Clear()
				}
			}
		}(w)
	}
	wg.Wait()
}

func BenchmarkCacheGet(b *testing.B) {
	c := New(DefaultConfig())
	k := testKey(42)
	c.Insert(k, 1, deny(1))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(k, 1)
	}
}

func BenchmarkCacheGetParallel(b *testing.B) {
	c := New(DefaultConfig())
	keys := make([]policy.PolicyKey, 1024)
	for i := range keys {
		keys[i] = testKey(uint32(i))
		c.Insert(keys[i], 1, deny(uint32(i)))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			c.Get(keys[i&1023], 1)
			i++
		}
	})
}
