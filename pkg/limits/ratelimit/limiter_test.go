package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"opensase/sase-policy/pkg/config"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func TestTokenBucket(t *testing.T) {
	clock := newClock()
	b := newTokenBucket(10, 10, clock.now)

	if !b.Take(5) || b.Remaining() != 5 {
		t.Fatalf("after Take(5) remaining = %d", b.Remaining())
	}
	if !b.Take(5) || b.Take(1) {
		t.Fatal("bucket should be empty after taking its capacity")
	}

	ok, wait := b.TakeOrWait(5)
	if ok || wait != 500*time.Millisecond {
		t.Errorf("TakeOrWait(5) = %v, %v, want false, 500ms", ok, wait)
	}

	clock.advance(150 * time.Millisecond)
	if !b.Take(1) {
		t.Error("bucket did not refill")
	}

	clock.advance(time.Hour)
	if got := b.Remaining(); got != 10 {
		t.Errorf("Remaining() = %d, want capacity 10", got)
	}

	b.Take(10)
	b.Reset()
	if b.Remaining() != 10 {
		t.Error("Reset() did not refill")
	}
}

func TestTokenBucket_FractionalRefill(t *testing.T) {
	clock := newClock()
	b := newTokenBucket(1, 2, clock.now)
	b.Take(1)

	// Two calls of 300ms each must add up to one token at 2/s.
	clock.advance(300 * time.Millisecond)
	if b.Take(1) {
		t.Fatal("token available after 300ms at 2/s")
	}
	clock.advance(300 * time.Millisecond)
	if !b.Take(1) {
		t.Error("partial refills were lost")
	}
}

func TestTokenBucket_ZeroRate(t *testing.T) {
	b := newTokenBucket(1, 0, newClock().now)
	b.Take(1)
	if ok, wait := b.TakeOrWait(1); ok || wait != 0 {
		t.Errorf("TakeOrWait() = %v, %v", ok, wait)
	}
}

func TestLimiter(t *testing.T) {
	clock := newClock()
	l := newLimiter(&config.RateLimitConfig{RequestsPerSecond: 1, Burst: 2, MaxClients: 2}, clock.now)

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("dashboard"); !ok {
			t.Fatalf("request %d within burst rejected", i)
		}
	}
	ok, wait := l.Allow("dashboard")
	if ok || wait != time.Second {
		t.Errorf("third request = %v, %v, want rejected for 1s", ok, wait)
	}
	if ok, _ := l.Allow("gateway"); !ok {
		t.Error("clients share a bucket")
	}

	clock.advance(time.Second)
	if ok, _ := l.Allow("dashboard"); !ok {
		t.Error("bucket did not refill after 1s")
	}

	st := l.Stats()
	if st.Clients != 2 || st.Allowed != 4 || st.Rejected != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestLimiter_EvictsLeastRecent(t *testing.T) {
	clock := newClock()
	l := newLimiter(&config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1, MaxClients: 1}, clock.now)

	l.Allow("a")
	if ok, _ := l.Allow("a"); ok {
		t.Fatal("burst of 1 allowed two requests")
	}
	l.Allow("b")
	if ok, _ := l.Allow("a"); !ok {
		t.Error("evicted client kept its empty bucket")
	}
	if l.Stats().Clients != 1 {
		t.Errorf("Clients = %d, want 1", l.Stats().Clients)
	}

	l.Forget("a")
	if l.Stats().Clients != 0 {
		t.Error("Forget() kept the client")
	}
}

func TestLimiter_Defaults(t *testing.T) {
	l := New(&config.RateLimitConfig{})
	for i := 0; i < config.DefaultRateLimitBurst; i++ {
		if ok, _ := l.Allow("c"); !ok {
			t.Fatalf("request %d within default burst rejected", i)
		}
	}
}

func TestConcurrentLimiter(t *testing.T) {
	cl := NewConcurrentLimiter(2)
	if !cl.Acquire() || !cl.Acquire() {
		t.Fatal("could not take both slots")
	}
	if cl.Acquire() {
		t.Error("third Acquire() succeeded")
	}
	if cl.Current() != 2 {
		t.Errorf("Current() = %d, want 2", cl.Current())
	}
	cl.Release()
	if !cl.Acquire() {
		t.Error("released slot not reusable")
	}

	unbounded := NewConcurrentLimiter(0)
	for i := 0; i < 100; i++ {
		if !unbounded.Acquire() {
			t.Fatal("unbounded limiter rejected")
		}
	}
}

func TestConcurrentLimiter_Parallel(t *testing.T) {
	cl := NewConcurrentLimiter(10)
	var held, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if !cl.Acquire() {
					continue
				}
				h := held.Add(1)
				for {
					p := peak.Load()
					if h <= p || peak.CompareAndSwap(p, h) {
						break
					}
				}
				held.Add(-1)
				cl.Release()
			}
		}()
	}
	wg.Wait()
	if peak.Load() > 10 || cl.Current() != 0 {
		t.Errorf("peak = %d, current = %d", peak.Load(), cl.Current())
	}
}
