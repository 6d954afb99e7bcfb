package ratelimit

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"opensase/sase-policy/pkg/config"
)

// Limiter keeps a token bucket per client. Clients beyond MaxClients evict
// the least recently seen one, which then starts over with a full bucket.
type Limiter struct {
	mu      sync.Mutex
	clients *lru.Cache
	rate    float64
	burst   int64
	now     func() time.Time

	allowed  uint64
	rejected uint64
}

// Stats counts the decisions of a Limiter.
type Stats struct {
	Clients  int    `json:"clients"`
	Allowed  uint64 `json:"allowed"`
	Rejected uint64 `json:"rejected"`
}

// New returns a limiter for cfg. Zero or negative fields fall back to the
// configuration defaults.
func New(cfg *config.RateLimitConfig) *Limiter {
	return newLimiter(cfg, time.Now)
}

func newLimiter(cfg *config.RateLimitConfig, now func() time.Time) *Limiter {
	rate, burst, maxClients := cfg.RequestsPerSecond, cfg.Burst, cfg.MaxClients
	if rate <= 0 {
		rate = config.DefaultRateLimitRPS
	}
	if burst <= 0 {
		burst = config.DefaultRateLimitBurst
	}
	if maxClients <= 0 {
		maxClients = config.DefaultRateLimitMaxClients
	}
	return &Limiter{
		clients: lru.New(maxClients),
		rate:    rate,
		burst:   int64(burst),
		now:     now,
	}
}

// Allow takes one token from client's bucket. When it is empty Allow
// returns false and the time until the next token.
func (l *Limiter) Allow(client string) (bool, time.Duration) {
	l.mu.Lock()
	var b *TokenBucket
	if v, ok := l.clients.Get(client); ok {
		b = v.(*TokenBucket)
	} else {
		b = newTokenBucket(l.burst, l.rate, l.now)
		l.clients.Add(client, b)
	}
	ok, wait := b.TakeOrWait(1)
	if ok {
		l.allowed++
	} else {
		l.rejected++
	}
	l.mu.Unlock()
	return ok, wait
}

// Forget drops a client's bucket.
func (l *Limiter) Forget(client string) {
	l.mu.Lock()
	l.clients.Remove(client)
	l.mu.Unlock()
}

// Stats returns the current counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Clients: l.clients.Len(), Allowed: l.allowed, Rejected: l.rejected}
}

// Rejected returns the number of refused requests.
func (l *Limiter) Rejected() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rejected
}
