// Package ratelimit throttles admin API clients.
//
// A Limiter keeps one TokenBucket per client, bounded to the most recently
// seen clients:
//
//	l := ratelimit.New(&cfg.Server.RateLimit)
//	if ok, wait := l.Allow(client); !ok {
//		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
//		w.WriteHeader(http.StatusTooManyRequests)
//		return
//	}
//
// ConcurrentLimiter bounds in-flight requests across all clients.
//
// All types are safe for concurrent use.
package ratelimit
