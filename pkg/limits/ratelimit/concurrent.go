package ratelimit

import "sync/atomic"

// ConcurrentLimiter is a counting semaphore that never blocks. A limit of
// 0 or less admits everything.
type ConcurrentLimiter struct {
	limit   int64
	current atomic.Int64
}

// NewConcurrentLimiter returns a limiter admitting limit requests at once.
func NewConcurrentLimiter(limit int) *ConcurrentLimiter {
	return &ConcurrentLimiter{limit: int64(limit)}
}

// Acquire takes a slot. A true result must be paired with Release.
//
//	if cl.Acquire() {
//		defer cl.Release()
//		// ...
//	}
func (cl *ConcurrentLimiter) Acquire() bool {
	if cl.limit <= 0 {
		cl.current.Add(1)
		return true
	}
	if cl.current.Add(1) > cl.limit {
		cl.current.Add(-1)
		return false
	}
	return true
}

// Release returns a slot taken by Acquire.
func (cl *ConcurrentLimiter) Release() { cl.current.Add(-1) }

// Current returns the number of requests in flight.
func (cl *ConcurrentLimiter) Current() int64 { return cl.current.Load() }

// Limit returns the configured limit.
func (cl *ConcurrentLimiter) Limit() int64 { return cl.limit }
