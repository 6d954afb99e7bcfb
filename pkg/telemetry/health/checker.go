package health

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// Overall and per-check status values.
const (
	StatusOK          = "ok"
	StatusReady       = "ready"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
	StatusUnhealthy   = "unhealthy"
)

// CheckFunc reports whether one component is healthy.
type CheckFunc func(ctx context.Context) error

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status     string  `json:"status"`
	Message    string  `json:"message,omitempty"`
	Optional   bool    `json:"optional,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

// HealthStatus is the body of the health endpoints.
//
// Readiness is "ready" when every check passes, "degraded" when only
// optional checks fail and "unavailable" when a required check fails.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Ready reports whether the status should pass a readiness probe.
func (s HealthStatus) Ready() bool {
	return s.Status == StatusReady || s.Status == StatusDegraded
}

// ErrCheckTimeout is reported when a check outlives the check timeout.
var ErrCheckTimeout = errors.New("health check timeout")

type check struct {
	fn       CheckFunc
	optional bool
}

// Checker runs named readiness checks.
type Checker struct {
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]check
}

// New returns a Checker bounding each check by timeout (5s when zero).
func New(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{timeout: timeout, checks: make(map[string]check)}
}

// RegisterCheck adds a required check, replacing any check of the same
// name.
func (c *Checker) RegisterCheck(name string, fn CheckFunc) {
	c.register(name, fn, false)
}

// RegisterOptional adds a check whose failure degrades the node without
// failing readiness.
func (c *Checker) RegisterOptional(name string, fn CheckFunc) {
	c.register(name, fn, true)
}

func (c *Checker) register(name string, fn CheckFunc, optional bool) {
	c.mu.Lock()
	c.checks[name] = check{fn: fn, optional: optional}
	c.mu.Unlock()
}

// CheckLiveness reports that the process is serving. It runs no checks.
func (c *Checker) CheckLiveness(context.Context) HealthStatus {
	return HealthStatus{Status: StatusOK, Timestamp: time.Now()}
}

// CheckReadiness runs every registered check concurrently.
func (c *Checker) CheckReadiness(ctx context.Context) HealthStatus {
	names := c.ListChecks()
	results := make([]CheckResult, len(names))

	c.mu.RLock()
	checks := make([]check, len(names))
	for i, name := range names {
		checks[i] = c.checks[name]
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for i := range checks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.run(ctx, checks[i])
		}(i)
	}
	wg.Wait()

	st := HealthStatus{
		Status:    StatusReady,
		Checks:    make(map[string]CheckResult, len(names)),
		Timestamp: time.Now(),
	}
	for i, name := range names {
		r := results[i]
		st.Checks[name] = r
		if r.Status != StatusUnhealthy {
			continue
		}
		if !r.Optional {
			st.Status = StatusUnavailable
		} else if st.Status == StatusReady {
			st.Status = StatusDegraded
		}
	}
	return st
}

func (c *Checker) run(ctx context.Context, chk check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- chk.fn(ctx) }()

	res := CheckResult{Status: StatusOK, Optional: chk.optional}
	select {
	case err := <-done:
		if err != nil {
			res.Status, res.Message = StatusUnhealthy, err.Error()
		}
	case <-ctx.Done():
		res.Status, res.Message = StatusUnhealthy, ErrCheckTimeout.Error()
	}
	res.DurationMS = float64(time.Since(start).Microseconds()) / 1000
	return res
}

// ListChecks returns the registered check names in order.
func (c *Checker) ListChecks() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
