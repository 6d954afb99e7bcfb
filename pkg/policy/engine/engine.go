package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"opensase/sase-policy/pkg/policy"
	"opensase/sase-policy/pkg/policy/cache"
	"opensase/sase-policy/pkg/policy/store"
)

// Engine is the tiered decision engine. See the package documentation for
// the lookup order.
type Engine struct {
	// store holds the authoritative rule snapshots
	store *store.Store

	// cache memoizes decisions per (key, version)
	cache *cache.Cache

	// filter is the prefilter of the latest loaded snapshot
	filter atomic.Pointer[prefilter]

	// defaultDecision is returned when nothing matches
	defaultDecision policy.PolicyDecision

	// config contains engine configuration
	config *Config

	// logger for structured logging
	logger *slog.Logger

	// loadMu serializes LoadRules
	loadMu sync.Mutex

	stats counters
}

// New creates an engine with an empty rule set at version 0.
func New(config *Config, logger *slog.Logger) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		store:           store.New(),
		cache:           cache.New(config.Cache),
		defaultDecision: config.DefaultDecision,
		config:          config,
		logger:          logger.With("component", "policy.engine"),
	}
	e.filter.Store(buildPrefilter(e.store.Snapshot(), config))

	return e, nil
}

// NewWithRules creates an engine and loads rules as version 1.
func NewWithRules(config *Config, logger *slog.Logger, rules []policy.PolicyRule) (*Engine, error) {
	e, err := New(config, logger)
	if err != nil {
		return nil, err
	}
	if err := e.LoadRules(rules); err != nil {
		return nil, err
	}
	return e, nil
}

// Lookup returns the decision for key. It never blocks on a reload and
// falls back to the default decision when no rule matches.
func (e *Engine) Lookup(key policy.PolicyKey) policy.PolicyDecision {
	e.stats.lookups.inc()

	snap := e.store.Snapshot()

	if d, ok := e.cache.Get(key, snap.Version); ok {
		e.stats.cacheHits.inc()
		return d
	}

	// A prefilter built for another version is skipped rather than trusted.
	if pf := e.filter.Load(); pf != nil && pf.version == snap.Version && !pf.mightMatch(key) {
		e.stats.bloomHits.inc()
		return e.defaultDecision
	}

	e.stats.storeLookups.inc()
	if d, ok := snap.Lookup(key); ok {
		e.stats.storeMatches.inc()
		e.cache.Insert(key, snap.Version, d)
		return d
	}

	if e.config.CacheNegative {
		e.cache.Insert(key, snap.Version, e.defaultDecision)
	}
	return e.defaultDecision
}

// LookupTimed is Lookup plus the time it took.
func (e *Engine) LookupTimed(key policy.PolicyKey) (policy.PolicyDecision, time.Duration) {
	start := time.Now()
	d := e.Lookup(key)
	return d, time.Since(start)
}

// LoadRules replaces the rule set. The store version is bumped first, then
// the prefilter for the new version is published, then the cache is
// cleared. A rejected rule set leaves the engine unchanged and returns a
// *ReloadError.
func (e *Engine) LoadRules(rules []policy.PolicyRule) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	start := time.Now()

	if len(rules) > e.config.MaxRules {
		return e.rejectReload(len(rules), fmt.Errorf("%w: %d (max: %d)", ErrTooManyRules, len(rules), e.config.MaxRules))
	}

	snap, err := e.store.Publish(rules)
	if err != nil {
		return e.rejectReload(len(rules), err)
	}

	pf := buildPrefilter(snap, e.config)
	e.filter.Store(pf)
	e.cache.Clear()
	e.stats.reloads.inc()

	e.logger.Info("rules loaded",
		"version", snap.Version,
		"rule_count", snap.Len(),
		"prefilter_tokens", pf.tokens,
		"prefilter_saturated", pf.saturated,
		"duration", time.Since(start),
	)

	return nil
}

func (e *Engine) rejectReload(count int, cause error) error {
	e.stats.reloadFailures.inc()
	version := e.store.Version()
	e.logger.Warn("rule set rejected",
		"rule_count", count,
		"version", version,
		"error", cause,
	)
	return &ReloadError{RuleCount: count, Version: version, Cause: cause}
}

// DefaultDecision returns the decision used when nothing matches.
func (e *Engine) DefaultDecision() policy.PolicyDecision {
	return e.defaultDecision
}

// Version returns the current rule-set version.
func (e *Engine) Version() uint64 {
	return e.store.Version()
}

// Snapshot returns the current rule snapshot. It must not be modified.
func (e *Engine) Snapshot() *store.Snapshot {
	return e.store.Snapshot()
}

// Rules returns a copy of the loaded rules in evaluation order.
func (e *Engine) Rules() []policy.PolicyRule {
	return e.store.Rules()
}

// Config returns the engine configuration.
func (e *Engine) Config() *Config {
	return e.config
}
