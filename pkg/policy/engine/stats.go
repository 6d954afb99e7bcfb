package engine

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// counter is an atomic counter on its own cache line.
type counter struct {
	n atomic.Uint64
	_ cpu.CacheLinePad
}

func (c *counter) inc() { c.n.Add(1) }

func (c *counter) load() uint64 { return c.n.Load() }

type counters struct {
	lookups        counter
	cacheHits      counter
	bloomHits      counter
	storeLookups   counter
	storeMatches   counter
	reloads        counter
	reloadFailures counter
}

// EngineStats is a point-in-time view of the engine counters.
type EngineStats struct {
	// TotalLookups counts Lookup calls.
	TotalLookups uint64 `json:"total_lookups"`
	// CacheHits counts lookups answered from the decision cache.
	CacheHits uint64 `json:"cache_hits"`
	// BloomHits counts lookups the prefilter proved match nothing.
	BloomHits uint64 `json:"bloom_hits"`
	// StoreLookups counts full rule scans.
	StoreLookups uint64 `json:"store_lookups"`
	// StoreMatches counts full scans that found a rule.
	StoreMatches uint64 `json:"store_matches"`
	// CacheHitRate is CacheHits / TotalLookups.
	CacheHitRate float64 `json:"cache_hit_rate"`
	// RulesLoaded is the size of the current rule set.
	RulesLoaded int `json:"rules_loaded"`
	// Version is the current rule-set version.
	Version uint64 `json:"version"`

	CacheEntries       int    `json:"cache_entries"`
	CacheEvictions     uint64 `json:"cache_evictions"`
	Reloads            uint64 `json:"reloads"`
	ReloadFailures     uint64 `json:"reload_failures"`
	PrefilterTokens    int    `json:"prefilter_tokens"`
	PrefilterBits      uint64 `json:"prefilter_bits"`
	PrefilterSaturated bool   `json:"prefilter_saturated"`
}

// Stats returns the current counters.
func (e *Engine) Stats() EngineStats {
	snap := e.store.Snapshot()
	s := EngineStats{
		TotalLookups:   e.stats.lookups.load(),
		CacheHits:      e.stats.cacheHits.load(),
		BloomHits:      e.stats.bloomHits.load(),
		StoreLookups:   e.stats.storeLookups.load(),
		StoreMatches:   e.stats.storeMatches.load(),
		RulesLoaded:    snap.Len(),
		Version:        snap.Version,
		CacheEntries:   e.cache.Len(),
		CacheEvictions: e.cache.Evictions(),
		Reloads:        e.stats.reloads.load(),
		ReloadFailures: e.stats.reloadFailures.load(),
	}
	if s.TotalLookups > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(s.TotalLookups)
	}
	if pf := e.filter.Load(); pf != nil {
		s.PrefilterTokens = pf.tokens
		s.PrefilterSaturated = pf.saturated
		if pf.filter != nil {
			s.PrefilterBits = pf.filter.Bits()
		}
	}
	return s
}
