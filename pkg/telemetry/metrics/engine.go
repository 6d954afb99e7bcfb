package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"opensase/sase-policy/pkg/policy/engine"
)

// StatsSource supplies engine counters.
type StatsSource interface {
	Stats() engine.EngineStats
}

// EngineCollector is a prometheus.Collector that reads engine counters
// on every scrape.
type EngineCollector struct {
	src StatsSource

	lookups         *prometheus.Desc
	cacheHits       *prometheus.Desc
	prefilterHits   *prometheus.Desc
	storeScans      *prometheus.Desc
	storeMatches    *prometheus.Desc
	cacheEntries    *prometheus.Desc
	cacheEvictions  *prometheus.Desc
	rulesLoaded     *prometheus.Desc
	version         *prometheus.Desc
	reloadFailures  *prometheus.Desc
	prefilterTokens *prometheus.Desc
	prefilterFull   *prometheus.Desc
}

// NewEngineCollector creates a collector for src.
func NewEngineCollector(namespace string, src StatsSource) *EngineCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "engine", name), help, nil, nil)
	}
	return &EngineCollector{
		src:             src,
		lookups:         desc("lookups_total", "Policy lookups"),
		cacheHits:       desc("cache_hits_total", "Lookups answered by the decision cache"),
		prefilterHits:   desc("prefilter_rejects_total", "Lookups the prefilter proved match no rule"),
		storeScans:      desc("store_scans_total", "Lookups that scanned the rule set"),
		storeMatches:    desc("store_matches_total", "Rule set scans that found a rule"),
		cacheEntries:    desc("cache_entries", "Decisions currently cached"),
		cacheEvictions:  desc("cache_evictions_total", "Decisions evicted from the cache"),
		rulesLoaded:     desc("rules_loaded", "Rules in the active rule set"),
		version:         desc("ruleset_version", "Version of the active rule set"),
		reloadFailures:  desc("reload_failures_total", "Rule sets the engine rejected"),
		prefilterTokens: desc("prefilter_tokens", "Tokens indexed by the prefilter"),
		prefilterFull:   desc("prefilter_saturated", "1 when the prefilter is bypassed for an over-wide rule set"),
	}
}

// Describe implements prometheus.Collector.
func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs() {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()

	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.lookups, s.TotalLookups)
	counter(c.cacheHits, s.CacheHits)
	counter(c.prefilterHits, s.BloomHits)
	counter(c.storeScans, s.StoreLookups)
	counter(c.storeMatches, s.StoreMatches)
	counter(c.cacheEvictions, s.CacheEvictions)
	counter(c.reloadFailures, s.ReloadFailures)
	gauge(c.cacheEntries, float64(s.CacheEntries))
	gauge(c.rulesLoaded, float64(s.RulesLoaded))
	gauge(c.version, float64(s.Version))
	gauge(c.prefilterTokens, float64(s.PrefilterTokens))
	saturated := 0.0
	if s.PrefilterSaturated {
		saturated = 1
	}
	gauge(c.prefilterFull, saturated)
}

func (c *EngineCollector) descs() []*prometheus.Desc {
	return []*prometheus.Desc{
		c.lookups, c.cacheHits, c.prefilterHits, c.storeScans, c.storeMatches,
		c.cacheEntries, c.cacheEvictions, c.rulesLoaded, c.version,
		c.reloadFailures, c.prefilterTokens, c.prefilterFull,
	}
}
