// Package metrics exposes sase-policy measurements to Prometheus.
//
// # Metrics
//
// Engine counters are read from engine.Stats at scrape time, so the lookup
// path never touches Prometheus:
//
//	sase_engine_lookups_total
//	sase_engine_cache_hits_total
//	sase_engine_prefilter_rejects_total
//	sase_engine_store_scans_total
//	sase_engine_store_matches_total
//	sase_engine_cache_entries
//	sase_engine_cache_evictions_total
//	sase_engine_rules_loaded
//	sase_engine_ruleset_version
//	sase_engine_prefilter_tokens
//	sase_engine_prefilter_saturated
//
// Reloads and admin decisions are recorded as they happen:
//
//	sase_policy_reloads_total{outcome}
//	sase_policy_reload_duration_seconds{outcome}
//	sase_policy_decisions_total{action}
//	sase_audit_events_dropped_total
//
// # Usage
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	collector.RegisterEngine(eng)
//	http.Handle("/metrics", collector.Handler())
package metrics
