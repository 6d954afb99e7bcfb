// Package engine provides the tiered policy decision engine that answers
// "what do we do with this flow?" for every flow crossing an edge node.
//
// This is the hot path of the data plane. Lookup is synchronous, never
// blocks on a reload and never fails: when nothing matches it returns the
// engine's configured default decision.
//
// # Architecture
//
// The engine layers three structures over the authoritative rule store:
//
//  1. Decision cache - sharded LRU of (key, version) -> decision
//  2. Prefilter - Bloom filter that proves a key matches no rule
//  3. Rule store - immutable, priority-ordered snapshot scanned first-match
//
// # Lookup Flow
//
//	PolicyKey
//	    ↓
//	Load store snapshot (version V)
//	    ↓
//	Cache probe (key, V) → hit? return cached decision
//	    ↓
//	Prefilter probe (only if built for V) → definite miss? return default
//	    ↓
//	Scan snapshot → match? cache under V, return decision
//	    ↓
//	Return default (cached under V when negative caching is on)
//
// # Reloads
//
// LoadRules validates the new rule set, publishes it as a new store
// snapshot (bumping the version), then builds and publishes a prefilter
// tagged with that version, then clears the cache. Readers racing a reload
// use either the old snapshot with its cache entries or the new one; cache
// entries and prefilters from another version are never consulted, so a
// completed LoadRules leaves no stale window.
//
// # Prefilter
//
// Rules are indexed by (protocol, destination port) tokens. A rule with a
// narrow destination port range contributes one token per port; a rule with
// only a protocol contributes a protocol wildcard token; a rule restricting
// neither saturates the prefilter, which then always answers "maybe". A
// matching key always shares a token with the rule it matches, so the
// prefilter has no false negatives.
//
// # Basic Usage
//
//	cfg := engine.DefaultConfig().WithFailMode(engine.FailClosed)
//	eng, err := engine.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadRules(rules); err != nil {
//	    logger.Error("rule set rejected", "error", err)
//	}
//	decision := eng.Lookup(policy.KeyFromIPv4(src, dst, sport, dport, policy.ProtoTCP))
//
// # Thread Safety
//
// Engine is safe for concurrent use. Construct it once and share it between
// workers. Counters are per-field padded atomics; statistics are
// approximate while lookups are in flight.
package engine
