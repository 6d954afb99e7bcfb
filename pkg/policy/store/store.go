// Package store holds the authoritative, versioned rule set.
//
// Rules are published as immutable snapshots through an atomic pointer.
// Lookups load the current snapshot and scan it without taking a lock, so a
// reload never blocks readers and readers never observe a half-replaced
// rule set. Writers are serialized.
//
// On Update the store validates every rule, copies the slice, stable-sorts
// it by ascending Decision.Priority (ties keep load order) and stamps each
// decision with its rule ID. The version is bumped exactly once per
// successful Update; a rejected update changes nothing.
package store

import (
	"sort"
	"sync"
	"sync/atomic"

	"opensase/sase-policy/pkg/policy"
)

// Snapshot is an immutable rule set and the version it was published as.
type Snapshot struct {
	Version uint64
	Rules   []policy.PolicyRule
}

// Lookup returns the decision of the first rule matching key.
func (s *Snapshot) Lookup(key policy.PolicyKey) (policy.PolicyDecision, bool) {
	for i := range s.Rules {
		if s.Rules[i].Matches(key) {
			return s.Rules[i].Decision, true
		}
	}
	return policy.PolicyDecision{}, false
}

// Len is the number of rules in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.Rules)
}

// Store is the versioned rule store. The zero value is not usable; call New.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// New returns an empty store at version 0.
func New() *Store {
	s := &Store{}
	s.current.Store(&Snapshot{})
	return s
}

// NewWithRules returns a store already holding rules at version 1.
func NewWithRules(rules []policy.PolicyRule) (*Store, error) {
	s := New()
	if err := s.Update(rules); err != nil {
		return nil, err
	}
	return s, nil
}

// Update atomically replaces the rule set. See Publish.
func (s *Store) Update(rules []policy.PolicyRule) error {
	_, err := s.Publish(rules)
	return err
}

// Publish replaces the rule set and returns the snapshot it installed.
// The input slice is not retained or modified. If any rule is invalid a
// *ValidationError is returned and the current snapshot stays in place.
func (s *Store) Publish(rules []policy.PolicyRule) (*Snapshot, error) {
	if err := Validate(rules); err != nil {
		return nil, err
	}

	sorted := Prepare(rules)

	s.mu.Lock()
	defer s.mu.Unlock()

	next := &Snapshot{
		Version: s.current.Load().Version + 1,
		Rules:   sorted,
	}
	s.current.Store(next)
	return next, nil
}

// Validate checks every rule and collects all failures.
func Validate(rules []policy.PolicyRule) error {
	var errs []error
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// Prepare returns a deep copy of rules in evaluation order with each
// decision stamped with its rule ID.
func Prepare(rules []policy.PolicyRule) []policy.PolicyRule {
	out := make([]policy.PolicyRule, len(rules))
	for i := range rules {
		out[i] = rules[i].Clone()
		out[i].Decision.RuleID = out[i].ID
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Decision.Priority < out[j].Decision.Priority
	})
	return out
}

// Lookup returns the first matching decision in the current snapshot.
func (s *Store) Lookup(key policy.PolicyKey) (policy.PolicyDecision, bool) {
	return s.current.Load().Lookup(key)
}

// Snapshot returns the current snapshot. It must not be modified.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Version returns the current rule-set version.
func (s *Store) Version() uint64 {
	return s.current.Load().Version
}

// Len returns the number of loaded rules.
func (s *Store) Len() int {
	return s.current.Load().Len()
}

// IsEmpty reports whether no rules are loaded.
func (s *Store) IsEmpty() bool {
	return s.Len() == 0
}

// Rules returns a deep copy of the loaded rules in evaluation order.
func (s *Store) Rules() []policy.PolicyRule {
	snap := s.current.Load()
	out := make([]policy.PolicyRule, len(snap.Rules))
	for i := range snap.Rules {
		out[i] = snap.Rules[i].Clone()
	}
	return out
}
