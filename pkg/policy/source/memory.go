package source

import (
	"context"
	"sync"
	"time"

	"opensase/sase-policy/pkg/policy"
)

// MemorySource holds a rule set in memory. It is used by tests and by
// components that receive rules over the network.
type MemorySource struct {
	name string

	mu       sync.RWMutex
	rules    []policy.PolicyRule
	watchers []chan Event
}

// NewMemorySource creates a source holding a copy of rules.
func NewMemorySource(name string, rules []policy.PolicyRule) *MemorySource {
	if name == "" {
		name = "memory"
	}
	return &MemorySource{name: name, rules: cloneRules(rules)}
}

// Name returns the source name.
func (s *MemorySource) Name() string {
	return s.name
}

// Load returns a copy of the held rules.
func (s *MemorySource) Load(ctx context.Context) ([]policy.PolicyRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRules(s.rules), nil
}

// Set replaces the held rules and notifies watchers.
func (s *MemorySource) Set(rules []policy.PolicyRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = cloneRules(rules)

	// Sends happen under the lock so a watcher cannot be closed mid-send.
	ev := Event{Source: s.name, Time: time.Now()}
	for _, ch := range s.watchers {
		send(ch, ev)
	}
}

// Watch registers a watcher that is removed when ctx is done.
func (s *MemorySource) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 1)

	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func cloneRules(rules []policy.PolicyRule) []policy.PolicyRule {
	out := make([]policy.PolicyRule, len(rules))
	for i := range rules {
		out[i] = rules[i].Clone()
	}
	return out
}
