// Package source provides the places rule sets are loaded from: rule
// documents on disk and an in-memory set pushed by other components.
//
// Every source can be loaded on demand and watched for changes. Watch
// emits an Event when the source's rules may have changed; receivers call
// Load to fetch the new set.
package source

import (
	"context"
	"time"

	"opensase/sase-policy/pkg/policy"
)

// Source supplies rule sets.
type Source interface {
	// Name identifies the source in logs and audit records.
	Name() string

	// Load returns the current rules in evaluation-independent document
	// order.
	Load(ctx context.Context) ([]policy.PolicyRule, error)

	// Watch returns a channel that receives an Event whenever the rules
	// may have changed. The channel is closed when ctx is done.
	Watch(ctx context.Context) (<-chan Event, error)
}

// Event signals a change in a source.
type Event struct {
	Source string
	Path   string
	Time   time.Time
}

// send delivers ev without blocking. A pending event already tells the
// receiver to reload, so a full channel drops ev.
func send(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
	}
}
