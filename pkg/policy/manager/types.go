package manager

import (
	"context"
	"time"

	"opensase/sase-policy/pkg/audit"
	"opensase/sase-policy/pkg/policy"
	"opensase/sase-policy/pkg/policy/snapshot"
)

// SnapshotStore persists accepted rule sets.
type SnapshotStore interface {
	Save(ctx context.Context, version uint64, origin string, rules []policy.PolicyRule) (*snapshot.Record, error)
	Latest(ctx context.Context) (*snapshot.Record, error)
}

// Auditor receives one event per reload attempt.
type Auditor interface {
	Record(ev audit.Event) string
}

// Observer receives reload measurements.
type Observer interface {
	ObserveReload(outcome string, duration time.Duration)
}

// Result describes one reload attempt.
type Result struct {
	Outcome   audit.Outcome `json:"outcome"`
	Origin    string        `json:"origin"`
	Version   uint64        `json:"version"`
	RuleCount int           `json:"rule_count"`
	Checksum  string        `json:"checksum"`
	Duration  time.Duration `json:"duration_ns"`
	AuditID   string        `json:"audit_id,omitempty"`
}

// Status is the manager's view of the active rule set.
type Status struct {
	Version     uint64        `json:"version"`
	RuleCount   int           `json:"rule_count"`
	Checksum    string        `json:"checksum"`
	Origin      string        `json:"origin"`
	LastReload  time.Time     `json:"last_reload"`
	LastOutcome audit.Outcome `json:"last_outcome,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Applied     uint64        `json:"applied"`
	Rejected    uint64        `json:"rejected"`
	Unchanged   uint64        `json:"unchanged"`
	Restored    uint64        `json:"restored"`
	Watching    bool          `json:"watching"`
	Source      string        `json:"source,omitempty"`
}

// Ready reports whether a rule set has been installed.
func (s Status) Ready() bool {
	return s.Version > 0
}
