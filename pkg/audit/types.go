package audit

import (
	"context"
	"fmt"
	"time"
)

// Outcome is the result of a reload attempt.
type Outcome string

const (
	// OutcomeApplied means the rule set was installed.
	OutcomeApplied Outcome = "applied"
	// OutcomeRejected means validation or publication failed and the
	// previous rule set stayed active.
	OutcomeRejected Outcome = "rejected"
	// OutcomeUnchanged means the rule set matched the active one.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeRestored means rules were installed from a snapshot.
	OutcomeRestored Outcome = "restored"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeApplied, OutcomeRejected, OutcomeUnchanged, OutcomeRestored:
		return true
	}
	return false
}

// Event is one audited reload attempt.
type Event struct {
	ID        string        `json:"id"`
	Time      time.Time     `json:"time"`
	Origin    string        `json:"origin"`
	Outcome   Outcome       `json:"outcome"`
	Version   uint64        `json:"version"`
	RuleCount int           `json:"rule_count"`
	Checksum  string        `json:"checksum,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// Filter selects events. Zero fields are ignored.
type Filter struct {
	Origin  string
	Outcome Outcome
	Since   time.Time
	Until   time.Time

	// Limit caps the number of results (default 100, max 10000).
	Limit  int
	Offset int
}

// Validate checks the filter's ranges.
func (f *Filter) Validate() error {
	if f.Outcome != "" && !f.Outcome.Valid() {
		return fmt.Errorf("unknown outcome %q", f.Outcome)
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return fmt.Errorf("until %s is before since %s", f.Until, f.Since)
	}
	if f.Limit < 0 || f.Limit > MaxLimit {
		return fmt.Errorf("limit must be between 0 and %d, got %d", MaxLimit, f.Limit)
	}
	if f.Offset < 0 {
		return fmt.Errorf("offset must be non-negative, got %d", f.Offset)
	}
	return nil
}

func (f *Filter) limit() int {
	if f == nil || f.Limit == 0 {
		return DefaultLimit
	}
	return f.Limit
}

func (f *Filter) matches(ev *Event) bool {
	if f == nil {
		return true
	}
	if f.Origin != "" && ev.Origin != f.Origin {
		return false
	}
	if f.Outcome != "" && ev.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && ev.Time.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !ev.Time.Before(f.Until) {
		return false
	}
	return true
}

const (
	DefaultLimit = 100
	MaxLimit     = 10000
)

// Storage persists audit events. Implementations must be safe for
// concurrent use. Query returns events newest first.
type Storage interface {
	Store(ctx context.Context, ev *Event) error
	Query(ctx context.Context, f *Filter) ([]*Event, error)
	Count(ctx context.Context, f *Filter) (int64, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
