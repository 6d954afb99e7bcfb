package engine

import (
	"errors"
	"fmt"
)

// Common sentinel errors
var (
	// ErrInvalidConfig indicates invalid engine configuration.
	ErrInvalidConfig = errors.New("invalid engine configuration")

	// ErrTooManyRules indicates a rule set larger than Config.MaxRules.
	ErrTooManyRules = errors.New("too many rules")
)

// ReloadError indicates a rejected LoadRules call. The previously loaded
// rule set stays in effect at version Version.
type ReloadError struct {
	RuleCount int
	Version   uint64
	Cause     error
}

// Error returns the error message.
func (e *ReloadError) Error() string {
	return fmt.Sprintf("rule reload of %d rules failed, keeping version %d: %v", e.RuleCount, e.Version, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *ReloadError) Unwrap() error {
	return e.Cause
}
