package manager

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSource is returned by Reload and Watch when no source is
	// configured.
	ErrNoSource = errors.New("no rule source configured")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("manager closed")

	// ErrNoRules is returned by Start when neither the source nor a
	// snapshot could supply rules.
	ErrNoRules = errors.New("no usable rule set")
)

// LoadError wraps a failure to read rules from a source.
type LoadError struct {
	Source string
	Cause  error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load rules from %s: %v", e.Source, e.Cause)
}

// Unwrap implements the errors.Unwrap interface for error chain support.
func (e *LoadError) Unwrap() error {
	return e.Cause
}
