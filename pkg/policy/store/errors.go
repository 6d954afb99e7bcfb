package store

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRuleSetRejected is wrapped by every ValidationError.
var ErrRuleSetRejected = errors.New("rule set rejected")

// ValidationError lists every invalid rule of a rejected rule set.
type ValidationError struct {
	Errors []error
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("rule set rejected: %v", e.Errors[0])
	}
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("rule set rejected: %d invalid rules: %s", len(e.Errors), strings.Join(msgs, "; "))
}

// Unwrap exposes ErrRuleSetRejected and the per-rule errors.
func (e *ValidationError) Unwrap() []error {
	return append([]error{ErrRuleSetRejected}, e.Errors...)
}
