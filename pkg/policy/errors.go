package policy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRule is wrapped by every rule validation error.
var ErrInvalidRule = errors.New("invalid rule")

// RuleError reports a single invalid field of a rule.
type RuleError struct {
	RuleID uint32
	Field  string
	Reason string
}

func newRuleError(id uint32, field, format string, args ...any) *RuleError {
	return &RuleError{RuleID: id, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Error returns the error message.
func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %d: %s: %s", e.RuleID, e.Field, e.Reason)
}

// Unwrap returns ErrInvalidRule.
func (e *RuleError) Unwrap() error {
	return ErrInvalidRule
}

// RuleErrors collects several problems found in one rule.
type RuleErrors struct {
	RuleID uint32
	Errors []error
}

// Error returns the error message.
func (e *RuleErrors) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("rule %d: %d validation errors: %s", e.RuleID, len(e.Errors), strings.Join(msgs, "; "))
}

// Unwrap returns the individual errors.
func (e *RuleErrors) Unwrap() []error {
	return e.Errors
}
