package rules

import (
	"fmt"
	"strings"
)

// FieldError describes a problem with one field of one rule.
type FieldError struct {
	Index   int
	RuleID  uint32
	Field   string
	Message string
}

// Error returns the error message.
func (e FieldError) Error() string {
	if e.RuleID == 0 {
		return fmt.Sprintf("rules[%d].%s: %s", e.Index, e.Field, e.Message)
	}
	return fmt.Sprintf("rules[%d] (id %d).%s: %s", e.Index, e.RuleID, e.Field, e.Message)
}

// CompileError collects every FieldError of a document.
type CompileError struct {
	Errors []FieldError
}

// Error returns the error message.
func (e *CompileError) Error() string {
	if len(e.Errors) == 1 {
		return "rule document invalid: " + e.Errors[0].Error()
	}
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.Error()
	}
	return fmt.Sprintf("rule document invalid: %d errors:\n  %s", len(e.Errors), strings.Join(msgs, "\n  "))
}
