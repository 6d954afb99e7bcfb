package cli

import (
	"errors"
	"fmt"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitConfig  = 2
	// ExitInvalid reports rule sets that failed validation or were
	// rejected by a node.
	ExitInvalid = 3
)

// ConfigError reports a configuration file or flag that cannot be used.
type ConfigError struct {
	// Field is the dotted config path, e.g. "engine.fail_mode". Empty when
	// the whole file is at fault.
	Field   string
	Message string
}

// NewConfigError returns a ConfigError for field.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Message
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// CommandError is a failed subcommand. Code selects the exit status;
// zero means ExitFailure.
type CommandError struct {
	Command string
	Err     error
	Code    int
}

// NewCommandError wraps err as a failure of command.
func NewCommandError(command string, err error) *CommandError {
	return &CommandError{Command: command, Err: err}
}

// WithCode sets the exit status.
func (e *CommandError) WithCode(code int) *CommandError {
	e.Code = code
	return e
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExitCode maps err to a process exit status.
func ExitCode(err error) int {
	var (
		cfgErr *ConfigError
		cmdErr *CommandError
	)
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &cfgErr):
		return ExitConfig
	case errors.As(err, &cmdErr) && cmdErr.Code != 0:
		return cmdErr.Code
	default:
		return ExitFailure
	}
}
