// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/touchid-sudo/internal/pamconf"
	"github.com/jeranaias/touchid-sudo/internal/policy"
	"github.com/jeranaias/touchid-sudo/internal/util"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess        = 0
	ExitGeneralError   = 1
	ExitUsageError     = 2
	ExitConfigError    = 3
	ExitPartialRemoval = 5
	ExitSecurityError  = 6
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// CommandError is a failed step of a command.
type CommandError struct {
	Command string
	Action  string
	Reason  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s failed: %s: %v", e.Command, e.Action, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Command, e.Action, e.Reason)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ValidationError is bad user input on the command line.
type ValidationError struct {
	Field   string
	Value   string
	Reason  string
	Example string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	if e.Value != "" {
		msg += fmt.Sprintf(" (got: %s)", e.Value)
	}
	if e.Example != "" {
		msg += fmt.Sprintf("\nExample: %s", e.Example)
	}
	return msg
}

// UsageError is a malformed invocation.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string {
	return e.Message
}

// SecurityError is a refused privileged operation.
type SecurityError struct {
	Action string
	Reason string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("%s refused: %s", e.Action, e.Reason)
}

// reportedError is returned by a command that already wrote its own error
// output. Run uses it only for the exit code.
type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// NewCommandError creates a command error.
func NewCommandError(command, action, reason string, err error) error {
	return &CommandError{Command: command, Action: action, Reason: reason, Err: err}
}

// NewValidationError creates a validation error.
func NewValidationError(field, value, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// NewValidationErrorWithExample creates a validation error with an example.
func NewValidationErrorWithExample(field, value, reason, example string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason, Example: example}
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	var (
		valErr   *ValidationError
		usageErr *UsageError
		secErr   *SecurityError
	)
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, pamconf.ErrPartialRemoval):
		return ExitPartialRemoval
	case errors.As(err, &secErr), errors.Is(err, util.ErrUntrusted):
		return ExitSecurityError
	case errors.Is(err, policy.ErrConfig):
		return ExitConfigError
	case errors.As(err, &valErr), errors.As(err, &usageErr):
		return ExitUsageError
	default:
		return ExitGeneralError
	}
}

// =============================================================================
// DISPLAY
// =============================================================================

// DisplayError writes err to w, as JSON in JSON mode.
func DisplayError(w io.Writer, command string, err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		DisplayErrorJSON(w, command, err)
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("[ERROR]"), err.Error())
	fmt.Fprintln(w)
}

// DisplayErrorJSON writes err as a JSON object.
func DisplayErrorJSON(w io.Writer, command string, err error) {
	output := map[string]interface{}{
		"command":   command,
		"error":     err.Error(),
		"success":   false,
		"exit_code": ExitCode(err),
	}

	var (
		cmdErr *CommandError
		valErr *ValidationError
		cfgErr *policy.ConfigError
	)
	switch {
	case errors.As(err, &cmdErr):
		output["error_type"] = "command_error"
		output["action"] = cmdErr.Action
		output["reason"] = cmdErr.Reason
	case errors.As(err, &valErr):
		output["error_type"] = "validation_error"
		output["field"] = valErr.Field
		output["value"] = valErr.Value
	case errors.As(err, &cfgErr):
		output["error_type"] = "config_error"
		output["path"] = cfgErr.Path
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(output)
}
