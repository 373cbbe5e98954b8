package tools

import (
	"fmt"
)

// ErrToolUnavailable is returned when a call targets a tool that is not
// present in the registry. The loop records it as an error result and
// lets the model try again rather than aborting the conversation.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("unknown tool %q", e.ToolName)
}

// ValidationError reports tool arguments that do not satisfy the tool's
// input schema.
type ValidationError struct {
	ToolName string
	// Field is the offending argument path; empty when the argument
	// object itself is wrong.
	Field  string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid arguments for %s: %s", e.ToolName, e.Reason)
	}
	return fmt.Sprintf("invalid arguments for %s: %s: %s", e.ToolName, e.Field, e.Reason)
}

// Unwrap returns the underlying schema error.
func (e *ValidationError) Unwrap() error { return e.Err }
