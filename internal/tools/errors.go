package tools

import (
	"errors"
	"fmt"
)

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the registry or not enabled for the turn. It is a
// capability mismatch, not a transient execution failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

var (
	// ErrNotPermitted rejects a shell command outside the whitelist.
	ErrNotPermitted = errors.New("Command not permitted") //nolint:staticcheck // shown to the model verbatim

	// ErrTimedOut is returned when a shell command outlives its timeout.
	ErrTimedOut = errors.New("Command timed out") //nolint:staticcheck // shown to the model verbatim

	// ErrPathEscape rejects a path that resolves outside the workspace.
	ErrPathEscape = errors.New("path escapes workspace")
)
