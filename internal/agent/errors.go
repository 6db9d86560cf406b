package agent

import (
	"errors"
	"fmt"
)

// ErrToolLoopExceeded is returned when the model keeps requesting tools
// past the configured number of rounds.
var ErrToolLoopExceeded = errors.New("tool loop exceeded")

// NeedPermissionError is returned before any model call when a turn
// enables a tool the user has not allowed.
type NeedPermissionError struct {
	Tool string
}

func (e *NeedPermissionError) Error() string {
	return fmt.Sprintf("tool %q needs permission", e.Tool)
}

// Code is the machine-readable signal name.
func (e *NeedPermissionError) Code() string { return "NeedPermission" }
