// Package tools provides the tool registry and execution framework.
//
// This file defines sentinel error types for tool execution.
package tools

import (
	"errors"
	"fmt"
)

// ErrUnknownTool is returned when a tool call targets a name that is
// not present in the registry. This indicates a model hallucination or
// a registration bug, not a transient failure; callers should record
// the failure rather than retry.
type ErrUnknownTool struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool %q", e.ToolName)
}

// ErrValidation marks malformed tool arguments: over-length titles,
// unrecognized enum values, unparseable ids. These are recovered locally
// by the executor and surfaced to the model as descriptive text.
var ErrValidation = errors.New("validation error")

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
