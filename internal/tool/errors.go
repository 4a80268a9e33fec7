package tool

import (
	"errors"
	"fmt"
)

// ErrRegistryFrozen is returned when registering after Freeze.
var ErrRegistryFrozen = errors.New("tool registry is frozen")

// DuplicateToolError reports a second registration under an existing name.
// The registry keeps the first definition.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q already registered", e.Name)
}

// NotFoundError reports a dispatch against an unregistered tool name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found", e.Name)
}

// ArgumentError reports tool arguments that do not satisfy the declared schema.
// It is the caller's (or the model's) mistake, as opposed to ExecutionError.
type ArgumentError struct {
	Tool   string
	Param  string
	Reason string
}

func (e *ArgumentError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("tool %q: invalid arguments: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("tool %q: argument %q: %s", e.Tool, e.Param, e.Reason)
}

// ExecutionError wraps a failure reported by the tool's own operation.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// SchemaError reports a tool definition that cannot be expressed as a tool schema.
// It is raised at definition time, never during dispatch.
type SchemaError struct {
	Tool   string
	Param  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("tool %q: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("tool %q: parameter %q: %s", e.Tool, e.Param, e.Reason)
}
