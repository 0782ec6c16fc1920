// Package tools holds the catalog every runnable capability is registered
// in: built-ins at startup, plugin tools while their server is Running.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// NamespaceSeparator joins a plugin server name and a tool name into the
// qualified name the model sees, e.g. "weather__forecast".
const NamespaceSeparator = "__"

// Parameter limits guard against runaway payloads.
const (
	MaxToolNameLength = 256
	MaxToolParamsSize = 10 << 20
)

// ErrUnknownTool is returned when a call names a tool the catalog does not
// hold. The orchestrator surfaces it to the model as an error result
// rather than failing the run.
var ErrUnknownTool = errors.New("unknown tool")

// Handler executes a tool with already-validated arguments.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Definition describes one registered tool.
type Definition struct {
	// Name is the bare tool name within its namespace.
	Name string
	// Namespace is empty for built-ins, the server name for plugin tools.
	Namespace string
	// Description is shown to the model.
	Description string
	// Schema is the JSON schema for the arguments object. Empty means
	// any object is accepted.
	Schema json.RawMessage
	// Handler runs the tool.
	Handler Handler
}

// QualifiedName returns the name the model addresses the tool by.
func (d Definition) QualifiedName() string {
	if d.Namespace == "" {
		return d.Name
	}
	return d.Namespace + NamespaceSeparator + d.Name
}

// Result is the outcome of one tool execution.
type Result struct {
	Content string
	IsError bool
	// Warnings records argument coercions applied before validation.
	Warnings []string
}

// ExecutionError wraps a handler failure with the tool that produced it.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
