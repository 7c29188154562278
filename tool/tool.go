// Package tool implements the tool-calling subsystem: the Tool interface,
// a registry of available tools with their JSON-schema parameter definitions,
// and an executor that runs requested calls with cancellation, per-call
// timeouts, progress reporting and panic isolation.
package tool

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentcore/internal/util"
	"github.com/hupe1980/agentcore/logging"
)

// ProgressFunc receives free-form progress messages from a running tool.
type ProgressFunc func(message string)

// CallContext carries per-invocation state into a tool call: the cancellation
// context, correlation identifiers and an optional progress callback.
type CallContext struct {
	Ctx       context.Context
	SessionID string
	TurnID    string
	CallID    string
	Progress  ProgressFunc
	Logger    logging.Logger
}

// Report sends a progress message if a callback is attached.
func (c *CallContext) Report(message string) {
	if c.Progress != nil {
		c.Progress(message)
	}
}

// Tool defines an executable capability exposed to the model.
//
// Implementations should provide clear names and descriptions (shown to the
// model), define a JSON schema for parameters, honor cancellation via
// CallContext.Ctx, and be safe for concurrent use.
type Tool interface {
	// Name returns the unique identifier for this tool (snake_case).
	Name() string

	// Description returns a human-readable description shown to the model.
	Description() string

	// Parameters returns a JSON schema describing the expected arguments.
	Parameters() map[string]interface{}

	// Call executes the tool with already-decoded arguments.
	Call(callCtx *CallContext, args map[string]interface{}) (interface{}, error)
}

// ValidationError re-exports the shared schema validation error type.
type ValidationError = util.ValidationError

// Error represents failures during tool execution with a code for
// categorization.
type Error struct {
	Tool    string      `json:"tool"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

// Error codes used by the built-in tool machinery.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
	CodeTimeout    = "TIMEOUT"
	CodeNotFound   = "NOT_FOUND"
)

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewError creates an Error with the given details.
func NewError(tool, message, code string) *Error {
	return &Error{Tool: tool, Message: message, Code: code}
}
