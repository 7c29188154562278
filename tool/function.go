package tool

import (
	"fmt"
	"time"

	"github.com/hupe1980/agentcore/internal/util"
	"github.com/hupe1980/agentcore/logging"
)

// FunctionTool adapts a plain Go function into a Tool. Arguments are
// validated against the declared schema before the function runs; errors are
// normalized to *Error with consistent codes (VALIDATION_ERROR for schema
// mismatches, EXECUTION_ERROR for other failures, custom codes preserved when
// the function returns *Error directly). A FunctionTool has no mutable state
// after construction and is safe for concurrent use.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(callCtx *CallContext, args map[string]any) (any, error)
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(callCtx *CallContext, args map[string]any) (any, error),
) *FunctionTool {
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

// NewFunctionToolFromStruct derives the parameter schema from a struct via
// reflection, equivalent to passing util.CreateSchema(structType) explicitly.
func NewFunctionToolFromStruct(
	name, description string,
	structType any,
	fn func(callCtx *CallContext, args map[string]any) (any, error),
) *FunctionTool {
	return NewFunctionTool(name, description, util.CreateSchema(structType), fn)
}

// Name returns the unique tool name.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the description exposed to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the JSON schema describing expected arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Call validates args against the declared schema then invokes the wrapped
// function.
func (t *FunctionTool) Call(callCtx *CallContext, args map[string]any) (any, error) {
	logger := callCtx.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	start := time.Now()

	logger.Debug("tool.call.start", "tool", t.name, "call_id", callCtx.CallID)

	if err := util.ValidateParameters(args, t.parameters); err != nil {
		logger.Warn("tool.call.validation_failed", "tool", t.name, "error", err.Error())
		return nil, &Error{
			Tool:    t.name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    CodeValidation,
			Details: err,
		}
	}

	result, err := t.fn(callCtx, args)
	if err != nil {
		if toolErr, ok := err.(*Error); ok {
			logger.Error("tool.call.error", "tool", t.name, "error", toolErr.Message)
			return nil, toolErr
		}
		logger.Error("tool.call.error", "tool", t.name, "error", err.Error())
		return nil, &Error{Tool: t.name, Message: err.Error(), Code: CodeExecution}
	}

	logger.Info("tool.call.success", "tool", t.name, "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}
