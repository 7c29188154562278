package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/logging"
)

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// Timeout bounds each individual tool call. A timed-out call yields an
	// error tool result, not a turn failure.
	Timeout time.Duration
	// MaxParallel caps concurrently running calls of one batch. 0 means no
	// explicit limit.
	MaxParallel int
	Logger      logging.Logger
}

// Executor runs batches of tool calls against a registry. It must never
// panic: recovered panics become error results. Exactly one FunctionResponse
// is produced per incoming FunctionCall, in the original call order.
type Executor struct {
	registry *Registry
	opts     ExecutorOptions
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, optFns ...func(o *ExecutorOptions)) *Executor {
	opts := ExecutorOptions{
		Timeout: 60 * time.Second,
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Executor{registry: registry, opts: opts}
}

// Batch describes the correlation metadata shared by one batch of calls.
type Batch struct {
	SessionID string
	TurnID    string
	Progress  ProgressFunc
}

// Execute runs the calls, in parallel up to MaxParallel, and returns their
// responses in the original order. Cancelling ctx aborts in-flight calls; the
// affected responses report the cancellation as errors.
func (e *Executor) Execute(ctx context.Context, batch Batch, calls []core.FunctionCall) []core.FunctionResponse {
	n := len(calls)
	if n == 0 {
		return nil
	}
	if n == 1 {
		return []core.FunctionResponse{e.executeOne(ctx, batch, calls[0])}
	}

	maxPar := e.opts.MaxParallel
	if maxPar <= 0 || maxPar > n {
		maxPar = n
	}

	results := make([]core.FunctionResponse, n)
	sem := make(chan struct{}, maxPar)
	var wg sync.WaitGroup

	start := time.Now()
	for i := range calls {
		if ctx.Err() != nil {
			results[i] = cancelledResponse(calls[i], ctx.Err())
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, fc core.FunctionCall) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = e.executeOne(ctx, batch, fc)
		}(i, calls[i])
	}
	wg.Wait()

	e.opts.Logger.Debug("tool.batch.complete",
		"count", n,
		"parallelism", maxPar,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return results
}

// executeOne runs a single call with timeout, panic recovery and argument
// decoding.
func (e *Executor) executeOne(ctx context.Context, batch Batch, fc core.FunctionCall) core.FunctionResponse {
	if ctx.Err() != nil {
		return cancelledResponse(fc, ctx.Err())
	}

	impl, ok := e.registry.Get(fc.Name)
	if !ok {
		return errorResponse(fc, NewError(fc.Name, "tool not found", CodeNotFound))
	}

	args := map[string]any{}
	if fc.Arguments != "" {
		if err := json.Unmarshal([]byte(fc.Arguments), &args); err != nil {
			return errorResponse(fc, NewError(fc.Name, fmt.Sprintf("failed to unmarshal args: %v", err), CodeValidation))
		}
	}

	callCtx := ctx
	cancel := func() {}
	if e.opts.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
	}
	defer cancel()

	cc := &CallContext{
		Ctx:       callCtx,
		SessionID: batch.SessionID,
		TurnID:    batch.TurnID,
		CallID:    fc.ID,
		Progress:  batch.Progress,
		Logger:    e.opts.Logger,
	}

	var (
		result any
		err    error
	)
	func() { // panic safety
		defer func() {
			if r := recover(); r != nil {
				err = NewError(fc.Name, fmt.Sprintf("panic: %v", r), CodeExecution)
				e.opts.Logger.Error("tool.call.panic", "tool", fc.Name, "recover", r, "stack", string(debug.Stack()))
			}
		}()
		result, err = impl.Call(cc, args)
	}()

	if err == nil && callCtx.Err() == context.DeadlineExceeded {
		err = NewError(fc.Name, fmt.Sprintf("tool timed out after %s", e.opts.Timeout), CodeTimeout)
	}
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			err = NewError(fc.Name, fmt.Sprintf("tool timed out after %s", e.opts.Timeout), CodeTimeout)
		}
		return errorResponse(fc, err)
	}

	return core.FunctionResponse{ID: fc.ID, Name: fc.Name, Response: result}
}

func errorResponse(fc core.FunctionCall, err error) core.FunctionResponse {
	return core.FunctionResponse{ID: fc.ID, Name: fc.Name, Error: err.Error()}
}

func cancelledResponse(fc core.FunctionCall, err error) core.FunctionResponse {
	return core.FunctionResponse{ID: fc.ID, Name: fc.Name, Error: fmt.Sprintf("cancelled: %v", err)}
}
