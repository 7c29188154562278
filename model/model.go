package model

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentcore/core"
)

// ToolDefinition declaratively exposes a callable tool to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"` // JSON Schema
}

// Request captures the normalized model input for one completion call.
// Credential material is supplied per call by the failover manager, never
// baked into the client, so one adapter instance can serve every profile of
// its provider.
type Request struct {
	Model      string           `json:"model"`
	Credential string           `json:"-"`
	Messages   []core.Message   `json:"messages"`
	Tools      []ToolDefinition `json:"tools,omitempty"`
	Stream     bool             `json:"stream,omitempty"`
	MaxTokens  int64            `json:"max_tokens,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a streaming model call.
// Partial chunks carry delta text or thinking segments; the final chunk
// carries the assembled message including any tool calls.
type Response struct {
	Partial      bool         `json:"partial"`
	Message      core.Message `json:"message"`
	FinishReason string       `json:"finish_reason,omitempty"` // "stop", "length", "tool_calls"
	Usage        *TokenUsage  `json:"usage,omitempty"`
}

// Info contains metadata about a model client implementation.
type Info struct {
	Provider      string `json:"provider"` // "anthropic", "openai", "mock", ...
	SupportsTools bool   `json:"supports_tools"`

	// StrictToolSequence is set by providers that require a strict
	// call -> result -> response ordering: the model call immediately
	// following a tool result must not offer tools again.
	StrictToolSequence bool `json:"strict_tool_sequence"`
}

// Client is the minimal interface the orchestrator needs to drive generation.
// Generate returns a response channel and an error channel; both are closed
// when the call finishes. Cancelling ctx must abort the call promptly.
type Client interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the client implementation.
	Info() Info
}

// TokenEstimator computes a deterministic token count estimate for a message
// list. The wrapper around the concrete model client supplies the real
// implementation; HeuristicEstimator is the default.
type TokenEstimator interface {
	Estimate(messages []core.Message) int
}

// HeuristicEstimator approximates tokens as ceil(chars/4), the rough ratio
// the upstream providers document for English text.
type HeuristicEstimator struct{}

// Estimate implements TokenEstimator.
func (HeuristicEstimator) Estimate(messages []core.Message) int {
	chars := 0
	for _, m := range messages {
		for _, p := range m.Parts {
			switch v := p.(type) {
			case core.TextPart:
				chars += len(v.Text)
			case core.ThinkingPart:
				chars += len(v.Text)
			case core.FunctionCallPart:
				chars += len(v.FunctionCall.Name) + len(v.FunctionCall.Arguments)
			case core.FunctionResponsePart:
				chars += len(fmt.Sprint(v.FunctionResponse.Response)) + len(v.FunctionResponse.Error)
			}
		}
	}
	return (chars + 3) / 4
}
