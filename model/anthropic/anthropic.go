// Package anthropic provides a model client for the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/model"
)

// Options configures the Anthropic adapter (temperature, default model id,
// max tokens). Credentials are not part of the options: they arrive per call
// on model.Request so the failover manager can rotate keys without rebuilding
// the client.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
}

// Client wraps the Anthropic Messages API behind the generic model.Client
// interface.
type Client struct {
	client *anthropic.Client
	opts   Options
}

// New creates a new Anthropic client.
func New(optFns ...func(o *Options)) *Client {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	client := anthropic.NewClient()

	return &Client{client: &client, opts: opts}
}

// Generate implements model.Client. Streaming is not yet wired for Anthropic;
// the final response is emitted as a single non-partial chunk.
func (c *Client) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := anthropic.MessageNewParams{
			Model:       c.opts.Model,
			Messages:    buildMessages(req.Messages),
			MaxTokens:   c.opts.MaxTokens,
			Temperature: anthropic.Float(c.opts.Temperature),
		}
		if req.Model != "" {
			params.Model = anthropic.Model(req.Model)
		}
		if req.MaxTokens > 0 {
			params.MaxTokens = req.MaxTokens
		}
		if systemBlocks := extractSystem(req.Messages); len(systemBlocks) > 0 {
			params.System = systemBlocks
		}
		if len(req.Tools) > 0 {
			params.Tools = buildTools(req.Tools)
		}

		var callOpts []option.RequestOption
		if req.Credential != "" {
			callOpts = append(callOpts, option.WithAPIKey(req.Credential))
		}

		resp, err := c.client.Messages.New(ctx, params, callOpts...)
		if err != nil {
			errCh <- classify(err)
			return
		}

		var parts []core.Part
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				textBlock := block.AsText()
				if textBlock.Text != "" {
					parts = append(parts, core.TextPart{Text: textBlock.Text})
				}
			case "tool_use":
				toolBlock := block.AsToolUse()
				args := ""
				if toolBlock.Input != nil {
					if argsBytes, err := json.Marshal(toolBlock.Input); err == nil {
						args = string(argsBytes)
					}
				}
				parts = append(parts, core.FunctionCallPart{
					FunctionCall: core.FunctionCall{
						ID:        toolBlock.ID,
						Name:      toolBlock.Name,
						Arguments: args,
					},
				})
			}
		}

		finishReason := "stop"
		if resp.StopReason != "" {
			finishReason = string(resp.StopReason)
		}

		var usage *model.TokenUsage
		if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
			usage = &model.TokenUsage{
				PromptTokens:     int(resp.Usage.InputTokens),
				CompletionTokens: int(resp.Usage.OutputTokens),
				TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
			}
		}

		out <- model.Response{
			Message:      core.Message{Role: core.RoleAssistant, Parts: parts},
			FinishReason: finishReason,
			Usage:        usage,
		}
	}()

	return out, errCh
}

// classify maps an SDK error onto the orchestration taxonomy via its HTTP
// status. Errors without a typed status fall through to the message
// heuristics in core.Classify.
func classify(err error) error {
	var apierr *anthropic.Error
	if !errors.As(err, &apierr) {
		return fmt.Errorf("anthropic api error: %w", err)
	}
	return core.NewError(kindForStatus(apierr.StatusCode), "anthropic api error", err)
}

func kindForStatus(status int) core.ErrorKind {
	switch status {
	case 401, 403:
		return core.ErrKindAuth
	case 404:
		return core.ErrKindFatalModel
	case 429, 529: // 529 is Anthropic's overloaded_error
		return core.ErrKindRateLimit
	}
	return core.ErrKindTransient
}

// buildMessages converts history messages to the Anthropic message format,
// embedding tool results immediately after their originating tool calls.
func buildMessages(messages []core.Message) []anthropic.MessageParam {
	toolResponses := map[string]string{}
	for _, m := range messages {
		if m.Role != core.RoleTool {
			continue
		}
		for _, fr := range m.FunctionResponses() {
			if fr.ID == "" {
				continue
			}
			if fr.Error != "" {
				toolResponses[fr.ID] = fr.Error
			} else if s, ok := fr.Response.(string); ok {
				toolResponses[fr.ID] = s
			} else {
				toolResponses[fr.ID] = fmt.Sprintf("%v", fr.Response)
			}
		}
	}

	var out []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case core.RoleSystem, core.RoleTool:
			continue // system handled separately, tool responses embedded
		case core.RoleAssistant:
			content := buildAssistantContent(m, toolResponses)
			if len(content) > 0 {
				out = append(out, anthropic.NewAssistantMessage(content...))
			}
		default:
			if text := m.Text(); text != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
			}
		}
	}
	return out
}

func buildAssistantContent(m core.Message, toolResponses map[string]string) []anthropic.ContentBlockParamUnion {
	var content []anthropic.ContentBlockParamUnion
	var toolCallIDs []string

	for _, p := range m.Parts {
		switch part := p.(type) {
		case core.TextPart:
			if part.Text != "" {
				content = append(content, anthropic.NewTextBlock(part.Text))
			}
		case core.FunctionCallPart:
			var input interface{}
			if part.FunctionCall.Arguments != "" {
				if err := json.Unmarshal([]byte(part.FunctionCall.Arguments), &input); err != nil {
					input = part.FunctionCall.Arguments
				}
			}
			content = append(content, anthropic.NewToolUseBlock(
				part.FunctionCall.ID,
				input,
				part.FunctionCall.Name,
			))
			toolCallIDs = append(toolCallIDs, part.FunctionCall.ID)
		}
	}

	for _, id := range toolCallIDs {
		if resp, ok := toolResponses[id]; ok {
			content = append(content, anthropic.NewToolResultBlock(id, resp, false))
			delete(toolResponses, id)
		}
	}
	return content
}

func extractSystem(messages []core.Message) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	for _, m := range messages {
		if m.Role == core.RoleSystem {
			if text := m.Text(); text != "" {
				blocks = append(blocks, anthropic.TextBlockParam{Text: text})
			}
		}
	}
	return blocks
}

func buildTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if tool.Parameters != nil {
			if properties, exists := tool.Parameters["properties"]; exists {
				inputSchema.Properties = properties
			}
			if required, exists := tool.Parameters["required"]; exists {
				switch req := required.(type) {
				case []string:
					inputSchema.Required = req
				case []interface{}:
					var reqStrings []string
					for _, r := range req {
						if s, ok := r.(string); ok {
							reqStrings = append(reqStrings, s)
						}
					}
					inputSchema.Required = reqStrings
				}
			}
		}
		out[i] = anthropic.ToolUnionParamOfTool(inputSchema, tool.Name)
	}
	return out
}

// Info returns metadata describing this Anthropic client.
func (c *Client) Info() model.Info {
	return model.Info{
		Provider:           "anthropic",
		SupportsTools:      true,
		StrictToolSequence: true,
	}
}
