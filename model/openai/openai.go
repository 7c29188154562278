// Package openai provides a model client backed by the OpenAI Chat
// Completions API (including streaming + tool calling). It adapts the
// normalized Request/Response structures into the SDK's message format
// and back.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/model"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// aggCall aggregates partial tool call streaming deltas (id, name, arguments)
// allowing reconstruction of complete function call parts when finish reason
// is emitted. Internal helper (unexported).
type aggCall struct{ id, name, args string }

// Options configure the OpenAI adapter. Fields mirror a subset of Chat
// Completion parameters intentionally kept minimal. Credentials arrive per
// call on model.Request so the failover manager can rotate keys without
// rebuilding the client.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Client wraps the OpenAI Chat Completions API behind the generic
// model.Client interface.
type Client struct {
	client *openai.Client
	opts   Options
}

// New creates a new OpenAI client.
func New(optFns ...func(o *Options)) *Client {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates a new OpenAI adapter from an existing SDK client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Client {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Client{client: client, opts: opts}
}

// Generate implements unified streaming / non-streaming generation.
func (c *Client) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		toolResponses, order := collectToolResponses(req)
		messages := buildMessages(req, toolResponses, order)
		params := c.buildParams(req, messages)
		var callOpts []option.RequestOption
		if req.Credential != "" {
			callOpts = append(callOpts, option.WithAPIKey(req.Credential))
		}
		if req.Stream {
			c.handleStreaming(ctx, params, callOpts, out, errCh)
			return
		}
		c.handleNonStreaming(ctx, params, callOpts, out, errCh)
	}()
	return out, errCh
}

// collectToolResponses indexes tool responses by id preserving first-seen order.
func collectToolResponses(req model.Request) (map[string]string, []string) {
	responses := map[string]string{}
	order := []string{}
	for _, m := range req.Messages {
		if m.Role != core.RoleTool {
			continue
		}
		for _, fr := range m.FunctionResponses() {
			if fr.ID == "" {
				continue
			}
			if _, exists := responses[fr.ID]; exists {
				continue
			}
			var text string
			if fr.Error != "" {
				text = fr.Error
			} else if s, ok := fr.Response.(string); ok {
				text = s
			} else {
				text = fmt.Sprintf("%v", fr.Response)
			}
			responses[fr.ID] = text
			order = append(order, fr.ID)
		}
	}
	return responses, order
}

// buildMessages converts history messages into OpenAI chat messages while
// attaching matching tool responses immediately after assistant tool calls.
func buildMessages(
	req model.Request,
	toolResponses map[string]string,
	order []string,
) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		if m.Role == core.RoleTool {
			continue
		}
		text := m.Text()
		switch m.Role {
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(text))
		case core.RoleUser:
			messages = append(messages, openai.UserMessage(text))
		case core.RoleAssistant:
			toolCalls, callIDs := extractToolCalls(m)
			if len(toolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(text))
				continue
			}
			messages = append(
				messages,
				openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: toolCalls,
				}},
			)
			for _, id := range callIDs {
				if id == "" {
					continue
				}
				if resp, ok := toolResponses[id]; ok {
					messages = append(messages, openai.ToolMessage(resp, id))
					delete(toolResponses, id)
				}
			}
		default:
			if text != "" {
				messages = append(messages, openai.UserMessage(text))
			}
		}
	}
	for _, id := range order {
		if resp, ok := toolResponses[id]; ok {
			messages = append(messages, openai.ToolMessage(resp, id))
		}
	}
	return messages
}

// extractToolCalls returns OpenAI formatted tool calls plus ordered IDs.
func extractToolCalls(m core.Message) ([]openai.ChatCompletionMessageToolCallParam, []string) {
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	var callIDs []string
	for _, fc := range m.FunctionCalls() {
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   fc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      fc.Name,
				Arguments: fc.Arguments,
			},
		})
		callIDs = append(callIDs, fc.ID)
	}
	return toolCalls, callIDs
}

// buildParams assembles the OpenAI request parameters including tool definitions.
func (c *Client) buildParams(
	req model.Request,
	messages []openai.ChatCompletionMessageParamUnion,
) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               c.opts.Model,
		Temperature:         openai.Float(c.opts.Temperature),
		MaxCompletionTokens: openai.Int(c.opts.MaxCompletionTokens),
	}
	if req.Model != "" {
		params.Model = req.Model
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(req.MaxTokens)
	}
	if len(req.Tools) == 0 {
		return params
	}
	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i, tdef := range req.Tools {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tdef.Name,
				Description: openai.String(tdef.Description),
				Parameters:  tdef.Parameters,
			},
		}
	}
	params.Tools = tools
	return params
}

// handleStreaming processes streaming responses and forwards partial / final chunks.
func (c *Client) handleStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	callOpts []option.RequestOption,
	out chan<- model.Response,
	errCh chan<- error,
) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, params, callOpts...)
	var textBuilder strings.Builder
	toolAgg := map[int64]*aggCall{}
	for stream.Next() {
		ck := stream.Current()
		for _, ch := range ck.Choices {
			if ch.Delta.Content != "" {
				textBuilder.WriteString(ch.Delta.Content)
				out <- model.Response{
					Partial: true,
					Message: core.NewTextMessage(core.RoleAssistant, ch.Delta.Content),
				}
			}
			aggregateToolCallDeltas(ch, toolAgg)
			if ch.FinishReason != "" {
				out <- finalChunk(ch.FinishReason, &textBuilder, toolAgg)
			}
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- classify(err, "openai streaming error")
	}
}

// classify maps an SDK error onto the orchestration taxonomy via its HTTP
// status. Errors without a typed status fall through to the message
// heuristics in core.Classify.
func classify(err error, msg string) error {
	var apierr *openai.Error
	if !errors.As(err, &apierr) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return core.NewError(kindForStatus(apierr.StatusCode), msg, err)
}

func kindForStatus(status int) core.ErrorKind {
	switch status {
	case 401, 403:
		return core.ErrKindAuth
	case 404:
		return core.ErrKindFatalModel
	case 429:
		return core.ErrKindRateLimit
	}
	return core.ErrKindTransient
}

func aggregateToolCallDeltas(ch openai.ChatCompletionChunkChoice, agg map[int64]*aggCall) {
	for _, tc := range ch.Delta.ToolCalls {
		ac, ok := agg[tc.Index]
		if !ok {
			ac = &aggCall{}
			agg[tc.Index] = ac
		}
		if tc.ID != "" {
			ac.id = tc.ID
		}
		if tc.Function.Name != "" {
			ac.name = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			ac.args += tc.Function.Arguments
		}
	}
}

func finalChunk(finishReason string, builder *strings.Builder, toolAgg map[int64]*aggCall) model.Response {
	finalParts := make([]core.Part, 0, len(toolAgg)+1)
	if builder.Len() > 0 {
		finalParts = append(finalParts, core.TextPart{Text: builder.String()})
	}
	for _, ac := range toolAgg {
		finalParts = append(finalParts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
			ID:        ac.id,
			Name:      ac.name,
			Arguments: ac.args,
		}})
	}
	return model.Response{
		Message:      core.Message{Role: core.RoleAssistant, Parts: finalParts},
		FinishReason: finishReason,
	}
}

// handleNonStreaming processes a normal (non-streaming) completion.
func (c *Client) handleNonStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	callOpts []option.RequestOption,
	out chan<- model.Response,
	errCh chan<- error,
) {
	resp, err := c.client.Chat.Completions.New(ctx, params, callOpts...)
	if err != nil {
		errCh <- classify(err, "openai api error")
		return
	}
	if len(resp.Choices) == 0 {
		errCh <- fmt.Errorf("no choices returned")
		return
	}
	ch0 := resp.Choices[0]
	parts := make([]core.Part, 0, len(ch0.Message.ToolCalls)+1)
	if ch0.Message.Content != "" {
		parts = append(parts, core.TextPart{Text: ch0.Message.Content})
	}
	for _, tc := range ch0.Message.ToolCalls {
		parts = append(parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}})
	}
	out <- model.Response{
		Message:      core.Message{Role: core.RoleAssistant, Parts: parts},
		FinishReason: ch0.FinishReason,
	}
}

// Info returns metadata describing this OpenAI client.
func (c *Client) Info() model.Info {
	return model.Info{
		Provider:      "openai",
		SupportsTools: true,
	}
}
