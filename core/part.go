package core

// Part represents a polymorphic segment of role-based content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text string // Plain UTF-8 text
}

// isPart implements the Part interface for TextPart.
func (TextPart) isPart() {}

// ThinkingPart is a reasoning segment the model emitted inside delimited
// thinking markup. It is kept out of the visible answer unless the
// orchestrator is configured to merge it.
type ThinkingPart struct {
	Text string
}

// isPart implements the Part interface for ThinkingPart.
func (ThinkingPart) isPart() {}

// FunctionCall describes a tool invocation request surfaced by a model.
type FunctionCall struct {
	ID        string `json:"id"`                  // Pairs the call with its FunctionResponse
	Name      string `json:"name"`                // Tool name
	Arguments string `json:"arguments,omitempty"` // Serialized JSON argument payload
}

// FunctionCallPart wraps a FunctionCall as a content part.
type FunctionCallPart struct {
	FunctionCall FunctionCall
}

// isPart implements the Part interface for FunctionCallPart.
func (FunctionCallPart) isPart() {}

// FunctionResponse describes the outcome of a function call.
type FunctionResponse struct {
	ID       string      `json:"id"`                 // Matches originating FunctionCall ID
	Name     string      `json:"name"`               // Tool name
	Response interface{} `json:"response,omitempty"` // Successful result (any JSON-serializable shape)
	Error    string      `json:"error,omitempty"`    // Populated on failure (including policy denials)
	Denied   bool        `json:"denied,omitempty"`   // True when a policy refused execution
}

// FunctionResponsePart wraps a FunctionResponse as a content part.
type FunctionResponsePart struct {
	FunctionResponse FunctionResponse
}

// isPart implements the Part interface for FunctionResponsePart.
func (FunctionResponsePart) isPart() {}
