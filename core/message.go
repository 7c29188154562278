package core

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a session's ordered history. Content is carried as
// an ordered list of heterogeneous parts so a single assistant message can mix
// text with tool invocation requests.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// NewTextMessage builds a message holding a single text part.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// NewToolCallMessage builds the assistant half of a tool-call pair.
func NewToolCallMessage(calls ...FunctionCall) Message {
	parts := make([]Part, 0, len(calls))
	for _, fc := range calls {
		parts = append(parts, FunctionCallPart{FunctionCall: fc})
	}
	return Message{Role: RoleAssistant, Parts: parts}
}

// NewToolResultMessage builds the tool half of a tool-call pair.
func NewToolResultMessage(responses ...FunctionResponse) Message {
	parts := make([]Part, 0, len(responses))
	for _, fr := range responses {
		parts = append(parts, FunctionResponsePart{FunctionResponse: fr})
	}
	return Message{Role: RoleTool, Parts: parts}
}

// Text concatenates all plain text parts of the message.
func (m Message) Text() string {
	var s string
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			s += tp.Text
		}
	}
	return s
}

// FunctionCalls returns the FunctionCall parts in original order.
func (m Message) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, p := range m.Parts {
		if fc, ok := p.(FunctionCallPart); ok {
			calls = append(calls, fc.FunctionCall)
		}
	}
	return calls
}

// FunctionResponses returns the FunctionResponse parts in original order.
func (m Message) FunctionResponses() []FunctionResponse {
	var responses []FunctionResponse
	for _, p := range m.Parts {
		if fr, ok := p.(FunctionResponsePart); ok {
			responses = append(responses, fr.FunctionResponse)
		}
	}
	return responses
}

// HasFunctionCalls reports whether the message requests any tool execution.
func (m Message) HasFunctionCalls() bool { return len(m.FunctionCalls()) > 0 }

// OrphanedCalls returns the IDs of tool calls in history that have no matching
// tool result. A well-formed history has at most one orphan and only at the
// tail, where it marks the call currently awaiting execution.
func OrphanedCalls(history []Message) []string {
	answered := map[string]bool{}
	for _, m := range history {
		for _, fr := range m.FunctionResponses() {
			answered[fr.ID] = true
		}
	}
	var orphans []string
	for _, m := range history {
		for _, fc := range m.FunctionCalls() {
			if !answered[fc.ID] {
				orphans = append(orphans, fc.ID)
			}
		}
	}
	return orphans
}

// LastUserIndex returns the index of the most recent user message, or -1.
func LastUserIndex(history []Message) int {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			return i
		}
	}
	return -1
}
