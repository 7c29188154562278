package core

import (
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates the orchestration events produced during a turn.
type EventKind string

const (
	// EventAssistantDelta carries one streamed fragment of visible answer text.
	EventAssistantDelta EventKind = "assistant_delta"
	// EventThinking carries a reasoning segment extracted from thinking markup.
	EventThinking EventKind = "thinking"
	// EventToolCall announces a tool invocation the model requested.
	EventToolCall EventKind = "tool_call"
	// EventToolResult reports the outcome of a tool invocation.
	EventToolResult EventKind = "tool_result"
	// EventFailover reports a (provider, model) transition inside a turn.
	EventFailover EventKind = "failover"
	// EventCompaction reports a history pruning pass.
	EventCompaction EventKind = "compaction"
	// EventQueuePosition reports progress while a turn waits for admission.
	EventQueuePosition EventKind = "queue_position"
	// EventAssistant is the terminal event of a completed turn and carries
	// the full visible answer.
	EventAssistant EventKind = "assistant"
	// EventFailed is the terminal event of a failed turn.
	EventFailed EventKind = "failed"
)

// Event is the unit of communication between the orchestrator and its
// observers. Events are append-only and ordered by emission time within a
// turn; after emission they must be treated as immutable.
type Event struct {
	ID        string    `json:"id"`
	TurnID    string    `json:"turn_id"`
	SessionID string    `json:"session_id"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// Text carries delta/thinking/final answer text.
	Text string `json:"text,omitempty"`

	// Tool call / result payloads.
	Call   *FunctionCall     `json:"call,omitempty"`
	Result *FunctionResponse `json:"result,omitempty"`

	// Failover payload: the abandoned and adopted (provider, model).
	From *ModelRef `json:"from,omitempty"`
	To   *ModelRef `json:"to,omitempty"`

	// Compaction payload.
	Compaction *CompactionStats `json:"compaction,omitempty"`

	// Queue payload: 1-based position in the session lane.
	QueuePosition int `json:"queue_position,omitempty"`

	// Failure payload for EventFailed.
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ModelRef names a (provider, model) pair of a fallback chain.
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// CompactionStats summarizes one compaction pass.
type CompactionStats struct {
	Strategy        string `json:"strategy"`
	OriginalTokens  int    `json:"original_tokens"`
	CompactedTokens int    `json:"compacted_tokens"`
	DroppedMessages int    `json:"dropped_messages"`
}

// NewID generates a unique identifier for events and turns.
func NewID() string { return uuid.NewString() }

// NewEvent creates an event of the given kind bound to a turn and session.
func NewEvent(kind EventKind, turnID, sessionID string) Event {
	return Event{
		ID:        NewID(),
		TurnID:    turnID,
		SessionID: sessionID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

// IsTerminal reports whether the event ends its turn.
func (e Event) IsTerminal() bool {
	return e.Kind == EventAssistant || e.Kind == EventFailed
}
