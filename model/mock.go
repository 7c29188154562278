package model

import (
	"context"
	"sync"

	"github.com/hupe1980/agentcore/core"
)

// MockTurn scripts one Generate call of a MockClient: either an error, or a
// final message optionally preceded by streamed text deltas.
type MockTurn struct {
	Err     error
	Deltas  []string
	Message core.Message
}

// MockClient is a scriptable in-memory Client for tests and examples. Each
// Generate call consumes the next scripted turn; when the script is empty it
// answers with a canned text message.
type MockClient struct {
	info  Info
	turns []MockTurn
	calls []Request
	mu    sync.Mutex
}

// NewMockClient constructs a MockClient with tool support enabled.
func NewMockClient(provider string) *MockClient {
	return &MockClient{info: Info{Provider: provider, SupportsTools: true}}
}

// Script appends scripted turns consumed in order by subsequent calls.
func (m *MockClient) Script(turns ...MockTurn) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turns...)
	return m
}

// Calls returns a copy of every request received so far.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]Request, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// Generate implements Client.
func (m *MockClient) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	var turn MockTurn
	if len(m.turns) > 0 {
		turn = m.turns[0]
		m.turns = m.turns[1:]
	} else {
		turn = MockTurn{Message: core.NewTextMessage(core.RoleAssistant, "mock response")}
	}
	m.mu.Unlock()

	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		if turn.Err != nil {
			errCh <- turn.Err
			return
		}
		if req.Stream {
			for _, d := range turn.Deltas {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Message: core.NewTextMessage(core.RoleAssistant, d)}:
				}
			}
		}
		finish := "stop"
		if turn.Message.HasFunctionCalls() {
			finish = "tool_calls"
		}
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- Response{Message: turn.Message, FinishReason: finish}:
		}
	}()

	return respCh, errCh
}

// Info implements Client.
func (m *MockClient) Info() Info { return m.info }
