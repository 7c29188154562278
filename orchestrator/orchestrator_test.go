package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agentcore/compact"
	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/failover"
	"github.com/hupe1980/agentcore/model"
	"github.com/hupe1980/agentcore/policy"
	"github.com/hupe1980/agentcore/session"
	"github.com/hupe1980/agentcore/tool"
)

// harness wires an orchestrator around a scriptable mock client.
type harness struct {
	orch   *Orchestrator
	client *model.MockClient
	store  *session.InMemoryStore
	pool   *failover.Pool
}

func newHarness(t *testing.T, optFns ...func(o *Options)) *harness {
	t.Helper()

	client := model.NewMockClient("mock")
	pool := failover.NewPool([]*failover.AuthProfile{
		{ID: "key-1", Provider: "mock", Credential: "k1"},
		{ID: "key-2", Provider: "mock", Credential: "k2"},
	})
	manager := failover.NewManager(pool, map[string]model.Client{"mock": client})
	store := session.NewInMemoryStore()

	fns := append([]func(o *Options){func(o *Options) {
		o.Store = store
		o.Config = Config{
			Chain:  failover.Chain{{Provider: "mock", Model: "test-model"}},
			Stream: true,
		}
	}}, optFns...)

	return &harness{
		orch:   New(manager, fns...),
		client: client,
		store:  store,
		pool:   pool,
	}
}

// collect drains a turn's event stream.
func collect(t *testing.T, events <-chan core.Event) []core.Event {
	t.Helper()
	var out []core.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("turn did not finish in time")
		}
	}
}

func kinds(events []core.Event) []core.EventKind {
	out := make([]core.EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func last(events []core.Event) core.Event {
	return events[len(events)-1]
}

func countKind(events []core.Event, kind core.EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// -------------------- Happy Path --------------------

func TestTurnWithoutTools(t *testing.T) {
	h := newHarness(t)
	h.client.Script(model.MockTurn{
		Deltas:  []string{"Hello", " world"},
		Message: core.NewTextMessage(core.RoleAssistant, "Hello world"),
	})

	events, err := h.orch.SubmitTurn(context.Background(), "s1", "hi")
	assert.NoError(t, err)
	got := collect(t, events)

	assert.Equal(t, core.EventAssistant, last(got).Kind)
	assert.Equal(t, "Hello world", last(got).Text)
	assert.Equal(t, 2, countKind(got, core.EventAssistantDelta))
	assert.Equal(t, 1, countKind(got, core.EventAssistant))
	assert.Zero(t, countKind(got, core.EventFailed))

	// User message and answer are committed.
	sess, _ := h.store.Get("s1")
	history := sess.Snapshot()
	assert.Len(t, history, 2)
	assert.Equal(t, core.RoleUser, history[0].Role)
	assert.Equal(t, core.RoleAssistant, history[1].Role)
}

func TestTurnEventsShareTurnID(t *testing.T) {
	h := newHarness(t)
	h.client.Script(model.MockTurn{
		Message: core.NewTextMessage(core.RoleAssistant, "ok"),
	})

	events, _ := h.orch.SubmitTurn(context.Background(), "s1", "hi")
	got := collect(t, events)

	id := got[0].TurnID
	assert.NotEmpty(t, id)
	for _, ev := range got {
		assert.Equal(t, id, ev.TurnID)
		assert.Equal(t, "s1", ev.SessionID)
	}
}

func TestExactlyOneTerminalEvent(t *testing.T) {
	h := newHarness(t)
	h.client.Script(model.MockTurn{
		Message: core.NewTextMessage(core.RoleAssistant, "done"),
	})

	events, _ := h.orch.SubmitTurn(context.Background(), "s1", "hi")
	got := collect(t, events)

	terminal := 0
	for i, ev := range got {
		if ev.IsTerminal() {
			terminal++
			assert.Equal(t, len(got)-1, i, "terminal event must be last")
		}
	}
	assert.Equal(t, 1, terminal)
}

// -------------------- Tool Rounds --------------------

func weatherTool() tool.Tool {
	return tool.NewFunctionTool("get_weather", "returns weather", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
		},
		"required": []string{"city"},
	}, func(callCtx *tool.CallContext, args map[string]any) (any, error) {
		return "sunny in " + args["city"].(string), nil
	})
}

func TestTurnWithToolRound(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Registry = tool.NewRegistry(weatherTool())
	})
	h.client.Script(
		model.MockTurn{Message: core.NewToolCallMessage(core.FunctionCall{
			ID: "c1", Name: "get_weather", Arguments: `{"city":"Berlin"}`,
		})},
		model.MockTurn{Message: core.NewTextMessage(core.RoleAssistant, "It is sunny in Berlin.")},
	)

	events, err := h.orch.SubmitTurn(context.Background(), "s1", "weather in berlin?")
	assert.NoError(t, err)
	got := collect(t, events)

	assert.Equal(t, 1, countKind(got, core.EventToolCall))
	assert.Equal(t, 1, countKind(got, core.EventToolResult))
	assert.Equal(t, core.EventAssistant, last(got).Kind)
	assert.Equal(t, "It is sunny in Berlin.", last(got).Text)

	// Call precedes result precedes final answer.
	var callIdx, resIdx, finalIdx int
	for i, ev := range got {
		switch ev.Kind {
		case core.EventToolCall:
			callIdx = i
		case core.EventToolResult:
			resIdx = i
			assert.Equal(t, "sunny in Berlin", got[i].Result.Response)
		case core.EventAssistant:
			finalIdx = i
		}
	}
	assert.Less(t, callIdx, resIdx)
	assert.Less(t, resIdx, finalIdx)

	// History holds the full pair.
	sess, _ := h.store.Get("s1")
	assert.Empty(t, core.OrphanedCalls(sess.Snapshot()))
}

func TestMaxIterationsExceeded(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Registry = tool.NewRegistry(weatherTool())
	})

	// The model asks for the same tool forever.
	for i := 0; i < 30; i++ {
		h.client.Script(model.MockTurn{Message: core.NewToolCallMessage(core.FunctionCall{
			ID: "c1", Name: "get_weather", Arguments: `{"city":"Berlin"}`,
		})})
	}

	events, _ := h.orch.SubmitTurn(context.Background(), "s1", "loop", WithMaxIterations(3))
	got := collect(t, events)

	fail := last(got)
	assert.Equal(t, core.EventFailed, fail.Kind)
	assert.Equal(t, string(core.ErrKindMaxIterations), fail.ErrorKind)
	assert.Equal(t, 3, countKind(got, core.EventToolCall))
}

func TestStrictToolSequenceSuppressesToolsOnFollowUp(t *testing.T) {
	client := model.NewMockClient("mock")
	// Mark the provider as requiring a tool-less follow-up call.
	strict := &strictClient{MockClient: client}

	pool := failover.NewPool([]*failover.AuthProfile{
		{ID: "key-1", Provider: "mock", Credential: "k1"},
	})
	manager := failover.NewManager(pool, map[string]model.Client{"mock": strict})
	orch := New(manager, func(o *Options) {
		o.Registry = tool.NewRegistry(weatherTool())
		o.Config = Config{Chain: failover.Chain{{Provider: "mock", Model: "m"}}}
	})

	client.Script(
		model.MockTurn{Message: core.NewToolCallMessage(core.FunctionCall{
			ID: "c1", Name: "get_weather", Arguments: `{"city":"Berlin"}`,
		})},
		model.MockTurn{Message: core.NewTextMessage(core.RoleAssistant, "sunny")},
	)

	events, _ := orch.SubmitTurn(context.Background(), "s1", "weather?")
	collect(t, events)

	calls := client.Calls()
	assert.Len(t, calls, 2)
	assert.NotEmpty(t, calls[0].Tools)
	assert.Empty(t, calls[1].Tools, "follow-up call after tool results must not offer tools")
}

type strictClient struct {
	*model.MockClient
}

func (c *strictClient) Info() model.Info {
	info := c.MockClient.Info()
	info.StrictToolSequence = true
	return info
}

// -------------------- Policy Integration --------------------

func TestBlacklistedToolDeniedButTurnCompletes(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Registry = tool.NewRegistry(weatherTool())
		o.Policies = policy.NewEngine([]policy.Policy{
			policy.Blacklist{Tools: []string{"get_weather"}},
		})
	})
	h.client.Script(
		model.MockTurn{Message: core.NewToolCallMessage(core.FunctionCall{
			ID: "c1", Name: "get_weather", Arguments: `{"city":"Berlin"}`,
		})},
		model.MockTurn{Message: core.NewTextMessage(core.RoleAssistant, "I cannot check the weather.")},
	)

	events, _ := h.orch.SubmitTurn(context.Background(), "s1", "weather?")
	got := collect(t, events)

	assert.Equal(t, core.EventAssistant, last(got).Kind)

	var denied *core.FunctionResponse
	for _, ev := range got {
		if ev.Kind == core.EventToolResult {
			denied = ev.Result
		}
	}
	assert.NotNil(t, denied)
	assert.True(t, denied.Denied)
	assert.Contains(t, denied.Error, "blacklisted")

	// The denial is visible to the model as an error result, and audited.
	assert.Equal(t, 1, h.orch.Audit().Len())
	assert.Equal(t, policy.Deny, h.orch.Audit().Entries()[0].Verdict)
}

func TestEssentialToolDenialEndsTurn(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Registry = tool.NewRegistry(weatherTool())
		o.Policies = policy.NewEngine([]policy.Policy{
			policy.Blacklist{Tools: []string{"get_weather"}},
		})
		o.Config.EssentialTools = []string{"get_weather"}
	})
	h.client.Script(model.MockTurn{
		Deltas: []string{"Let me check."},
		Message: core.Message{Role: core.RoleAssistant, Parts: []core.Part{
			core.TextPart{Text: "Let me check."},
			core.FunctionCallPart{FunctionCall: core.FunctionCall{
				ID: "c1", Name: "get_weather", Arguments: `{"city":"Berlin"}`,
			}},
		}},
	})

	events, _ := h.orch.SubmitTurn(context.Background(), "s1", "weather?")
	got := collect(t, events)

	// One model call only: the turn ends with a partial answer.
	assert.Len(t, h.client.Calls(), 1)
	assert.Equal(t, core.EventAssistant, last(got).Kind)
	assert.Equal(t, "Let me check.", last(got).Text)
}

func TestApprovalFuncResolvesRequireApproval(t *testing.T) {
	approved := false
	h := newHarness(t, func(o *Options) {
		o.Registry = tool.NewRegistry(weatherTool())
		o.Policies = policy.NewEngine([]policy.Policy{
			policy.ApprovalRequired{Tools: []string{"get_weather"}},
		})
		o.Config.Approval = func(ctx context.Context, req policy.Request) (bool, error) {
			approved = true
			return true, nil
		}
	})
	h.client.Script(
		model.MockTurn{Message: core.NewToolCallMessage(core.FunctionCall{
			ID: "c1", Name: "get_weather", Arguments: `{"city":"Berlin"}`,
		})},
		model.MockTurn{Message: core.NewTextMessage(core.RoleAssistant, "sunny")},
	)

	events, _ := h.orch.SubmitTurn(context.Background(), "s1", "weather?")
	got := collect(t, events)

	assert.True(t, approved)
	for _, ev := range got {
		if ev.Kind == core.EventToolResult {
			assert.False(t, ev.Result.Denied)
			assert.Equal(t, "sunny in Berlin", ev.Result.Response)
		}
	}
}

func TestApprovalDeniedWithoutApprover(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Registry = tool.NewRegistry(weatherTool())
		o.Policies = policy.NewEngine([]policy.Policy{
			policy.ApprovalRequired{Tools: []string{"get_weather"}},
		})
	})
	h.client.Script(
		model.MockTurn{Message: core.NewToolCallMessage(core.FunctionCall{
			ID: "c1", Name: "get_weather", Arguments: `{"city":"Berlin"}`,
		})},
		model.MockTurn{Message: core.NewTextMessage(core.RoleAssistant, "cannot")},
	)

	events, _ := h.orch.SubmitTurn(context.Background(), "s1", "weather?")
	got := collect(t, events)

	for _, ev := range got {
		if ev.Kind == core.EventToolResult {
			assert.True(t, ev.Result.Denied)
			assert.Contains(t, ev.Result.Error, "approval")
		}
	}
}

// -------------------- Failover --------------------

func TestFailoverOnAuthErrors(t *testing.T) {
	h := newHarness(t)
	h.client.Script(
		model.MockTurn{Err: errors.New("401 unauthorized")},
		model.MockTurn{Err: errors.New("401 unauthorized")},
	)
	// Third call succeeds via the default canned answer, but both mock
	// credentials are now cooling down, so the chain is exhausted first.

	events, _ := h.orch.SubmitTurn(context.Background(), "s1", "hi")
	got := collect(t, events)

	fail := last(got)
	assert.Equal(t, core.EventFailed, fail.Kind)
	assert.Equal(t, string(core.ErrKindChainExhausted), fail.ErrorKind)
	assert.Equal(t, 1, countKind(got, core.EventFailed))

	// Both credentials entered cooldown.
	for _, id := range []string{"key-1", "key-2"} {
		prof, ok := h.pool.Get(id)
		assert.True(t, ok)
		assert.True(t, prof.CooldownUntil().After(time.Now()))
	}
}

func TestFailoverAcrossModelsEmitsEvent(t *testing.T) {
	anthropic := model.NewMockClient("anthropic")
	openai := model.NewMockClient("openai")
	anthropic.Script(model.MockTurn{Err: errors.New("500 internal error")})
	openai.Script(model.MockTurn{Message: core.NewTextMessage(core.RoleAssistant, "fallback answer")})

	pool := failover.NewPool([]*failover.AuthProfile{
		{ID: "ant-1", Provider: "anthropic", Credential: "k1"},
		{ID: "oai-1", Provider: "openai", Credential: "k2"},
	})
	manager := failover.NewManager(pool, map[string]model.Client{
		"anthropic": anthropic,
		"openai":    openai,
	})
	orch := New(manager, func(o *Options) {
		o.Config = Config{Chain: failover.Chain{
			{Provider: "anthropic", Model: "claude-sonnet"},
			{Provider: "openai", Model: "gpt-4o"},
		}}
	})

	events, _ := orch.SubmitTurn(context.Background(), "s1", "hi")
	got := collect(t, events)

	assert.Equal(t, 1, countKind(got, core.EventFailover))
	for _, ev := range got {
		if ev.Kind == core.EventFailover {
			assert.Equal(t, "anthropic", ev.From.Provider)
			assert.Equal(t, "openai", ev.To.Provider)
		}
	}
	assert.Equal(t, "fallback answer", last(got).Text)
}

func TestFatalModelErrorDoesNotPenalizeCredential(t *testing.T) {
	h := newHarness(t)
	h.client.Script(
		model.MockTurn{Err: errors.New("404 model not found")},
	)

	events, _ := h.orch.SubmitTurn(context.Background(), "s1", "hi")
	got := collect(t, events)

	// Single-entry chain, fatal model error: exhausted.
	assert.Equal(t, string(core.ErrKindChainExhausted), last(got).ErrorKind)

	prof, _ := h.pool.Get("key-1")
	assert.Equal(t, 0, prof.FailureCount())
	assert.True(t, prof.CooldownUntil().IsZero())
}

func TestCredentialRotatedIntoRequest(t *testing.T) {
	h := newHarness(t)
	h.client.Script(
		model.MockTurn{Err: errors.New("401 unauthorized")},
		model.MockTurn{Message: core.NewTextMessage(core.RoleAssistant, "ok")},
	)

	events, _ := h.orch.SubmitTurn(context.Background(), "s1", "hi")
	collect(t, events)

	calls := h.client.Calls()
	assert.Len(t, calls, 2)
	assert.NotEqual(t, calls[0].Credential, calls[1].Credential)
}

// -------------------- Compaction --------------------

func TestCompactionTriggeredOverBudget(t *testing.T) {
	h := newHarness(t)

	// Preload a long history.
	sess, _ := h.store.Get("s1")
	sess.Append(core.NewTextMessage(core.RoleSystem, "be helpful"))
	for i := 0; i < 10; i++ {
		sess.Append(
			core.NewTextMessage(core.RoleUser, "a question that repeats itself over and over"),
			core.NewTextMessage(core.RoleAssistant, "a long answer that repeats itself over and over again"),
		)
	}

	h.client.Script(model.MockTurn{Message: core.NewTextMessage(core.RoleAssistant, "short")})

	events, _ := h.orch.SubmitTurn(context.Background(), "s1", "latest question",
		WithTokenBudget(60), WithCompactionStrategy(compact.KeepRecent{N: 2}))
	got := collect(t, events)

	assert.Equal(t, 1, countKind(got, core.EventCompaction))
	for _, ev := range got {
		if ev.Kind == core.EventCompaction {
			assert.NotNil(t, ev.Compaction)
			assert.Greater(t, ev.Compaction.DroppedMessages, 0)
			assert.Greater(t, ev.Compaction.OriginalTokens, ev.Compaction.CompactedTokens)
		}
	}

	// System message and the new user message survive.
	history, _ := h.store.Get("s1")
	snap := history.Snapshot()
	assert.Equal(t, core.RoleSystem, snap[0].Role)
	found := false
	for _, m := range snap {
		if m.Text() == "latest question" {
			found = true
		}
	}
	assert.True(t, found)
	assert.Equal(t, core.EventAssistant, last(got).Kind)
}

func TestNoCompactionWithoutBudget(t *testing.T) {
	h := newHarness(t)
	h.client.Script(model.MockTurn{Message: core.NewTextMessage(core.RoleAssistant, "ok")})

	events, _ := h.orch.SubmitTurn(context.Background(), "s1", "hi")
	got := collect(t, events)
	assert.Zero(t, countKind(got, core.EventCompaction))
}

// -------------------- Thinking --------------------

func TestThinkingEmitSeparatesReasoning(t *testing.T) {
	h := newHarness(t)
	h.client.Script(model.MockTurn{
		Deltas:  []string{"<think", "ing>step one</thinking>", "The answer is 42."},
		Message: core.NewTextMessage(core.RoleAssistant, "<thinking>step one</thinking>The answer is 42."),
	})

	events, _ := h.orch.SubmitTurn(context.Background(), "s1", "question")
	got := collect(t, events)

	thinking := ""
	visible := ""
	for _, ev := range got {
		switch ev.Kind {
		case core.EventThinking:
			thinking += ev.Text
		case core.EventAssistantDelta:
			visible += ev.Text
		}
	}
	assert.Equal(t, "step one", thinking)
	assert.Equal(t, "The answer is 42.", visible)
	assert.Equal(t, "The answer is 42.", last(got).Text)
}

func TestThinkingDiscard(t *testing.T) {
	h := newHarness(t)
	h.client.Script(model.MockTurn{
		Message: core.NewTextMessage(core.RoleAssistant, "<thinking>secret</thinking>public"),
	})

	events, _ := h.orch.SubmitTurn(context.Background(), "s1", "q", WithThinkingMode(ThinkingDiscard))
	got := collect(t, events)

	assert.Zero(t, countKind(got, core.EventThinking))
	assert.Equal(t, "public", last(got).Text)
}

func TestThinkingMergeKeepsInline(t *testing.T) {
	h := newHarness(t)
	h.client.Script(model.MockTurn{
		Message: core.NewTextMessage(core.RoleAssistant, "<thinking>why</thinking>answer"),
	})

	events, _ := h.orch.SubmitTurn(context.Background(), "s1", "q", WithThinkingMode(ThinkingMerge))
	got := collect(t, events)

	assert.Zero(t, countKind(got, core.EventThinking))
	assert.Equal(t, "<thinking>why</thinking>answer", last(got).Text)
}

// -------------------- Cancellation & Admission --------------------

func TestCancelledTurnRollsBack(t *testing.T) {
	h := newHarness(t)

	sess, _ := h.store.Get("s1")
	sess.Append(core.NewTextMessage(core.RoleUser, "committed"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events, err := h.orch.SubmitTurn(ctx, "s1", "doomed")
	assert.NoError(t, err)
	got := collect(t, events)

	assert.Equal(t, core.EventFailed, last(got).Kind)

	// Nothing beyond the last commit point made it into the history.
	after, _ := h.store.Get("s1")
	assert.Equal(t, "committed", after.Snapshot()[0].Text())
	for _, m := range after.Snapshot() {
		assert.NotEqual(t, core.RoleAssistant, m.Role)
	}
}

func TestSubmitTurnValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.SubmitTurn(context.Background(), "", "hi")
	assert.Error(t, err)

	events, err := h.orch.SubmitTurn(context.Background(), "s1", "hi", WithChain(nil))
	assert.NoError(t, err, "empty per-turn chain falls back to the configured default")
	collect(t, events)

	bare := New(failover.NewManager(h.pool, map[string]model.Client{}))
	_, err = bare.SubmitTurn(context.Background(), "s1", "hi")
	assert.Error(t, err, "no chain configured at all")
}

// -------------------- Bus Integration --------------------

func TestEventsMirroredOnBus(t *testing.T) {
	h := newHarness(t)
	h.client.Script(model.MockTurn{Message: core.NewTextMessage(core.RoleAssistant, "ok")})

	var seen []core.EventKind
	done := make(chan struct{})
	h.orch.Bus().Subscribe(func(ev core.Event) {
		seen = append(seen, ev.Kind)
		if ev.IsTerminal() {
			close(done)
		}
	})

	events, _ := h.orch.SubmitTurn(context.Background(), "s1", "hi")
	collect(t, events)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bus never saw the terminal event")
	}

	assert.Contains(t, seen, core.EventAssistant)
}
