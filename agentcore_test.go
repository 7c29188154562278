package agentcore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/failover"
	"github.com/hupe1980/agentcore/model"
	"github.com/hupe1980/agentcore/orchestrator"
	"github.com/hupe1980/agentcore/policy"
	"github.com/hupe1980/agentcore/tool"
)

func newTestCore(optFns ...func(o *Options)) (*AgentCore, *model.MockClient) {
	client := model.NewMockClient("mock")

	fns := append([]func(o *Options){func(o *Options) {
		o.Config = orchestrator.Config{
			Chain: failover.Chain{{Provider: "mock", Model: "test-model"}},
		}
	}}, optFns...)

	c := New([]*failover.AuthProfile{
		{ID: "key-1", Provider: "mock", Credential: "k1"},
	}, fns...)
	c.RegisterClient(client)
	return c, client
}

func TestRunSimpleTurn(t *testing.T) {
	c, client := newTestCore()
	client.Script(model.MockTurn{
		Message: core.NewTextMessage(core.RoleAssistant, "the answer"),
	})

	answer, events, err := c.Run(context.Background(), "s1", "question")
	assert.NoError(t, err)
	assert.Equal(t, "the answer", answer)
	assert.NotEmpty(t, events)
	assert.Equal(t, core.EventAssistant, events[len(events)-1].Kind)
}

func TestRunWithToolAndPolicy(t *testing.T) {
	c, client := newTestCore(func(o *Options) {
		o.Policies = []policy.Policy{
			policy.Blacklist{Tools: []string{"bash"}},
		}
	})
	executed := false
	c.RegisterTool(tool.NewFunctionTool("bash", "runs a command", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"cmd": map[string]any{"type": "string"},
		},
	}, func(callCtx *tool.CallContext, args map[string]any) (any, error) {
		executed = true
		return nil, nil
	}))

	client.Script(
		model.MockTurn{Message: core.NewToolCallMessage(core.FunctionCall{
			ID: "c1", Name: "bash", Arguments: `{"cmd":"ls"}`,
		})},
		model.MockTurn{Message: core.NewTextMessage(core.RoleAssistant, "I cannot run commands.")},
	)

	answer, events, err := c.Run(context.Background(), "s1", "run ls")
	assert.NoError(t, err)
	assert.Equal(t, "I cannot run commands.", answer)

	var denied bool
	for _, ev := range events {
		if ev.Kind == core.EventToolResult && ev.Result.Denied {
			denied = true
		}
	}
	assert.True(t, denied)
	assert.False(t, executed, "blacklisted tool must never execute")

	entries := c.Audit().Entries()
	assert.Len(t, entries, 1)
	assert.Equal(t, policy.Deny, entries[0].Verdict)
	assert.Equal(t, "bash", entries[0].Tool)
}

func TestRunReturnsTerminalError(t *testing.T) {
	c, _ := newTestCore()

	_, _, err := c.Run(context.Background(), "s1", "hi")
	assert.NoError(t, err) // canned mock answer

	// A chain naming no registered provider exhausts immediately.
	_, _, err = c.Run(context.Background(), "s1", "hi",
		orchestrator.WithChain(failover.Chain{{Provider: "ghost", Model: "m"}}))
	assert.Error(t, err)
	assert.Equal(t, core.ErrKindChainExhausted, core.KindOf(err))
}

func TestSubscribeSeesAllTurnEvents(t *testing.T) {
	c, client := newTestCore()
	client.Script(model.MockTurn{
		Message: core.NewTextMessage(core.RoleAssistant, "ok"),
	})

	var kinds []core.EventKind
	done := make(chan struct{})
	sub := c.Subscribe(func(ev core.Event) {
		kinds = append(kinds, ev.Kind)
		if ev.IsTerminal() {
			close(done)
		}
	})
	defer c.Unsubscribe(sub)

	_, _, err := c.Run(context.Background(), "s1", "hi")
	assert.NoError(t, err)
	<-done

	assert.Contains(t, kinds, core.EventAssistant)
}
