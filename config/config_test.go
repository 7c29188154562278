package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agentcore/compact"
	"github.com/hupe1980/agentcore/policy"
)

const sampleConfig = `
profiles:
  - id: ant-prod
    provider: anthropic
    credential: env:ANTHROPIC_API_KEY
  - id: oai-prod
    provider: openai
    credential: sk-literal

chains:
  default:
    - provider: anthropic
      model: claude-sonnet-4
    - provider: openai
      model: gpt-4o
  cheap:
    - provider: openai
      model: gpt-4o-mini

limits:
  max_concurrent_turns: 8
  max_iterations: 15
  token_budget: 12000
  call_timeout: 90s
  tool_timeout: 30s
  cooldown_base: 400ms
  cooldown_cap: 30s

compaction:
  strategy: keep_recent
  keep: 10

policies:
  - kind: blacklist
    tools: [bash, write_file]
  - kind: approval
    tools: [deploy]
`

func TestParseSampleConfig(t *testing.T) {
	f, err := Parse([]byte(sampleConfig))
	assert.NoError(t, err)

	assert.Len(t, f.Profiles, 2)
	assert.Equal(t, "anthropic", f.Profiles[0].Provider)

	assert.Len(t, f.DefaultChain(), 2)
	assert.Equal(t, "claude-sonnet-4", f.DefaultChain()[0].Model)
	assert.Len(t, f.Chain("cheap"), 1)
	assert.Nil(t, f.Chain("missing"))

	assert.Equal(t, int64(8), f.Limits.MaxConcurrentTurns)
	assert.Equal(t, 15, f.Limits.MaxIterations)
	assert.Equal(t, 90*time.Second, f.Limits.CallTimeout.Std())
	assert.Equal(t, 400*time.Millisecond, f.Limits.CooldownBase.Std())
}

func TestCredentialEnvReference(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-from-env")

	f, err := Parse([]byte(sampleConfig))
	assert.NoError(t, err)

	profiles := f.AuthProfiles()
	assert.Equal(t, "sk-from-env", profiles[0].Credential)
	assert.Equal(t, "sk-literal", profiles[1].Credential)
}

func TestPolicyChainMaterialization(t *testing.T) {
	f, err := Parse([]byte(sampleConfig))
	assert.NoError(t, err)

	chain := f.PolicyChain()
	assert.Len(t, chain, 2)

	d := chain[0].Evaluate(policy.Request{Tool: "bash"})
	assert.Equal(t, policy.Deny, d.Verdict)

	d = chain[1].Evaluate(policy.Request{Tool: "deploy"})
	assert.Equal(t, policy.RequireApproval, d.Verdict)
}

func TestOrchestratorConfigMapping(t *testing.T) {
	f, err := Parse([]byte(sampleConfig))
	assert.NoError(t, err)

	cfg := f.OrchestratorConfig()
	assert.Equal(t, 15, cfg.MaxIterations)
	assert.Equal(t, 12000, cfg.TokenBudget)
	assert.Equal(t, 90*time.Second, cfg.CallTimeout)
	assert.Equal(t, compact.KeepRecent{N: 10}, cfg.CompactionStrategy)
	assert.Len(t, cfg.Chain, 2)
}

func TestCompactionStrategySelection(t *testing.T) {
	f, err := Parse([]byte(`
compaction:
  strategy: sliding_window
  head: 2
  tail: 4
`))
	assert.NoError(t, err)
	assert.Equal(t, compact.SlidingWindow{Head: 2, Tail: 4}, f.CompactionStrategy())

	f, err = Parse([]byte(``))
	assert.NoError(t, err)
	assert.Nil(t, f.CompactionStrategy())
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"duplicate profile id", `
profiles:
  - id: a
    provider: anthropic
  - id: a
    provider: openai
`},
		{"missing provider", `
profiles:
  - id: a
`},
		{"empty chain", `
chains:
  default: []
`},
		{"chain entry without model", `
chains:
  default:
    - provider: anthropic
`},
		{"unknown compaction strategy", `
compaction:
  strategy: newest_first
`},
		{"unknown policy kind", `
policies:
  - kind: wishlist
`},
		{"bad duration", `
limits:
  call_timeout: ninety
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/agentcore.yaml")
	assert.Error(t, err)
}
