package orchestrator

import (
	"context"
	"time"

	"github.com/hupe1980/agentcore/compact"
	"github.com/hupe1980/agentcore/failover"
	"github.com/hupe1980/agentcore/policy"
)

// ApprovalFunc resolves a REQUIRE_APPROVAL policy decision out of band. It
// blocks until a decision is made or ctx expires; returning false (or an
// error) denies the tool step.
type ApprovalFunc func(ctx context.Context, req policy.Request) (bool, error)

// Config tunes the turn state machine. All fields are optional; DefaultConfig
// documents the defaults.
type Config struct {
	// Chain is the default fallback chain for turns that do not override it.
	Chain failover.Chain

	// MaxIterations caps tool-call rounds per turn to prevent infinite loops.
	MaxIterations int

	// TokenBudget triggers compaction when the estimated history size
	// exceeds it. 0 disables compaction.
	TokenBudget int

	// CompactionStrategy selects how history is pruned. Defaults to
	// KeepRecent(20) when a budget is set.
	CompactionStrategy compact.Strategy

	// CallTimeout bounds each model call; expiry is handled as a transient
	// error, advancing the failover chain.
	CallTimeout time.Duration

	// MaxTokens is forwarded to the model call as the completion cap.
	MaxTokens int64

	// Stream requests streamed deltas from providers that support it.
	Stream bool

	// Thinking selects how reasoning markup is handled.
	Thinking ThinkingMode

	// EssentialTools names tools whose policy denial ends the turn with a
	// partial answer instead of continuing without the tool.
	EssentialTools []string

	// Approval resolves REQUIRE_APPROVAL decisions. When nil, such
	// decisions deny the tool step.
	Approval ApprovalFunc

	// EventBufferSize sets the per-turn event channel buffer.
	EventBufferSize int
}

// DefaultConfig provides the documented defaults.
var DefaultConfig = Config{
	MaxIterations:   25,
	CallTimeout:     120 * time.Second,
	MaxTokens:       4096,
	Stream:          true,
	Thinking:        ThinkingEmit,
	EventBufferSize: 100,
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = d.EventBufferSize
	}
	if c.TokenBudget > 0 && c.CompactionStrategy == nil {
		c.CompactionStrategy = compact.KeepRecent{N: 20}
	}
	return c
}

// TurnOption overrides config for a single turn.
type TurnOption func(c *Config)

// WithChain overrides the fallback chain for one turn. An empty chain keeps
// the configured default.
func WithChain(chain failover.Chain) TurnOption {
	return func(c *Config) {
		if len(chain) > 0 {
			c.Chain = chain
		}
	}
}

// WithTokenBudget overrides the compaction budget for one turn.
func WithTokenBudget(budget int) TurnOption {
	return func(c *Config) { c.TokenBudget = budget }
}

// WithCompactionStrategy overrides the pruning strategy for one turn.
func WithCompactionStrategy(s compact.Strategy) TurnOption {
	return func(c *Config) { c.CompactionStrategy = s }
}

// WithMaxIterations overrides the tool-round cap for one turn.
func WithMaxIterations(n int) TurnOption {
	return func(c *Config) { c.MaxIterations = n }
}

// WithThinkingMode overrides reasoning handling for one turn.
func WithThinkingMode(mode ThinkingMode) TurnOption {
	return func(c *Config) { c.Thinking = mode }
}
