// Package config loads the declarative runtime configuration: credential
// profiles, fallback chains, budgets, concurrency limits and the tool policy
// chain. The file format is YAML; credentials may reference environment
// variables so keys stay out of config files.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentcore/compact"
	"github.com/hupe1980/agentcore/failover"
	"github.com/hupe1980/agentcore/orchestrator"
	"github.com/hupe1980/agentcore/policy"
)

// File is the root of the configuration document.
type File struct {
	// Profiles declares the credential pool.
	Profiles []Profile `yaml:"profiles"`

	// Chains maps chain names to fallback sequences. The chain named
	// "default" is used for turns that do not pick one explicitly.
	Chains map[string][]failover.ChainEntry `yaml:"chains"`

	Limits     Limits     `yaml:"limits"`
	Compaction Compaction `yaml:"compaction"`
	Policies   []Policy   `yaml:"policies"`
}

// Profile declares one credential of the pool. Credential takes either a
// literal value or an env:NAME reference.
type Profile struct {
	ID         string `yaml:"id"`
	Provider   string `yaml:"provider"`
	Credential string `yaml:"credential"`
}

// Limits groups the tunable budgets and caps.
type Limits struct {
	MaxConcurrentTurns int64    `yaml:"max_concurrent_turns"`
	MaxIterations      int      `yaml:"max_iterations"`
	TokenBudget        int      `yaml:"token_budget"`
	CallTimeout        Duration `yaml:"call_timeout"`
	ToolTimeout        Duration `yaml:"tool_timeout"`
	MaxTokens          int64    `yaml:"max_tokens"`
	CooldownBase       Duration `yaml:"cooldown_base"`
	CooldownCap        Duration `yaml:"cooldown_cap"`
}

// Compaction selects the history pruning strategy applied when the token
// budget is exceeded. Keep parameterizes keep_recent; Head and Tail
// parameterize sliding_window.
type Compaction struct {
	Strategy string `yaml:"strategy"` // keep_recent, keep_important, sliding_window
	Keep     int    `yaml:"keep"`
	Head     int    `yaml:"head"`
	Tail     int    `yaml:"tail"`
}

// Duration is a time.Duration that unmarshals from Go duration strings
// ("120s", "400ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std converts to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Policy declares one entry of the policy chain. Kind selects the built-in;
// Tools parameterizes it.
type Policy struct {
	Kind  string   `yaml:"kind"` // whitelist, blacklist, approval
	Tools []string `yaml:"tools"`
}

// Load reads and parses a configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a configuration document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	seen := map[string]bool{}
	for i, p := range f.Profiles {
		if p.ID == "" {
			return fmt.Errorf("config: profile %d has no id", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate profile id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Provider == "" {
			return fmt.Errorf("config: profile %q has no provider", p.ID)
		}
	}
	for name, chain := range f.Chains {
		if len(chain) == 0 {
			return fmt.Errorf("config: chain %q is empty", name)
		}
		for _, e := range chain {
			if e.Provider == "" || e.Model == "" {
				return fmt.Errorf("config: chain %q has an entry without provider or model", name)
			}
		}
	}
	switch f.Compaction.Strategy {
	case "", "keep_recent", "keep_important", "sliding_window":
	default:
		return fmt.Errorf("config: unknown compaction strategy %q", f.Compaction.Strategy)
	}
	for i, p := range f.Policies {
		switch p.Kind {
		case "whitelist", "blacklist", "approval":
		default:
			return fmt.Errorf("config: policy %d has unknown kind %q", i, p.Kind)
		}
	}
	return nil
}

// AuthProfiles materializes the credential pool, resolving env:NAME
// references against the process environment.
func (f *File) AuthProfiles() []*failover.AuthProfile {
	profiles := make([]*failover.AuthProfile, 0, len(f.Profiles))
	for _, p := range f.Profiles {
		profiles = append(profiles, &failover.AuthProfile{
			ID:         p.ID,
			Provider:   p.Provider,
			Credential: resolveCredential(p.Credential),
		})
	}
	return profiles
}

// Chain returns the named fallback chain, or nil when absent.
func (f *File) Chain(name string) failover.Chain {
	return f.Chains[name]
}

// DefaultChain returns the chain named "default".
func (f *File) DefaultChain() failover.Chain { return f.Chain("default") }

// PolicyChain materializes the declared policy chain in order.
func (f *File) PolicyChain() []policy.Policy {
	var chain []policy.Policy
	for _, p := range f.Policies {
		switch p.Kind {
		case "whitelist":
			chain = append(chain, policy.Whitelist{Tools: p.Tools})
		case "blacklist":
			chain = append(chain, policy.Blacklist{Tools: p.Tools})
		case "approval":
			chain = append(chain, policy.ApprovalRequired{Tools: p.Tools})
		}
	}
	return chain
}

// CompactionStrategy materializes the declared compaction strategy, or nil
// when none is configured.
func (f *File) CompactionStrategy() compact.Strategy {
	switch f.Compaction.Strategy {
	case "keep_recent":
		return compact.KeepRecent{N: f.Compaction.Keep}
	case "keep_important":
		return compact.KeepImportant{}
	case "sliding_window":
		return compact.SlidingWindow{Head: f.Compaction.Head, Tail: f.Compaction.Tail}
	}
	return nil
}

// OrchestratorConfig maps the declared limits onto an orchestrator
// configuration. Fields the file leaves unset stay zero and pick up the
// orchestrator defaults.
func (f *File) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		Chain:              f.DefaultChain(),
		MaxIterations:      f.Limits.MaxIterations,
		TokenBudget:        f.Limits.TokenBudget,
		CompactionStrategy: f.CompactionStrategy(),
		CallTimeout:        f.Limits.CallTimeout.Std(),
		MaxTokens:          f.Limits.MaxTokens,
	}
}

func resolveCredential(v string) string {
	if name, ok := strings.CutPrefix(v, "env:"); ok {
		return os.Getenv(name)
	}
	return v
}
