// Package policy decides whether a requested tool call may run. An Engine
// evaluates an ordered chain of independent policies; every evaluation,
// whatever its outcome, lands in an immutable audit log.
package policy

import (
	"time"

	"github.com/hupe1980/agentcore/logging"
)

// Verdict is one policy's answer for a tool call.
type Verdict string

const (
	// Allow permits execution.
	Allow Verdict = "ALLOW"
	// Deny refuses execution.
	Deny Verdict = "DENY"
	// RequireApproval defers execution to out-of-band human approval.
	RequireApproval Verdict = "REQUIRE_APPROVAL"
	// Abstain expresses no opinion; the chain continues.
	Abstain Verdict = "ABSTAIN"
)

// Request describes one tool call under evaluation.
type Request struct {
	Tool      string
	Arguments map[string]interface{}
	SessionID string
	TurnID    string
}

// Decision is the engine's combined answer, carrying the policy that produced
// it for audit purposes.
type Decision struct {
	Verdict Verdict
	Policy  string // name of the deciding policy ("" for the default verdict)
	Reason  string
}

// Policy is one independent rule in the chain.
type Policy interface {
	Name() string
	Evaluate(req Request) Decision
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	// Default is the verdict when every policy abstains. Allow by default.
	Default Verdict
	Logger  logging.Logger
	// Audit receives one entry per evaluation. Defaults to an in-memory log.
	Audit *AuditLog
	// Now is the audit clock, injectable for tests.
	Now func() time.Time
}

// Engine evaluates an ordered policy chain. Combination rules: any Deny wins
// over everything, a RequireApproval wins over Allow, all-Abstain falls back
// to the configured default. Evaluation is idempotent for identical inputs
// as long as no time-dependent policy (rate limit, time window) has moved.
type Engine struct {
	policies []Policy
	opts     EngineOptions
}

// NewEngine builds an engine over the given chain.
func NewEngine(policies []Policy, optFns ...func(o *EngineOptions)) *Engine {
	opts := EngineOptions{
		Default: Allow,
		Logger:  logging.NoOpLogger{},
		Audit:   NewAuditLog(0),
		Now:     time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{policies: policies, opts: opts}
}

// Audit returns the engine's audit log.
func (e *Engine) Audit() *AuditLog { return e.opts.Audit }

// Evaluate runs the chain for one tool call and records the outcome.
func (e *Engine) Evaluate(req Request) Decision {
	final := Decision{Verdict: e.opts.Default}
	var approval *Decision

	for _, p := range e.policies {
		d := p.Evaluate(req)
		if d.Policy == "" {
			d.Policy = p.Name()
		}
		switch d.Verdict {
		case Deny:
			final = d
			e.record(req, final)
			return final
		case RequireApproval:
			if approval == nil {
				cp := d
				approval = &cp
			}
		case Allow:
			if approval == nil && final.Policy == "" {
				final = d
			}
		}
	}

	if approval != nil {
		final = *approval
	}
	e.record(req, final)
	return final
}

func (e *Engine) record(req Request, d Decision) {
	e.opts.Audit.append(Entry{
		Timestamp:  e.opts.Now().UTC(),
		Tool:       req.Tool,
		ArgsDigest: digest(req.Arguments),
		SessionID:  req.SessionID,
		TurnID:     req.TurnID,
		Verdict:    d.Verdict,
		Policy:     d.Policy,
		Reason:     d.Reason,
	})
	if d.Verdict == Deny {
		e.opts.Logger.Info("policy.denied", "tool", req.Tool, "policy", d.Policy, "reason", d.Reason)
	} else {
		e.opts.Logger.Debug("policy.evaluated", "tool", req.Tool, "verdict", string(d.Verdict), "policy", d.Policy)
	}
}
