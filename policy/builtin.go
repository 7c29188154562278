package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentcore/internal/util"
)

// Whitelist allows only the named tools and denies everything else.
type Whitelist struct {
	Tools []string
}

// Name implements Policy.
func (Whitelist) Name() string { return "whitelist" }

// Evaluate implements Policy.
func (p Whitelist) Evaluate(req Request) Decision {
	for _, t := range p.Tools {
		if t == req.Tool || t == "*" {
			return Decision{Verdict: Allow}
		}
	}
	return Decision{Verdict: Deny, Reason: fmt.Sprintf("tool %q not in whitelist", req.Tool)}
}

// Blacklist denies the named tools and abstains on everything else.
type Blacklist struct {
	Tools []string
}

// Name implements Policy.
func (Blacklist) Name() string { return "blacklist" }

// Evaluate implements Policy.
func (p Blacklist) Evaluate(req Request) Decision {
	for _, t := range p.Tools {
		if t == req.Tool {
			return Decision{Verdict: Deny, Reason: fmt.Sprintf("tool %q is blacklisted", req.Tool)}
		}
	}
	return Decision{Verdict: Abstain}
}

// ApprovalRequired marks the named tools as always requiring human approval.
type ApprovalRequired struct {
	Tools []string
}

// Name implements Policy.
func (ApprovalRequired) Name() string { return "approval_required" }

// Evaluate implements Policy.
func (p ApprovalRequired) Evaluate(req Request) Decision {
	for _, t := range p.Tools {
		if t == req.Tool {
			return Decision{Verdict: RequireApproval, Reason: fmt.Sprintf("tool %q requires approval", req.Tool)}
		}
	}
	return Decision{Verdict: Abstain}
}

// RateLimit denies calls beyond Max within a sliding Window, counted per tool
// or globally when PerTool is false. The counters are process-wide shared
// state; a single RateLimit value must be reused across engines that should
// share a budget.
type RateLimit struct {
	Max     int
	Window  time.Duration
	PerTool bool

	// Now is the clock, injectable for tests.
	Now func() time.Time

	mu    sync.Mutex
	calls map[string][]time.Time
}

// NewRateLimit builds a sliding-window rate limit.
func NewRateLimit(max int, window time.Duration, perTool bool) *RateLimit {
	return &RateLimit{Max: max, Window: window, PerTool: perTool, Now: time.Now}
}

// Name implements Policy.
func (*RateLimit) Name() string { return "rate_limit" }

// Evaluate implements Policy. An allowed call is counted against the window;
// a denied one is not, so capacity frees up as the window slides.
func (p *RateLimit) Evaluate(req Request) Decision {
	key := "global"
	if p.PerTool {
		key = req.Tool
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = map[string][]time.Time{}
	}
	now := p.Now()
	cutoff := now.Add(-p.Window)

	recent := p.calls[key][:0]
	for _, t := range p.calls[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	p.calls[key] = recent

	if len(recent) >= p.Max {
		return Decision{Verdict: Deny, Reason: fmt.Sprintf("rate limit exceeded: %d calls in %s", p.Max, p.Window)}
	}
	p.calls[key] = append(recent, now)
	return Decision{Verdict: Abstain}
}

// TimeWindow denies tool calls outside the configured hours and weekdays.
// Hours are half-open [StartHour, EndHour) in the configured location; an
// empty Days slice means every day.
type TimeWindow struct {
	StartHour int
	EndHour   int
	Days      []time.Weekday
	Location  *time.Location

	// Now is the clock, injectable for tests.
	Now func() time.Time
}

// Name implements Policy.
func (TimeWindow) Name() string { return "time_window" }

// Evaluate implements Policy.
func (p TimeWindow) Evaluate(req Request) Decision {
	nowFn := p.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	now := nowFn().In(loc)

	if len(p.Days) > 0 {
		ok := false
		for _, d := range p.Days {
			if d == now.Weekday() {
				ok = true
				break
			}
		}
		if !ok {
			return Decision{Verdict: Deny, Reason: fmt.Sprintf("tool calls not permitted on %s", now.Weekday())}
		}
	}

	h := now.Hour()
	if h < p.StartHour || h >= p.EndHour {
		return Decision{Verdict: Deny, Reason: fmt.Sprintf("tool calls only permitted between %02d:00 and %02d:00", p.StartHour, p.EndHour)}
	}
	return Decision{Verdict: Abstain}
}

// ArgumentValidation runs a predicate over the call arguments. A non-nil
// error denies the call with the error text as reason. An empty Tools slice
// applies the predicate to every tool.
type ArgumentValidation struct {
	Tools     []string
	Validate  func(tool string, args map[string]interface{}) error
	PolicyTag string // optional name override for audit entries
}

// Name implements Policy.
func (p ArgumentValidation) Name() string {
	if p.PolicyTag != "" {
		return p.PolicyTag
	}
	return "argument_validation"
}

// SchemaValidation builds an ArgumentValidation that checks a tool's
// arguments against a JSON-schema subset (required fields, property types).
func SchemaValidation(toolName string, schema map[string]interface{}) ArgumentValidation {
	return ArgumentValidation{
		Tools: []string{toolName},
		Validate: func(_ string, args map[string]interface{}) error {
			return util.ValidateParameters(args, schema)
		},
		PolicyTag: "schema_validation",
	}
}

// Evaluate implements Policy.
func (p ArgumentValidation) Evaluate(req Request) Decision {
	if len(p.Tools) > 0 {
		match := false
		for _, t := range p.Tools {
			if t == req.Tool {
				match = true
				break
			}
		}
		if !match {
			return Decision{Verdict: Abstain}
		}
	}
	if p.Validate == nil {
		return Decision{Verdict: Abstain}
	}
	if err := p.Validate(req.Tool, req.Arguments); err != nil {
		return Decision{Verdict: Deny, Reason: err.Error()}
	}
	return Decision{Verdict: Abstain}
}
