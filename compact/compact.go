// Package compact keeps a conversation history within a token budget. All
// strategies share the same hard invariants: system messages are never
// dropped, the most recent user message is never dropped, and a tool-call
// message is never separated from its paired tool-result message (the two are
// pruned atomically as one unit).
package compact

import (
	"sort"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/model"
)

// Strategy selects which prunable units are dropped when the history exceeds
// its budget.
type Strategy interface {
	// Name identifies the strategy in compaction events.
	Name() string
	// plan returns the unit indices to drop, given prunable units ordered
	// oldest first. Units not listed are kept.
	plan(units []unit, est model.TokenEstimator, budget, pinnedTokens int) []int
}

// unit is the atomic pruning granularity: one message, or a tool-call message
// together with its paired tool-result message.
type unit struct {
	indices []int // positions in the original history, ascending
	tokens  int
	pinned  bool // system message or most recent user message
	score   float64
}

// Compact prunes history to fit the token budget using the given strategy and
// estimator. It returns the pruned history plus statistics for the compaction
// event. When the history already fits, it is returned unchanged with a nil
// stats pointer.
func Compact(history []core.Message, budget int, est model.TokenEstimator, strategy Strategy) ([]core.Message, *core.CompactionStats) {
	original := est.Estimate(history)
	if budget <= 0 || original <= budget {
		return history, nil
	}

	units := buildUnits(history, est)

	pinnedTokens := 0
	var prunable []unit
	for _, u := range units {
		if u.pinned {
			pinnedTokens += u.tokens
		} else {
			prunable = append(prunable, u)
		}
	}

	dropSet := map[int]bool{}
	for _, ui := range strategy.plan(prunable, est, budget, pinnedTokens) {
		for _, mi := range prunable[ui].indices {
			dropSet[mi] = true
		}
	}
	if len(dropSet) == 0 {
		return history, nil
	}

	pruned := make([]core.Message, 0, len(history)-len(dropSet))
	for i, msg := range history {
		if !dropSet[i] {
			pruned = append(pruned, msg)
		}
	}

	return pruned, &core.CompactionStats{
		Strategy:        strategy.Name(),
		OriginalTokens:  original,
		CompactedTokens: est.Estimate(pruned),
		DroppedMessages: len(dropSet),
	}
}

// buildUnits groups the history into pruning units, pairing each tool-call
// message with the message holding its tool results and pinning system
// messages plus the most recent user message.
func buildUnits(history []core.Message, est model.TokenEstimator) []unit {
	lastUser := core.LastUserIndex(history)

	// Map tool-result message index -> the call message index it answers.
	callFor := map[int]int{}
	callIndexByID := map[string]int{}
	for i, m := range history {
		for _, fc := range m.FunctionCalls() {
			callIndexByID[fc.ID] = i
		}
		for _, fr := range m.FunctionResponses() {
			if ci, ok := callIndexByID[fr.ID]; ok {
				callFor[i] = ci
			}
		}
	}

	var units []unit
	merged := map[int]bool{}
	for i, m := range history {
		if merged[i] {
			continue
		}
		u := unit{indices: []int{i}}
		if ci, ok := callFor[i]; ok && ci != i {
			// Result message: merge into its call's unit. Order of iteration
			// guarantees the call was seen first only when ci < i; otherwise
			// treat independently (malformed history).
			if ci < i {
				for j := range units {
					if contains(units[j].indices, ci) {
						units[j].indices = append(units[j].indices, i)
						merged[i] = true
						break
					}
				}
				if merged[i] {
					continue
				}
			}
		}
		u.pinned = m.Role == core.RoleSystem || i == lastUser
		u.score = importance(m)
		units = append(units, u)
	}

	for j := range units {
		var msgs []core.Message
		pinned := units[j].pinned
		score := units[j].score
		for _, mi := range units[j].indices {
			msgs = append(msgs, history[mi])
			if history[mi].Role == core.RoleSystem || mi == lastUser {
				pinned = true
			}
			if s := importance(history[mi]); s > score {
				score = s
			}
		}
		units[j].tokens = est.Estimate(msgs)
		units[j].pinned = pinned
		units[j].score = score
	}
	return units
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// importance assigns the derived score used by KeepImportant: system 1.0,
// assistant with tool call 0.9, assistant text 0.7, user 0.6, tool result 0.4.
func importance(m core.Message) float64 {
	switch m.Role {
	case core.RoleSystem:
		return 1.0
	case core.RoleAssistant:
		if m.HasFunctionCalls() {
			return 0.9
		}
		return 0.7
	case core.RoleUser:
		return 0.6
	case core.RoleTool:
		return 0.4
	}
	return 0.5
}

// KeepRecent retains the leading system message(s) plus the last n prunable
// units; everything older is dropped.
type KeepRecent struct{ N int }

// Name implements Strategy.
func (s KeepRecent) Name() string { return "keep_recent" }

func (s KeepRecent) plan(units []unit, _ model.TokenEstimator, _, _ int) []int {
	n := s.N
	if n < 0 {
		n = 0
	}
	if len(units) <= n {
		return nil
	}
	drop := make([]int, 0, len(units)-n)
	for i := 0; i < len(units)-n; i++ {
		drop = append(drop, i)
	}
	return drop
}

// KeepImportant drops the lowest-scored units first until the history fits
// the budget. Ties are broken oldest first.
type KeepImportant struct{}

// Name implements Strategy.
func (KeepImportant) Name() string { return "keep_important" }

func (KeepImportant) plan(units []unit, _ model.TokenEstimator, budget, pinnedTokens int) []int {
	total := pinnedTokens
	for _, u := range units {
		total += u.tokens
	}

	order := make([]int, len(units))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if units[order[a]].score != units[order[b]].score {
			return units[order[a]].score < units[order[b]].score
		}
		return order[a] < order[b]
	})

	var drop []int
	for _, i := range order {
		if total <= budget {
			break
		}
		drop = append(drop, i)
		total -= units[i].tokens
	}
	return drop
}

// SlidingWindow retains the first Head and last Tail prunable units.
type SlidingWindow struct{ Head, Tail int }

// Name implements Strategy.
func (SlidingWindow) Name() string { return "sliding_window" }

func (s SlidingWindow) plan(units []unit, _ model.TokenEstimator, _, _ int) []int {
	head, tail := s.Head, s.Tail
	if head < 0 {
		head = 0
	}
	if tail < 0 {
		tail = 0
	}
	if len(units) <= head+tail {
		return nil
	}
	var drop []int
	for i := head; i < len(units)-tail; i++ {
		drop = append(drop, i)
	}
	return drop
}
