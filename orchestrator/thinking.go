package orchestrator

import "strings"

// ThinkingMode controls what happens to reasoning segments the model emits
// inside delimited thinking markup.
type ThinkingMode int

const (
	// ThinkingEmit streams reasoning as separate thinking events and keeps
	// it out of the visible answer. Default.
	ThinkingEmit ThinkingMode = iota
	// ThinkingMerge keeps reasoning inline in the visible answer.
	ThinkingMerge
	// ThinkingDiscard drops reasoning entirely.
	ThinkingDiscard
)

const (
	thinkingStartTag = "<thinking>"
	thinkingEndTag   = "</thinking>"
)

// thinkingFilter splits a stream of text deltas into visible text and
// thinking text, handling tags that arrive split across delta boundaries by
// buffering potential tag prefixes.
type thinkingFilter struct {
	inThinking bool
	pending    string
}

// feed consumes one delta and returns the visible and thinking portions that
// can be released so far.
func (f *thinkingFilter) feed(delta string) (visible, thinking string) {
	f.pending += delta
	var vis, thk strings.Builder

	for {
		if f.inThinking {
			if idx := strings.Index(f.pending, thinkingEndTag); idx >= 0 {
				thk.WriteString(f.pending[:idx])
				f.pending = f.pending[idx+len(thinkingEndTag):]
				f.inThinking = false
				continue
			}
			keep := tagSuffixLen(f.pending, thinkingEndTag)
			thk.WriteString(f.pending[:len(f.pending)-keep])
			f.pending = f.pending[len(f.pending)-keep:]
			return vis.String(), thk.String()
		}
		if idx := strings.Index(f.pending, thinkingStartTag); idx >= 0 {
			vis.WriteString(f.pending[:idx])
			f.pending = f.pending[idx+len(thinkingStartTag):]
			f.inThinking = true
			continue
		}
		keep := tagSuffixLen(f.pending, thinkingStartTag)
		vis.WriteString(f.pending[:len(f.pending)-keep])
		f.pending = f.pending[len(f.pending)-keep:]
		return vis.String(), thk.String()
	}
}

// flush releases whatever is still buffered at end of stream. An unclosed
// thinking block counts as thinking.
func (f *thinkingFilter) flush() (visible, thinking string) {
	out := f.pending
	f.pending = ""
	if f.inThinking {
		return "", out
	}
	return out, ""
}

// tagSuffixLen returns the length of the longest strict prefix of tag that is
// a suffix of s, so partial tags at a delta boundary are held back.
func tagSuffixLen(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
