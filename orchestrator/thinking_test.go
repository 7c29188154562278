package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func feedAll(f *thinkingFilter, deltas ...string) (visible, thinking string) {
	for _, d := range deltas {
		v, th := f.feed(d)
		visible += v
		thinking += th
	}
	v, th := f.flush()
	return visible + v, thinking + th
}

func TestThinkingFilterPlainText(t *testing.T) {
	var f thinkingFilter
	v, th := feedAll(&f, "no markup ", "at all")
	assert.Equal(t, "no markup at all", v)
	assert.Empty(t, th)
}

func TestThinkingFilterSingleBlock(t *testing.T) {
	var f thinkingFilter
	v, th := feedAll(&f, "<thinking>reasoning</thinking>answer")
	assert.Equal(t, "answer", v)
	assert.Equal(t, "reasoning", th)
}

func TestThinkingFilterTagSplitAcrossDeltas(t *testing.T) {
	var f thinkingFilter
	v, th := feedAll(&f, "before<thi", "nking>inner</thin", "king>after")
	assert.Equal(t, "beforeafter", v)
	assert.Equal(t, "inner", th)
}

func TestThinkingFilterCharacterByCharacter(t *testing.T) {
	var f thinkingFilter
	input := "a<thinking>bc</thinking>d"
	var v, th string
	for _, r := range input {
		dv, dth := f.feed(string(r))
		v += dv
		th += dth
	}
	fv, fth := f.flush()
	assert.Equal(t, "ad", v+fv)
	assert.Equal(t, "bc", th+fth)
}

func TestThinkingFilterUnclosedBlockCountsAsThinking(t *testing.T) {
	var f thinkingFilter
	v, th := feedAll(&f, "visible<thinking>never closed")
	assert.Equal(t, "visible", v)
	assert.Equal(t, "never closed", th)
}

func TestThinkingFilterMultipleBlocks(t *testing.T) {
	var f thinkingFilter
	v, th := feedAll(&f, "<thinking>one</thinking>mid<thinking>two</thinking>end")
	assert.Equal(t, "midend", v)
	assert.Equal(t, "onetwo", th)
}

func TestThinkingFilterAngleBracketNotATag(t *testing.T) {
	var f thinkingFilter
	v, th := feedAll(&f, "a < b and <thing> stays")
	assert.Equal(t, "a < b and <thing> stays", v)
	assert.Empty(t, th)
}

func TestSplitThinking(t *testing.T) {
	v, th := splitThinking("<thinking>why</thinking>because")
	assert.Equal(t, "because", v)
	assert.Equal(t, "why", th)

	v, th = splitThinking("plain")
	assert.Equal(t, "plain", v)
	assert.Empty(t, th)
}

func TestConfigWithDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, 25, c.MaxIterations)
	assert.Equal(t, int64(4096), c.MaxTokens)
	assert.Equal(t, 100, c.EventBufferSize)
	assert.Nil(t, c.CompactionStrategy)

	c = Config{TokenBudget: 500}.withDefaults()
	assert.NotNil(t, c.CompactionStrategy)
	assert.Equal(t, "keep_recent", c.CompactionStrategy.Name())
}
