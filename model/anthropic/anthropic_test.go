package anthropic

import (
	"errors"
	"fmt"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agentcore/core"
)

func TestClassifyMapsSDKStatusCodes(t *testing.T) {
	tests := []struct {
		status int
		kind   core.ErrorKind
	}{
		{401, core.ErrKindAuth},
		{403, core.ErrKindAuth},
		{404, core.ErrKindFatalModel},
		{429, core.ErrKindRateLimit},
		{529, core.ErrKindRateLimit},
		{500, core.ErrKindTransient},
	}
	for _, tt := range tests {
		err := classify(&sdk.Error{StatusCode: tt.status})
		assert.Equal(t, tt.kind, core.Classify(err), "status %d", tt.status)
	}
}

func TestClassifyWrapsUntypedErrors(t *testing.T) {
	cause := errors.New("connection reset")
	err := classify(fmt.Errorf("transport: %w", cause))

	var oe *core.Error
	assert.False(t, errors.As(err, &oe), "untyped errors keep the message heuristics")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, core.ErrKindTransient, core.Classify(err))
}
