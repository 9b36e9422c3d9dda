package depmcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocolErrorWrapping(t *testing.T) {
	cause := errors.New("unexpected token")
	err := NewProtocolError("decoding message", cause)

	assert.Contains(t, err.Error(), "protocol error")
	assert.Contains(t, err.Error(), "decoding message")
	assert.ErrorIs(t, err, cause)

	var protoErr *ProtocolError
	wrapped := fmt.Errorf("reading line: %w", err)
	require.True(t, errors.As(wrapped, &protoErr))
	assert.Equal(t, "decoding message", protoErr.Message)
}

func TestToolErrorMessage(t *testing.T) {
	err := &ToolError{Tool: "browser_navigate", Code: -32000, Message: "page crashed"}
	assert.Contains(t, err.Error(), "browser_navigate")
	assert.Contains(t, err.Error(), "page crashed")

	anonymous := &ToolError{Message: "nope"}
	assert.Contains(t, anonymous.Error(), "tool call failed")
}

func TestTimeoutErrorMatchesSentinel(t *testing.T) {
	err := &TimeoutError{Operation: "browser.navigate", Timeout: 5 * time.Second}
	assert.ErrorIs(t, err, ErrOperationTimeout)
	assert.Contains(t, err.Error(), "browser.navigate")
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))

	// Transient transport conditions.
	assert.True(t, IsRetryableError(ErrConnectionClosed))
	assert.True(t, IsRetryableError(fmt.Errorf("send: %w", ErrConnectionClosed)))
	assert.True(t, IsRetryableError(&TimeoutError{Operation: "x"}))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(errors.New("write: broken pipe")))

	// Deterministic failures.
	assert.False(t, IsRetryableError(&ProtocolError{Message: "bad envelope"}))
	assert.False(t, IsRetryableError(&ToolError{Message: "tool failed"}))
	assert.False(t, IsRetryableError(ErrCircuitOpen))
	assert.False(t, IsRetryableError(ErrMaxRestartsExceeded))
	assert.False(t, IsRetryableError(errors.New("no such element")))
}
