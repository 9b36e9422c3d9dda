package depmcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrConnectionClosed indicates the subprocess exited or its pipe reached EOF.
// The process supervisor watches for it to decide whether a restart is worth
// attempting, so transports must return it instead of a generic parse error.
var ErrConnectionClosed = errors.New("connection closed")

// ErrMaxRestartsExceeded is returned once a managed server has used up its
// restart budget. The server stays down until an operator resets the counter.
var ErrMaxRestartsExceeded = errors.New("max restart attempts exceeded")

// ErrOperationTimeout is matched by TimeoutError. A timed-out call has an
// unknown outcome: the remote side may still have executed it.
var ErrOperationTimeout = errors.New("operation timed out")

// ProtocolError represents a malformed envelope, a missing result/error pair,
// or a handshake mismatch. It is fatal to the current connection and is never
// retried by the framing layer itself.
type ProtocolError struct {
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %s", e.Message, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a ProtocolError with an optional cause.
func NewProtocolError(message string, err error) *ProtocolError {
	return &ProtocolError{Message: message, Err: err}
}

// ToolError reports a failure from the remote tool itself, carried in the
// envelope's error field. It is data, not a transport fault: the protocol
// layer never retries it on its own.
type ToolError struct {
	Tool    string
	Code    int
	Message string
}

func (e *ToolError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("tool %q failed: %s", e.Tool, e.Message)
	}
	return fmt.Sprintf("tool call failed: %s", e.Message)
}

// TimeoutError is returned when a wrapped operation outlives its deadline.
// The underlying operation is abandoned, not cancelled.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %q timed out after %s", e.Operation, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrOperationTimeout
}

// IsRetryableError reports whether an error is worth retrying. Connection
// loss and timeouts are transient; protocol violations and tool-reported
// failures are not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrOperationTimeout) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return false
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrMaxRestartsExceeded) {
		return false
	}

	// String-based fallback for untyped errors from spawned processes.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"broken pipe",
		"connection reset",
		"connection refused",
		"eof",
		"temporary failure",
		"resource temporarily unavailable",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}
