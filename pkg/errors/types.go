// Package errors defines the structured error taxonomy shared by the
// execution-session components. Every error carries a code so callers can
// route on failure class (retry, swallow, surface) without string matching.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies a failure.
type ErrorCode string

const (
	// ErrCodeUserInput marks a rejected submission: missing outcome or
	// actual-result summary. Surfaced synchronously, never written.
	ErrCodeUserInput ErrorCode = "USER_INPUT"

	// ErrCodeTransientNetwork marks a gateway or relay call that failed in a
	// way that may succeed on retry.
	ErrCodeTransientNetwork ErrorCode = "TRANSIENT_NETWORK"

	// ErrCodeAlreadyDeleted marks a write against a record the gateway no
	// longer has. Benign: swallow and log, do not retry.
	ErrCodeAlreadyDeleted ErrorCode = "ALREADY_DELETED"

	// ErrCodeStaleStream marks a live relay that stopped producing frames
	// without reporting a transport error. Recoverable via reconnect.
	ErrCodeStaleStream ErrorCode = "STALE_STREAM"

	// ErrCodeTerminalStream marks an exhausted reconnect budget. Surfaced to
	// the user; no further automatic retry.
	ErrCodeTerminalStream ErrorCode = "TERMINAL_STREAM"

	// ErrCodeGatewayProtocol marks an unexpected gateway response shape or
	// status. Not retryable.
	ErrCodeGatewayProtocol ErrorCode = "GATEWAY_PROTOCOL"

	// ErrCodeInternal is the catch-all for programming or state errors.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Error is the structured error type used across the module.
type Error struct {
	Code        ErrorCode
	Message     string
	Underlying  error
	Retryable   bool
	UserMessage string
	Context     map[string]any
}

// New creates a structured error.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: code == ErrCodeTransientNetwork,
	}
}

// Wrap wraps an existing error with a code and message. Returns nil when err
// is nil so call sites can wrap unconditionally.
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Retryable:  code == ErrCodeTransientNetwork,
	}
}

// WithContext attaches a key-value pair for logging.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable overrides the retryable flag derived from the code.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithUserMessage sets the human-facing message shown by the UI layer.
func (e *Error) WithUserMessage(message string) *Error {
	e.UserMessage = message
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))
	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}
	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}
	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// GetCode extracts the code from an error chain. Unknown errors report
// ErrCodeInternal; nil reports the empty code.
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether any error in the chain carries the given code.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsRetryable reports whether the error is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsUserInput reports a rejected-submission error.
func IsUserInput(err error) bool { return IsCode(err, ErrCodeUserInput) }

// IsAlreadyDeleted reports a benign vanished-record error.
func IsAlreadyDeleted(err error) bool { return IsCode(err, ErrCodeAlreadyDeleted) }

// IsStaleStream reports a recoverable no-frames error.
func IsStaleStream(err error) bool { return IsCode(err, ErrCodeStaleStream) }

// IsTerminalStream reports an exhausted reconnect budget.
func IsTerminalStream(err error) bool { return IsCode(err, ErrCodeTerminalStream) }
