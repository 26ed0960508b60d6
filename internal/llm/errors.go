package llm

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMalformedContent matches codec decode failures.
	ErrMalformedContent = errors.New("malformed content")

	// ErrToolNotSupported matches dispatches to an unknown tool name.
	ErrToolNotSupported = errors.New("tool not supported")

	// ErrToolExecutionFailed matches tools that ran but produced no result.
	ErrToolExecutionFailed = errors.New("tool execution failed")

	// ErrTransport matches network and HTTP failures talking to the model.
	ErrTransport = errors.New("transport error")

	// ErrTurnLimitExceeded matches runs that hit the turn ceiling.
	ErrTurnLimitExceeded = errors.New("turn limit exceeded")
)

// MalformedContentError reports a wire object the codec could not accept.
type MalformedContentError struct {
	Field  string
	Reason string
}

func malformed(field, reason string) *MalformedContentError {
	return &MalformedContentError{Field: field, Reason: reason}
}

func (e *MalformedContentError) Error() string {
	if e.Field == "" {
		return "malformed content: " + e.Reason
	}
	return fmt.Sprintf("malformed content: %s: %s", e.Field, e.Reason)
}

func (e *MalformedContentError) Is(target error) bool { return target == ErrMalformedContent }

// ToolNotSupportedError is returned when no provider advertises Name.
type ToolNotSupportedError struct {
	Name string
}

func (e *ToolNotSupportedError) Error() string {
	return fmt.Sprintf("tool not supported: %s", e.Name)
}

func (e *ToolNotSupportedError) Is(target error) bool { return target == ErrToolNotSupported }

// ToolExecutionFailedError is returned when a tool cannot produce a result.
type ToolExecutionFailedError struct {
	Name   string
	Reason string
	Err    error
}

// ToolFailed builds a ToolExecutionFailedError for the named tool.
func ToolFailed(name, reason string) *ToolExecutionFailedError {
	return &ToolExecutionFailedError{Name: name, Reason: reason}
}

func (e *ToolExecutionFailedError) Error() string {
	msg := fmt.Sprintf("tool %s failed: %s", e.Name, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ToolExecutionFailedError) Is(target error) bool { return target == ErrToolExecutionFailed }

func (e *ToolExecutionFailedError) Unwrap() error { return e.Err }

// TransportError surfaces model API failures with HTTP metadata. StatusCode
// is zero when the request never got a response.
type TransportError struct {
	StatusCode int
	Type       string
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("transport error: %v", e.Err)
	case e.Type != "":
		return fmt.Sprintf("transport error (%d, %s): %s", e.StatusCode, e.Type, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("transport error (%d): %s: %v", e.StatusCode, e.Message, e.Err)
	default:
		return fmt.Sprintf("transport error (%d): %s", e.StatusCode, e.Message)
	}
}

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether resending the same conversation may succeed.
func (e *TransportError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusConflict,
		e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	}
	return false
}

// TurnLimitExceededError is returned when the model keeps requesting tools
// past the configured ceiling.
type TurnLimitExceededError struct {
	Limit int
}

func (e *TurnLimitExceededError) Error() string {
	return fmt.Sprintf("turn limit exceeded: model still requested tools after %d turns", e.Limit)
}

func (e *TurnLimitExceededError) Is(target error) bool { return target == ErrTurnLimitExceeded }

// Kind names the taxonomy entry of err, or "" when err is not one of ours.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedContent):
		return "malformed_content"
	case errors.Is(err, ErrToolNotSupported):
		return "tool_not_supported"
	case errors.Is(err, ErrToolExecutionFailed):
		return "tool_execution_failed"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	case errors.Is(err, ErrTurnLimitExceeded):
		return "turn_limit_exceeded"
	}
	return ""
}
