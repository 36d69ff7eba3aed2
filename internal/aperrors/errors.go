// Package aperrors defines the stable error taxonomy shared by the MCP
// server, the builtin tools, and the agent runtime. Codes are part of the
// wire contract: clients branch on them, so they never change meaning.
package aperrors

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies a failure class carried across the protocol boundary.
type Code string

const (
	CodeToolNotFound       Code = "TOOL_NOT_FOUND"
	CodeValidationError    Code = "VALIDATION_ERROR"
	CodeToolExecutionError Code = "TOOL_EXECUTION_ERROR"
	CodeSQLError           Code = "SQL_ERROR"
	CodeSignatureError     Code = "SIGNATURE_ERROR"
	CodeRateLimitExceeded  Code = "RATE_LIMIT_EXCEEDED"
	CodeInputTooLarge      Code = "INPUT_TOO_LARGE"
	CodePromptNotFound     Code = "PROMPT_NOT_FOUND"
	CodeConfigFatal        Code = "CONFIG_FATAL"
)

// Error is a coded error. Message is safe to surface to callers; Details
// carries structured context for the error envelope.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	wrapped error
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a coded classification to an underlying error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, wrapped: err}
}

// WithDetail returns the error with a detail field set.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// CodeOf extracts the taxonomy code from err, walking the wrap chain.
// Unclassified errors map to TOOL_EXECUTION_ERROR.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeToolExecutionError
}

// Envelope is the JSON error shape returned by tools/call failures and
// persisted to the tool_errors audit table. Code carries the taxonomy
// class on its own field so clients branch on it rather than scanning
// the message text.
type Envelope struct {
	Error     string         `json:"error"`
	Code      Code           `json:"code,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Timestamp string         `json:"timestamp"`
	Request   map[string]any `json:"request,omitempty"`
}

// NewEnvelope builds an envelope for err attributed to the named tool.
// The message is prefixed with the taxonomy code so string-matching
// clients keep working.
func NewEnvelope(err error, tool string, request map[string]any) Envelope {
	env := Envelope{
		Error:     err.Error(),
		Code:      CodeOf(err),
		Tool:      tool,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Request:   request,
	}
	var coded *Error
	if errors.As(err, &coded) {
		env.Error = coded.Error()
		if len(coded.Details) > 0 {
			env.Details = coded.Details
		}
	}
	return env
}
