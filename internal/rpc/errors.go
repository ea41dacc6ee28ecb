// ABOUTME: Wire error type and the error taxonomy codes used on every link.
// ABOUTME: FromError normalizes arbitrary Go errors into a wire error.

package rpc

import (
	"errors"
	"fmt"
)

// Wire error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeNotFound       = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeExecution      = -32000
	CodeConfiguration  = -32001
)

// Error is the {"code", "message"} object carried in error responses.
// It also implements error so it can travel through Go call chains.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown tool, method, or record.
func NotFound(format string, args ...any) *Error {
	return Errorf(CodeNotFound, format, args...)
}

// Execution reports a tool that ran and failed.
func Execution(format string, args ...any) *Error {
	return Errorf(CodeExecution, format, args...)
}

// Configuration reports a malformed descriptor or spec.
func Configuration(format string, args ...any) *Error {
	return Errorf(CodeConfiguration, format, args...)
}

// FromError returns err as a wire error. An *Error anywhere in the chain is
// returned as-is; anything else becomes an execution error with err's text.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr
	}
	return &Error{Code: CodeExecution, Message: err.Error()}
}

// IsCode reports whether err carries the given wire code.
func IsCode(err error, code int) bool {
	var rerr *Error
	return errors.As(err, &rerr) && rerr.Code == code
}
