package types

import (
	"context"
	"errors"
	"fmt"
	"syscall"
)

// ErrorCode represents a unified error code across the research pipeline.
type ErrorCode string

// Pipeline error codes
const (
	ErrFetch                ErrorCode = "FETCH_ERROR"
	ErrUnsupportedFormat    ErrorCode = "UNSUPPORTED_FORMAT"
	ErrUnknownAction        ErrorCode = "UNKNOWN_ACTION"
	ErrInvalidArgument      ErrorCode = "INVALID_ARGUMENT"
	ErrParse                ErrorCode = "PARSE_ERROR"
	ErrBudgetExhausted      ErrorCode = "BUDGET_EXHAUSTED"
	ErrDelegationIncomplete ErrorCode = "DELEGATION_INCOMPLETE"
	ErrArchiveNotFound      ErrorCode = "ARCHIVE_NOT_FOUND"
	ErrResourceExhaustion   ErrorCode = "RESOURCE_EXHAUSTED"
	ErrToolExecution        ErrorCode = "TOOL_EXECUTION"
)

// ErrResourceExhausted is returned (or wrapped) by capabilities that ran out of
// a hard resource such as disk space. It always aborts the run.
var ErrResourceExhausted = &Error{Code: ErrResourceExhaustion, Message: "resource exhausted"}

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Retryable bool      `json:"retryable"`
	// Partial carries the best available answer for BUDGET_EXHAUSTED and
	// DELEGATION_INCOMPLETE errors.
	Partial string `json:"partial,omitempty"`
	Cause   error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Param != "" {
		msg = fmt.Sprintf("%s (parameter %q)", msg, e.Param)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so sentinels such as
// ErrResourceExhausted work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// NewFetchError reports a network or timeout failure while loading address.
func NewFetchError(address string, cause error) *Error {
	return &Error{
		Code:      ErrFetch,
		Message:   fmt.Sprintf("failed to fetch %s", address),
		Retryable: true,
		Cause:     cause,
	}
}

// NewUnsupportedFormatError reports that no extractor matched. signals lists
// what classification tried, e.g. `ext=".xyz" mime="" sniffed="..."`.
func NewUnsupportedFormatError(source, signals string) *Error {
	return &Error{
		Code:    ErrUnsupportedFormat,
		Message: fmt.Sprintf("unsupported format for %s: %s", source, signals),
	}
}

// NewUnknownActionError reports an action name absent from the registry.
func NewUnknownActionError(name string, available []string) *Error {
	return &Error{
		Code:    ErrUnknownAction,
		Message: fmt.Sprintf("unknown action %q, available actions: %v", name, available),
	}
}

// NewInvalidArgumentError reports a schema violation on param.
func NewInvalidArgumentError(param, reason string) *Error {
	return &Error{
		Code:    ErrInvalidArgument,
		Message: reason,
		Param:   param,
	}
}

// NewParseError reports model output that could not be turned into an action.
func NewParseError(reason string, cause error) *Error {
	return &Error{Code: ErrParse, Message: reason, Cause: cause}
}

// NewBudgetExhaustedError reports a loop that used every step without a final answer.
func NewBudgetExhaustedError(steps int, partial string) *Error {
	return &Error{
		Code:    ErrBudgetExhausted,
		Message: fmt.Sprintf("step budget of %d exhausted without a final answer", steps),
		Partial: partial,
	}
}

// NewDelegationIncompleteError reports a managed agent that ran out of steps.
func NewDelegationIncompleteError(agent string, partial string, cause error) *Error {
	return &Error{
		Code:    ErrDelegationIncomplete,
		Message: fmt.Sprintf("managed agent %q did not finish", agent),
		Partial: partial,
		Cause:   cause,
	}
}

// NewArchiveNotFoundError reports that no snapshot of url exists at or before date.
func NewArchiveNotFoundError(url, date string) *Error {
	return &Error{
		Code:    ErrArchiveNotFound,
		Message: fmt.Sprintf("no archived snapshot of %s exists at or before %s", url, date),
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether any *Error in err's chain carries code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsFatal reports whether err must abort the whole run instead of being fed
// back to the model as an observation. Context errors only count when ctx, the
// run-level context, is itself done; a tool's own timeout is an observation.
func IsFatal(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	return errors.Is(err, ErrResourceExhausted) || errors.Is(err, syscall.ENOSPC)
}
