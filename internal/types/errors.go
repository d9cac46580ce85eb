package types

import (
	"errors"
	"fmt"
)

// ErrorCode classifies pipeline failures. Codes are stable surface names
// used in persisted error fields and API responses.
type ErrorCode string

const (
	CodeDiffMalformed    ErrorCode = "DIFF_MALFORMED"
	CodeSCMError         ErrorCode = "SCM_ERROR"
	CodeSCMTimeout       ErrorCode = "SCM_TIMEOUT"
	CodeLLMTransient     ErrorCode = "LLM_TRANSIENT"
	CodeLLMSchemaInvalid ErrorCode = "LLM_SCHEMA_INVALID"
	CodeLLMTimeout       ErrorCode = "LLM_TIMEOUT"
	CodePipelineTimeout  ErrorCode = "PIPELINE_TIMEOUT"
	CodeStateIllegal     ErrorCode = "STATE_ILLEGAL"
)

// PipelineError attaches a stable code to an underlying cause.
type PipelineError struct {
	Code ErrorCode
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError wraps err with a classification code.
func NewPipelineError(code ErrorCode, err error) error {
	return &PipelineError{Code: code, Err: err}
}

// Errorf builds a coded error from a format string.
func Errorf(code ErrorCode, format string, args ...any) error {
	return &PipelineError{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the classification code from err, or "" when uncoded.
func CodeOf(err error) ErrorCode {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// RetryableError represents an error that indicates the operation can be retried.
// This is typically used for transient errors like network timeouts, rate limits, or temporary server unavailability.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps an existing error as a RetryableError.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is marked retryable anywhere in its chain.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
