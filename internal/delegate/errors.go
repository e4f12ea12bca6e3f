package delegate

import (
	"errors"
	"fmt"
)

// Code is a stable, client-visible identifier for a delegate failure.
type Code string

const (
	CodeUnavailable     Code = "delegate_unavailable"
	CodeExecutionFailed Code = "delegate_execution_failed"
	CodeOutputMalformed Code = "delegate_output_malformed"
	CodeTimeout         Code = "delegate_timeout"
	CodeBusy            Code = "delegate_busy"
	CodeCanceled        Code = "delegate_canceled"
)

var (
	// ErrUnavailable means the process could not be started at all.
	ErrUnavailable = errors.New("delegate unavailable")
	// ErrExecutionFailed means the process ran and exited non-zero.
	ErrExecutionFailed = errors.New("delegate execution failed")
	// ErrOutputMalformed means the process exited zero but its output was not JSON.
	ErrOutputMalformed = errors.New("delegate output malformed")
	// ErrTimeout means the process outlived its wall-clock budget and was killed.
	ErrTimeout = errors.New("delegate timed out")
	// ErrBusy means the concurrency cap was reached and the reject policy is active.
	ErrBusy = errors.New("delegate busy")
	// ErrCanceled means the caller went away before the process finished.
	ErrCanceled = errors.New("delegate canceled")
)

var codeSentinels = map[Code]error{
	CodeUnavailable:     ErrUnavailable,
	CodeExecutionFailed: ErrExecutionFailed,
	CodeOutputMalformed: ErrOutputMalformed,
	CodeTimeout:         ErrTimeout,
	CodeBusy:            ErrBusy,
	CodeCanceled:        ErrCanceled,
}

// Error carries the failure kind of a delegate run plus diagnostic detail.
// Detail is meant for logs; it may contain process stderr.
type Error struct {
	Code     Code
	Detail   string
	ExitCode int
	Err      error
}

func newError(code Code, detail string, exitCode int, cause error) *Error {
	return &Error{Code: code, Detail: detail, ExitCode: exitCode, Err: cause}
}

func (e *Error) Error() string {
	msg := codeSentinels[e.Code].Error()
	if e.Code == CodeExecutionFailed {
		msg = fmt.Sprintf("%s (exit code %d)", msg, e.ExitCode)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Is lets errors.Is match the sentinel that corresponds to the code.
func (e *Error) Is(target error) bool {
	return codeSentinels[e.Code] == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether resubmitting the same input may succeed.
// Spawn failures and malformed output are deterministic for a given
// deployment; a non-zero exit depends on the process and is treated as
// retryable, as are timeouts and saturation.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeExecutionFailed, CodeTimeout, CodeBusy:
		return true
	default:
		return false
	}
}

// CodeOf extracts the failure code from err, or "" if err is not a delegate error.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
