// Package delegate runs work that this service does not implement itself in an
// out-of-process worker and maps the worker's outcome onto typed results.
package delegate

import (
	"context"
	"encoding/json"
	"time"
)

// Result is the successful outcome of one delegated run.
type Result struct {
	// ID correlates the run across log lines.
	ID string
	// Payload is the worker's standard output, validated as JSON.
	Payload json.RawMessage
	// Stderr holds whatever the worker wrote to its error stream, even on success.
	Stderr string
	// Duration is the wall-clock time from spawn to exit.
	Duration time.Duration
}

// Delegate hands an input to an external worker and returns its structured output.
// Failures are always *Error values.
type Delegate interface {
	Run(ctx context.Context, input string) (Result, error)
}

// BusyPolicy decides what happens to a run when the concurrency cap is reached.
type BusyPolicy string

const (
	// PolicyQueue waits for a free slot for as long as the caller's context allows.
	PolicyQueue BusyPolicy = "queue"
	// PolicyReject fails immediately with ErrBusy.
	PolicyReject BusyPolicy = "reject"
)

// InputMode selects how the input string reaches the worker.
type InputMode string

const (
	// InputArg appends the input as the last command-line argument.
	InputArg InputMode = "arg"
	// InputStdin writes the input to the worker's standard input.
	InputStdin InputMode = "stdin"
)
