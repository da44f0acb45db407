// Package graph provides the core graph execution engine for LangGraph-Go.
package graph

import "errors"

// ErrMaxStepsExceeded indicates that the graph execution reached the maximum
// allowed step count without completing. This prevents infinite loops and
// runaway executions.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrBackpressure indicates that downstream processing cannot keep up with
// the current execution rate (output buffers full or rate limits exceeded).
var ErrBackpressure = errors.New("downstream backpressure exceeded threshold")

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate when MaxAttempts
// or the BaseDelay/MaxDelay pair is out of range.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")
