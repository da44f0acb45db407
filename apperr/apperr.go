// Package apperr defines the error taxonomy shared across the task
// repository, the graph runtime, the executor, and the HTTP/CLI edges, so
// that every layer classifies and scrubs errors the same way.
package apperr

import "fmt"

// Kind names one entry in the error taxonomy (spec §7). HTTP and CLI edges
// map Kind to status codes / exit codes; nothing else should branch on
// error strings.
type Kind string

const (
	KindInvalidParams       Kind = "InvalidParams"
	KindUnknownWorkflow     Kind = "UnknownWorkflow"
	KindIdempotencyConflict Kind = "IdempotencyConflict"
	KindConcurrency         Kind = "ConcurrencyError"
	KindNodeTimeout         Kind = "NodeTimeout"
	KindTotalTimeout        Kind = "TotalTimeout"
	KindProviderError       Kind = "ProviderError"
	KindQualityExhausted    Kind = "QualityExhausted"
	KindCancelled           Kind = "Cancelled"
	KindStorageError        Kind = "StorageError"
	KindWebhookFailed       Kind = "WebhookDeliveryFailed"
	KindInvalidRoute        Kind = "InvalidRoute"
)

// Error is the concrete error type carried across layers. Message is
// user-facing and must already be scrubbed of secrets by the time it
// reaches an Error value; callers building one from a lower-level error
// are responsible for calling Scrub first.
type Error struct {
	Kind    Kind
	Message string
	TaskID  string
	Node    string
	Cause   error
}

func (e *Error) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s: %s (task=%s)", e.Kind, e.Message, e.TaskID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a lower-level cause,
// scrubbing message before it becomes user-facing; the cause itself is
// kept unchanged for Unwrap.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: Scrub(message), Cause: cause}
}

// WithTask returns a copy of e annotated with a task id.
func (e *Error) WithTask(taskID string) *Error {
	cp := *e
	cp.TaskID = taskID
	return &cp
}

// WithNode returns a copy of e annotated with a node name.
func (e *Error) WithNode(node string) *Error {
	cp := *e
	cp.Node = node
	return &cp
}

// Retryable reports whether this kind of error is retried by the runtime
// (node-level) or the queue (worker-level) rather than treated as
// immediately fatal.
func (k Kind) Retryable() bool {
	switch k {
	case KindNodeTimeout, KindProviderError, KindConcurrency, KindStorageError:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a Kind to the status code the HTTP edge (§6.1-6.2)
// returns for it.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidParams:
		return 400
	case KindUnknownWorkflow, KindInvalidRoute:
		return 404
	case KindIdempotencyConflict:
		return 409
	case KindConcurrency:
		return 409
	default:
		return 500
	}
}

// CLIExitCode maps a Kind to the CLI exit code the `create` command (§6.4)
// returns for it.
func (k Kind) CLIExitCode() int {
	switch k {
	case KindInvalidParams:
		return 2
	case KindUnknownWorkflow:
		return 3
	case KindStorageError:
		return 4
	default:
		return 1
	}
}
