// Package task defines the durable task/result/checkpoint data model and
// its repository contract (spec §3, §4.1): optimistic concurrency on a
// monotonic version, idempotency keys, and CAS-guarded status transitions.
package task

import "time"

// Status is one entry in the task lifecycle state machine.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusWaiting   Status = "WAITING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether a status is one of the run-ending states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Mode selects whether a task is driven in-process (sync) or by a worker
// leasing it off a queue (async).
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Task is the durable unit of work (spec §3).
type Task struct {
	TaskID         string
	IdempotencyKey string
	WorkflowType   string
	Mode           Mode
	Priority       int // 1 (highest) .. 10 (lowest)
	Status         Status
	CurrentStep    string
	RetryCount     int
	SubsystemRetry map[string]int
	ErrorMessage   string
	WorkerID       string
	Params         map[string]any
	StateSnapshot  []byte // opaque, JSON-serialized workflow.State
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Version        int64
	Deleted        bool
}

// Result is one append-only artifact row produced by a task.
type Result struct {
	ID         string
	TaskID     string
	ResultType string
	Content    string
	FilePath   string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// TokenUsage is one append-only per-(task,step) token/cost accounting row.
// Auxiliary: never read on the control path, per spec §3.
type TokenUsage struct {
	TaskID       string
	Step         string
	InputTokens  int
	OutputTokens int
	Cost         float64
	CreatedAt    time.Time
}

// CreateInput is the payload for Repository.Create.
type CreateInput struct {
	TaskID         string // optional; generated if empty
	IdempotencyKey string
	WorkflowType   string
	Mode           Mode
	Priority       int
	Params         map[string]any
}
