package task

import "context"

// Page bounds a find_many/find_by_user listing.
type Page struct {
	Limit  int
	Offset int
}

// Filter narrows find_many/count. Zero values are wildcards.
type Filter struct {
	WorkflowType string
	Status       Status
	UserID       string
}

// Repository is the durable CRUD contract for Task, Result, and
// token-usage rows (spec §4.1). Every mutating operation is linearizable
// per task_id: concurrent writers see at most one succeed; losers observe
// false without side effects. The repository alone computes the next
// version; callers never supply one directly except as the expected
// precondition.
//
// Failure semantics: storage faults surface as an *apperr.Error with
// Kind apperr.KindStorageError. A precondition mismatch (wrong version,
// wrong owner, wrong state) returns (false, nil): it is a legitimate
// outcome, not an error.
type Repository interface {
	Create(ctx context.Context, in CreateInput) (Task, error)

	FindByID(ctx context.Context, taskID string) (Task, bool, error)
	FindByIdempotencyKey(ctx context.Context, key string) (Task, bool, error)
	FindByUser(ctx context.Context, userID string, page Page) ([]Task, error)
	FindMany(ctx context.Context, filter Filter, page Page) ([]Task, error)
	Count(ctx context.Context, filter Filter) (int, error)

	UpdateStatus(ctx context.Context, taskID string, newStatus Status, expectedVersion int64) (bool, error)
	UpdateCurrentStep(ctx context.Context, taskID, step string, expectedVersion int64) (bool, error)
	IncrementRetryCount(ctx context.Context, taskID, subsystem string, expectedVersion int64) (bool, error)
	SaveStateSnapshot(ctx context.Context, taskID string, snapshot []byte, expectedVersion int64) (bool, error)

	ClaimTask(ctx context.Context, taskID, workerID string, expectedVersion int64) (bool, error)
	ReleaseWorker(ctx context.Context, taskID, workerID string, expectedVersion int64) (bool, error)

	MarkAsCompleted(ctx context.Context, taskID string, expectedVersion int64) (bool, error)
	MarkAsFailed(ctx context.Context, taskID, errorMessage string, expectedVersion int64) (bool, error)

	SoftDelete(ctx context.Context, taskID string) error
	Delete(ctx context.Context, taskID string) error

	GetPendingTasks(ctx context.Context, limit int) ([]Task, error)
	GetActiveTasksByWorker(ctx context.Context, workerID string) ([]Task, error)

	// AppendResult and AppendTokenUsage manage the append-only child rows
	// owned by a task (cascading delete per spec §3 "Ownership").
	AppendResult(ctx context.Context, r Result) error
	AppendTokenUsage(ctx context.Context, u TokenUsage) error
	FindResults(ctx context.Context, taskID string) ([]Result, error)
}
