// Package executor implements the Synchronous Executor (spec §4.7): an
// in-process, end-to-end driver for one workflow run, with progress
// subscriptions, cancellation, and result persistence.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contentforge/orchestrator/apperr"
	"github.com/contentforge/orchestrator/graph/emit"
	"github.com/contentforge/orchestrator/task"
	"github.com/contentforge/orchestrator/workflow"
)

// Status is the terminal status reported on an ExecutionResult.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ResultMetadata carries the auxiliary accounting spec §4.7 names.
type ResultMetadata struct {
	StepsCompleted []string
	TokensUsed     int
	Cost           float64
}

// ExecutionResult is the contract §4.7 names for execute(params).
type ExecutionResult struct {
	TaskID     string
	Status     Status
	FinalState workflow.State
	DurationMS int64
	Error      *apperr.Error
	Metadata   ResultMetadata
}

const defaultTotalTimeout = 5 * time.Minute

// Request is the input to Execute.
type Request struct {
	TaskID         string // optional; generated if empty and no idempotency key join happens
	IdempotencyKey string
	WorkflowType   string
	Mode           task.Mode
	Priority       int
	Params         map[string]any

	// TotalTimeout wraps the whole run (spec §4.7 "total_timeout"). Per-step
	// timeouts are a property of each node's own NodePolicy, declared when
	// the workflow's graph is built, not overridden per-request.
	TotalTimeout time.Duration
}

// Executor drives registered workflows to completion in the caller's
// process.
type Executor struct {
	registry *workflow.Registry
	repo     task.Repository
	emitter  emit.Emitter

	progress *progressTable

	mu          sync.Mutex
	cancelFuncs map[string]context.CancelFunc
}

// New builds an Executor over a workflow registry and a task repository.
// emitter may be nil (defaults to a no-op emitter).
func New(registry *workflow.Registry, repo task.Repository, emitter emit.Emitter) *Executor {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Executor{
		registry:    registry,
		repo:        repo,
		emitter:     emitter,
		progress:    newProgressTable(),
		cancelFuncs: make(map[string]context.CancelFunc),
	}
}

// OnProgress subscribes cb to progress notifications for taskID.
func (e *Executor) OnProgress(taskID string, cb ProgressCallback) {
	e.progress.subscribe(taskID, cb)
}

// RemoveProgressCallbacks drops every subscriber for taskID.
func (e *Executor) RemoveProgressCallbacks(taskID string) {
	e.progress.unsubscribeAll(taskID)
}

// Cancel transitions a RUNNING or PENDING task to CANCELLED. It succeeds
// only if the task's current version matches what the executor observes;
// callers racing a concurrent transition see (false, nil).
func (e *Executor) Cancel(ctx context.Context, taskID string) (bool, error) {
	t, ok, err := e.repo.FindByID(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if t.Status != task.StatusRunning && t.Status != task.StatusPending {
		return false, nil
	}
	ok, err = e.repo.UpdateStatus(ctx, taskID, task.StatusCancelled, t.Version)
	if err != nil || !ok {
		return ok, err
	}

	e.mu.Lock()
	if cancel, exists := e.cancelFuncs[taskID]; exists {
		cancel()
	}
	e.mu.Unlock()
	e.progress.unsubscribeAll(taskID)
	return true, nil
}

// Execute drives req's workflow to completion per spec §4.7's numbered
// contract.
func (e *Executor) Execute(ctx context.Context, req Request) (ExecutionResult, error) {
	start := time.Now()

	// Steps 1-2: compute/accept task_id, create (idempotent) or join.
	t, err := e.repo.Create(ctx, task.CreateInput{
		TaskID:         req.TaskID,
		IdempotencyKey: req.IdempotencyKey,
		WorkflowType:   req.WorkflowType,
		Mode:           req.Mode,
		Priority:       req.Priority,
		Params:         req.Params,
	})
	if err != nil {
		return ExecutionResult{}, apperr.Wrap(apperr.KindStorageError, err, "failed to create task")
	}

	if t.Status != task.StatusPending {
		// Joined an existing, already-progressing task: observe it to
		// completion instead of re-running the graph.
		return e.join(ctx, t.TaskID, start)
	}

	return e.run(ctx, t, req, start)
}

func (e *Executor) join(ctx context.Context, taskID string, start time.Time) (ExecutionResult, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		t, ok, err := e.repo.FindByID(ctx, taskID)
		if err != nil {
			return ExecutionResult{}, apperr.Wrap(apperr.KindStorageError, err, "failed to read joined task")
		}
		if ok && t.Status.Terminal() {
			return e.resultFromTask(ctx, t, start), nil
		}
		select {
		case <-ctx.Done():
			return ExecutionResult{}, apperr.New(apperr.KindCancelled, "context cancelled while joining task")
		case <-ticker.C:
		}
	}
}

func (e *Executor) resultFromTask(ctx context.Context, t task.Task, start time.Time) ExecutionResult {
	status := StatusCompleted
	var appErr *apperr.Error
	switch t.Status {
	case task.StatusFailed:
		status = StatusFailed
		appErr = apperr.New(apperr.KindStorageError, t.ErrorMessage)
	case task.StatusCancelled:
		status = StatusCancelled
	}
	results, _ := e.repo.FindResults(ctx, t.TaskID)
	steps := make([]string, 0, len(results))
	for _, r := range results {
		steps = append(steps, r.ResultType)
	}
	return ExecutionResult{
		TaskID:     t.TaskID,
		Status:     status,
		DurationMS: time.Since(start).Milliseconds(),
		Error:      appErr,
		Metadata:   ResultMetadata{StepsCompleted: steps},
	}
}

func (e *Executor) run(ctx context.Context, t task.Task, req Request, start time.Time) (ExecutionResult, error) {
	totalTimeout := req.TotalTimeout
	if totalTimeout == 0 {
		totalTimeout = defaultTotalTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, totalTimeout)
	e.mu.Lock()
	e.cancelFuncs[t.TaskID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancelFuncs, t.TaskID)
		e.mu.Unlock()
	}()

	// Step 3: PENDING -> RUNNING.
	ok, err := e.repo.ClaimTask(runCtx, t.TaskID, "sync-executor", t.Version)
	if err != nil {
		return ExecutionResult{}, apperr.Wrap(apperr.KindStorageError, err, "failed to claim task")
	}
	if !ok {
		return ExecutionResult{}, apperr.New(apperr.KindConcurrency, "task was claimed by another worker before this executor").WithTask(t.TaskID)
	}
	t.Version++

	// Step 4: build the initial state via registry.create_state.
	state, err := e.registry.CreateState(t.WorkflowType, t.TaskID, string(req.Mode), req.Params)
	if err != nil {
		_, _ = e.repo.MarkAsFailed(ctx, t.TaskID, err.Error(), t.Version)
		return e.failureResult(t.TaskID, start, apperr.Wrap(apperr.KindInvalidParams, err, "invalid workflow params")), nil
	}

	perTaskEmitter := newProgressEmitter(t.TaskID, e.emitter, e.progress, perStepNodeEstimate)
	engineInstance, _, err := e.registry.CreateGraph(t.WorkflowType, req.Params, perTaskEmitter)
	if err != nil {
		_, _ = e.repo.MarkAsFailed(ctx, t.TaskID, err.Error(), t.Version)
		return e.failureResult(t.TaskID, start, apperr.Wrap(apperr.KindUnknownWorkflow, err, "failed to build workflow graph")), nil
	}
	// Step 5: evaluate the graph step by step (checkpointing and
	// per-node timeout/retry are handled inside Engine.Run, matching the
	// single-threaded cooperative scheduling model of spec §4.3/§5).
	finalState, runErr := engineInstance.Run(runCtx, t.TaskID, state)

	if runErr != nil {
		return e.handleRunFailure(ctx, t, runErr, start)
	}

	// Step 6: on terminal success, persist Result rows and mark complete.
	if err := e.persistResults(ctx, t.TaskID, finalState); err != nil {
		return ExecutionResult{}, apperr.Wrap(apperr.KindStorageError, err, "failed to persist results")
	}
	ok, err = e.repo.MarkAsCompleted(ctx, t.TaskID, t.Version)
	if err != nil {
		return ExecutionResult{}, apperr.Wrap(apperr.KindStorageError, err, "failed to mark task completed")
	}
	if !ok {
		return ExecutionResult{}, apperr.New(apperr.KindConcurrency, "task version changed while finalizing").WithTask(t.TaskID)
	}

	return ExecutionResult{
		TaskID:     t.TaskID,
		Status:     StatusCompleted,
		FinalState: finalState,
		DurationMS: time.Since(start).Milliseconds(),
		Metadata:   metadataFromState(finalState),
	}, nil
}

// perStepNodeEstimate is a conservative default used purely for progress
// percentage estimation when a graph's exact node count isn't threaded
// through; real node counts come from workflow.Channels/metadata in a
// fuller wiring.
const perStepNodeEstimate = 6

func (e *Executor) handleRunFailure(ctx context.Context, t task.Task, runErr error, start time.Time) (ExecutionResult, error) {
	if ctx.Err() != nil {
		_, _ = e.repo.MarkAsFailed(ctx, t.TaskID, "cancelled", t.Version)
		return e.failureResult(t.TaskID, start, apperr.New(apperr.KindCancelled, "run cancelled")), nil
	}
	sanitized := apperr.Scrub(runErr.Error())
	_, _ = e.repo.MarkAsFailed(ctx, t.TaskID, sanitized, t.Version)
	return e.failureResult(t.TaskID, start, apperr.Wrap(apperr.KindStorageError, runErr, sanitized)), nil
}

func (e *Executor) failureResult(taskID string, start time.Time, appErr *apperr.Error) ExecutionResult {
	status := StatusFailed
	if appErr.Kind == apperr.KindCancelled {
		status = StatusCancelled
	}
	return ExecutionResult{
		TaskID:     taskID,
		Status:     status,
		Error:      appErr,
		DurationMS: time.Since(start).Milliseconds(),
	}
}

func (e *Executor) persistResults(ctx context.Context, taskID string, state workflow.State) error {
	if state == nil {
		return nil
	}
	content := state.String("output")
	if content == "" {
		return nil
	}
	return e.repo.AppendResult(ctx, task.Result{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		ResultType: "text",
		Content:    content,
		Metadata:   map[string]any{"current_step": state.CurrentStep()},
	})
}

func metadataFromState(state workflow.State) ResultMetadata {
	if state == nil {
		return ResultMetadata{}
	}
	meta := ResultMetadata{}
	if raw, ok := state["metadata"].(map[string]any); ok {
		if tokens, ok := raw["tokens_used"]; ok {
			meta.TokensUsed = toInt(tokens)
		}
		if cost, ok := raw["cost"].(float64); ok {
			meta.Cost = cost
		}
	}
	return meta
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
