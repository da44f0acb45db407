// Package scheduler implements delayed-task enqueueing, batch submission,
// and the periodic maintenance sweep (spec §4.10): schedule_task,
// schedule_batch_tasks, schedule_delayed_task, cancel_task, plus a cron-
// driven prune of completed/failed task history, grounded on the robfig/cron
// driven Scheduler in the example pack's swarm orchestrator service.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/contentforge/orchestrator/queue"
	"github.com/contentforge/orchestrator/task"
)

// PruneThresholds bounds how much task history is kept (spec §4.10:
// "prune ~1000 completed / ~5000 failed").
type PruneThresholds struct {
	MaxCompleted int
	MaxFailed    int
}

// DefaultPruneThresholds matches the spec's stated defaults.
func DefaultPruneThresholds() PruneThresholds {
	return PruneThresholds{MaxCompleted: 1000, MaxFailed: 5000}
}

// Scheduler owns delayed-task dispatch and the periodic maintenance sweep.
type Scheduler struct {
	queue  queue.Queue
	repo   task.Repository
	cron   *cron.Cron
	logger *slog.Logger
	prune  PruneThresholds
}

// New builds a Scheduler over a queue and task repository. Call Start to
// begin the maintenance sweep.
func New(q queue.Queue, repo task.Repository, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		queue:  q,
		repo:   repo,
		cron:   cron.New(),
		logger: logger,
		prune:  DefaultPruneThresholds(),
	}
}

// Start registers the maintenance sweep (hourly) and starts the cron
// scheduler's own goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc("@hourly", func() { s.sweep(ctx) })
	if err != nil {
		return fmt.Errorf("scheduler: register maintenance sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop waits for in-flight cron jobs to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScheduleTask enqueues a task for immediate (priority-ordered) async
// execution, creating the Task row first so callers can observe it right
// away (spec §4.10 "schedule_task").
func (s *Scheduler) ScheduleTask(ctx context.Context, workflowType string, params map[string]any, priority int) (task.Task, error) {
	t, err := s.repo.Create(ctx, task.CreateInput{
		TaskID:       uuid.NewString(),
		WorkflowType: workflowType,
		Mode:         task.ModeAsync,
		Priority:     priority,
		Params:       params,
	})
	if err != nil {
		return task.Task{}, err
	}
	err = s.queue.Enqueue(ctx, queue.Job{
		TaskID:       t.TaskID,
		WorkflowType: workflowType,
		Params:       params,
		Priority:     priority,
	}, queue.EnqueueOptions{Priority: priority})
	return t, err
}

// ScheduleBatchTasks schedules every entry, continuing past individual
// failures and reporting each outcome back to the caller (spec §4.10
// "schedule_batch_tasks").
func (s *Scheduler) ScheduleBatchTasks(ctx context.Context, workflowType string, paramSets []map[string]any, priority int) ([]task.Task, []error) {
	tasks := make([]task.Task, 0, len(paramSets))
	errs := make([]error, 0, len(paramSets))
	for _, params := range paramSets {
		t, err := s.ScheduleTask(ctx, workflowType, params, priority)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, errs
}

// ScheduleDelayedTask enqueues a task that becomes eligible for leasing
// only after delay elapses (spec §4.10 "schedule_delayed_task").
func (s *Scheduler) ScheduleDelayedTask(ctx context.Context, workflowType string, params map[string]any, priority int, delay time.Duration) (task.Task, error) {
	t, err := s.repo.Create(ctx, task.CreateInput{
		TaskID:       uuid.NewString(),
		WorkflowType: workflowType,
		Mode:         task.ModeAsync,
		Priority:     priority,
		Params:       params,
	})
	if err != nil {
		return task.Task{}, err
	}
	err = s.queue.Enqueue(ctx, queue.Job{
		TaskID:       t.TaskID,
		WorkflowType: workflowType,
		Params:       params,
		Priority:     priority,
	}, queue.EnqueueOptions{Priority: priority, DelayMS: delay.Milliseconds()})
	return t, err
}

// CancelTask marks a pending or running task cancelled via CAS. It does not
// attempt to pull the job back out of the queue; a worker that later leases
// a cancelled task's job observes the terminal status and skips execution.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) (bool, error) {
	t, ok, err := s.repo.FindByID(ctx, taskID)
	if err != nil || !ok {
		return false, err
	}
	if t.Status.Terminal() {
		return false, nil
	}
	return s.repo.UpdateStatus(ctx, taskID, task.StatusCancelled, t.Version)
}

// sweep prunes completed/failed task history past the configured
// thresholds. Failures are logged, not returned, since this runs on an
// unattended cron tick.
func (s *Scheduler) sweep(ctx context.Context) {
	pruned, err := s.pruneByStatus(ctx, task.StatusCompleted, s.prune.MaxCompleted)
	if err != nil {
		s.logger.Error("maintenance sweep: prune completed failed", "error", err)
	}
	prunedFailed, err := s.pruneByStatus(ctx, task.StatusFailed, s.prune.MaxFailed)
	if err != nil {
		s.logger.Error("maintenance sweep: prune failed failed", "error", err)
	}
	if pruned+prunedFailed > 0 {
		s.logger.Info("maintenance sweep pruned tasks", "completed_pruned", pruned, "failed_pruned", prunedFailed)
	}
}

func (s *Scheduler) pruneByStatus(ctx context.Context, status task.Status, max int) (int, error) {
	count, err := s.repo.Count(ctx, task.Filter{Status: status})
	if err != nil {
		return 0, err
	}
	if count <= max {
		return 0, nil
	}
	overflow := count - max
	victims, err := s.repo.FindMany(ctx, task.Filter{Status: status}, task.Page{Limit: overflow, Offset: 0})
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, v := range victims {
		if err := s.repo.SoftDelete(ctx, v.TaskID); err != nil {
			s.logger.Error("prune: soft delete failed", "task_id", v.TaskID, "error", err)
			continue
		}
		pruned++
	}
	return pruned, nil
}
