// Package worker implements the queue-backed worker pool (spec §4.9):
// lease, run through the same graph-execution path as the synchronous
// executor, ack/nack with retry/backoff, and a circuit breaker guarding
// provider calls.
package worker

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/contentforge/orchestrator/apperr"
	"github.com/contentforge/orchestrator/executor"
	"github.com/contentforge/orchestrator/graph/emit"
	"github.com/contentforge/orchestrator/queue"
	"github.com/contentforge/orchestrator/task"
	"github.com/contentforge/orchestrator/workflow"
)

// RetryPolicy controls how a worker reschedules a failed job (spec §4.9:
// 3 attempts, 2s base, exponential backoff capped at 30s, full jitter).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the contract spec §4.9 names.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// NextDelay returns the full-jitter exponential backoff for the given
// (1-indexed) attempt number.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	capped := math.Min(float64(p.MaxDelay), float64(p.BaseDelay)*math.Pow(2, float64(attempt-1)))
	return time.Duration(rand.Int63n(int64(capped) + 1))
}

// Pool runs N worker loops pulling from a shared Queue.
type Pool struct {
	ID       string
	Queue    queue.Queue
	Registry *workflow.Registry
	Repo     task.Repository
	Emitter  emit.Emitter
	Retry    RetryPolicy
	Breaker  *gobreaker.CircuitBreaker
	Logger   *slog.Logger

	LeaseTimeout time.Duration
	Concurrency  int
}

// NewPool builds a Pool with spec-default retry policy, a circuit breaker
// tripping after 5 consecutive provider failures, and the given queue and
// workflow dependencies wired in.
func NewPool(id string, q queue.Queue, registry *workflow.Registry, repo task.Repository, emitter emit.Emitter, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provider-calls",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Pool{
		ID:           id,
		Queue:        q,
		Registry:     registry,
		Repo:         repo,
		Emitter:      emitter,
		Retry:        DefaultRetryPolicy(),
		Breaker:      breaker,
		Logger:       logger,
		LeaseTimeout: 10 * time.Minute,
		Concurrency:  4,
	}
}

// Run starts Concurrency worker goroutines and blocks until ctx is
// cancelled, at which point it waits for in-flight jobs to finish.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.Concurrency; i++ {
		wg.Add(1)
		workerID := p.ID + "-" + strconv.Itoa(i)
		go func() {
			defer wg.Done()
			p.loop(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	exec := executor.New(p.Registry, p.Repo, p.Emitter)
	for {
		job, ok, err := p.Queue.Lease(ctx, workerID, p.LeaseTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.Logger.Error("lease failed", "worker", workerID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		p.process(ctx, exec, workerID, job)
	}
}

func (p *Pool) process(ctx context.Context, exec *executor.Executor, workerID string, job queue.Job) {
	_, err := p.Breaker.Execute(func() (any, error) {
		result, err := exec.Execute(ctx, executor.Request{
			TaskID:       job.TaskID,
			WorkflowType: job.WorkflowType,
			Mode:         task.ModeAsync,
			Params:       job.Params,
		})
		if err != nil {
			return nil, err
		}
		if result.Status == executor.StatusFailed && result.Error != nil && result.Error.Kind.Retryable() {
			return nil, result.Error
		}
		return result, nil
	})

	if err == nil {
		if ackErr := p.Queue.Ack(ctx, job); ackErr != nil {
			p.Logger.Error("ack failed", "worker", workerID, "job", job.ID, "error", ackErr)
		}
		return
	}

	p.Logger.Warn("job failed", "worker", workerID, "job", job.ID, "attempt", job.AttemptCount, "error", apperr.Scrub(err.Error()))

	if job.AttemptCount >= p.Retry.MaxAttempts {
		if nackErr := p.Queue.Nack(ctx, job, "attempts_exhausted"); nackErr != nil {
			p.Logger.Error("nack failed", "worker", workerID, "job", job.ID, "error", nackErr)
		}
		return
	}

	if nackErr := p.Queue.Nack(ctx, job, "retrying"); nackErr != nil {
		p.Logger.Error("nack failed", "worker", workerID, "job", job.ID, "error", nackErr)
		return
	}
	delay := p.Retry.NextDelay(job.AttemptCount)
	reenqueue := job
	reenqueue.AttemptCount = job.AttemptCount
	if enqErr := p.Queue.Enqueue(ctx, reenqueue, queue.EnqueueOptions{Priority: job.Priority, DelayMS: delay.Milliseconds()}); enqErr != nil {
		p.Logger.Error("requeue failed", "worker", workerID, "job", job.ID, "error", enqErr)
	}
}
