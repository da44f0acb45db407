// Package queue implements the durable, priority-aware job queue (spec
// §4.8): enqueue/lease/ack/nack with backoff, pause/resume/drain/close,
// and stats, backed by either an embedded bbolt store or Redis.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by queue operations after Close.
var ErrClosed = errors.New("queue: closed")

// ErrPaused is returned by Enqueue while the queue is paused.
var ErrPaused = errors.New("queue: paused")

// Job is one unit of asynchronous work (spec §4.8).
type Job struct {
	ID           string
	TaskID       string
	WorkflowType string
	Params       map[string]any
	Priority     int // 1 highest .. 10 lowest
	CreatedAt    time.Time
	AttemptCount int
	LeaseExpires time.Time
	WorkerID     string
}

// EnqueueOptions configures Enqueue.
type EnqueueOptions struct {
	Priority int
	DelayMS  int64
}

// Stats reports the queue's current partition sizes (spec §4.8 "stats()").
type Stats struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
	Delayed   int
}

// NackReason documents why a job is being returned for retry or tombstoned.
type NackReason string

// Queue is the durable job queue contract. Implementations: boltqueue
// (default, embedded) and redisqueue (selected via REDIS_URL).
type Queue interface {
	Enqueue(ctx context.Context, job Job, opts EnqueueOptions) error
	// Lease blocks until a job is available, the context is cancelled, or
	// the queue shuts down, atomically moving the job into an in-flight
	// set guarded by leaseTimeout.
	Lease(ctx context.Context, workerID string, leaseTimeout time.Duration) (Job, bool, error)
	Ack(ctx context.Context, job Job) error
	Nack(ctx context.Context, job Job, reason NackReason) error

	Stats(ctx context.Context) (Stats, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Drain(ctx context.Context) error
	Close() error
}
