package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestBoltQueue(t *testing.T) *BoltQueue {
	t.Helper()
	q, err := OpenBoltQueue(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("OpenBoltQueue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestBoltQueue_EnqueueLeaseAck(t *testing.T) {
	q := newTestBoltQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Job{TaskID: "t1", WorkflowType: "content-creator"}, EnqueueOptions{Priority: 5}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, ok, err := q.Lease(ctx, "worker-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Lease: ok=%v err=%v", ok, err)
	}
	if job.TaskID != "t1" || job.AttemptCount != 1 {
		t.Fatalf("unexpected job: %+v", job)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Active != 1 || stats.Waiting != 0 {
		t.Fatalf("unexpected stats after lease: %+v", stats)
	}

	if err := q.Ack(ctx, job); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	stats, _ = q.Stats(ctx)
	if stats.Completed != 1 || stats.Active != 0 {
		t.Fatalf("unexpected stats after ack: %+v", stats)
	}
}

func TestBoltQueue_PriorityOrdering(t *testing.T) {
	q := newTestBoltQueue(t)
	ctx := context.Background()

	_ = q.Enqueue(ctx, Job{TaskID: "low"}, EnqueueOptions{Priority: 9})
	_ = q.Enqueue(ctx, Job{TaskID: "high"}, EnqueueOptions{Priority: 1})

	job, ok, err := q.Lease(ctx, "w", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Lease: ok=%v err=%v", ok, err)
	}
	if job.TaskID != "high" {
		t.Fatalf("expected high-priority job first, got %s", job.TaskID)
	}
}

func TestBoltQueue_PauseBlocksEnqueue(t *testing.T) {
	q := newTestBoltQueue(t)
	ctx := context.Background()
	if err := q.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := q.Enqueue(ctx, Job{TaskID: "t"}, EnqueueOptions{}); err != ErrPaused {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
}

func TestBoltQueue_Nack(t *testing.T) {
	q := newTestBoltQueue(t)
	ctx := context.Background()
	_ = q.Enqueue(ctx, Job{TaskID: "t"}, EnqueueOptions{})
	job, _, _ := q.Lease(ctx, "w", time.Minute)
	if err := q.Nack(ctx, job, "provider_error"); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	stats, _ := q.Stats(ctx)
	if stats.Failed != 1 {
		t.Fatalf("expected 1 failed job, got %+v", stats)
	}
}
