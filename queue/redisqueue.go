package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue is the network queue backend, selected when REDIS_URL is set
// (spec §4.8). Ordering is modeled with a sorted set whose score packs
// priority ahead of arrival time so ZPOPMIN yields highest-priority,
// then oldest, job first.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue wraps an existing client; prefix namespaces all keys so one
// Redis instance can host multiple queues.
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "orchestrator:queue"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

func (q *RedisQueue) key(suffix string) string { return q.prefix + ":" + suffix }

func score(priority int, at time.Time) float64 {
	// Lower score pops first. Priority dominates; arrival time breaks ties
	// within a priority tier without overflowing float64 precision for any
	// realistic timestamp.
	return float64(priority)*1e13 + float64(at.UnixMilli()%1e13)
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job, opts EnqueueOptions) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.Priority = opts.Priority
	if job.Priority == 0 {
		job.Priority = 5
	}

	paused, err := q.client.Exists(ctx, q.key("paused")).Result()
	if err != nil {
		return err
	}
	if paused == 1 {
		return ErrPaused
	}

	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	if opts.DelayMS > 0 {
		due := job.CreatedAt.Add(time.Duration(opts.DelayMS) * time.Millisecond)
		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, q.key("jobs"), job.ID, data)
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
		_, err = pipe.Exec(ctx)
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.key("jobs"), job.ID, data)
	pipe.ZAdd(ctx, q.key("waiting"), redis.Z{Score: score(job.Priority, job.CreatedAt), Member: job.ID})
	pipe.Publish(ctx, q.key("notify"), "1")
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) promoteDueDelayed(ctx context.Context) error {
	now := float64(time.Now().UnixMilli())
	ids, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}
	for _, id := range ids {
		raw, err := q.client.HGet(ctx, q.key("jobs"), id).Result()
		if err != nil {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.key("delayed"), id)
		pipe.ZAdd(ctx, q.key("waiting"), redis.Z{Score: score(job.Priority, job.CreatedAt), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) Lease(ctx context.Context, workerID string, leaseTimeout time.Duration) (Job, bool, error) {
	sub := q.client.Subscribe(ctx, q.key("notify"))
	defer sub.Close()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		paused, err := q.client.Exists(ctx, q.key("paused")).Result()
		if err != nil {
			return Job{}, false, err
		}
		if paused == 0 {
			if err := q.promoteDueDelayed(ctx); err != nil {
				return Job{}, false, err
			}
			job, ok, err := q.tryLeaseOne(ctx, workerID, leaseTimeout)
			if err != nil {
				return Job{}, false, err
			}
			if ok {
				return job, true, nil
			}
		}

		select {
		case <-ctx.Done():
			return Job{}, false, ctx.Err()
		case <-sub.Channel():
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) tryLeaseOne(ctx context.Context, workerID string, leaseTimeout time.Duration) (Job, bool, error) {
	results, err := q.client.ZPopMin(ctx, q.key("waiting"), 1).Result()
	if err != nil || len(results) == 0 {
		return Job{}, false, err
	}
	id, _ := results[0].Member.(string)
	raw, err := q.client.HGet(ctx, q.key("jobs"), id).Result()
	if err != nil {
		return Job{}, false, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, false, err
	}
	job.WorkerID = workerID
	job.AttemptCount++
	job.LeaseExpires = time.Now().Add(leaseTimeout)

	data, err := json.Marshal(job)
	if err != nil {
		return Job{}, false, err
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.key("jobs"), job.ID, data)
	pipe.ZAdd(ctx, q.key("active"), redis.Z{Score: float64(job.LeaseExpires.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

func (q *RedisQueue) Ack(ctx context.Context, job Job) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.key("active"), job.ID)
	pipe.HDel(ctx, q.key("jobs"), job.ID)
	pipe.ZAdd(ctx, q.key("completed"), redis.Z{Score: float64(time.Now().UnixMilli()), Member: job.ID})
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Nack(ctx context.Context, job Job, reason NackReason) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.key("active"), job.ID)
	pipe.HSet(ctx, q.key("jobs"), job.ID, data)
	pipe.ZAdd(ctx, q.key("failed"), redis.Z{Score: float64(time.Now().UnixMilli()), Member: job.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.key("waiting"))
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{
		Waiting:   int(waiting.Val()),
		Active:    int(active.Val()),
		Completed: int(completed.Val()),
		Failed:    int(failed.Val()),
		Delayed:   int(delayed.Val()),
	}, nil
}

func (q *RedisQueue) Pause(ctx context.Context) error {
	return q.client.Set(ctx, q.key("paused"), "1", 0).Err()
}

func (q *RedisQueue) Resume(ctx context.Context) error {
	if err := q.client.Del(ctx, q.key("paused")).Err(); err != nil {
		return err
	}
	return q.client.Publish(ctx, q.key("notify"), "1").Err()
}

func (q *RedisQueue) Drain(ctx context.Context) error {
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.key("waiting"))
	pipe.Del(ctx, q.key("delayed"))
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Close() error { return q.client.Close() }

var _ Queue = (*RedisQueue)(nil)
