package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketWaiting   = []byte("waiting")
	bucketActive    = []byte("active")
	bucketCompleted = []byte("completed")
	bucketFailed    = []byte("failed")
	bucketDelayed   = []byte("delayed")
)

// BoltQueue is the default, embedded queue backend (spec §4.8 default
// when REDIS_URL is unset), durable across process restarts via a single
// bbolt file.
type BoltQueue struct {
	db *bolt.DB

	mu       sync.Mutex
	paused   bool
	closed   bool
	notifyCh chan struct{}
}

// OpenBoltQueue opens (creating if absent) a bbolt-backed queue at path.
func OpenBoltQueue(path string) (*BoltQueue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("queue: open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketWaiting, bucketActive, bucketCompleted, bucketFailed, bucketDelayed} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltQueue{db: db, notifyCh: make(chan struct{}, 1)}, nil
}

// boltEntry is the on-disk envelope for one queued job.
type boltEntry struct {
	Job   Job
	Delay time.Time
}

func (q *BoltQueue) wake() {
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

func (q *BoltQueue) put(bucket []byte, key string, entry boltEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	err = q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
	if err == nil {
		q.wake()
	}
	return err
}

func (q *BoltQueue) delete(bucket []byte, key string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (q *BoltQueue) move(from, to []byte, key string, mutate func(*boltEntry)) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		fb := tx.Bucket(from)
		raw := fb.Get([]byte(key))
		if raw == nil {
			return fmt.Errorf("queue: job %q not found in source bucket", key)
		}
		var entry boltEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		if mutate != nil {
			mutate(&entry)
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := tx.Bucket(to).Put([]byte(key), data); err != nil {
			return err
		}
		return fb.Delete([]byte(key))
	})
}

// Enqueue stores job in the waiting (or delayed) bucket under its ID;
// tryLeaseOne sorts the waiting jobs into priority, then FIFO, order.
func (q *BoltQueue) Enqueue(ctx context.Context, job Job, opts EnqueueOptions) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	paused := q.paused
	q.mu.Unlock()
	if paused {
		return ErrPaused
	}

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

	bucket := bucketWaiting
	var due time.Time
	if opts.DelayMS > 0 {
		bucket = bucketDelayed
		due = job.CreatedAt.Add(time.Duration(opts.DelayMS) * time.Millisecond)
	}
	return q.put(bucket, job.ID, boltEntry{Job: job, Delay: due})
}

// promoteDueDelayed moves any delayed job whose due time has elapsed into
// waiting. Called opportunistically on each Lease attempt; nothing else
// promotes delayed jobs.
func (q *BoltQueue) promoteDueDelayed() error {
	now := time.Now()
	var due []string
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDelayed).ForEach(func(k, v []byte) error {
			var entry boltEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if !entry.Delay.After(now) {
				due = append(due, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, key := range due {
		if err := q.move(bucketDelayed, bucketWaiting, key, func(e *boltEntry) { e.Delay = time.Time{} }); err != nil {
			return err
		}
	}
	return nil
}

// Lease blocks (polling) until a waiting job is available, ctx is
// cancelled, or the queue closes. Selection is highest-priority-first,
// then oldest-first within a priority tier.
func (q *BoltQueue) Lease(ctx context.Context, workerID string, leaseTimeout time.Duration) (Job, bool, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		q.mu.Lock()
		closed := q.closed
		paused := q.paused
		q.mu.Unlock()
		if closed {
			return Job{}, false, ErrClosed
		}

		if !paused {
			if err := q.promoteDueDelayed(); err != nil {
				return Job{}, false, err
			}
			job, ok, err := q.tryLeaseOne(workerID, leaseTimeout)
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
		case <-q.notifyCh:
		case <-ticker.C:
		}
	}
}

func (q *BoltQueue) tryLeaseOne(workerID string, leaseTimeout time.Duration) (Job, bool, error) {
	var candidates []boltEntry
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWaiting).ForEach(func(_, v []byte) error {
			var entry boltEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			candidates = append(candidates, entry)
			return nil
		})
	})
	if err != nil || len(candidates) == 0 {
		return Job{}, false, err
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Job.Priority != candidates[j].Job.Priority {
			return candidates[i].Job.Priority < candidates[j].Job.Priority
		}
		return candidates[i].Job.CreatedAt.Before(candidates[j].Job.CreatedAt)
	})
	chosen := candidates[0].Job
	chosen.WorkerID = workerID
	chosen.AttemptCount++
	chosen.LeaseExpires = time.Now().Add(leaseTimeout)

	err = q.move(bucketWaiting, bucketActive, chosen.ID, func(e *boltEntry) { e.Job = chosen })
	if err != nil {
		return Job{}, false, nil // lost the race to another lease attempt
	}
	return chosen, true, nil
}

// Ack removes job from the active set and records it completed.
func (q *BoltQueue) Ack(ctx context.Context, job Job) error {
	return q.move(bucketActive, bucketCompleted, job.ID, nil)
}

// Nack moves job from the active set into the failed bucket, whatever the
// reason. The retry/backoff policy (attempt cap, exponential delay) lives in
// worker, which calls Nack and then re-Enqueues the job with a delay when
// attempts remain.
func (q *BoltQueue) Nack(ctx context.Context, job Job, reason NackReason) error {
	return q.move(bucketActive, bucketFailed, job.ID, func(e *boltEntry) { e.Job = job })
}

// Stats counts entries in each bucket.
func (q *BoltQueue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.db.View(func(tx *bolt.Tx) error {
		s.Waiting = tx.Bucket(bucketWaiting).Stats().KeyN
		s.Active = tx.Bucket(bucketActive).Stats().KeyN
		s.Completed = tx.Bucket(bucketCompleted).Stats().KeyN
		s.Failed = tx.Bucket(bucketFailed).Stats().KeyN
		s.Delayed = tx.Bucket(bucketDelayed).Stats().KeyN
		return nil
	})
	return s, err
}

// Pause stops new leases from being granted; already-active jobs are
// unaffected.
func (q *BoltQueue) Pause(ctx context.Context) error {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	return nil
}

// Resume undoes Pause.
func (q *BoltQueue) Resume(ctx context.Context) error {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.wake()
	return nil
}

// Drain removes every waiting and delayed job without processing them.
func (q *BoltQueue) Drain(ctx context.Context) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketWaiting, bucketDelayed} {
			if err := tx.DeleteBucket(b); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the underlying bbolt file handle.
func (q *BoltQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
	return q.db.Close()
}

var _ Queue = (*BoltQueue)(nil)
