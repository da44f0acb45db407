package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contentforge/orchestrator/apperr"
)

// MemRepository is an in-memory Repository, the DATABASE_TYPE=memory
// backend used by tests and the default in the `test` environment (spec
// §6.6). It is safe for concurrent use: every mutation is guarded by one
// mutex, mirroring the teacher's own MemStore[S] pattern
// (graph/store/memory.go), generalized here from a checkpoint-only store to
// the full task/result/token-usage model.
type MemRepository struct {
	mu             sync.Mutex
	tasks          map[string]*Task
	byIdempotency  map[string]string // key -> task_id of the latest task created with that key
	results        map[string][]Result
	tokenUsage     map[string][]TokenUsage
	now            func() time.Time
}

// NewMemRepository returns an empty in-memory repository.
func NewMemRepository() *MemRepository {
	return &MemRepository{
		tasks:         make(map[string]*Task),
		byIdempotency: make(map[string]string),
		results:       make(map[string][]Result),
		tokenUsage:    make(map[string][]TokenUsage),
		now:           time.Now,
	}
}

func storageErr(message string) error {
	return apperr.New(apperr.KindStorageError, message)
}

func (m *MemRepository) Create(_ context.Context, in CreateInput) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if in.IdempotencyKey != "" {
		if existingID, ok := m.byIdempotency[in.IdempotencyKey]; ok {
			if existing, ok := m.tasks[existingID]; ok && !existing.Status.Terminal() {
				return *existing, nil
			}
		}
	}

	taskID := in.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	if _, exists := m.tasks[taskID]; exists {
		return Task{}, storageErr("task_id already exists")
	}

	t := &Task{
		TaskID:         taskID,
		IdempotencyKey: in.IdempotencyKey,
		WorkflowType:   in.WorkflowType,
		Mode:           in.Mode,
		Priority:       in.Priority,
		Status:         StatusPending,
		SubsystemRetry: map[string]int{},
		Params:         in.Params,
		CreatedAt:      m.now().UTC(),
		Version:        1,
	}
	m.tasks[taskID] = t
	if in.IdempotencyKey != "" {
		m.byIdempotency[in.IdempotencyKey] = taskID
	}
	return *t, nil
}

func (m *MemRepository) FindByID(_ context.Context, taskID string) (Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.Deleted {
		return Task{}, false, nil
	}
	return *t, true, nil
}

func (m *MemRepository) FindByIdempotencyKey(_ context.Context, key string) (Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	taskID, ok := m.byIdempotency[key]
	if !ok {
		return Task{}, false, nil
	}
	t, ok := m.tasks[taskID]
	if !ok || t.Deleted {
		return Task{}, false, nil
	}
	return *t, true, nil
}

// FindByUser has no user column in this spec's Task shape; it is kept on
// the interface for parity with spec §4.1 and implemented here as an
// unfiltered, paged listing ordered by creation time.
func (m *MemRepository) FindByUser(_ context.Context, _ string, page Page) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pagedSnapshot(func(Task) bool { return true }, page), nil
}

func (m *MemRepository) FindMany(_ context.Context, filter Filter, page Page) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pagedSnapshot(func(t Task) bool {
		if filter.WorkflowType != "" && t.WorkflowType != filter.WorkflowType {
			return false
		}
		if filter.Status != "" && t.Status != filter.Status {
			return false
		}
		return true
	}, page), nil
}

func (m *MemRepository) pagedSnapshot(match func(Task) bool, page Page) []Task {
	all := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.Deleted || !match(*t) {
			continue
		}
		all = append(all, *t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	if page.Offset >= len(all) {
		return nil
	}
	all = all[page.Offset:]
	if page.Limit > 0 && page.Limit < len(all) {
		all = all[:page.Limit]
	}
	return all
}

func (m *MemRepository) Count(_ context.Context, filter Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Deleted {
			continue
		}
		if filter.WorkflowType != "" && t.WorkflowType != filter.WorkflowType {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		n++
	}
	return n, nil
}

func (m *MemRepository) cas(taskID string, expectedVersion int64, mutate func(t *Task)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.Deleted {
		return false, nil
	}
	if t.Version != expectedVersion {
		return false, nil
	}
	mutate(t)
	t.Version++
	return true, nil
}

func (m *MemRepository) UpdateStatus(_ context.Context, taskID string, newStatus Status, expectedVersion int64) (bool, error) {
	return m.cas(taskID, expectedVersion, func(t *Task) {
		t.Status = newStatus
		if newStatus.Terminal() {
			now := m.now().UTC()
			t.CompletedAt = &now
		}
		if newStatus == StatusRunning && t.StartedAt == nil {
			now := m.now().UTC()
			t.StartedAt = &now
		}
	})
}

func (m *MemRepository) UpdateCurrentStep(_ context.Context, taskID, step string, expectedVersion int64) (bool, error) {
	return m.cas(taskID, expectedVersion, func(t *Task) { t.CurrentStep = step })
}

func (m *MemRepository) IncrementRetryCount(_ context.Context, taskID, subsystem string, expectedVersion int64) (bool, error) {
	return m.cas(taskID, expectedVersion, func(t *Task) {
		t.RetryCount++
		if subsystem != "" {
			if t.SubsystemRetry == nil {
				t.SubsystemRetry = map[string]int{}
			}
			t.SubsystemRetry[subsystem]++
		}
	})
}

func (m *MemRepository) SaveStateSnapshot(_ context.Context, taskID string, snapshot []byte, expectedVersion int64) (bool, error) {
	return m.cas(taskID, expectedVersion, func(t *Task) { t.StateSnapshot = snapshot })
}

func (m *MemRepository) ClaimTask(_ context.Context, taskID, workerID string, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.Deleted {
		return false, nil
	}
	if t.Version != expectedVersion || t.Status != StatusPending {
		return false, nil
	}
	now := m.now().UTC()
	t.Status = StatusRunning
	t.WorkerID = workerID
	t.StartedAt = &now
	t.Version++
	return true, nil
}

func (m *MemRepository) ReleaseWorker(_ context.Context, taskID, workerID string, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.Deleted {
		return false, nil
	}
	if t.Version != expectedVersion || t.WorkerID != workerID {
		return false, nil
	}
	t.WorkerID = ""
	t.Version++
	return true, nil
}

func (m *MemRepository) MarkAsCompleted(ctx context.Context, taskID string, expectedVersion int64) (bool, error) {
	return m.UpdateStatus(ctx, taskID, StatusCompleted, expectedVersion)
}

func (m *MemRepository) MarkAsFailed(_ context.Context, taskID, errorMessage string, expectedVersion int64) (bool, error) {
	return m.cas(taskID, expectedVersion, func(t *Task) {
		t.Status = StatusFailed
		t.ErrorMessage = apperr.Scrub(errorMessage)
		now := m.now().UTC()
		t.CompletedAt = &now
	})
}

func (m *MemRepository) SoftDelete(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return storageErr("task not found")
	}
	t.Deleted = true
	return nil
}

func (m *MemRepository) Delete(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[taskID]; ok && t.IdempotencyKey != "" {
		delete(m.byIdempotency, t.IdempotencyKey)
	}
	delete(m.tasks, taskID)
	delete(m.results, taskID)
	delete(m.tokenUsage, taskID)
	return nil
}

func (m *MemRepository) GetPendingTasks(_ context.Context, limit int) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := make([]Task, 0)
	for _, t := range m.tasks {
		if !t.Deleted && t.Status == StatusPending {
			pending = append(pending, *t)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && limit < len(pending) {
		pending = pending[:limit]
	}
	return pending, nil
}

func (m *MemRepository) GetActiveTasksByWorker(_ context.Context, workerID string) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := make([]Task, 0)
	for _, t := range m.tasks {
		if !t.Deleted && t.Status == StatusRunning && t.WorkerID == workerID {
			active = append(active, *t)
		}
	}
	return active, nil
}

func (m *MemRepository) AppendResult(_ context.Context, r Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[r.TaskID]; !ok {
		return storageErr("task not found")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now().UTC()
	}
	m.results[r.TaskID] = append(m.results[r.TaskID], r)
	return nil
}

func (m *MemRepository) AppendTokenUsage(_ context.Context, u TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[u.TaskID]; !ok {
		return storageErr("task not found")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now().UTC()
	}
	m.tokenUsage[u.TaskID] = append(m.tokenUsage[u.TaskID], u)
	return nil
}

func (m *MemRepository) FindResults(_ context.Context, taskID string) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Result, len(m.results[taskID]))
	copy(out, m.results[taskID])
	return out, nil
}

var _ Repository = (*MemRepository)(nil)
