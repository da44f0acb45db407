package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/contentforge/orchestrator/apperr"
)

// SQLiteRepository is the DATABASE_TYPE=embedded backend (spec §6.6): a
// single-file, WAL-mode store for local and single-instance deployments,
// grounded on the teacher's graph/store/sqlite.go (same db/sql-over-
// modernc.org/sqlite pattern, generalized from checkpoint rows to the
// task/result/token-usage model).
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (and migrates) a SQLite-backed Repository at
// path. Pass ":memory:" for an ephemeral, single-connection database.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("task: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("task: %s: %w", pragma, err)
		}
	}

	r := &SQLiteRepository{db: db}
	if err := r.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL DEFAULT '',
			workflow_type TEXT NOT NULL,
			mode TEXT NOT NULL,
			priority INTEGER NOT NULL,
			status TEXT NOT NULL,
			current_step TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			subsystem_retry TEXT NOT NULL DEFAULT '{}',
			error_message TEXT NOT NULL DEFAULT '',
			worker_id TEXT NOT NULL DEFAULT '',
			params TEXT NOT NULL DEFAULT '{}',
			state_snapshot BLOB,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			version INTEGER NOT NULL DEFAULT 1,
			deleted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idempotency ON tasks(idempotency_key) WHERE idempotency_key != ''`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks(worker_id, status)`,
		`CREATE TABLE IF NOT EXISTS task_results (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(task_id),
			result_type TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			file_path TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_task ON task_results(task_id)`,
		`CREATE TABLE IF NOT EXISTS task_token_usage (
			task_id TEXT NOT NULL REFERENCES tasks(task_id),
			step TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cost REAL NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("task: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database connection.
func (r *SQLiteRepository) Close() error { return r.db.Close() }

func sqlStorageErr(op string, err error) error {
	return apperr.Wrap(apperr.KindStorageError, err, "task repository: "+op)
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal([]byte(raw), &m)
	return m
}

func unmarshalJSONIntMap(raw string) map[string]int {
	if raw == "" {
		return nil
	}
	var m map[string]int
	_ = json.Unmarshal([]byte(raw), &m)
	return m
}

func (r *SQLiteRepository) Create(ctx context.Context, in CreateInput) (Task, error) {
	if in.IdempotencyKey != "" {
		if existing, ok, err := r.FindByIdempotencyKey(ctx, in.IdempotencyKey); err != nil {
			return Task{}, err
		} else if ok && !existing.Status.Terminal() {
			return existing, nil
		}
	}

	taskID := in.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	params, err := marshalJSON(in.Params)
	if err != nil {
		return Task{}, sqlStorageErr("create: marshal params", err)
	}
	now := time.Now().UTC()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, idempotency_key, workflow_type, mode, priority, status, subsystem_retry, params, created_at, version)
		VALUES (?, ?, ?, ?, ?, ?, '{}', ?, ?, 1)
	`, taskID, in.IdempotencyKey, in.WorkflowType, string(in.Mode), in.Priority, string(StatusPending), params, now)
	if err != nil {
		return Task{}, sqlStorageErr("create", err)
	}
	t, ok, err := r.FindByID(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if !ok {
		return Task{}, sqlStorageErr("create", errors.New("row vanished after insert"))
	}
	return t, nil
}

const taskColumns = `task_id, idempotency_key, workflow_type, mode, priority, status, current_step,
	retry_count, subsystem_retry, error_message, worker_id, params, state_snapshot,
	created_at, started_at, completed_at, version, deleted`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var (
		t              Task
		mode           string
		status         string
		subsystemRetry string
		params         string
		stateSnapshot  sql.NullString
		startedAt      sql.NullTime
		completedAt    sql.NullTime
		deleted        int
	)
	err := row.Scan(&t.TaskID, &t.IdempotencyKey, &t.WorkflowType, &mode, &t.Priority, &status, &t.CurrentStep,
		&t.RetryCount, &subsystemRetry, &t.ErrorMessage, &t.WorkerID, &params, &stateSnapshot,
		&t.CreatedAt, &startedAt, &completedAt, &t.Version, &deleted)
	if err != nil {
		return Task{}, err
	}
	t.Mode = Mode(mode)
	t.Status = Status(status)
	t.SubsystemRetry = unmarshalJSONIntMap(subsystemRetry)
	t.Params = unmarshalJSONMap(params)
	if stateSnapshot.Valid {
		t.StateSnapshot = []byte(stateSnapshot.String)
	}
	if startedAt.Valid {
		ts := startedAt.Time
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	t.Deleted = deleted != 0
	return t, nil
}

func (r *SQLiteRepository) FindByID(ctx context.Context, taskID string) (Task, bool, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE task_id = ? AND deleted = 0", taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, sqlStorageErr("find_by_id", err)
	}
	return t, true, nil
}

func (r *SQLiteRepository) FindByIdempotencyKey(ctx context.Context, key string) (Task, bool, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE idempotency_key = ? AND deleted = 0", key)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, sqlStorageErr("find_by_idempotency_key", err)
	}
	return t, true, nil
}

func (r *SQLiteRepository) FindByUser(ctx context.Context, _ string, page Page) ([]Task, error) {
	return r.findPaged(ctx, "", nil, page)
}

func (r *SQLiteRepository) FindMany(ctx context.Context, filter Filter, page Page) ([]Task, error) {
	where := "deleted = 0"
	args := []any{}
	if filter.WorkflowType != "" {
		where += " AND workflow_type = ?"
		args = append(args, filter.WorkflowType)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	return r.findPaged(ctx, where, args, page)
}

func (r *SQLiteRepository) findPaged(ctx context.Context, extraWhere string, args []any, page Page) ([]Task, error) {
	where := "deleted = 0"
	if extraWhere != "" {
		where = extraWhere
	}
	query := "SELECT " + taskColumns + " FROM tasks WHERE " + where + " ORDER BY created_at ASC"
	if page.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, page.Limit, page.Offset)
	} else if page.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, page.Offset)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqlStorageErr("find_many", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, sqlStorageErr("find_many: scan", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) Count(ctx context.Context, filter Filter) (int, error) {
	where := "deleted = 0"
	args := []any{}
	if filter.WorkflowType != "" {
		where += " AND workflow_type = ?"
		args = append(args, filter.WorkflowType)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks WHERE "+where, args...).Scan(&n)
	if err != nil {
		return 0, sqlStorageErr("count", err)
	}
	return n, nil
}

// cas runs an UPDATE guarded by task_id + version and reports whether the
// row matched (false, nil on a stale/missing version, mirroring
// MemRepository.cas and the Repository contract's CAS semantics).
func (r *SQLiteRepository) cas(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, sqlStorageErr("cas", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, sqlStorageErr("cas: rows_affected", err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) UpdateStatus(ctx context.Context, taskID string, newStatus Status, expectedVersion int64) (bool, error) {
	now := time.Now().UTC()
	switch newStatus {
	case StatusRunning:
		return r.cas(ctx, `UPDATE tasks SET status = ?, version = version + 1,
			started_at = COALESCE(started_at, ?) WHERE task_id = ? AND version = ? AND deleted = 0`,
			string(newStatus), now, taskID, expectedVersion)
	default:
		if newStatus.Terminal() {
			return r.cas(ctx, `UPDATE tasks SET status = ?, version = version + 1, completed_at = ?
				WHERE task_id = ? AND version = ? AND deleted = 0`,
				string(newStatus), now, taskID, expectedVersion)
		}
		return r.cas(ctx, `UPDATE tasks SET status = ?, version = version + 1
			WHERE task_id = ? AND version = ? AND deleted = 0`,
			string(newStatus), taskID, expectedVersion)
	}
}

func (r *SQLiteRepository) UpdateCurrentStep(ctx context.Context, taskID, step string, expectedVersion int64) (bool, error) {
	return r.cas(ctx, `UPDATE tasks SET current_step = ?, version = version + 1
		WHERE task_id = ? AND version = ? AND deleted = 0`, step, taskID, expectedVersion)
}

func (r *SQLiteRepository) IncrementRetryCount(ctx context.Context, taskID, subsystem string, expectedVersion int64) (bool, error) {
	t, ok, err := r.FindByID(ctx, taskID)
	if err != nil || !ok {
		return false, err
	}
	if t.Version != expectedVersion {
		return false, nil
	}
	retry := t.SubsystemRetry
	if retry == nil {
		retry = map[string]int{}
	}
	if subsystem != "" {
		retry[subsystem]++
	}
	retryJSON, err := marshalJSON(retry)
	if err != nil {
		return false, sqlStorageErr("increment_retry_count: marshal", err)
	}
	return r.cas(ctx, `UPDATE tasks SET retry_count = retry_count + 1, subsystem_retry = ?, version = version + 1
		WHERE task_id = ? AND version = ? AND deleted = 0`, retryJSON, taskID, expectedVersion)
}

func (r *SQLiteRepository) SaveStateSnapshot(ctx context.Context, taskID string, snapshot []byte, expectedVersion int64) (bool, error) {
	return r.cas(ctx, `UPDATE tasks SET state_snapshot = ?, version = version + 1
		WHERE task_id = ? AND version = ? AND deleted = 0`, snapshot, taskID, expectedVersion)
}

func (r *SQLiteRepository) ClaimTask(ctx context.Context, taskID, workerID string, expectedVersion int64) (bool, error) {
	now := time.Now().UTC()
	return r.cas(ctx, `UPDATE tasks SET status = ?, worker_id = ?, started_at = ?, version = version + 1
		WHERE task_id = ? AND version = ? AND status = ? AND deleted = 0`,
		string(StatusRunning), workerID, now, taskID, expectedVersion, string(StatusPending))
}

func (r *SQLiteRepository) ReleaseWorker(ctx context.Context, taskID, workerID string, expectedVersion int64) (bool, error) {
	return r.cas(ctx, `UPDATE tasks SET worker_id = '', version = version + 1
		WHERE task_id = ? AND version = ? AND worker_id = ? AND deleted = 0`, taskID, expectedVersion, workerID)
}

func (r *SQLiteRepository) MarkAsCompleted(ctx context.Context, taskID string, expectedVersion int64) (bool, error) {
	return r.UpdateStatus(ctx, taskID, StatusCompleted, expectedVersion)
}

func (r *SQLiteRepository) MarkAsFailed(ctx context.Context, taskID, errorMessage string, expectedVersion int64) (bool, error) {
	now := time.Now().UTC()
	return r.cas(ctx, `UPDATE tasks SET status = ?, error_message = ?, completed_at = ?, version = version + 1
		WHERE task_id = ? AND version = ? AND deleted = 0`,
		string(StatusFailed), apperr.Scrub(errorMessage), now, taskID, expectedVersion)
}

func (r *SQLiteRepository) SoftDelete(ctx context.Context, taskID string) error {
	res, err := r.db.ExecContext(ctx, "UPDATE tasks SET deleted = 1 WHERE task_id = ?", taskID)
	if err != nil {
		return sqlStorageErr("soft_delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return sqlStorageErr("soft_delete: rows_affected", err)
	}
	if n == 0 {
		return sqlStorageErr("soft_delete", errors.New("task not found"))
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, taskID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return sqlStorageErr("delete: begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, "DELETE FROM task_token_usage WHERE task_id = ?", taskID); err != nil {
		return sqlStorageErr("delete: token_usage", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM task_results WHERE task_id = ?", taskID); err != nil {
		return sqlStorageErr("delete: results", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE task_id = ?", taskID); err != nil {
		return sqlStorageErr("delete: tasks", err)
	}
	return tx.Commit()
}

func (r *SQLiteRepository) GetPendingTasks(ctx context.Context, limit int) ([]Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE status = ? AND deleted = 0 ORDER BY priority ASC, created_at ASC"
	args := []any{string(StatusPending)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqlStorageErr("get_pending_tasks", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, sqlStorageErr("get_pending_tasks: scan", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) GetActiveTasksByWorker(ctx context.Context, workerID string) ([]Task, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE status = ? AND worker_id = ? AND deleted = 0",
		string(StatusRunning), workerID)
	if err != nil {
		return nil, sqlStorageErr("get_active_tasks_by_worker", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, sqlStorageErr("get_active_tasks_by_worker: scan", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) AppendResult(ctx context.Context, res Result) error {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	metadata, err := marshalJSON(res.Metadata)
	if err != nil {
		return sqlStorageErr("append_result: marshal metadata", err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO task_results (id, task_id, result_type, content, file_path, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, res.ID, res.TaskID, res.ResultType, res.Content, res.FilePath, metadata, res.CreatedAt)
	if err != nil {
		return sqlStorageErr("append_result", err)
	}
	return nil
}

func (r *SQLiteRepository) AppendTokenUsage(ctx context.Context, u TokenUsage) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO task_token_usage (task_id, step, input_tokens, output_tokens, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, u.TaskID, u.Step, u.InputTokens, u.OutputTokens, u.Cost, u.CreatedAt)
	if err != nil {
		return sqlStorageErr("append_token_usage", err)
	}
	return nil
}

func (r *SQLiteRepository) FindResults(ctx context.Context, taskID string) ([]Result, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, task_id, result_type, content, file_path, metadata, created_at
		FROM task_results WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, sqlStorageErr("find_results", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Result
	for rows.Next() {
		var res Result
		var metadata string
		if err := rows.Scan(&res.ID, &res.TaskID, &res.ResultType, &res.Content, &res.FilePath, &metadata, &res.CreatedAt); err != nil {
			return nil, sqlStorageErr("find_results: scan", err)
		}
		res.Metadata = unmarshalJSONMap(metadata)
		out = append(out, res)
	}
	return out, rows.Err()
}

var _ Repository = (*SQLiteRepository)(nil)
