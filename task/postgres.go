package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/contentforge/orchestrator/apperr"
)

// PostgresRepository is the DATABASE_TYPE=network backend (spec §6.6): a
// shared, multi-instance store for production deployments, grounded on the
// pgx-over-sqlx connection pattern used by the pack's kubernaut data-storage
// service (sqlx.Connect("pgx", dsn)).
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository connects to dsn and migrates the task schema.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("task: connect postgres: %w", err)
	}
	r := &PostgresRepository{db: db}
	if err := r.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *PostgresRepository) migrate(ctx context.Context) error {
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
			subsystem_retry JSONB NOT NULL DEFAULT '{}',
			error_message TEXT NOT NULL DEFAULT '',
			worker_id TEXT NOT NULL DEFAULT '',
			params JSONB NOT NULL DEFAULT '{}',
			state_snapshot BYTEA,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			version BIGINT NOT NULL DEFAULT 1,
			deleted BOOLEAN NOT NULL DEFAULT FALSE
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
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_task ON task_results(task_id)`,
		`CREATE TABLE IF NOT EXISTS task_token_usage (
			task_id TEXT NOT NULL REFERENCES tasks(task_id),
			step TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cost DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("task: migrate postgres: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *PostgresRepository) Close() error { return r.db.Close() }

func pgStorageErr(op string, err error) error {
	return apperr.Wrap(apperr.KindStorageError, err, "task repository: "+op)
}

func (r *PostgresRepository) Create(ctx context.Context, in CreateInput) (Task, error) {
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
		return Task{}, pgStorageErr("create: marshal params", err)
	}
	now := time.Now().UTC()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, idempotency_key, workflow_type, mode, priority, status, subsystem_retry, params, created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, '{}', $7, $8, 1)
	`, taskID, in.IdempotencyKey, in.WorkflowType, string(in.Mode), in.Priority, string(StatusPending), params, now)
	if err != nil {
		return Task{}, pgStorageErr("create", err)
	}
	t, ok, err := r.FindByID(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if !ok {
		return Task{}, pgStorageErr("create", errors.New("row vanished after insert"))
	}
	return t, nil
}

const pgTaskColumns = `task_id, idempotency_key, workflow_type, mode, priority, status, current_step,
	retry_count, subsystem_retry, error_message, worker_id, params, state_snapshot,
	created_at, started_at, completed_at, version, deleted`

func (r *PostgresRepository) scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var (
		t              Task
		mode           string
		status         string
		subsystemRetry []byte
		params         []byte
		stateSnapshot  []byte
		startedAt      sql.NullTime
		completedAt    sql.NullTime
	)
	err := row.Scan(&t.TaskID, &t.IdempotencyKey, &t.WorkflowType, &mode, &t.Priority, &status, &t.CurrentStep,
		&t.RetryCount, &subsystemRetry, &t.ErrorMessage, &t.WorkerID, &params, &stateSnapshot,
		&t.CreatedAt, &startedAt, &completedAt, &t.Version, &t.Deleted)
	if err != nil {
		return Task{}, err
	}
	t.Mode = Mode(mode)
	t.Status = Status(status)
	t.SubsystemRetry = unmarshalJSONIntMap(string(subsystemRetry))
	t.Params = unmarshalJSONMap(string(params))
	t.StateSnapshot = stateSnapshot
	if startedAt.Valid {
		ts := startedAt.Time
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	return t, nil
}

func (r *PostgresRepository) FindByID(ctx context.Context, taskID string) (Task, bool, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+pgTaskColumns+" FROM tasks WHERE task_id = $1 AND deleted = FALSE", taskID)
	t, err := r.scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, pgStorageErr("find_by_id", err)
	}
	return t, true, nil
}

func (r *PostgresRepository) FindByIdempotencyKey(ctx context.Context, key string) (Task, bool, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+pgTaskColumns+" FROM tasks WHERE idempotency_key = $1 AND deleted = FALSE", key)
	t, err := r.scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, pgStorageErr("find_by_idempotency_key", err)
	}
	return t, true, nil
}

func (r *PostgresRepository) FindByUser(ctx context.Context, _ string, page Page) ([]Task, error) {
	return r.findPaged(ctx, "deleted = FALSE", nil, page)
}

func (r *PostgresRepository) FindMany(ctx context.Context, filter Filter, page Page) ([]Task, error) {
	where := "deleted = FALSE"
	args := []any{}
	if filter.WorkflowType != "" {
		args = append(args, filter.WorkflowType)
		where += fmt.Sprintf(" AND workflow_type = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	return r.findPaged(ctx, where, args, page)
}

func (r *PostgresRepository) findPaged(ctx context.Context, where string, args []any, page Page) ([]Task, error) {
	query := "SELECT " + pgTaskColumns + " FROM tasks WHERE " + where + " ORDER BY created_at ASC"
	if page.Limit > 0 {
		args = append(args, page.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		args = append(args, page.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	} else if page.Offset > 0 {
		args = append(args, page.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pgStorageErr("find_many", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Task
	for rows.Next() {
		t, err := r.scanTask(rows)
		if err != nil {
			return nil, pgStorageErr("find_many: scan", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Count(ctx context.Context, filter Filter) (int, error) {
	where := "deleted = FALSE"
	args := []any{}
	if filter.WorkflowType != "" {
		args = append(args, filter.WorkflowType)
		where += fmt.Sprintf(" AND workflow_type = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks WHERE "+where, args...).Scan(&n)
	if err != nil {
		return 0, pgStorageErr("count", err)
	}
	return n, nil
}

func (r *PostgresRepository) cas(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, pgStorageErr("cas", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, pgStorageErr("cas: rows_affected", err)
	}
	return n > 0, nil
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, taskID string, newStatus Status, expectedVersion int64) (bool, error) {
	now := time.Now().UTC()
	switch {
	case newStatus == StatusRunning:
		return r.cas(ctx, `UPDATE tasks SET status = $1, version = version + 1,
			started_at = COALESCE(started_at, $2) WHERE task_id = $3 AND version = $4 AND deleted = FALSE`,
			string(newStatus), now, taskID, expectedVersion)
	case newStatus.Terminal():
		return r.cas(ctx, `UPDATE tasks SET status = $1, version = version + 1, completed_at = $2
			WHERE task_id = $3 AND version = $4 AND deleted = FALSE`,
			string(newStatus), now, taskID, expectedVersion)
	default:
		return r.cas(ctx, `UPDATE tasks SET status = $1, version = version + 1
			WHERE task_id = $2 AND version = $3 AND deleted = FALSE`,
			string(newStatus), taskID, expectedVersion)
	}
}

func (r *PostgresRepository) UpdateCurrentStep(ctx context.Context, taskID, step string, expectedVersion int64) (bool, error) {
	return r.cas(ctx, `UPDATE tasks SET current_step = $1, version = version + 1
		WHERE task_id = $2 AND version = $3 AND deleted = FALSE`, step, taskID, expectedVersion)
}

func (r *PostgresRepository) IncrementRetryCount(ctx context.Context, taskID, subsystem string, expectedVersion int64) (bool, error) {
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
		return false, pgStorageErr("increment_retry_count: marshal", err)
	}
	return r.cas(ctx, `UPDATE tasks SET retry_count = retry_count + 1, subsystem_retry = $1, version = version + 1
		WHERE task_id = $2 AND version = $3 AND deleted = FALSE`, retryJSON, taskID, expectedVersion)
}

func (r *PostgresRepository) SaveStateSnapshot(ctx context.Context, taskID string, snapshot []byte, expectedVersion int64) (bool, error) {
	return r.cas(ctx, `UPDATE tasks SET state_snapshot = $1, version = version + 1
		WHERE task_id = $2 AND version = $3 AND deleted = FALSE`, snapshot, taskID, expectedVersion)
}

func (r *PostgresRepository) ClaimTask(ctx context.Context, taskID, workerID string, expectedVersion int64) (bool, error) {
	now := time.Now().UTC()
	return r.cas(ctx, `UPDATE tasks SET status = $1, worker_id = $2, started_at = $3, version = version + 1
		WHERE task_id = $4 AND version = $5 AND status = $6 AND deleted = FALSE`,
		string(StatusRunning), workerID, now, taskID, expectedVersion, string(StatusPending))
}

func (r *PostgresRepository) ReleaseWorker(ctx context.Context, taskID, workerID string, expectedVersion int64) (bool, error) {
	return r.cas(ctx, `UPDATE tasks SET worker_id = '', version = version + 1
		WHERE task_id = $1 AND version = $2 AND worker_id = $3 AND deleted = FALSE`, taskID, expectedVersion, workerID)
}

func (r *PostgresRepository) MarkAsCompleted(ctx context.Context, taskID string, expectedVersion int64) (bool, error) {
	return r.UpdateStatus(ctx, taskID, StatusCompleted, expectedVersion)
}

func (r *PostgresRepository) MarkAsFailed(ctx context.Context, taskID, errorMessage string, expectedVersion int64) (bool, error) {
	now := time.Now().UTC()
	return r.cas(ctx, `UPDATE tasks SET status = $1, error_message = $2, completed_at = $3, version = version + 1
		WHERE task_id = $4 AND version = $5 AND deleted = FALSE`,
		string(StatusFailed), apperr.Scrub(errorMessage), now, taskID, expectedVersion)
}

func (r *PostgresRepository) SoftDelete(ctx context.Context, taskID string) error {
	res, err := r.db.ExecContext(ctx, "UPDATE tasks SET deleted = TRUE WHERE task_id = $1", taskID)
	if err != nil {
		return pgStorageErr("soft_delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return pgStorageErr("soft_delete: rows_affected", err)
	}
	if n == 0 {
		return pgStorageErr("soft_delete", errors.New("task not found"))
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, taskID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return pgStorageErr("delete: begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, "DELETE FROM task_token_usage WHERE task_id = $1", taskID); err != nil {
		return pgStorageErr("delete: token_usage", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM task_results WHERE task_id = $1", taskID); err != nil {
		return pgStorageErr("delete: results", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE task_id = $1", taskID); err != nil {
		return pgStorageErr("delete: tasks", err)
	}
	return tx.Commit()
}

func (r *PostgresRepository) GetPendingTasks(ctx context.Context, limit int) ([]Task, error) {
	query := "SELECT " + pgTaskColumns + " FROM tasks WHERE status = $1 AND deleted = FALSE ORDER BY priority ASC, created_at ASC"
	args := []any{string(StatusPending)}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pgStorageErr("get_pending_tasks", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Task
	for rows.Next() {
		t, err := r.scanTask(rows)
		if err != nil {
			return nil, pgStorageErr("get_pending_tasks: scan", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetActiveTasksByWorker(ctx context.Context, workerID string) ([]Task, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+pgTaskColumns+" FROM tasks WHERE status = $1 AND worker_id = $2 AND deleted = FALSE",
		string(StatusRunning), workerID)
	if err != nil {
		return nil, pgStorageErr("get_active_tasks_by_worker", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Task
	for rows.Next() {
		t, err := r.scanTask(rows)
		if err != nil {
			return nil, pgStorageErr("get_active_tasks_by_worker: scan", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) AppendResult(ctx context.Context, res Result) error {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	metadata, err := marshalJSON(res.Metadata)
	if err != nil {
		return pgStorageErr("append_result: marshal metadata", err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO task_results (id, task_id, result_type, content, file_path, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, res.ID, res.TaskID, res.ResultType, res.Content, res.FilePath, metadata, res.CreatedAt)
	if err != nil {
		return pgStorageErr("append_result", err)
	}
	return nil
}

func (r *PostgresRepository) AppendTokenUsage(ctx context.Context, u TokenUsage) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO task_token_usage (task_id, step, input_tokens, output_tokens, cost, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, u.TaskID, u.Step, u.InputTokens, u.OutputTokens, u.Cost, u.CreatedAt)
	if err != nil {
		return pgStorageErr("append_token_usage", err)
	}
	return nil
}

func (r *PostgresRepository) FindResults(ctx context.Context, taskID string) ([]Result, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, task_id, result_type, content, file_path, metadata, created_at
		FROM task_results WHERE task_id = $1 ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, pgStorageErr("find_results", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Result
	for rows.Next() {
		var res Result
		var metadata []byte
		if err := rows.Scan(&res.ID, &res.TaskID, &res.ResultType, &res.Content, &res.FilePath, &metadata, &res.CreatedAt); err != nil {
			return nil, pgStorageErr("find_results: scan", err)
		}
		res.Metadata = unmarshalJSONMap(string(metadata))
		out = append(out, res)
	}
	return out, rows.Err()
}

var _ Repository = (*PostgresRepository)(nil)
