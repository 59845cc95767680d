// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/videoforge/videoforge/internal/app/domain/batch"
	"github.com/videoforge/videoforge/internal/app/domain/credit"
	"github.com/videoforge/videoforge/internal/app/storage"
)

// Store implements the storage interfaces on a PostgreSQL database.
type Store struct {
	db *sqlx.DB
}

var _ storage.BatchStore = (*Store)(nil)
var _ storage.TaskStore = (*Store)(nil)
var _ storage.CreditStore = (*Store)(nil)
var _ storage.IdempotencyStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to the database, verifies the connection, and applies
// migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

type batchRow struct {
	ID          string     `db:"id"`
	OwnerID     string     `db:"owner_id"`
	Prompt      string     `db:"prompt"`
	Model       string     `db:"model"`
	Orientation string     `db:"orientation"`
	Size        string     `db:"size"`
	Duration    int        `db:"duration"`
	Count       int        `db:"count"`
	ImageRef    string     `db:"image_ref"`
	Total       int        `db:"total"`
	Completed   int        `db:"completed"`
	Failed      int        `db:"failed"`
	Running     int        `db:"running"`
	Queued      int        `db:"queued"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	DeletedAt   *time.Time `db:"deleted_at"`
}

func (r batchRow) domain() batch.Batch {
	return batch.Batch{
		ID:      r.ID,
		OwnerID: r.OwnerID,
		Prompt:  r.Prompt,
		Params: batch.Params{
			Model:       r.Model,
			Orientation: r.Orientation,
			Size:        r.Size,
			Duration:    r.Duration,
		},
		Count:     r.Count,
		ImageRef:  r.ImageRef,
		Total:     r.Total,
		Completed: r.Completed,
		Failed:    r.Failed,
		Running:   r.Running,
		Queued:    r.Queued,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		DeletedAt: r.DeletedAt,
	}
}

type taskRow struct {
	ID              string     `db:"id"`
	BatchID         string     `db:"batch_id"`
	OwnerID         string     `db:"owner_id"`
	Prompt          string     `db:"prompt"`
	Model           string     `db:"model"`
	Orientation     string     `db:"orientation"`
	Size            string     `db:"size"`
	Duration        int        `db:"duration"`
	ImageRef        string     `db:"image_ref"`
	Status          string     `db:"status"`
	ErrorSummary    string     `db:"error_summary"`
	Retries         int        `db:"retries"`
	RerunOfTask     string     `db:"rerun_of_task"`
	ResultURL       string     `db:"result_url"`
	Progress        int        `db:"progress"`
	RemoteStartedAt *time.Time `db:"remote_started_at"`
	RemoteEndedAt   *time.Time `db:"remote_ended_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	DeletedAt       *time.Time `db:"deleted_at"`
}

func (r taskRow) domain() batch.Task {
	return batch.Task{
		ID:      r.ID,
		BatchID: r.BatchID,
		OwnerID: r.OwnerID,
		Prompt:  r.Prompt,
		Params: batch.Params{
			Model:       r.Model,
			Orientation: r.Orientation,
			Size:        r.Size,
			Duration:    r.Duration,
		},
		ImageRef:        r.ImageRef,
		Status:          batch.Status(r.Status),
		ErrorSummary:    r.ErrorSummary,
		Retries:         r.Retries,
		RerunOfTask:     r.RerunOfTask,
		ResultURL:       r.ResultURL,
		Progress:        r.Progress,
		RemoteStartedAt: r.RemoteStartedAt,
		RemoteEndedAt:   r.RemoteEndedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		DeletedAt:       r.DeletedAt,
	}
}

const taskColumns = `id, batch_id, owner_id, prompt, model, orientation, size, duration,
	image_ref, status, error_summary, retries, rerun_of_task, result_url, progress,
	remote_started_at, remote_ended_at, created_at, updated_at, deleted_at`

const batchColumns = `id, owner_id, prompt, model, orientation, size, duration, count,
	image_ref, total, completed, failed, running, queued, created_at, updated_at, deleted_at`

// --- BatchStore -------------------------------------------------------------

func (s *Store) CreateBatch(ctx context.Context, b batch.Batch) (batch.Batch, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, b.ID, b.OwnerID, b.Prompt, b.Params.Model, b.Params.Orientation, b.Params.Size,
		b.Params.Duration, b.Count, b.ImageRef, b.Total, b.Completed, b.Failed,
		b.Running, b.Queued, b.CreatedAt, b.UpdatedAt, b.DeletedAt)
	if err != nil {
		return batch.Batch{}, mapError(err)
	}
	return b, nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (batch.Batch, error) {
	var row batchRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+batchColumns+` FROM batches WHERE id = $1
	`, id)
	if err != nil {
		return batch.Batch{}, mapError(err)
	}
	return row.domain(), nil
}

func (s *Store) ListBatches(ctx context.Context, ownerID string, offset, limit int) ([]batch.Batch, int, error) {
	var total int
	err := s.db.GetContext(ctx, &total, `
		SELECT COUNT(*) FROM batches WHERE owner_id = $1 AND deleted_at IS NULL
	`, ownerID)
	if err != nil {
		return nil, 0, mapError(err)
	}

	if limit <= 0 {
		limit = total
	}
	var rows []batchRow
	err = s.db.SelectContext(ctx, &rows, `
		SELECT `+batchColumns+` FROM batches
		WHERE owner_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
		OFFSET $2 LIMIT $3
	`, ownerID, offset, limit)
	if err != nil {
		return nil, 0, mapError(err)
	}

	result := make([]batch.Batch, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.domain())
	}
	return result, total, nil
}

func (s *Store) UpdateBatchCounters(ctx context.Context, batchID string, c batch.Counters) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE batches
		SET total = $2, completed = $3, failed = $4, running = $5, queued = $6, updated_at = $7
		WHERE id = $1
	`, batchID, c.Total, c.Completed, c.Failed, c.Running, c.Queued, time.Now().UTC())
	if err != nil {
		return mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("batch %s: %w", batchID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) SoftDeleteBatch(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE batches SET deleted_at = $2, updated_at = $2 WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("batch %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// --- TaskStore --------------------------------------------------------------

func (s *Store) CreateTasks(ctx context.Context, tasks []batch.Task) ([]batch.Task, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, mapError(err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	out := make([]batch.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.CreatedAt = now
		t.UpdatedAt = now
		now = now.Add(time.Microsecond)

		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		`, t.ID, t.BatchID, t.OwnerID, t.Prompt, t.Params.Model, t.Params.Orientation,
			t.Params.Size, t.Params.Duration, t.ImageRef, string(t.Status), t.ErrorSummary,
			t.Retries, t.RerunOfTask, t.ResultURL, t.Progress, t.RemoteStartedAt,
			t.RemoteEndedAt, t.CreatedAt, t.UpdatedAt, t.DeletedAt)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (batch.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+taskColumns+` FROM tasks WHERE id = $1
	`, id)
	if err != nil {
		return batch.Task{}, mapError(err)
	}
	return row.domain(), nil
}

func (s *Store) ListBatchTasks(ctx context.Context, batchID string) ([]batch.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+taskColumns+` FROM tasks
		WHERE batch_id = $1 AND deleted_at IS NULL
		ORDER BY created_at
	`, batchID)
	if err != nil {
		return nil, mapError(err)
	}
	return taskRowsToDomain(rows), nil
}

func (s *Store) ListTasksByStatus(ctx context.Context, statuses ...batch.Status) ([]batch.Task, error) {
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}

	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ANY($1) AND deleted_at IS NULL
		ORDER BY created_at
	`, pq.Array(names))
	if err != nil {
		return nil, mapError(err)
	}
	return taskRowsToDomain(rows), nil
}

// ClaimTask is the single-statement conditional transition that guarantees at
// most one caller moves a task to running.
func (s *Store) ClaimTask(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'running', updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'queued') AND deleted_at IS NULL
	`, id, time.Now().UTC())
	if err != nil {
		return false, mapError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, mapError(err)
	}
	return rows == 1, nil
}

func (s *Store) UpdateTask(ctx context.Context, t batch.Task) (batch.Task, error) {
	t.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, error_summary = $3, retries = $4, result_url = $5,
		    progress = $6, remote_started_at = $7, remote_ended_at = $8, updated_at = $9
		WHERE id = $1
	`, t.ID, string(t.Status), t.ErrorSummary, t.Retries, t.ResultURL,
		t.Progress, t.RemoteStartedAt, t.RemoteEndedAt, t.UpdatedAt)
	if err != nil {
		return batch.Task{}, mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return batch.Task{}, fmt.Errorf("task %s: %w", t.ID, storage.ErrNotFound)
	}
	return t, nil
}

func (s *Store) CountBatchTasks(ctx context.Context, batchID string) (batch.Counters, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks
		WHERE batch_id = $1 AND deleted_at IS NULL
		GROUP BY status
	`, batchID)
	if err != nil {
		return batch.Counters{}, mapError(err)
	}
	defer rows.Close()

	var c batch.Counters
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return batch.Counters{}, mapError(err)
		}
		switch batch.Status(status) {
		case batch.StatusCompleted:
			c.Completed += count
		case batch.StatusFailed:
			c.Failed += count
		case batch.StatusRunning:
			c.Running += count
		case batch.StatusPending, batch.StatusQueued:
			c.Queued += count
		}
	}
	if err := rows.Err(); err != nil {
		return batch.Counters{}, mapError(err)
	}
	c.Total = c.Completed + c.Failed + c.Running + c.Queued
	return c, nil
}

func (s *Store) SoftDeleteTask(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET deleted_at = $2, updated_at = $2 WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("task %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]batch.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'running' AND updated_at < $1 AND deleted_at IS NULL
		ORDER BY created_at
	`, cutoff.UTC())
	if err != nil {
		return nil, mapError(err)
	}
	return taskRowsToDomain(rows), nil
}

// --- CreditStore ------------------------------------------------------------

func (s *Store) AppendTransaction(ctx context.Context, tx credit.Transaction) (credit.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, owner_id, delta, reason, ref_batch_id, ref_task_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, tx.ID, tx.OwnerID, tx.Delta, tx.Reason, tx.RefBatchID, tx.RefTaskID, tx.CreatedAt)
	if err != nil {
		return credit.Transaction{}, mapError(err)
	}
	return tx, nil
}

func (s *Store) SumDeltas(ctx context.Context, ownerID string) (int64, error) {
	var sum int64
	err := s.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(delta), 0) FROM credit_transactions WHERE owner_id = $1
	`, ownerID)
	if err != nil {
		return 0, mapError(err)
	}
	return sum, nil
}

func (s *Store) HasTaskRefund(ctx context.Context, taskID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM credit_transactions WHERE ref_task_id = $1 AND delta > 0
		)
	`, taskID)
	if err != nil {
		return false, mapError(err)
	}
	return exists, nil
}

func (s *Store) ListTransactions(ctx context.Context, ownerID string, limit int) ([]credit.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, delta, reason, ref_batch_id, ref_task_id, created_at
		FROM credit_transactions
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []credit.Transaction
	for rows.Next() {
		var tx credit.Transaction
		if err := rows.Scan(&tx.ID, &tx.OwnerID, &tx.Delta, &tx.Reason, &tx.RefBatchID, &tx.RefTaskID, &tx.CreatedAt); err != nil {
			return nil, mapError(err)
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

// --- IdempotencyStore -------------------------------------------------------

func (s *Store) PutIdempotencyKey(ctx context.Context, rec storage.IdempotencyRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, owner_id, batch_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING
	`, rec.Key, rec.OwnerID, rec.BatchID, rec.CreatedAt)
	return mapError(err)
}

func (s *Store) GetIdempotencyKey(ctx context.Context, key string) (storage.IdempotencyRecord, error) {
	var rec storage.IdempotencyRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT key, owner_id, batch_id, created_at FROM idempotency_keys WHERE key = $1
	`, key).Scan(&rec.Key, &rec.OwnerID, &rec.BatchID, &rec.CreatedAt)
	if err != nil {
		return storage.IdempotencyRecord{}, mapError(err)
	}
	return rec, nil
}

// --- helpers ----------------------------------------------------------------

func taskRowsToDomain(rows []taskRow) []batch.Task {
	result := make([]batch.Task, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.domain())
	}
	return result
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%v: %w", pqErr.Constraint, storage.ErrDuplicate)
	}
	return err
}
