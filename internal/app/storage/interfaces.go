// Package storage defines the persistence interfaces the services depend on.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/videoforge/videoforge/internal/app/domain/batch"
	"github.com/videoforge/videoforge/internal/app/domain/credit"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when an insert collides with an existing record,
// including the refund uniqueness guard on the credit ledger.
var ErrDuplicate = errors.New("duplicate record")

// BatchStore persists batch records.
type BatchStore interface {
	CreateBatch(ctx context.Context, b batch.Batch) (batch.Batch, error)
	GetBatch(ctx context.Context, id string) (batch.Batch, error)
	// ListBatches returns the owner's non-deleted batches newest first,
	// along with the total count before paging.
	ListBatches(ctx context.Context, ownerID string, offset, limit int) ([]batch.Batch, int, error)
	// UpdateBatchCounters overwrites the derived aggregate counters. This is
	// the only write path for them.
	UpdateBatchCounters(ctx context.Context, batchID string, c batch.Counters) error
	SoftDeleteBatch(ctx context.Context, id string, at time.Time) error
}

// TaskStore persists task records.
type TaskStore interface {
	CreateTasks(ctx context.Context, tasks []batch.Task) ([]batch.Task, error)
	GetTask(ctx context.Context, id string) (batch.Task, error)
	// ListBatchTasks returns the batch's non-deleted tasks in creation order.
	ListBatchTasks(ctx context.Context, batchID string) ([]batch.Task, error)
	// ListTasksByStatus returns non-deleted tasks in any of the given
	// statuses, in creation order.
	ListTasksByStatus(ctx context.Context, statuses ...batch.Status) ([]batch.Task, error)
	// ClaimTask transitions the task to running only if it is currently
	// pending or queued, as one atomic operation. It reports whether this
	// caller won the claim.
	ClaimTask(ctx context.Context, id string) (bool, error)
	UpdateTask(ctx context.Context, t batch.Task) (batch.Task, error)
	// CountBatchTasks counts the batch's non-deleted tasks partitioned by
	// status.
	CountBatchTasks(ctx context.Context, batchID string) (batch.Counters, error)
	SoftDeleteTask(ctx context.Context, id string, at time.Time) error
	// ListStaleRunning returns non-deleted running tasks not updated since
	// the cutoff.
	ListStaleRunning(ctx context.Context, cutoff time.Time) ([]batch.Task, error)
}

// CreditStore persists the append-only credit ledger.
type CreditStore interface {
	AppendTransaction(ctx context.Context, tx credit.Transaction) (credit.Transaction, error)
	// SumDeltas returns the owner's balance as the sum over all their
	// transaction deltas.
	SumDeltas(ctx context.Context, ownerID string) (int64, error)
	// HasTaskRefund reports whether a positive-delta transaction referencing
	// the task already exists.
	HasTaskRefund(ctx context.Context, taskID string) (bool, error)
	ListTransactions(ctx context.Context, ownerID string, limit int) ([]credit.Transaction, error)
}

// IdempotencyRecord maps a client-supplied key to the batch it produced.
type IdempotencyRecord struct {
	Key       string
	OwnerID   string
	BatchID   string
	CreatedAt time.Time
}

// IdempotencyStore persists submission idempotency keys.
type IdempotencyStore interface {
	PutIdempotencyKey(ctx context.Context, rec IdempotencyRecord) error
	GetIdempotencyKey(ctx context.Context, key string) (IdempotencyRecord, error)
}
