// Package batches serves reads and user-driven task transitions: listing,
// retry, cancel, and soft deletion.
package batches

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/videoforge/videoforge/internal/app/domain/batch"
	"github.com/videoforge/videoforge/internal/app/pricing"
	"github.com/videoforge/videoforge/internal/app/services/credits"
	"github.com/videoforge/videoforge/internal/app/services/reconciler"
	"github.com/videoforge/videoforge/internal/app/storage"
	"github.com/videoforge/videoforge/pkg/logger"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
)

// ErrForbidden is returned when a caller touches a record they do not own.
var ErrForbidden = errors.New("not the owner of this record")

// ErrBadTransition is returned when a requested task transition has no edge
// in the state machine.
var ErrBadTransition = errors.New("transition not allowed from current status")

// Enqueuer receives retried task IDs for dispatch.
type Enqueuer interface {
	Enqueue(taskID string)
}

// Service handles batch and task reads plus user-driven transitions.
type Service struct {
	batches storage.BatchStore
	tasks   storage.TaskStore
	credits *credits.Service
	recon   *reconciler.Service
	queue   Enqueuer
	log     *logger.Logger

	now func() time.Time
}

// New creates a batches service.
func New(batches storage.BatchStore, tasks storage.TaskStore, creditSvc *credits.Service, recon *reconciler.Service, queue Enqueuer, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("batches")
	}
	return &Service{
		batches: batches,
		tasks:   tasks,
		credits: creditSvc,
		recon:   recon,
		queue:   queue,
		log:     log,
		now:     time.Now,
	}
}

// GetBatch returns the owner's batch.
func (s *Service) GetBatch(ctx context.Context, ownerID, batchID string) (batch.Batch, error) {
	return s.ownedBatch(ctx, ownerID, batchID)
}

// ListBatches returns one page of the owner's batches, newest first, along
// with the total count. Page starts at 1; the page size is clamped.
func (s *Service) ListBatches(ctx context.Context, ownerID string, page, pageSize int) ([]batch.Batch, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return s.batches.ListBatches(ctx, ownerID, (page-1)*pageSize, pageSize)
}

// ListTasks reconciles the batch and then returns its tasks in creation
// order. Running the correction rules on the read path means a listing never
// shows a result-bearing task as anything but completed.
func (s *Service) ListTasks(ctx context.Context, ownerID, batchID string) ([]batch.Task, error) {
	if _, err := s.ownedBatch(ctx, ownerID, batchID); err != nil {
		return nil, err
	}
	if err := s.recon.ReconcileBatch(ctx, batchID); err != nil {
		s.log.WithError(err).WithField("batch_id", batchID).Warn("read-path reconcile failed")
	}
	return s.tasks.ListBatchTasks(ctx, batchID)
}

// RetryTask re-queues a failed task. The error summary is cleared and the
// retry counter incremented; the task keeps its identity and ledger history.
func (s *Service) RetryTask(ctx context.Context, ownerID, taskID string) (batch.Task, error) {
	t, err := s.ownedTask(ctx, ownerID, taskID)
	if err != nil {
		return batch.Task{}, err
	}
	if !t.Status.CanTransition(batch.StatusQueued) {
		return batch.Task{}, fmt.Errorf("retry %s from %s: %w", taskID, t.Status, ErrBadTransition)
	}

	t.Status = batch.StatusQueued
	t.ErrorSummary = ""
	t.ResultURL = ""
	t.Progress = 0
	t.Retries++
	updated, err := s.tasks.UpdateTask(ctx, t)
	if err != nil {
		return batch.Task{}, fmt.Errorf("retry task: %w", err)
	}

	s.queue.Enqueue(updated.ID)
	s.recompute(ctx, updated.BatchID)

	s.log.WithField("task_id", taskID).
		WithField("retries", updated.Retries).
		Info("task re-queued")
	return updated, nil
}

// RerunTask creates a fresh task in the same batch copying a finished task's
// parameters, linked to it for lineage. The new unit is charged separately
// because the original's cost is already settled, by completion or by refund.
func (s *Service) RerunTask(ctx context.Context, ownerID, taskID string) (batch.Task, error) {
	orig, err := s.ownedTask(ctx, ownerID, taskID)
	if err != nil {
		return batch.Task{}, err
	}
	if !orig.Status.Terminal() {
		return batch.Task{}, fmt.Errorf("rerun %s from %s: %w", taskID, orig.Status, ErrBadTransition)
	}

	cost := pricing.UnitCost(orig.Params.Model, orig.Params.Duration, orig.Params.Size)
	if err := s.credits.DebitBatch(ctx, ownerID, orig.BatchID, cost); err != nil {
		return batch.Task{}, err
	}

	created, err := s.tasks.CreateTasks(ctx, []batch.Task{{
		BatchID:     orig.BatchID,
		OwnerID:     ownerID,
		Prompt:      orig.Prompt,
		Params:      orig.Params,
		ImageRef:    orig.ImageRef,
		Status:      batch.StatusQueued,
		RerunOfTask: orig.ID,
	}})
	if err != nil {
		return batch.Task{}, fmt.Errorf("rerun task: %w", err)
	}

	s.queue.Enqueue(created[0].ID)
	s.recompute(ctx, orig.BatchID)

	s.log.WithField("task_id", created[0].ID).
		WithField("rerun_of", orig.ID).
		Info("task rerun created")
	return created[0], nil
}

// CancelTask cancels a task that has not finished. A task already claimed by
// the scheduler may still complete its provider call if the cancel lands after
// the executor's post-claim check.
func (s *Service) CancelTask(ctx context.Context, ownerID, taskID string) (batch.Task, error) {
	t, err := s.ownedTask(ctx, ownerID, taskID)
	if err != nil {
		return batch.Task{}, err
	}
	if !t.Status.CanTransition(batch.StatusCancelled) {
		return batch.Task{}, fmt.Errorf("cancel %s from %s: %w", taskID, t.Status, ErrBadTransition)
	}

	t.Status = batch.StatusCancelled
	updated, err := s.tasks.UpdateTask(ctx, t)
	if err != nil {
		return batch.Task{}, fmt.Errorf("cancel task: %w", err)
	}

	s.recompute(ctx, updated.BatchID)
	s.log.WithField("task_id", taskID).Info("task cancelled")
	return updated, nil
}

// DeleteTask soft-deletes a task and recomputes its batch aggregates.
func (s *Service) DeleteTask(ctx context.Context, ownerID, taskID string) error {
	t, err := s.ownedTask(ctx, ownerID, taskID)
	if err != nil {
		return err
	}
	if err := s.tasks.SoftDeleteTask(ctx, taskID, s.now()); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	s.recompute(ctx, t.BatchID)
	return nil
}

// DeleteBatch soft-deletes a batch and all of its tasks.
func (s *Service) DeleteBatch(ctx context.Context, ownerID, batchID string) error {
	if _, err := s.ownedBatch(ctx, ownerID, batchID); err != nil {
		return err
	}

	tasks, err := s.tasks.ListBatchTasks(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	at := s.now()
	for _, t := range tasks {
		if err := s.tasks.SoftDeleteTask(ctx, t.ID, at); err != nil {
			return fmt.Errorf("delete task %s: %w", t.ID, err)
		}
	}
	if err := s.batches.SoftDeleteBatch(ctx, batchID, at); err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}

	s.log.WithField("batch_id", batchID).
		WithField("tasks", len(tasks)).
		Info("batch deleted")
	return nil
}

func (s *Service) ownedBatch(ctx context.Context, ownerID, batchID string) (batch.Batch, error) {
	b, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return batch.Batch{}, err
	}
	if b.OwnerID != ownerID {
		return batch.Batch{}, ErrForbidden
	}
	return b, nil
}

func (s *Service) ownedTask(ctx context.Context, ownerID, taskID string) (batch.Task, error) {
	t, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return batch.Task{}, err
	}
	if t.OwnerID != ownerID {
		return batch.Task{}, ErrForbidden
	}
	return t, nil
}

func (s *Service) recompute(ctx context.Context, batchID string) {
	if err := s.recon.Recompute(ctx, batchID); err != nil {
		s.log.WithError(err).WithField("batch_id", batchID).Warn("recompute failed")
	}
}
