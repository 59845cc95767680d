// Package reconciler repairs drift between task records, the remote provider's
// outcomes, and the derived batch aggregates. Every correction it makes is
// idempotent, so overlapping sweeps and read-path heals are safe.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/videoforge/videoforge/internal/app/domain/batch"
	"github.com/videoforge/videoforge/internal/app/metrics"
	"github.com/videoforge/videoforge/internal/app/services/credits"
	"github.com/videoforge/videoforge/internal/app/storage"
	"github.com/videoforge/videoforge/pkg/logger"
)

const (
	ruleResultPresent = "result_present"
	ruleStaleRunning  = "stale_running"

	staleErrorSummary = "timed out waiting for provider result"
)

// Service applies the reconciliation rules and owns the periodic sweep.
type Service struct {
	batches    storage.BatchStore
	tasks      storage.TaskStore
	credits    *credits.Service
	staleAfter time.Duration
	schedule   string
	log        *logger.Logger

	cron *cron.Cron
	now  func() time.Time
}

// New creates a reconciler. staleAfter bounds how long a task may sit in
// running without an update before it is declared lost; schedule is a cron
// expression for the background sweep.
func New(batches storage.BatchStore, tasks storage.TaskStore, creditSvc *credits.Service, staleAfter time.Duration, schedule string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("reconciler")
	}
	return &Service{
		batches:    batches,
		tasks:      tasks,
		credits:    creditSvc,
		staleAfter: staleAfter,
		schedule:   schedule,
		log:        log,
		now:        time.Now,
	}
}

// Name implements system.Service.
func (s *Service) Name() string { return "reconciler" }

// Start schedules the background sweep.
func (s *Service) Start(_ context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.Sweep(context.Background()); err != nil {
			s.log.WithError(err).Warn("sweep failed, will retry on next run")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.log.WithField("schedule", s.schedule).Info("reconciler started")
	return nil
}

// Stop halts the sweep schedule and waits for an in-flight run to finish.
func (s *Service) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recompute rederives the batch's aggregate counters from its live tasks.
// This is the only code path that writes them.
func (s *Service) Recompute(ctx context.Context, batchID string) error {
	counters, err := s.tasks.CountBatchTasks(ctx, batchID)
	if err != nil {
		return fmt.Errorf("count tasks for %s: %w", batchID, err)
	}
	if err := s.batches.UpdateBatchCounters(ctx, batchID, counters); err != nil {
		return fmt.Errorf("update counters for %s: %w", batchID, err)
	}
	return nil
}

// ReconcileBatch applies the correction rules to every task in the batch and
// recomputes the aggregates. It is invoked on the read path so listings heal
// themselves without waiting for the sweep.
func (s *Service) ReconcileBatch(ctx context.Context, batchID string) error {
	tasks, err := s.tasks.ListBatchTasks(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list tasks for %s: %w", batchID, err)
	}

	cutoff := s.now().Add(-s.staleAfter)
	for _, t := range tasks {
		if err := s.reconcileTask(ctx, t, cutoff); err != nil {
			s.log.WithError(err).WithField("task_id", t.ID).Warn("task correction failed")
		}
	}

	return s.Recompute(ctx, batchID)
}

// Sweep scans all batches for stale running tasks, fails them, refunds them,
// and recomputes the affected aggregates. Errors are logged and retried on the
// next run rather than escalated.
func (s *Service) Sweep(ctx context.Context) error {
	cutoff := s.now().Add(-s.staleAfter)
	stale, err := s.tasks.ListStaleRunning(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stale running: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	touched := make(map[string]bool)
	for _, t := range stale {
		if err := s.failStale(ctx, t); err != nil {
			s.log.WithError(err).WithField("task_id", t.ID).Warn("stale correction failed")
			continue
		}
		touched[t.BatchID] = true
	}

	for batchID := range touched {
		if err := s.Recompute(ctx, batchID); err != nil {
			s.log.WithError(err).WithField("batch_id", batchID).Warn("recompute failed")
		}
	}

	s.log.WithField("corrected", len(stale)).Info("sweep finished")
	return nil
}

func (s *Service) reconcileTask(ctx context.Context, t batch.Task, cutoff time.Time) error {
	switch {
	case t.ResultURL != "" && t.Status != batch.StatusCompleted:
		// A stored result is authoritative regardless of what state the
		// executor last recorded.
		t.Status = batch.StatusCompleted
		t.ErrorSummary = ""
		if _, err := s.tasks.UpdateTask(ctx, t); err != nil {
			return err
		}
		metrics.RecordCorrection(ruleResultPresent)
		s.log.WithField("task_id", t.ID).Info("marked completed from stored result")
		return nil

	case t.Status == batch.StatusRunning && t.UpdatedAt.Before(cutoff):
		return s.failStale(ctx, t)
	}
	return nil
}

// failStale marks a lost running task failed and refunds its cost. The refund
// is deduplicated by task reference, so re-running the rule cannot double-pay.
func (s *Service) failStale(ctx context.Context, t batch.Task) error {
	t.Status = batch.StatusFailed
	t.ErrorSummary = staleErrorSummary
	if _, err := s.tasks.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("fail task %s: %w", t.ID, err)
	}
	metrics.RecordCorrection(ruleStaleRunning)

	if err := s.credits.RefundTask(ctx, t.OwnerID, t.BatchID, t.ID, t.Params.Model, t.Params.Duration, t.Params.Size); err != nil {
		return fmt.Errorf("refund task %s: %w", t.ID, err)
	}
	s.log.WithField("task_id", t.ID).Info("stale running task failed and refunded")
	return nil
}
