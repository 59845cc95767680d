// Package scheduler drains the task queue against the remote provider under
// global and per-owner concurrency caps.
//
// The queue is a strict FIFO over task IDs and only its head is ever
// considered for dispatch. When the head's owner is at their concurrency cap
// the whole queue waits behind it; later tasks from other owners are not
// promoted past the head.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/videoforge/videoforge/internal/app/domain/batch"
	"github.com/videoforge/videoforge/internal/app/metrics"
	"github.com/videoforge/videoforge/internal/app/provider"
	"github.com/videoforge/videoforge/internal/app/services/credits"
	"github.com/videoforge/videoforge/internal/app/services/reconciler"
	"github.com/videoforge/videoforge/internal/app/storage"
	"github.com/videoforge/videoforge/pkg/logger"
)

const maxErrorSummary = 500

// Config bounds the scheduler's dispatch and polling behaviour.
type Config struct {
	GlobalConcurrency   int
	PerOwnerConcurrency int
	TickInterval        time.Duration
	PollInterval        time.Duration
	MaxPollDuration     time.Duration
}

// Service owns the in-memory dispatch queue and the executor goroutines.
type Service struct {
	cfg     Config
	tasks   storage.TaskStore
	credits *credits.Service
	recon   *reconciler.Service
	client  provider.Client
	log     *logger.Logger

	mu       sync.Mutex
	queue    []string
	inflight int
	byOwner  map[string]int

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a scheduler. The queue starts empty; Start repopulates it from
// the store so queued work survives restarts.
func New(cfg Config, tasks storage.TaskStore, creditSvc *credits.Service, recon *reconciler.Service, client provider.Client, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Service{
		cfg:     cfg,
		tasks:   tasks,
		credits: creditSvc,
		recon:   recon,
		client:  client,
		log:     log,
		byOwner: make(map[string]int),
	}
}

// Name implements system.Service.
func (s *Service) Name() string { return "scheduler" }

// Start rebuilds the queue from persisted pending and queued tasks, then runs
// the dispatch loop until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}

	if err := s.rebuildQueue(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.loop(loopCtx)

	s.log.WithField("tick", s.cfg.TickInterval.String()).Info("scheduler started")
	return nil
}

// Stop halts dispatch and waits for executor goroutines to wind down. Tasks
// still polling are left in running; the reconciler recovers them.
func (s *Service) Stop(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.running = false
	s.log.Info("scheduler stopped")
	return nil
}

// Enqueue appends a task ID to the dispatch queue.
func (s *Service) Enqueue(taskID string) {
	s.mu.Lock()
	s.queue = append(s.queue, taskID)
	depth := len(s.queue)
	s.mu.Unlock()
	metrics.SetQueueDepth(depth)
}

// QueueDepth returns the number of task IDs waiting for dispatch.
func (s *Service) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// rebuildQueue loads every live pending or queued task in creation order. The
// queue itself is volatile, so this runs on every start.
func (s *Service) rebuildQueue(ctx context.Context) error {
	pending, err := s.tasks.ListTasksByStatus(ctx, batch.StatusPending, batch.StatusQueued)
	if err != nil {
		return fmt.Errorf("rebuild queue: %w", err)
	}
	s.mu.Lock()
	s.queue = s.queue[:0]
	for _, t := range pending {
		s.queue = append(s.queue, t.ID)
	}
	depth := len(s.queue)
	s.mu.Unlock()
	metrics.SetQueueDepth(depth)

	if depth > 0 {
		s.log.WithField("requeued", depth).Info("queue rebuilt from store")
	}
	return nil
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick inspects the queue head and dispatches it when capacity allows. It
// never looks past the head: a blocked head blocks everything behind it.
func (s *Service) tick(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.inflight >= s.cfg.GlobalConcurrency {
			s.mu.Unlock()
			return
		}
		head := s.queue[0]
		s.mu.Unlock()

		task, err := s.tasks.GetTask(ctx, head)
		if err != nil {
			// Deleted or unknown tasks are dropped from the queue.
			s.pop(head)
			continue
		}
		if task.Status != batch.StatusPending && task.Status != batch.StatusQueued {
			s.pop(head)
			continue
		}

		s.mu.Lock()
		if s.byOwner[task.OwnerID] >= s.cfg.PerOwnerConcurrency {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		won, err := s.tasks.ClaimTask(ctx, head)
		if err != nil {
			s.log.WithError(err).WithField("task_id", head).Warn("claim failed")
			return
		}
		if !won {
			// Another transition beat us; the task no longer belongs here.
			s.pop(head)
			continue
		}

		s.pop(head)
		s.mu.Lock()
		s.inflight++
		s.byOwner[task.OwnerID]++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.execute(ctx, task)
	}
}

func (s *Service) pop(taskID string) {
	s.mu.Lock()
	if len(s.queue) > 0 && s.queue[0] == taskID {
		s.queue = s.queue[1:]
	}
	depth := len(s.queue)
	s.mu.Unlock()
	metrics.SetQueueDepth(depth)
}

func (s *Service) release(ownerID string) {
	s.mu.Lock()
	s.inflight--
	if s.byOwner[ownerID] <= 1 {
		delete(s.byOwner, ownerID)
	} else {
		s.byOwner[ownerID]--
	}
	s.mu.Unlock()
}

// execute drives one claimed task through creation and polling against the
// provider until a terminal outcome or the poll deadline.
func (s *Service) execute(ctx context.Context, task batch.Task) {
	defer s.wg.Done()
	defer s.release(task.OwnerID)

	started := time.Now()
	metrics.TaskStarted()
	outcome := string(batch.StatusFailed)
	defer func() {
		metrics.TaskFinished(outcome, time.Since(started))
	}()

	// A cancel can land between the claim and this point. Check once before
	// spending a provider call. The fresh read also carries the running
	// status the claim wrote, so later task writes do not revert it.
	if fresh, err := s.tasks.GetTask(ctx, task.ID); err == nil {
		if fresh.Status == batch.StatusCancelled {
			outcome = string(batch.StatusCancelled)
			s.recompute(ctx, task.BatchID)
			return
		}
		task = fresh
	} else {
		// The claim already moved the task to running; keep the local copy
		// consistent so later writes cannot revert the stored status.
		task.Status = batch.StatusRunning
	}

	handle, err := s.client.CreateJob(ctx, provider.CreateRequest{
		Prompt:         task.Prompt,
		Model:          task.Params.Model,
		Orientation:    task.Params.Orientation,
		Size:           task.Params.Size,
		Duration:       task.Params.Duration,
		ImageURLs:      imageRefs(task),
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		s.fail(ctx, task, fmt.Sprintf("create job: %v", err))
		return
	}

	s.log.WithField("task_id", task.ID).
		WithField("remote_id", handle.ID).
		Info("remote job created")

	outcome = s.poll(ctx, task, handle)
}

// poll watches the remote job until it terminates or the deadline passes,
// returning the recorded outcome.
func (s *Service) poll(ctx context.Context, task batch.Task, handle provider.JobHandle) string {
	deadline := time.Now().Add(s.cfg.MaxPollDuration)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown. The task stays running; the stale sweep recovers it if
			// the process never comes back.
			return "interrupted"
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			s.fail(ctx, task, "timed out waiting for provider result")
			return string(batch.StatusFailed)
		}

		state, err := s.client.PollJob(ctx, handle)
		if err != nil {
			s.log.WithError(err).WithField("task_id", task.ID).Warn("poll failed, retrying")
			continue
		}

		task = s.absorbState(ctx, task, state)

		switch state.Status {
		case provider.RemoteCompleted:
			if state.ResultURL == "" {
				// Completed without a result is not trustworthy; keep polling
				// until the URL shows up or the deadline fails the task.
				continue
			}
			s.complete(ctx, task, state.ResultURL)
			return string(batch.StatusCompleted)
		case provider.RemoteFailed, provider.RemoteCancelled:
			reason := state.Error
			if reason == "" {
				reason = fmt.Sprintf("provider reported %s", state.Status)
			}
			s.fail(ctx, task, reason)
			return string(batch.StatusFailed)
		}
	}
}

// absorbState persists progress and remote timing onto the task. The write
// also refreshes updated_at, which keeps an actively polled task out of the
// stale sweep.
func (s *Service) absorbState(ctx context.Context, task batch.Task, state provider.JobState) batch.Task {
	changed := false
	if state.Progress > task.Progress {
		task.Progress = state.Progress
		changed = true
	}
	if state.StartedAt != nil && task.RemoteStartedAt == nil {
		task.RemoteStartedAt = state.StartedAt
		changed = true
	}
	if state.FinishedAt != nil && task.RemoteEndedAt == nil {
		task.RemoteEndedAt = state.FinishedAt
		changed = true
	}
	if !changed {
		return task
	}
	updated, err := s.tasks.UpdateTask(ctx, task)
	if err != nil {
		s.log.WithError(err).WithField("task_id", task.ID).Warn("progress update failed")
		return task
	}
	return updated
}

func (s *Service) complete(ctx context.Context, task batch.Task, resultURL string) {
	task.Status = batch.StatusCompleted
	task.ResultURL = resultURL
	task.ErrorSummary = ""
	task.Progress = 100
	if _, err := s.tasks.UpdateTask(ctx, task); err != nil {
		s.log.WithError(err).WithField("task_id", task.ID).Error("complete write failed")
		return
	}
	s.log.WithField("task_id", task.ID).Info("task completed")
	s.recompute(ctx, task.BatchID)
}

// fail records the failure and refunds the task's cost. The refund is
// deduplicated by task reference.
func (s *Service) fail(ctx context.Context, task batch.Task, reason string) {
	task.Status = batch.StatusFailed
	task.ErrorSummary = truncate(reason, maxErrorSummary)
	if _, err := s.tasks.UpdateTask(ctx, task); err != nil {
		s.log.WithError(err).WithField("task_id", task.ID).Error("failure write failed")
		return
	}

	if err := s.credits.RefundTask(ctx, task.OwnerID, task.BatchID, task.ID, task.Params.Model, task.Params.Duration, task.Params.Size); err != nil {
		s.log.WithError(err).WithField("task_id", task.ID).Error("refund failed")
	}

	s.log.WithField("task_id", task.ID).
		WithField("reason", task.ErrorSummary).
		Info("task failed")
	s.recompute(ctx, task.BatchID)
}

func (s *Service) recompute(ctx context.Context, batchID string) {
	if err := s.recon.Recompute(ctx, batchID); err != nil {
		s.log.WithError(err).WithField("batch_id", batchID).Warn("recompute failed")
	}
}

func imageRefs(task batch.Task) []string {
	if task.ImageRef == "" {
		return nil
	}
	return []string{task.ImageRef}
}

// truncate caps s at max bytes without splitting a multi-byte rune, so the
// stored summary stays valid UTF-8 for the database encoding.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
