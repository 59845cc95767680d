// Package admission validates, rate-limits, prices, and persists incoming
// batch submissions. A submission is rejected before any write; once the
// batch record exists the caller has been charged and the tasks are queued.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/videoforge/videoforge/internal/app/domain/batch"
	"github.com/videoforge/videoforge/internal/app/domain/credit"
	"github.com/videoforge/videoforge/internal/app/pricing"
	"github.com/videoforge/videoforge/internal/app/services/credits"
	"github.com/videoforge/videoforge/internal/app/services/reconciler"
	"github.com/videoforge/videoforge/internal/app/storage"
	"github.com/videoforge/videoforge/pkg/logger"
)

// ErrRateLimited is returned when the owner exceeded their submission window.
var ErrRateLimited = errors.New("too many submissions, slow down")

// ValidationError rejects a malformed submission. It wraps nothing; the
// message is safe to surface to the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a submission validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Enqueuer receives admitted task IDs for dispatch.
type Enqueuer interface {
	Enqueue(taskID string)
}

// Request is one batch submission.
type Request struct {
	OwnerID        string
	Prompt         string
	Count          int
	Params         batch.Params
	ImageRef       string
	IdempotencyKey string
}

// Config bounds what admission accepts.
type Config struct {
	MaxTasksPerBatch  int
	MaxPromptLength   int
	IdempotencyWindow time.Duration
}

// Service is the submission front door.
type Service struct {
	cfg     Config
	batches storage.BatchStore
	tasks   storage.TaskStore
	idem    storage.IdempotencyStore
	credits *credits.Service
	recon   *reconciler.Service
	limiter Limiter
	queue   Enqueuer
	log     *logger.Logger

	now func() time.Time
}

// New creates an admission service.
func New(cfg Config, batches storage.BatchStore, tasks storage.TaskStore, idem storage.IdempotencyStore, creditSvc *credits.Service, recon *reconciler.Service, limiter Limiter, queue Enqueuer, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("admission")
	}
	return &Service{
		cfg:     cfg,
		batches: batches,
		tasks:   tasks,
		idem:    idem,
		credits: creditSvc,
		recon:   recon,
		limiter: limiter,
		queue:   queue,
		log:     log,
		now:     time.Now,
	}
}

// CreateBatch admits one submission end to end: validation, rate limiting,
// idempotent replay, the up-front debit, task creation, and enqueueing.
// Rejections happen before any record or ledger write.
func (s *Service) CreateBatch(ctx context.Context, req Request) (batch.Batch, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if err := s.validate(req); err != nil {
		return batch.Batch{}, err
	}

	allowed, err := s.limiter.Allow(ctx, req.OwnerID)
	if err != nil {
		return batch.Batch{}, fmt.Errorf("rate limit: %w", err)
	}
	if !allowed {
		return batch.Batch{}, ErrRateLimited
	}

	if req.IdempotencyKey != "" {
		if prior, ok, err := s.replay(ctx, req); err != nil {
			return batch.Batch{}, err
		} else if ok {
			return prior, nil
		}
	}

	// The debit is the first write. An insufficient balance, even one that
	// raced past the earlier checks, rejects the submission before any batch
	// record exists.
	cost := pricing.UnitCost(req.Params.Model, req.Params.Duration, req.Params.Size) * int64(req.Count)
	batchID := uuid.NewString()
	if err := s.credits.DebitBatch(ctx, req.OwnerID, batchID, cost); err != nil {
		return batch.Batch{}, err
	}

	created, err := s.batches.CreateBatch(ctx, batch.Batch{
		ID:       batchID,
		OwnerID:  req.OwnerID,
		Prompt:   req.Prompt,
		Params:   req.Params,
		Count:    req.Count,
		ImageRef: req.ImageRef,
		Total:    req.Count,
		Queued:   req.Count,
	})
	if err != nil {
		// The batch never materialised; reverse the charge.
		if _, rerr := s.credits.Adjust(ctx, req.OwnerID, cost, credit.ReversalReason(batchID)); rerr != nil {
			s.log.WithError(rerr).WithField("batch_id", batchID).Error("debit reversal failed")
		}
		return batch.Batch{}, fmt.Errorf("create batch: %w", err)
	}

	if req.IdempotencyKey != "" {
		if err := s.idem.PutIdempotencyKey(ctx, storage.IdempotencyRecord{
			Key:     req.IdempotencyKey,
			OwnerID: req.OwnerID,
			BatchID: created.ID,
		}); err != nil {
			s.log.WithError(err).WithField("batch_id", created.ID).Warn("idempotency record failed")
		}
	}

	tasks := make([]batch.Task, req.Count)
	for i := range tasks {
		tasks[i] = batch.Task{
			BatchID:  created.ID,
			OwnerID:  req.OwnerID,
			Prompt:   req.Prompt,
			Params:   req.Params,
			ImageRef: req.ImageRef,
			Status:   batch.StatusQueued,
		}
	}
	persisted, err := s.tasks.CreateTasks(ctx, tasks)
	if err != nil {
		return batch.Batch{}, fmt.Errorf("create tasks: %w", err)
	}
	for _, t := range persisted {
		s.queue.Enqueue(t.ID)
	}

	if err := s.recon.Recompute(ctx, created.ID); err != nil {
		s.log.WithError(err).WithField("batch_id", created.ID).Warn("recompute failed")
	}

	s.log.WithField("owner_id", req.OwnerID).
		WithField("batch_id", created.ID).
		WithField("count", req.Count).
		WithField("cost", cost).
		Info("batch admitted")

	return s.batches.GetBatch(ctx, created.ID)
}

// replay returns the batch produced by a previous submission carrying the same
// idempotency key, when that submission is recent enough to count as a retry
// of the same request.
func (s *Service) replay(ctx context.Context, req Request) (batch.Batch, bool, error) {
	rec, err := s.idem.GetIdempotencyKey(ctx, req.IdempotencyKey)
	if errors.Is(err, storage.ErrNotFound) {
		return batch.Batch{}, false, nil
	}
	if err != nil {
		return batch.Batch{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if rec.OwnerID != req.OwnerID {
		return batch.Batch{}, false, nil
	}
	if s.now().Sub(rec.CreatedAt) > s.cfg.IdempotencyWindow {
		return batch.Batch{}, false, nil
	}

	prior, err := s.batches.GetBatch(ctx, rec.BatchID)
	if errors.Is(err, storage.ErrNotFound) {
		return batch.Batch{}, false, nil
	}
	if err != nil {
		return batch.Batch{}, false, fmt.Errorf("replay batch: %w", err)
	}

	s.log.WithField("owner_id", req.OwnerID).
		WithField("batch_id", prior.ID).
		Info("idempotent replay")
	return prior, true, nil
}

func (s *Service) validate(req Request) error {
	if req.OwnerID == "" {
		return &ValidationError{Field: "owner_id", Reason: "must not be empty"}
	}
	if req.Prompt == "" {
		return &ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	if len(req.Prompt) > s.cfg.MaxPromptLength {
		return &ValidationError{Field: "prompt", Reason: fmt.Sprintf("exceeds %d characters", s.cfg.MaxPromptLength)}
	}
	if req.Count < 1 || req.Count > s.cfg.MaxTasksPerBatch {
		return &ValidationError{Field: "count", Reason: fmt.Sprintf("must be between 1 and %d", s.cfg.MaxTasksPerBatch)}
	}
	if !pricing.KnownModel(req.Params.Model) {
		return &ValidationError{Field: "model", Reason: fmt.Sprintf("unknown model %q", req.Params.Model)}
	}
	if !pricing.AllowedCombination(req.Params.Model, req.Params.Duration, req.Params.Size) {
		return &ValidationError{
			Field:  "params",
			Reason: fmt.Sprintf("model %s does not support duration %d with size %s", req.Params.Model, req.Params.Duration, req.Params.Size),
		}
	}
	switch req.Params.Orientation {
	case "landscape", "portrait":
	default:
		return &ValidationError{Field: "orientation", Reason: "must be landscape or portrait"}
	}
	return nil
}
