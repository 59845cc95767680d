// Package credits manages the append-only credit ledger. A user's balance is
// always the sum of their transaction deltas; no balance field is ever
// written directly.
package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/videoforge/videoforge/internal/app/domain/credit"
	"github.com/videoforge/videoforge/internal/app/metrics"
	"github.com/videoforge/videoforge/internal/app/pricing"
	"github.com/videoforge/videoforge/internal/app/storage"
	"github.com/videoforge/videoforge/pkg/logger"
)

// ErrInsufficientCredits is returned when a debit would push the balance
// below zero.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrZeroDelta is returned when an adjustment carries no movement.
var ErrZeroDelta = errors.New("delta must not be zero")

// Service coordinates ledger reads and writes.
type Service struct {
	store storage.CreditStore
	log   *logger.Logger
}

// New creates a configured credits service.
func New(store storage.CreditStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("credits")
	}
	return &Service{store: store, log: log}
}

// Balance returns the owner's current balance.
func (s *Service) Balance(ctx context.Context, ownerID string) (int64, error) {
	return s.store.SumDeltas(ctx, ownerID)
}

// DebitBatch charges the full batch cost up front. The caller is rejected
// before any write when the balance does not cover the amount.
func (s *Service) DebitBatch(ctx context.Context, ownerID, batchID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	balance, err := s.store.SumDeltas(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	if balance < amount {
		return fmt.Errorf("need %d, have %d: %w", amount, balance, ErrInsufficientCredits)
	}

	_, err = s.store.AppendTransaction(ctx, credit.Transaction{
		OwnerID:    ownerID,
		Delta:      -amount,
		Reason:     credit.DebitReason(batchID),
		RefBatchID: batchID,
	})
	if err != nil {
		return fmt.Errorf("append debit: %w", err)
	}

	s.log.WithField("owner_id", ownerID).
		WithField("batch_id", batchID).
		WithField("amount", amount).
		Info("batch debited")
	return nil
}

// RefundTask refunds the unit cost for a failed task, at most once per task.
// The positive-delta-by-task-reference check makes repeated failure handling
// and reconciliation sweeps idempotent; a duplicate insert rejected by the
// store is treated the same as an existing refund.
func (s *Service) RefundTask(ctx context.Context, ownerID, batchID, taskID string, model string, duration int, size string) error {
	exists, err := s.store.HasTaskRefund(ctx, taskID)
	if err != nil {
		return fmt.Errorf("check refund: %w", err)
	}
	if exists {
		return nil
	}

	amount := pricing.UnitCost(model, duration, size)
	_, err = s.store.AppendTransaction(ctx, credit.Transaction{
		OwnerID:    ownerID,
		Delta:      amount,
		Reason:     credit.RefundReason(taskID),
		RefBatchID: batchID,
		RefTaskID:  taskID,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("append refund: %w", err)
	}

	metrics.RecordRefund()
	s.log.WithField("owner_id", ownerID).
		WithField("task_id", taskID).
		WithField("amount", amount).
		Info("task refunded")
	return nil
}

// Adjust appends an arbitrary signed movement, used by operators to grant or
// revoke credits.
func (s *Service) Adjust(ctx context.Context, ownerID string, delta int64, reason string) (credit.Transaction, error) {
	if delta == 0 {
		return credit.Transaction{}, ErrZeroDelta
	}
	if reason == "" {
		reason = credit.ReasonAdminAdjust
	}

	tx, err := s.store.AppendTransaction(ctx, credit.Transaction{
		OwnerID: ownerID,
		Delta:   delta,
		Reason:  reason,
	})
	if err != nil {
		return credit.Transaction{}, fmt.Errorf("append adjustment: %w", err)
	}

	s.log.WithField("owner_id", ownerID).
		WithField("delta", delta).
		Info("credits adjusted")
	return tx, nil
}

// ListTransactions returns the owner's most recent ledger entries.
func (s *Service) ListTransactions(ctx context.Context, ownerID string, limit int) ([]credit.Transaction, error) {
	return s.store.ListTransactions(ctx, ownerID, limit)
}
