package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/videoforge/videoforge/internal/app/domain/batch"
	"github.com/videoforge/videoforge/internal/app/services/credits"
	"github.com/videoforge/videoforge/internal/app/storage/memory"
)

type harness struct {
	store   *memory.Store
	credits *credits.Service
	svc     *Service
}

func newHarness(t *testing.T, staleAfter time.Duration) *harness {
	t.Helper()
	store := memory.New()
	creditSvc := credits.New(store, nil)
	svc := New(store, store, creditSvc, staleAfter, "@every 1m", nil)
	return &harness{store: store, credits: creditSvc, svc: svc}
}

func (h *harness) seedTask(t *testing.T, status batch.Status) batch.Task {
	t.Helper()
	ctx := context.Background()
	b, err := h.store.CreateBatch(ctx, batch.Batch{OwnerID: "alice", Prompt: "p", Count: 1})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	created, err := h.store.CreateTasks(ctx, []batch.Task{{
		BatchID: b.ID,
		OwnerID: "alice",
		Prompt:  "p",
		Params:  batch.Params{Model: "sora-2", Orientation: "landscape", Size: "medium", Duration: 10},
		Status:  status,
	}})
	if err != nil {
		t.Fatalf("CreateTasks: %v", err)
	}
	return created[0]
}

func TestResultPresentMarksCompleted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 30*time.Minute)
	task := h.seedTask(t, batch.StatusRunning)

	// An executor crash can leave a result recorded under a stale status.
	task.ResultURL = "https://cdn.example.com/out.mp4"
	task.ErrorSummary = "transient write error"
	if _, err := h.store.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	if err := h.svc.ReconcileBatch(ctx, task.BatchID); err != nil {
		t.Fatalf("ReconcileBatch: %v", err)
	}

	healed, err := h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if healed.Status != batch.StatusCompleted {
		t.Fatalf("status = %s, want completed", healed.Status)
	}
	if healed.ErrorSummary != "" {
		t.Errorf("error summary = %q, want cleared", healed.ErrorSummary)
	}

	b, err := h.store.GetBatch(ctx, task.BatchID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if b.Completed != 1 || b.Running != 0 {
		t.Errorf("aggregates = completed %d running %d", b.Completed, b.Running)
	}
}

func TestStaleRunningFailedAndRefunded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 30*time.Minute)
	if _, err := h.credits.Adjust(ctx, "alice", 100, "signup_grant"); err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	task := h.seedTask(t, batch.StatusRunning)

	// Pretend the sweep runs an hour after the task last moved.
	h.svc.now = func() time.Time { return time.Now().Add(time.Hour) }

	if err := h.svc.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	failed, err := h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if failed.Status != batch.StatusFailed {
		t.Fatalf("status = %s, want failed", failed.Status)
	}
	if failed.ErrorSummary != staleErrorSummary {
		t.Errorf("error summary = %q", failed.ErrorSummary)
	}

	balance, err := h.credits.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 115 {
		t.Fatalf("balance = %d, want 115 after one refund", balance)
	}

	b, err := h.store.GetBatch(ctx, task.BatchID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if b.Failed != 1 || b.Running != 0 {
		t.Errorf("aggregates = failed %d running %d", b.Failed, b.Running)
	}
}

func TestRepeatedSweepRefundsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 30*time.Minute)
	task := h.seedTask(t, batch.StatusRunning)
	h.svc.now = func() time.Time { return time.Now().Add(time.Hour) }

	if err := h.svc.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	// Re-running the rules over the batch must not pay again.
	if err := h.svc.ReconcileBatch(ctx, task.BatchID); err != nil {
		t.Fatalf("ReconcileBatch: %v", err)
	}
	if err := h.svc.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	txs, err := h.store.ListTransactions(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	refunds := 0
	for _, tx := range txs {
		if tx.RefTaskID == task.ID && tx.Delta > 0 {
			refunds++
		}
	}
	if refunds != 1 {
		t.Fatalf("refunds = %d, want exactly 1", refunds)
	}
}

func TestFreshRunningLeftAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 30*time.Minute)
	task := h.seedTask(t, batch.StatusRunning)

	if err := h.svc.ReconcileBatch(ctx, task.BatchID); err != nil {
		t.Fatalf("ReconcileBatch: %v", err)
	}
	if err := h.svc.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	got, err := h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != batch.StatusRunning {
		t.Fatalf("status = %s, want running untouched", got.Status)
	}
}

func TestRecomputeDerivesCounters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 30*time.Minute)

	b, err := h.store.CreateBatch(ctx, batch.Batch{OwnerID: "alice", Count: 3})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	_, err = h.store.CreateTasks(ctx, []batch.Task{
		{BatchID: b.ID, OwnerID: "alice", Status: batch.StatusCompleted},
		{BatchID: b.ID, OwnerID: "alice", Status: batch.StatusFailed},
		{BatchID: b.ID, OwnerID: "alice", Status: batch.StatusQueued},
	})
	if err != nil {
		t.Fatalf("CreateTasks: %v", err)
	}

	if err := h.svc.Recompute(ctx, b.ID); err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	got, err := h.store.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Total != 3 || got.Completed != 1 || got.Failed != 1 || got.Queued != 1 {
		t.Fatalf("aggregates = %+v", got)
	}
}
