package batches

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/videoforge/videoforge/internal/app/domain/batch"
	"github.com/videoforge/videoforge/internal/app/services/credits"
	"github.com/videoforge/videoforge/internal/app/services/reconciler"
	"github.com/videoforge/videoforge/internal/app/storage/memory"
)

type recordingQueue struct {
	ids []string
}

func (q *recordingQueue) Enqueue(taskID string) {
	q.ids = append(q.ids, taskID)
}

type harness struct {
	store   *memory.Store
	credits *credits.Service
	queue   *recordingQueue
	svc     *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	creditSvc := credits.New(store, nil)
	recon := reconciler.New(store, store, creditSvc, 30*time.Minute, "@every 1m", nil)
	queue := &recordingQueue{}
	svc := New(store, store, creditSvc, recon, queue, nil)
	return &harness{store: store, credits: creditSvc, queue: queue, svc: svc}
}

func (h *harness) seed(t *testing.T, owner string, statuses ...batch.Status) (batch.Batch, []batch.Task) {
	t.Helper()
	ctx := context.Background()
	b, err := h.store.CreateBatch(ctx, batch.Batch{OwnerID: owner, Prompt: "p", Count: len(statuses)})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	tasks := make([]batch.Task, len(statuses))
	for i, st := range statuses {
		tasks[i] = batch.Task{
			BatchID: b.ID,
			OwnerID: owner,
			Prompt:  "p",
			Params:  batch.Params{Model: "sora-2", Orientation: "landscape", Size: "medium", Duration: 10},
			Status:  st,
		}
	}
	created, err := h.store.CreateTasks(ctx, tasks)
	if err != nil {
		t.Fatalf("CreateTasks: %v", err)
	}
	return b, created
}

func TestRetryTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, tasks := h.seed(t, "alice", batch.StatusFailed)

	failed := tasks[0]
	failed.ErrorSummary = "provider reported failed"
	if _, err := h.store.UpdateTask(ctx, failed); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	retried, err := h.svc.RetryTask(ctx, "alice", failed.ID)
	if err != nil {
		t.Fatalf("RetryTask: %v", err)
	}
	if retried.Status != batch.StatusQueued {
		t.Fatalf("status = %s, want queued", retried.Status)
	}
	if retried.ErrorSummary != "" {
		t.Errorf("error summary = %q, want cleared", retried.ErrorSummary)
	}
	if retried.Retries != 1 {
		t.Errorf("retries = %d, want 1", retried.Retries)
	}
	if len(h.queue.ids) != 1 || h.queue.ids[0] != failed.ID {
		t.Errorf("enqueued = %v, want [%s]", h.queue.ids, failed.ID)
	}
}

func TestRetryOnlyFromFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, tasks := h.seed(t, "alice",
		batch.StatusCompleted, batch.StatusCancelled, batch.StatusRunning, batch.StatusQueued)

	for _, task := range tasks {
		if _, err := h.svc.RetryTask(ctx, "alice", task.ID); !errors.Is(err, ErrBadTransition) {
			t.Errorf("retry from %s: err = %v, want ErrBadTransition", task.Status, err)
		}
	}
}

func TestCancelTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	b, tasks := h.seed(t, "alice", batch.StatusQueued, batch.StatusRunning, batch.StatusPending)

	for _, task := range tasks {
		got, err := h.svc.CancelTask(ctx, "alice", task.ID)
		if err != nil {
			t.Fatalf("CancelTask(%s from %s): %v", task.ID, task.Status, err)
		}
		if got.Status != batch.StatusCancelled {
			t.Fatalf("status = %s, want cancelled", got.Status)
		}
	}

	updated, err := h.store.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if updated.Queued != 0 || updated.Running != 0 {
		t.Errorf("aggregates = %+v", updated)
	}
}

func TestCancelFinishedTaskRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, tasks := h.seed(t, "alice", batch.StatusCompleted, batch.StatusFailed)

	for _, task := range tasks {
		if _, err := h.svc.CancelTask(ctx, "alice", task.ID); !errors.Is(err, ErrBadTransition) {
			t.Errorf("cancel from %s: err = %v, want ErrBadTransition", task.Status, err)
		}
	}
}

func TestRerunTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if _, err := h.credits.Adjust(ctx, "alice", 100, "signup_grant"); err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	b, tasks := h.seed(t, "alice", batch.StatusCompleted)

	rerun, err := h.svc.RerunTask(ctx, "alice", tasks[0].ID)
	if err != nil {
		t.Fatalf("RerunTask: %v", err)
	}
	if rerun.ID == tasks[0].ID {
		t.Fatal("rerun must be a new task")
	}
	if rerun.RerunOfTask != tasks[0].ID {
		t.Errorf("rerun lineage = %q, want %s", rerun.RerunOfTask, tasks[0].ID)
	}
	if rerun.Status != batch.StatusQueued {
		t.Errorf("status = %s, want queued", rerun.Status)
	}

	balance, err := h.credits.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 85 {
		t.Errorf("balance = %d, want 85 after the rerun charge", balance)
	}

	updated, err := h.store.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if updated.Total != 2 || updated.Queued != 1 {
		t.Errorf("aggregates = %+v", updated)
	}
}

func TestRerunRequiresTerminalTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, tasks := h.seed(t, "alice", batch.StatusRunning)

	if _, err := h.svc.RerunTask(ctx, "alice", tasks[0].ID); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("err = %v, want ErrBadTransition", err)
	}
}

func TestOwnershipEnforced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	b, tasks := h.seed(t, "alice", batch.StatusFailed)

	if _, err := h.svc.GetBatch(ctx, "mallory", b.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("GetBatch err = %v, want ErrForbidden", err)
	}
	if _, err := h.svc.RetryTask(ctx, "mallory", tasks[0].ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("RetryTask err = %v, want ErrForbidden", err)
	}
	if err := h.svc.DeleteBatch(ctx, "mallory", b.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("DeleteBatch err = %v, want ErrForbidden", err)
	}
}

func TestListTasksHealsOnRead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, tasks := h.seed(t, "alice", batch.StatusRunning)

	stuck := tasks[0]
	stuck.ResultURL = "https://cdn.example.com/out.mp4"
	if _, err := h.store.UpdateTask(ctx, stuck); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	listed, err := h.svc.ListTasks(ctx, "alice", stuck.BatchID)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("listed = %d, want 1", len(listed))
	}
	if listed[0].Status != batch.StatusCompleted {
		t.Fatalf("status = %s, want healed to completed", listed[0].Status)
	}
}

func TestDeleteBatchCascades(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	b, _ := h.seed(t, "alice", batch.StatusQueued, batch.StatusCompleted)

	if err := h.svc.DeleteBatch(ctx, "alice", b.ID); err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}

	remaining, err := h.store.ListBatchTasks(ctx, b.ID)
	if err != nil {
		t.Fatalf("ListBatchTasks: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("live tasks after delete = %d, want 0", len(remaining))
	}
	_, total, err := h.store.ListBatches(ctx, "alice", 0, 10)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if total != 0 {
		t.Fatalf("live batches after delete = %d, want 0", total)
	}
}

func TestListBatchesClampsPaging(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.seed(t, "alice", batch.StatusQueued)
	}

	page, total, err := h.svc.ListBatches(ctx, "alice", 0, 500)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if total != 3 || len(page) != 3 {
		t.Fatalf("total = %d, page = %d", total, len(page))
	}

	page, _, err = h.svc.ListBatches(ctx, "alice", 2, 2)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("second page = %d, want 1", len(page))
	}
}
