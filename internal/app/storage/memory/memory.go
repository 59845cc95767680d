// Package memory is an in-memory implementation of the storage interfaces.
// It is safe for concurrent use and is primarily intended for tests and
// local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/videoforge/videoforge/internal/app/domain/batch"
	"github.com/videoforge/videoforge/internal/app/domain/credit"
	"github.com/videoforge/videoforge/internal/app/storage"
)

// Store keeps every record in maps guarded by one mutex.
type Store struct {
	mu           sync.RWMutex
	nextID       int64
	batches      map[string]batch.Batch
	tasks        map[string]batch.Task
	transactions []credit.Transaction
	idempotency  map[string]storage.IdempotencyRecord
}

var _ storage.BatchStore = (*Store)(nil)
var _ storage.TaskStore = (*Store)(nil)
var _ storage.CreditStore = (*Store)(nil)
var _ storage.IdempotencyStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:      1,
		batches:     make(map[string]batch.Batch),
		tasks:       make(map[string]batch.Task),
		idempotency: make(map[string]storage.IdempotencyRecord),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// BatchStore implementation ---------------------------------------------------

func (s *Store) CreateBatch(_ context.Context, b batch.Batch) (batch.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.ID == "" {
		b.ID = s.nextIDLocked()
	} else if _, exists := s.batches[b.ID]; exists {
		return batch.Batch{}, fmt.Errorf("batch %s already exists", b.ID)
	}

	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	s.batches[b.ID] = b
	return b, nil
}

func (s *Store) GetBatch(_ context.Context, id string) (batch.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return batch.Batch{}, fmt.Errorf("batch %s: %w", id, storage.ErrNotFound)
	}
	return b, nil
}

func (s *Store) ListBatches(_ context.Context, ownerID string, offset, limit int) ([]batch.Batch, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]batch.Batch, 0)
	for _, b := range s.batches {
		if b.DeletedAt != nil {
			continue
		}
		if ownerID == "" || b.OwnerID == ownerID {
			all = append(all, b)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	if offset >= total {
		return []batch.Batch{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return append([]batch.Batch(nil), all[offset:end]...), total, nil
}

func (s *Store) UpdateBatchCounters(_ context.Context, batchID string, c batch.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s: %w", batchID, storage.ErrNotFound)
	}
	b.Total = c.Total
	b.Completed = c.Completed
	b.Failed = c.Failed
	b.Running = c.Running
	b.Queued = c.Queued
	b.UpdatedAt = time.Now().UTC()
	s.batches[batchID] = b
	return nil
}

func (s *Store) SoftDeleteBatch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return fmt.Errorf("batch %s: %w", id, storage.ErrNotFound)
	}
	at = at.UTC()
	b.DeletedAt = &at
	b.UpdatedAt = at
	s.batches[id] = b
	return nil
}

// TaskStore implementation ----------------------------------------------------

func (s *Store) CreateTasks(_ context.Context, tasks []batch.Task) ([]batch.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	out := make([]batch.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = s.nextIDLocked()
		} else if _, exists := s.tasks[t.ID]; exists {
			return nil, fmt.Errorf("task %s already exists", t.ID)
		}
		t.CreatedAt = now
		t.UpdatedAt = now
		// Creation order must survive map iteration; nudge each timestamp.
		now = now.Add(time.Microsecond)
		s.tasks[t.ID] = t
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) GetTask(_ context.Context, id string) (batch.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return batch.Task{}, fmt.Errorf("task %s: %w", id, storage.ErrNotFound)
	}
	return t, nil
}

func (s *Store) ListBatchTasks(_ context.Context, batchID string) ([]batch.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]batch.Task, 0)
	for _, t := range s.tasks {
		if t.DeletedAt == nil && t.BatchID == batchID {
			result = append(result, t)
		}
	}
	sortTasks(result)
	return result, nil
}

func (s *Store) ListTasksByStatus(_ context.Context, statuses ...batch.Status) ([]batch.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[batch.Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	result := make([]batch.Task, 0)
	for _, t := range s.tasks {
		if t.DeletedAt == nil && wanted[t.Status] {
			result = append(result, t)
		}
	}
	sortTasks(result)
	return result, nil
}

func (s *Store) ClaimTask(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, fmt.Errorf("task %s: %w", id, storage.ErrNotFound)
	}
	if t.DeletedAt != nil {
		return false, nil
	}
	if t.Status != batch.StatusPending && t.Status != batch.StatusQueued {
		return false, nil
	}
	t.Status = batch.StatusRunning
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	return true, nil
}

func (s *Store) UpdateTask(_ context.Context, t batch.Task) (batch.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.tasks[t.ID]
	if !ok {
		return batch.Task{}, fmt.Errorf("task %s: %w", t.ID, storage.ErrNotFound)
	}

	t.CreatedAt = original.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	s.tasks[t.ID] = t
	return t, nil
}

func (s *Store) CountBatchTasks(_ context.Context, batchID string) (batch.Counters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c batch.Counters
	for _, t := range s.tasks {
		if t.DeletedAt != nil || t.BatchID != batchID {
			continue
		}
		switch t.Status {
		case batch.StatusCompleted:
			c.Completed++
		case batch.StatusFailed:
			c.Failed++
		case batch.StatusRunning:
			c.Running++
		case batch.StatusPending, batch.StatusQueued:
			c.Queued++
		}
	}
	c.Total = c.Completed + c.Failed + c.Running + c.Queued
	return c, nil
}

func (s *Store) SoftDeleteTask(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, storage.ErrNotFound)
	}
	at = at.UTC()
	t.DeletedAt = &at
	t.UpdatedAt = at
	s.tasks[id] = t
	return nil
}

func (s *Store) ListStaleRunning(_ context.Context, cutoff time.Time) ([]batch.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]batch.Task, 0)
	for _, t := range s.tasks {
		if t.DeletedAt == nil && t.Status == batch.StatusRunning && t.UpdatedAt.Before(cutoff) {
			result = append(result, t)
		}
	}
	sortTasks(result)
	return result, nil
}

// CreditStore implementation --------------------------------------------------

func (s *Store) AppendTransaction(_ context.Context, tx credit.Transaction) (credit.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = s.nextIDLocked()
	}
	tx.CreatedAt = time.Now().UTC()
	s.transactions = append(s.transactions, tx)
	return tx, nil
}

func (s *Store) SumDeltas(_ context.Context, ownerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, tx := range s.transactions {
		if tx.OwnerID == ownerID {
			sum += tx.Delta
		}
	}
	return sum, nil
}

func (s *Store) HasTaskRefund(_ context.Context, taskID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, tx := range s.transactions {
		if tx.RefTaskID == taskID && tx.Delta > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListTransactions(_ context.Context, ownerID string, limit int) ([]credit.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]credit.Transaction, 0)
	for i := len(s.transactions) - 1; i >= 0; i-- {
		tx := s.transactions[i]
		if ownerID != "" && tx.OwnerID != ownerID {
			continue
		}
		result = append(result, tx)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// IdempotencyStore implementation ---------------------------------------------

func (s *Store) PutIdempotencyKey(_ context.Context, rec storage.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.idempotency[rec.Key] = rec
	return nil
}

func (s *Store) GetIdempotencyKey(_ context.Context, key string) (storage.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.idempotency[key]
	if !ok {
		return storage.IdempotencyRecord{}, fmt.Errorf("idempotency key %s: %w", key, storage.ErrNotFound)
	}
	return rec, nil
}

// Helpers --------------------------------------------------------------------

func sortTasks(tasks []batch.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
