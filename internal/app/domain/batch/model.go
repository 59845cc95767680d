// Package batch defines the generation batch and task domain model.
package batch

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no scheduler-driven transition leaves the status.
// failed is terminal for the scheduler but may be re-queued by an explicit
// user retry.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the edge from s to next exists in the task
// state machine.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusQueued || next == StatusRunning || next == StatusCancelled
	case StatusQueued:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	case StatusFailed:
		// Explicit retry only.
		return next == StatusQueued
	default:
		return false
	}
}

// Params is the generation configuration shared by a batch and its tasks.
type Params struct {
	Model       string
	Orientation string
	Size        string
	Duration    int
}

// Batch is one user submission of N generation tasks sharing a configuration.
// The counters are derived from the child tasks and written only by the
// reconciler's recompute step.
type Batch struct {
	ID       string
	OwnerID  string
	Prompt   string
	Params   Params
	Count    int
	ImageRef string

	Total     int
	Completed int
	Failed    int
	Running   int
	Queued    int

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Task is a single generation job tracked through the state machine.
type Task struct {
	ID       string
	BatchID  string
	OwnerID  string
	Prompt   string
	Params   Params
	ImageRef string

	Status       Status
	ErrorSummary string
	Retries      int
	RerunOfTask  string

	ResultURL       string
	Progress        int
	RemoteStartedAt *time.Time
	RemoteEndedAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Counters is a status-partitioned count of a batch's live tasks. Pending and
// queued tasks are reported together: neither has started work yet.
type Counters struct {
	Total     int
	Completed int
	Failed    int
	Running   int
	Queued    int
}
