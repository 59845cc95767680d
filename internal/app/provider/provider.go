// Package provider defines the remote generation job client consumed by the
// scheduler, plus the HTTP implementation of it.
package provider

import (
	"context"
	"strings"
	"time"
)

// RemoteStatus is the provider-reported lifecycle state of a remote job.
type RemoteStatus string

const (
	RemotePending    RemoteStatus = "pending"
	RemoteQueued     RemoteStatus = "queued"
	RemoteInProgress RemoteStatus = "in-progress"
	RemoteCompleted  RemoteStatus = "completed"
	RemoteFailed     RemoteStatus = "failed"
	RemoteCancelled  RemoteStatus = "cancelled"
)

var knownStatuses = map[RemoteStatus]bool{
	RemotePending:    true,
	RemoteQueued:     true,
	RemoteInProgress: true,
	RemoteCompleted:  true,
	RemoteFailed:     true,
	RemoteCancelled:  true,
}

// ParseRemoteStatus normalises a provider status string. Unrecognised values
// map to in-progress, never to a terminal state, so a provider-side
// vocabulary change cannot mis-terminate a job.
func ParseRemoteStatus(raw string) RemoteStatus {
	normalised := RemoteStatus(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), " ", "-"))
	if knownStatuses[normalised] {
		return normalised
	}
	return RemoteInProgress
}

// CreateRequest carries the parameters for a remote generation job.
type CreateRequest struct {
	Prompt         string
	Model          string
	Orientation    string
	Size           string
	Duration       int
	ImageURLs      []string
	IdempotencyKey string
}

// JobHandle identifies a created remote job.
type JobHandle struct {
	ID string
}

// JobState is one poll observation of a remote job.
type JobState struct {
	Status     RemoteStatus
	ResultURL  string
	Error      string
	Progress   int
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Client creates and polls remote generation jobs.
type Client interface {
	CreateJob(ctx context.Context, req CreateRequest) (JobHandle, error)
	PollJob(ctx context.Context, handle JobHandle) (JobState, error)
}
