package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClientCreateJob(t *testing.T) {
	var gotAuth, gotIdem string
	var gotPayload map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/video/create" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"task_id": "remote-42"})
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.Client(), srv.URL, "secret", 100, nil)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	handle, err := client.CreateJob(context.Background(), CreateRequest{
		Prompt:         "a red balloon",
		Model:          "sora-2",
		Orientation:    "landscape",
		Size:           "medium",
		Duration:       10,
		ImageURLs:      []string{"https://example.com/ref.png"},
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if handle.ID != "remote-42" {
		t.Errorf("handle = %s, want remote-42", handle.ID)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotIdem != "key-1" {
		t.Errorf("idempotency header = %q", gotIdem)
	}
	if gotPayload["size"] != "large" {
		t.Errorf("size = %v, want large for medium tier", gotPayload["size"])
	}
	if gotPayload["model"] != "sora-2" {
		t.Errorf("model = %v", gotPayload["model"])
	}
}

func TestHTTPClientPollJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/video/query" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("id"); got != "remote-42" {
			t.Errorf("query id = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "SUCCEEDED",
			"video_url":   "https://cdn.example.com/out.mp4",
			"progress":    100,
			"started_at":  1700000000,
			"finished_at": 1700000300,
		})
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.Client(), srv.URL, "", 100, nil)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	state, err := client.PollJob(context.Background(), JobHandle{ID: "remote-42"})
	if err != nil {
		t.Fatalf("PollJob: %v", err)
	}
	// An unrecognised provider status must never read as terminal.
	if state.Status != RemoteInProgress {
		t.Errorf("status = %s, want in-progress", state.Status)
	}
	if state.ResultURL != "https://cdn.example.com/out.mp4" {
		t.Errorf("result url = %q", state.ResultURL)
	}
	if state.StartedAt == nil || state.StartedAt.Unix() != 1700000000 {
		t.Errorf("started at = %v", state.StartedAt)
	}
	if state.FinishedAt == nil || state.FinishedAt.Unix() != 1700000300 {
		t.Errorf("finished at = %v", state.FinishedAt)
	}
}

func TestHTTPClientPollJobError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "failed",
			"message": "content policy violation",
		})
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.Client(), srv.URL, "", 100, nil)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	state, err := client.PollJob(context.Background(), JobHandle{ID: "x"})
	if err != nil {
		t.Fatalf("PollJob: %v", err)
	}
	if state.Status != RemoteFailed {
		t.Errorf("status = %s, want failed", state.Status)
	}
	if state.Error != "content policy violation" {
		t.Errorf("error = %q", state.Error)
	}
}
