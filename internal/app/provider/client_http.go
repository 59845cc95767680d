package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/videoforge/videoforge/pkg/logger"
)

// HTTPClient talks to the generation provider's HTTP API. Outbound calls are
// throttled through a shared rate limiter so a burst of execution units
// cannot trip provider-side limits.
type HTTPClient struct {
	client  *http.Client
	baseURL *url.URL
	apiKey  string
	limiter *rate.Limiter
	log     *logger.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient constructs a client for the given API base URL.
func NewHTTPClient(client *http.Client, baseURL, apiKey string, ratePerSec float64, log *logger.Logger) (*HTTPClient, error) {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("provider base URL required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse provider base URL: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 300 * time.Second}
	}
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	if log == nil {
		log = logger.NewDefault("provider-client")
	}
	return &HTTPClient{
		client:  client,
		baseURL: parsed,
		apiKey:  strings.TrimSpace(apiKey),
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+1),
		log:     log,
	}, nil
}

// CreateJob submits a generation job and returns its remote handle.
func (c *HTTPClient) CreateJob(ctx context.Context, req CreateRequest) (JobHandle, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return JobHandle{}, err
	}

	payload := map[string]any{
		"model":       req.Model,
		"prompt":      req.Prompt,
		"orientation": req.Orientation,
		"size":        providerSize(req.Size),
		"duration":    req.Duration,
	}
	if len(req.ImageURLs) > 0 {
		payload["images"] = req.ImageURLs
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return JobHandle{}, fmt.Errorf("encode create payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String()+"/video/create", bytes.NewReader(body))
	if err != nil {
		return JobHandle{}, fmt.Errorf("build create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	c.log.WithField("model", req.Model).
		WithField("duration", req.Duration).
		WithField("has_images", len(req.ImageURLs) > 0).
		Debug("creating remote job")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return JobHandle{}, fmt.Errorf("create request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return JobHandle{}, fmt.Errorf("provider create status %d", resp.StatusCode)
	}

	var decoded struct {
		ID     string `json:"id"`
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return JobHandle{}, fmt.Errorf("decode create response: %w", err)
	}

	id := decoded.ID
	if id == "" {
		id = decoded.TaskID
	}
	if id == "" {
		return JobHandle{}, fmt.Errorf("provider returned no job id")
	}
	return JobHandle{ID: id}, nil
}

// PollJob fetches the current state of a remote job.
func (c *HTTPClient) PollJob(ctx context.Context, handle JobHandle) (JobState, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return JobState{}, err
	}

	queryURL := *c.baseURL
	queryURL.Path += "/video/query"
	q := queryURL.Query()
	q.Set("id", handle.ID)
	queryURL.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL.String(), nil)
	if err != nil {
		return JobState{}, fmt.Errorf("build query request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return JobState{}, fmt.Errorf("query request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return JobState{}, fmt.Errorf("provider query status %d", resp.StatusCode)
	}

	var decoded struct {
		Status     string  `json:"status"`
		VideoURL   string  `json:"video_url"`
		ResultURL  string  `json:"result_url"`
		Error      string  `json:"error"`
		Message    string  `json:"message"`
		Progress   int     `json:"progress"`
		StartedAt  *int64  `json:"started_at"`
		FinishedAt *int64  `json:"finished_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return JobState{}, fmt.Errorf("decode query response: %w", err)
	}

	state := JobState{
		Status:   ParseRemoteStatus(decoded.Status),
		Progress: decoded.Progress,
	}
	state.ResultURL = decoded.VideoURL
	if state.ResultURL == "" {
		state.ResultURL = decoded.ResultURL
	}
	state.Error = decoded.Error
	if state.Error == "" {
		state.Error = decoded.Message
	}
	if decoded.StartedAt != nil {
		t := time.Unix(*decoded.StartedAt, 0).UTC()
		state.StartedAt = &t
	}
	if decoded.FinishedAt != nil {
		t := time.Unix(*decoded.FinishedAt, 0).UTC()
		state.FinishedAt = &t
	}
	return state, nil
}

// providerSize maps the internal size tiers onto the provider's vocabulary,
// which only distinguishes small and large.
func providerSize(size string) string {
	if size == "small" {
		return "small"
	}
	return "large"
}
