package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/doncat99/alwrity/internal/reliability"
	"github.com/doncat99/alwrity/internal/tasks"
)

var (
	// ErrClientTimeout means the local polling budget ran out. The server
	// task is untouched and keeps running.
	ErrClientTimeout = errors.New("poller: client timeout")
	// ErrTaskGone means the server no longer knows the task id, typically
	// because retention swept it mid-poll.
	ErrTaskGone = errors.New("poller: task not found")
	// ErrTaskFailed wraps a terminal failed status.
	ErrTaskFailed = errors.New("poller: task failed")
)

// Config tunes a Client; zero values fall back to defaults.
type Config struct {
	APIKey       string
	PollInterval time.Duration
	Budget       time.Duration
	MaxRetry     int
	BackoffBase  time.Duration
	HTTPClient   *http.Client
}

// Client drives the start-then-poll protocol against a task server and
// surfaces progress to the caller as it appears.
type Client struct {
	baseURL     string
	apiKey      string
	httpc       *http.Client
	interval    time.Duration
	budget      time.Duration
	maxRetry    int
	backoffBase time.Duration
	log         *zap.Logger
}

func New(baseURL string, cfg Config, log *zap.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 60 * time.Second
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		httpc:       cfg.HTTPClient,
		interval:    cfg.PollInterval,
		budget:      cfg.Budget,
		maxRetry:    cfg.MaxRetry,
		backoffBase: cfg.BackoffBase,
		log:         log,
	}
}

type startResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// Run starts a task for feature and polls it to a terminal state. New
// progress entries are delivered to onProgress exactly once, in order.
// The returned snapshot is the last one observed.
func (c *Client) Run(ctx context.Context, feature string, payload any, onProgress func(tasks.ProgressEntry)) (*tasks.Task, error) {
	id, err := c.start(ctx, feature, payload)
	if err != nil {
		return nil, err
	}
	c.log.Debug("task started", zap.String("feature", feature), zap.String("task_id", id))

	deadline := time.Now().Add(c.budget)
	cursor := 0
	var last *tasks.Task

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}

		snap, err := c.statusWithRetry(ctx, feature, id)
		if err != nil {
			return last, err
		}
		last = snap

		for ; cursor < len(snap.Progress); cursor++ {
			if onProgress != nil {
				onProgress(snap.Progress[cursor])
			}
		}

		switch snap.Status {
		case tasks.StatusCompleted:
			return snap, nil
		case tasks.StatusFailed:
			return snap, fmt.Errorf("%w: %s", ErrTaskFailed, snap.Error)
		}

		if time.Now().After(deadline) {
			return last, ErrClientTimeout
		}
	}
}

// start issues the start request. It is never retried: a duplicate start
// would enqueue a second task.
func (c *Client) start(ctx context.Context, feature string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/"+feature+"/start", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("start %s: %w", feature, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("start %s: %s", feature, readDetail(resp))
	}
	var sr startResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("decode start response: %w", err)
	}
	if sr.TaskID == "" {
		return "", errors.New("start response missing task_id")
	}
	return sr.TaskID, nil
}

func (c *Client) statusWithRetry(ctx context.Context, feature, id string) (*tasks.Task, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetry; attempt++ {
		if attempt > 0 {
			delay := reliability.ExponentialBackoff(attempt-1, c.backoffBase, 10*time.Second)
			c.log.Debug("retrying status poll",
				zap.String("task_id", id), zap.Int("attempt", attempt), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		snap, retryable, err := c.status(ctx, feature, id)
		if err == nil {
			return snap, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("status poll gave up: %w", lastErr)
}

func (c *Client) status(ctx context.Context, feature, id string) (*tasks.Task, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/"+feature+"/status/"+id, nil)
	if err != nil {
		return nil, false, err
	}
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var snap tasks.Task
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return nil, true, fmt.Errorf("decode status response: %w", err)
		}
		return &snap, false, nil
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, false, ErrTaskGone
	case reliability.IsRetryableHTTPStatus(resp.StatusCode):
		return nil, true, fmt.Errorf("status poll: %s", readDetail(resp))
	default:
		return nil, false, fmt.Errorf("status poll: %s", readDetail(resp))
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func readDetail(resp *http.Response) string {
	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil && er.Detail != "" {
		return fmt.Sprintf("%s (%s)", resp.Status, er.Detail)
	}
	return resp.Status
}
