// Package client is a typed client for the cronkeeperd HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Task mirrors the API task representation.
type Task struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	Cron           string          `json:"cron"`
	Enabled        bool            `json:"enabled"`
	Config         json.RawMessage `json:"config,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	RetryOnFailure bool            `json:"retry_on_failure"`
	Running        bool            `json:"running"`
	LastRun        *time.Time      `json:"last_run,omitempty"`
	LastStatus     string          `json:"last_status,omitempty"`
	NextRun        *time.Time      `json:"next_run,omitempty"`
	RunCount       int64           `json:"run_count"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TaskRequest creates a task. Nil pointers take server defaults.
type TaskRequest struct {
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	Cron           string          `json:"cron"`
	Enabled        *bool           `json:"enabled,omitempty"`
	Config         json.RawMessage `json:"config,omitempty"`
	TimeoutSeconds *int            `json:"timeout_seconds,omitempty"`
	RetryOnFailure bool            `json:"retry_on_failure,omitempty"`
}

// Run mirrors the API execution record.
type Run struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	TaskName    string     `json:"task_name"`
	TaskType    string     `json:"task_type"`
	TaskDeleted bool       `json:"task_deleted,omitempty"`
	Status      string     `json:"status"`
	TriggeredBy string     `json:"triggered_by"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
	Attempts    int        `json:"attempts"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Finished reports whether the run reached a terminal status.
func (r *Run) Finished() bool {
	return r.Status == "success" || r.Status == "failed"
}

// Duration returns the recorded wall time.
func (r *Run) Duration() time.Duration {
	return time.Duration(r.DurationMS) * time.Millisecond
}

// RunsQuery pages a history listing. Zero values take server defaults.
type RunsQuery struct {
	Limit  int
	Offset int
	Since  time.Time
	Until  time.Time
}

// Validation is the server's cron feedback.
type Validation struct {
	Valid    bool     `json:"valid"`
	Error    string   `json:"error,omitempty"`
	NextRuns []string `json:"next_runs"`
	Notes    []string `json:"notes"`
}

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client talks to one cronkeeperd instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for baseURL. An empty token sends no Authorization
// header.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var tasks []Task
	err := c.do(ctx, http.MethodGet, "/v1/tasks", nil, &tasks)
	return tasks, err
}

func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) CreateTask(ctx context.Context, req TaskRequest) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/tasks/"+url.PathEscape(id), nil, nil)
}

// SetEnabled enables or disables a task's schedule.
func (c *Client) SetEnabled(ctx context.Context, id string, enabled bool) (*Task, error) {
	action := "disable"
	if enabled {
		action = "enable"
	}
	var task Task
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(id)+"/"+action, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// RunTask starts a manual run and returns its run ID.
func (c *Client) RunTask(ctx context.Context, id string) (string, error) {
	var resp struct {
		RunID string `json:"run_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(id)+"/run", nil, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

func (c *Client) ListRuns(ctx context.Context, taskID string, q RunsQuery) ([]Run, error) {
	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	if !q.Since.IsZero() {
		params.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		params.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	path := "/v1/tasks/" + url.PathEscape(taskID) + "/runs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var runs []Run
	err := c.do(ctx, http.MethodGet, path, nil, &runs)
	return runs, err
}

func (c *Client) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// WaitRun polls a run until it finishes or ctx is done.
func (c *Client) WaitRun(ctx context.Context, id string, every time.Duration) (*Run, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Finished() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) TaskTypes(ctx context.Context) ([]string, error) {
	var resp struct {
		Types []string `json:"types"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/task-types", nil, &resp)
	return resp.Types, err
}

// Validate asks the server to check expr in the daemon's time zone.
func (c *Client) Validate(ctx context.Context, expr string, count int) (*Validation, error) {
	body := map[string]any{"expr": expr}
	if count > 0 {
		body["count"] = count
	}
	var v Validation
	if err := c.do(ctx, http.MethodPost, "/v1/cron/validate", body, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); err == nil && json.Unmarshal(data, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
