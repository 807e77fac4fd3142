// Package gatelinesdk is a minimal client for the read-only Gateline HTTP
// API. Dashboards and automation use it to watch task progress; all mutations
// go through the gl CLI.
package gatelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to one Gateline API server.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task mirrors the API task model (partial).
type Task struct {
	ID            string                `json:"id"`
	ModuleID      string                `json:"module_id"`
	Title         string                `json:"title"`
	Status        string                `json:"status"`
	BlockedReason *string               `json:"blocked_reason,omitempty"`
	Profile       string                `json:"profile"`
	Slices        map[string]SliceState `json:"slices,omitempty"`
}

// SliceState mirrors per-slice runtime status.
type SliceState struct {
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`
}

// Event mirrors one audit log entry.
type Event struct {
	ID           int64    `json:"id"`
	TS           string   `json:"ts"`
	Type         string   `json:"type"`
	Actor        string   `json:"actor"`
	TaskID       string   `json:"task_id,omitempty"`
	SliceID      string   `json:"slice_id,omitempty"`
	Payload      string   `json:"payload_json"`
	ArtifactRefs []string `json:"artifact_refs,omitempty"`
}

// Proof mirrors a persisted gate proof (partial; readiness evidence only).
type Proof struct {
	Kind      string       `json:"kind"`
	Passed    bool         `json:"passed"`
	CheckedAt string       `json:"checked_at"`
	Checks    []ReadyCheck `json:"checks,omitempty"`
}

type ReadyCheck struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// ReplayReport mirrors the replay checker output.
type ReplayReport struct {
	Status         string            `json:"status"`
	Events         int               `json:"events"`
	Violations     []ReplayViolation `json:"violations,omitempty"`
	Refs           []string          `json:"refs,omitempty"`
	Recommendation string            `json:"recommendation,omitempty"`
}

type ReplayViolation struct {
	Kind    string   `json:"kind"`
	EventID int64    `json:"event_id"`
	TaskID  string   `json:"task_id,omitempty"`
	SliceID string   `json:"slice_id,omitempty"`
	Message string   `json:"message"`
	Refs    []string `json:"refs,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Tasks lists the module's tasks.
func (c *Client) Tasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "v0/tasks", nil, &resp)
	return resp, err
}

// Task fetches one task with its slice states.
func (c *Client) Task(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// Readiness fetches a task's last readiness proof.
func (c *Client) Readiness(ctx context.Context, taskID string) (Proof, error) {
	var resp Proof
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(taskID)+"/readiness", nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, taskID string, limit int) ([]Event, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if taskID != "" {
		q.Set("task_id", taskID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Replay runs the server-side replay checker and returns its report.
func (c *Client) Replay(ctx context.Context) (ReplayReport, error) {
	var resp ReplayReport
	err := c.do(ctx, http.MethodGet, "v0/replay", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
