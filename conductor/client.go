// Package conductor is a small REST client for the external workflow task
// queue. The relay only registers its task definition, polls batches of
// tasks and reports each outcome; queue semantics stay on the server.
package conductor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/petal-labs/toolrelay/tool"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultHealthInterval = 200 * time.Millisecond
	maxErrorBody          = 512
)

// TaskStatus is the outcome reported for a task.
type TaskStatus string

const (
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
)

// Task is one unit of work handed out by the queue.
type Task struct {
	TaskID             string         `json:"taskId"`
	WorkflowInstanceID string         `json:"workflowInstanceId"`
	TaskDefName        string         `json:"taskDefName"`
	TaskType           string         `json:"taskType,omitempty"`
	Status             string         `json:"status,omitempty"`
	InputData          map[string]any `json:"inputData"`
}

// TaskDef registers a task type with the queue.
type TaskDef struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	InputKeys      []string `json:"inputKeys"`
	OutputKeys     []string `json:"outputKeys"`
	RetryCount     int      `json:"retryCount"`
	TimeoutSeconds int64    `json:"timeoutSeconds"`
	OwnerEmail     string   `json:"ownerEmail,omitempty"`
}

// TaskResult reports the outcome of one task.
type TaskResult struct {
	WorkflowInstanceID    string         `json:"workflowInstanceId"`
	TaskID                string         `json:"taskId"`
	WorkerID              string         `json:"workerId,omitempty"`
	Status                TaskStatus     `json:"status"`
	OutputData            map[string]any `json:"outputData"`
	ReasonForIncompletion string         `json:"reasonForIncompletion,omitempty"`
}

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, for example http://conductor:8080/api.
	BaseURL  string
	Username string
	Password string

	// HTTPClient defaults to a client on the relay's shared pooled transport.
	HTTPClient *http.Client
	// Timeout bounds every request when HTTPClient is nil (default: 30s).
	Timeout time.Duration
	Logger  *slog.Logger
}

// APIError is a non-2xx response from the queue.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("conductor: %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("conductor: %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client talks to the task queue REST API.
type Client struct {
	apiURL    *url.URL
	healthURL string
	username  string
	password  string
	client    *http.Client
	logger    *slog.Logger
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("conductor: base url is required")
	}
	apiURL, err := url.Parse(base)
	if err != nil || apiURL.Scheme == "" || apiURL.Host == "" {
		return nil, fmt.Errorf("conductor: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = tool.NewHTTPClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// The health endpoint lives beside the API root, not under it.
	health := *apiURL
	health.Path = strings.TrimSuffix(health.Path, "/api") + "/health"

	return &Client{
		apiURL:    apiURL,
		healthURL: health.String(),
		username:  cfg.Username,
		password:  cfg.Password,
		client:    cfg.HTTPClient,
		logger:    cfg.Logger,
	}, nil
}

// Healthy reports whether the queue answers its health endpoint with
// healthy=true.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	var out struct {
		Healthy bool `json:"healthy"`
	}
	if err := c.do(ctx, "health", http.MethodGet, c.healthURL, nil, &out); err != nil {
		return false, err
	}
	return out.Healthy, nil
}

// WaitHealthy polls Healthy until it reports true or ctx ends. interval
// defaults to 200ms.
func (c *Client) WaitHealthy(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := c.Healthy(ctx)
		if ok {
			return nil
		}
		if err != nil {
			c.logger.Warn("conductor: queue not reachable yet", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RegisterTaskDefs creates or replaces task definitions.
func (c *Client) RegisterTaskDefs(ctx context.Context, defs ...TaskDef) error {
	if len(defs) == 0 {
		return nil
	}
	for i := range defs {
		if defs[i].InputKeys == nil {
			defs[i].InputKeys = []string{}
		}
		if defs[i].OutputKeys == nil {
			defs[i].OutputKeys = []string{}
		}
	}
	return c.do(ctx, "register task defs", http.MethodPost, c.endpoint("metadata", "taskdefs"), defs, nil)
}

// PollBatch claims up to count tasks of taskType, waiting at most timeout
// on the server for work to arrive.
func (c *Client) PollBatch(ctx context.Context, taskType, workerID string, count int, timeout time.Duration) ([]Task, error) {
	if count <= 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("workerid", workerID)
	q.Set("count", strconv.Itoa(count))
	q.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	target := c.endpoint("tasks", "poll", "batch", taskType) + "?" + q.Encode()

	var tasks []Task
	if err := c.do(ctx, "poll", http.MethodGet, target, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// UpdateTask reports a task outcome.
func (c *Client) UpdateTask(ctx context.Context, result TaskResult) error {
	if result.TaskID == "" {
		return errors.New("conductor: task id is required")
	}
	if result.OutputData == nil {
		result.OutputData = map[string]any{}
	}
	return c.do(ctx, "update task", http.MethodPost, c.endpoint("tasks"), result, nil)
}

func (c *Client) endpoint(segments ...string) string {
	u := *c.apiURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(segments, "/")
	u.RawPath = ""
	return u.String()
}

func (c *Client) do(ctx context.Context, op, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("conductor: encode %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("conductor: build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("conductor: %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("conductor: read %s response: %w", op, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: tool.BodySnippet(data, maxErrorBody)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("conductor: decode %s response: %w", op, err)
	}
	return nil
}
