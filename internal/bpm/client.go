package bpm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"atmdesk/internal/config"
)

// Client is the HTTP implementation of ProcessEngine against a KIE-style
// REST endpoint. All calls authenticate with basic auth.
type Client struct {
	BaseURL     string
	Username    string
	Password    string
	ContainerID string
	ProcessID   string
	HTTP        *http.Client
}

var _ ProcessEngine = (*Client)(nil)

func NewClient(cfg config.EngineConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:     strings.TrimSuffix(cfg.URL, "/"),
		Username:    cfg.Username,
		Password:    cfg.Password,
		ContainerID: cfg.ContainerID,
		ProcessID:   cfg.ProcessID,
		HTTP:        &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.SetBasicAuth(c.Username, c.Password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &EngineError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func (c *Client) StartProcess(ctx context.Context, vars map[string]any) (int64, error) {
	path := fmt.Sprintf("/containers/%s/processes/%s/instances", c.ContainerID, c.ProcessID)
	var id json.Number
	if err := c.do(ctx, "start process", http.MethodPost, path, vars, &id); err != nil {
		return 0, err
	}
	pid, err := id.Int64()
	if err != nil {
		return 0, fmt.Errorf("parse process instance id %q: %w", id, err)
	}
	return pid, nil
}

func (c *Client) AbortProcess(ctx context.Context, processInstanceID int64) error {
	path := fmt.Sprintf("/containers/%s/processes/instances/%d", c.ContainerID, processInstanceID)
	return c.do(ctx, "abort process", http.MethodDelete, path, nil, nil)
}

func (c *Client) ProcessInstance(ctx context.Context, processInstanceID int64) (map[string]any, error) {
	path := fmt.Sprintf("/containers/%s/processes/instances/%d?withVars=true", c.ContainerID, processInstanceID)
	var payload map[string]any
	if err := c.do(ctx, "get process instance", http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	vars, _ := payload["process-instance-variables"].(map[string]any)
	if vars == nil {
		vars = map[string]any{}
	}
	return vars, nil
}

func (c *Client) ProcessDiagram(ctx context.Context, processInstanceID int64) (string, error) {
	op := "get process diagram"
	path := fmt.Sprintf("%s/containers/%s/images/processes/instances/%d", c.BaseURL, c.ContainerID, processInstanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", fmt.Errorf("build %s request: %w", op, err)
	}
	req.SetBasicAuth(c.Username, c.Password)
	req.Header.Set("Accept", "application/svg+xml")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &EngineError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return string(data), nil
}

func (c *Client) TasksForGroup(ctx context.Context, group string) ([]TaskSummary, error) {
	path := "/queries/tasks/instances/pot-owners?groups=" + url.QueryEscape(group) + "&page=0&pageSize=100"
	return c.taskQuery(ctx, "list group tasks", path)
}

func (c *Client) TasksForOwner(ctx context.Context, user string, page, pageSize int) ([]TaskSummary, error) {
	path := fmt.Sprintf("/queries/tasks/instances/owners?user=%s&page=%d&pageSize=%d", url.QueryEscape(user), page, pageSize)
	return c.taskQuery(ctx, "list owned tasks", path)
}

func (c *Client) TasksForProcess(ctx context.Context, processInstanceID int64) ([]TaskSummary, error) {
	path := fmt.Sprintf("/queries/tasks/instances/process/%d?page=0&pageSize=100", processInstanceID)
	return c.taskQuery(ctx, "list process tasks", path)
}

func (c *Client) taskQuery(ctx context.Context, op, path string) ([]TaskSummary, error) {
	var payload struct {
		Tasks []map[string]any `json:"task-summary"`
	}
	if err := c.do(ctx, op, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	res := make([]TaskSummary, 0, len(payload.Tasks))
	for _, raw := range payload.Tasks {
		res = append(res, taskSummaryFromWire(raw))
	}
	return res, nil
}

func (c *Client) GetTask(ctx context.Context, taskInstanceID int64) (TaskSummary, error) {
	path := fmt.Sprintf("/containers/%s/tasks/%d", c.ContainerID, taskInstanceID)
	var raw map[string]any
	if err := c.do(ctx, "get task", http.MethodGet, path, nil, &raw); err != nil {
		return TaskSummary{}, err
	}
	return taskSummaryFromWire(raw), nil
}

func (c *Client) ClaimTask(ctx context.Context, taskInstanceID int64, user string) error {
	return c.taskState(ctx, "claim task", taskInstanceID, "claimed", user, nil)
}

func (c *Client) StartTask(ctx context.Context, taskInstanceID int64, user string) error {
	return c.taskState(ctx, "start task", taskInstanceID, "started", user, nil)
}

func (c *Client) CompleteTask(ctx context.Context, taskInstanceID int64, user string, output map[string]any) error {
	if output == nil {
		output = map[string]any{}
	}
	return c.taskState(ctx, "complete task", taskInstanceID, "completed", user, output)
}

func (c *Client) ReleaseTask(ctx context.Context, taskInstanceID int64, user string) error {
	return c.taskState(ctx, "release task", taskInstanceID, "released", user, nil)
}

func (c *Client) taskState(ctx context.Context, op string, taskInstanceID int64, state, user string, body any) error {
	path := fmt.Sprintf("/containers/%s/tasks/%d/states/%s?user=%s", c.ContainerID, taskInstanceID, state, url.QueryEscape(user))
	return c.do(ctx, op, http.MethodPut, path, body, nil)
}

func (c *Client) TaskInputData(ctx context.Context, taskInstanceID int64) (map[string]any, error) {
	return c.taskContents(ctx, "get task input", taskInstanceID, "input")
}

func (c *Client) TaskOutputData(ctx context.Context, taskInstanceID int64) (map[string]any, error) {
	return c.taskContents(ctx, "get task output", taskInstanceID, "output")
}

func (c *Client) taskContents(ctx context.Context, op string, taskInstanceID int64, kind string) (map[string]any, error) {
	path := fmt.Sprintf("/containers/%s/tasks/%d/contents/%s", c.ContainerID, taskInstanceID, kind)
	var payload map[string]any
	if err := c.do(ctx, op, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

func taskSummaryFromWire(raw map[string]any) TaskSummary {
	return TaskSummary{
		ID:                wireInt64(raw["task-id"]),
		ProcessInstanceID: wireInt64(raw["task-proc-inst-id"]),
		Name:              wireString(raw["task-name"]),
		Description:       wireString(raw["task-description"]),
		Status:            wireString(raw["task-status"]),
		ActualOwner:       wireString(raw["task-actual-owner"]),
		Priority:          int(wireInt64(raw["task-priority"])),
		CreatedOn:         wireDate(raw["task-created-on"]),
		ExpirationTime:    wireDate(raw["task-expiration-time"]),
		Subject:           wireString(raw["task-subject"]),
	}
}

// wireInt64 coerces the engine's loosely typed numbers. Identifiers can
// arrive as JSON numbers, json.Number or strings depending on endpoint.
func wireInt64(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err == nil {
			return i
		}
		f, err := n.Float64()
		if err == nil {
			return int64(f)
		}
	case float64:
		return int64(n)
	case int64:
		return n
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err == nil {
			return i
		}
	}
	return 0
}

func wireString(v any) string {
	s, _ := v.(string)
	return s
}

// wireDate accepts either an RFC3339 string or the engine's wrapped
// {"java.util.Date": <epoch-millis>} form and normalizes to RFC3339 UTC.
func wireDate(v any) string {
	switch d := v.(type) {
	case string:
		return d
	case map[string]any:
		for _, inner := range d {
			millis := wireInt64(inner)
			if millis > 0 {
				return time.UnixMilli(millis).UTC().Format(time.RFC3339)
			}
		}
	case json.Number, float64:
		millis := wireInt64(d)
		if millis > 0 {
			return time.UnixMilli(millis).UTC().Format(time.RFC3339)
		}
	}
	return ""
}
