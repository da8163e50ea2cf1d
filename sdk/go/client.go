// Package atmdesksdk is a minimal client for the ATMDesk HTTP API.
package atmdesksdk

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

// Client is a minimal ATMDesk HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
	}
}

// Incident mirrors the API incident model.
type Incident struct {
	ID                   int64   `json:"id"`
	IncidentNumber       string  `json:"incident_number"`
	CorrelationID        int64   `json:"correlation_id"`
	AtmID                string  `json:"atm_id"`
	ErrorType            string  `json:"error_type"`
	Description          string  `json:"description,omitempty"`
	Status               string  `json:"status"`
	IncidentType         string  `json:"incident_type"`
	InitialDiagnosis     *string `json:"initial_diagnosis,omitempty"`
	AssessmentDetails    *string `json:"assessment_details,omitempty"`
	SupplierTicketNumber *string `json:"supplier_ticket_number,omitempty"`
	ReimbursementDetails *string `json:"reimbursement_details,omitempty"`
	ProcurementDetails   *string `json:"procurement_details,omitempty"`
	ResolutionDetails    *string `json:"resolution_details,omitempty"`
	ClosureDetails       *string `json:"closure_details,omitempty"`
	CreatedBy            string  `json:"created_by,omitempty"`
	AssignedTo           *string `json:"assigned_to,omitempty"`
	CreatedAt            string  `json:"created_at"`
	UpdatedAt            string  `json:"updated_at"`
	ResolvedAt           *string `json:"resolved_at,omitempty"`
	ClosedAt             *string `json:"closed_at,omitempty"`
}

// Task mirrors the API task model.
type Task struct {
	ID             int64   `json:"id"`
	IncidentID     int64   `json:"incident_id"`
	TaskInstanceID int64   `json:"task_instance_id"`
	TaskName       string  `json:"task_name"`
	AssignedGroup  string  `json:"assigned_group"`
	AssignedUser   *string `json:"assigned_user,omitempty"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"created_at"`
	CompletedAt    *string `json:"completed_at,omitempty"`
	InputData      *string `json:"input_data,omitempty"`
	OutputData     *string `json:"output_data,omitempty"`
}

// Statistics mirrors the report statistics block.
type Statistics struct {
	TotalTasks           int     `json:"total_tasks"`
	CompletedTasks       int     `json:"completed_tasks"`
	PendingTasks         int     `json:"pending_tasks"`
	TotalDurationMinutes int64   `json:"total_duration_minutes"`
	CurrentStep          string  `json:"current_step"`
	CompletionPercentage float64 `json:"completion_percentage"`
}

// Report mirrors the incident report payload.
type Report struct {
	Incident         Incident       `json:"incident"`
	ProcessVariables map[string]any `json:"process_variables,omitempty"`
	Tasks            []Task         `json:"tasks"`
	Statistics       Statistics     `json:"statistics"`
	CurrentStageHint string         `json:"current_stage_hint,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateIncident starts an incident run.
func (c *Client) CreateIncident(ctx context.Context, atmID, errorType, description, createdBy string) (Incident, error) {
	body := map[string]any{
		"atm_id":      atmID,
		"error_type":  errorType,
		"description": description,
		"created_by":  createdBy,
	}
	var resp Incident
	err := c.do(ctx, http.MethodPost, c.path("incidents"), body, &resp)
	return resp, err
}

// GetIncident fetches an incident by local id.
func (c *Client) GetIncident(ctx context.Context, id int64) (Incident, error) {
	var resp Incident
	err := c.do(ctx, http.MethodGet, c.path(fmt.Sprintf("incidents/%d", id)), nil, &resp)
	return resp, err
}

// GetIncidentByProcess fetches the incident owning a run.
func (c *Client) GetIncidentByProcess(ctx context.Context, correlationID int64) (Incident, error) {
	var resp Incident
	err := c.do(ctx, http.MethodGet, c.path(fmt.Sprintf("incidents/process/%d", correlationID)), nil, &resp)
	return resp, err
}

// ListIncidents lists incidents, optionally filtered by status.
func (c *Client) ListIncidents(ctx context.Context, status string) ([]Incident, error) {
	endpoint := c.path("incidents")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Incident
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AbortIncident aborts a run and marks the incident ABORTED.
func (c *Client) AbortIncident(ctx context.Context, correlationID int64, actor string) (Incident, error) {
	endpoint := c.path(fmt.Sprintf("incidents/process/%d", correlationID))
	if actor != "" {
		endpoint += "?actor=" + url.QueryEscape(actor)
	}
	var resp Incident
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

// GetReport fetches the full incident report.
func (c *Client) GetReport(ctx context.Context, correlationID int64) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodGet, c.path(fmt.Sprintf("incidents/process/%d/report", correlationID)), nil, &resp)
	return resp, err
}

// AvailableTasks syncs and lists a group's available tasks.
func (c *Client) AvailableTasks(ctx context.Context, group string) ([]Task, error) {
	endpoint := c.path("tasks/available") + "?group=" + url.QueryEscape(group)
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UserTasks lists tasks held by a user.
func (c *Client) UserTasks(ctx context.Context, user string) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, c.path("tasks/user/"+url.PathEscape(user)), nil, &resp)
	return resp, err
}

// ClaimTask claims a task for user.
func (c *Client) ClaimTask(ctx context.Context, taskInstanceID int64, user string) (Task, error) {
	return c.transition(ctx, taskInstanceID, "claim", user)
}

// StartTask starts a claimed task.
func (c *Client) StartTask(ctx context.Context, taskInstanceID int64, user string) (Task, error) {
	return c.transition(ctx, taskInstanceID, "start", user)
}

// ReleaseTask puts a claimed task back in the pool.
func (c *Client) ReleaseTask(ctx context.Context, taskInstanceID int64, user string) (Task, error) {
	return c.transition(ctx, taskInstanceID, "release", user)
}

func (c *Client) transition(ctx context.Context, taskInstanceID int64, verb, user string) (Task, error) {
	var resp Task
	endpoint := c.path(fmt.Sprintf("tasks/%d/%s", taskInstanceID, verb))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"user": user}, &resp)
	return resp, err
}

// CompleteTask smart-completes a task with output data.
func (c *Client) CompleteTask(ctx context.Context, taskInstanceID int64, user string, outputData map[string]any) (Task, error) {
	var resp Task
	endpoint := c.path(fmt.Sprintf("tasks/%d/complete", taskInstanceID))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"user": user, "output_data": outputData}, &resp)
	return resp, err
}

// CompleteStage completes one of the named stage endpoints; fields carries
// the stage-specific body entries next to "user".
func (c *Client) CompleteStage(ctx context.Context, taskInstanceID int64, stage, user string, fields map[string]any) (Task, error) {
	body := map[string]any{"user": user}
	for k, v := range fields {
		body[k] = v
	}
	var resp Task
	endpoint := c.path(fmt.Sprintf("tasks/%d/complete/%s", taskInstanceID, url.PathEscape(stage)))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
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

func (c *Client) path(p string) string {
	return strings.Trim(c.BasePath, "/") + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
