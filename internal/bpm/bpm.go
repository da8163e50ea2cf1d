// Package bpm talks to the external business-process engine that owns
// incident workflow runs and their human tasks.
package bpm

import (
	"context"
	"fmt"
)

// TaskSummary is the engine's listing view of a human task.
type TaskSummary struct {
	ID                int64  `json:"id"`
	ProcessInstanceID int64  `json:"process_instance_id"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	Status            string `json:"status"`
	ActualOwner       string `json:"actual_owner,omitempty"`
	Priority          int    `json:"priority,omitempty"`
	CreatedOn         string `json:"created_on,omitempty"`
	ExpirationTime    string `json:"expiration_time,omitempty"`
	Subject           string `json:"subject,omitempty"`
}

// ProcessEngine is the surface of the external engine this service depends
// on. The production implementation is Client; tests use bpmtest.Fake.
type ProcessEngine interface {
	// StartProcess creates a new workflow run and returns its instance id.
	StartProcess(ctx context.Context, vars map[string]any) (int64, error)
	AbortProcess(ctx context.Context, processInstanceID int64) error
	// ProcessInstance returns the run's current variables keyed by name.
	ProcessInstance(ctx context.Context, processInstanceID int64) (map[string]any, error)
	// ProcessDiagram returns the run's rendered diagram as SVG markup.
	ProcessDiagram(ctx context.Context, processInstanceID int64) (string, error)

	TasksForGroup(ctx context.Context, group string) ([]TaskSummary, error)
	TasksForOwner(ctx context.Context, user string, page, pageSize int) ([]TaskSummary, error)
	TasksForProcess(ctx context.Context, processInstanceID int64) ([]TaskSummary, error)
	GetTask(ctx context.Context, taskInstanceID int64) (TaskSummary, error)

	ClaimTask(ctx context.Context, taskInstanceID int64, user string) error
	StartTask(ctx context.Context, taskInstanceID int64, user string) error
	CompleteTask(ctx context.Context, taskInstanceID int64, user string, output map[string]any) error
	ReleaseTask(ctx context.Context, taskInstanceID int64, user string) error

	TaskInputData(ctx context.Context, taskInstanceID int64) (map[string]any, error)
	TaskOutputData(ctx context.Context, taskInstanceID int64) (map[string]any, error)
}

// EngineError reports a failed call against the external engine.
type EngineError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *EngineError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("engine %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("engine %s: status %d", e.Op, e.StatusCode)
}
