package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"atmdesk/internal/bpm"
	"atmdesk/internal/domain"
	"atmdesk/internal/events"
	"atmdesk/internal/repo"
)

// engineMetadataKeys are task input entries the engine adds for its own
// bookkeeping; they never enter the stored input snapshot.
var engineMetadataKeys = map[string]bool{
	"TaskName":  true,
	"NodeName":  true,
	"Skippable": true,
	"GroupId":   true,
	"ActorId":   true,
}

// businessInputSnapshot keeps only the business-relevant task input keys:
// those prefixed task, incident or atm, minus engine metadata and
// underscore-prefixed internals.
func businessInputSnapshot(input map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range input {
		if engineMetadataKeys[k] || strings.HasPrefix(k, "_") {
			continue
		}
		if strings.HasPrefix(k, "task") || strings.HasPrefix(k, "incident") || strings.HasPrefix(k, "atm") {
			out[k] = v
		}
	}
	return out
}

// SyncTasksForGroup pulls the tasks currently visible to a capability group
// and reconciles them into local state. First observation materializes a
// Task row with an input snapshot; re-observation refreshes status and
// owner. Summaries whose run has no local incident are skipped with a log.
// Safe to call concurrently for different groups.
func (e Engine) SyncTasksForGroup(ctx context.Context, group string) ([]domain.Task, error) {
	summaries, err := e.BPM.TasksForGroup(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("list tasks for group %s: %w", group, err)
	}
	var res []domain.Task
	for _, s := range summaries {
		t, err := e.reconcileTask(ctx, group, s)
		if err != nil {
			if errors.Is(err, errNoIncident) {
				log.Printf("sync %s: task %d belongs to unknown run %d, skipping", group, s.ID, s.ProcessInstanceID)
				continue
			}
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

var errNoIncident = errors.New("no incident for run")

func (e Engine) reconcileTask(ctx context.Context, group string, s bpm.TaskSummary) (domain.Task, error) {
	existing, err := e.Repo.GetTaskByInstanceID(ctx, s.ID)
	switch {
	case err == nil:
		return e.refreshTask(ctx, existing, s)
	case errors.Is(err, repo.ErrNotFound):
		return e.materializeTask(ctx, group, s)
	default:
		return domain.Task{}, err
	}
}

func (e Engine) materializeTask(ctx context.Context, group string, s bpm.TaskSummary) (domain.Task, error) {
	in, err := e.Repo.GetIncidentByCorrelationID(ctx, s.ProcessInstanceID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, errNoIncident
	}
	if err != nil {
		return domain.Task{}, err
	}

	input, err := e.BPM.TaskInputData(ctx, s.ID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("read task %d input: %w", s.ID, err)
	}
	snapshot, err := json.Marshal(businessInputSnapshot(input))
	if err != nil {
		return domain.Task{}, fmt.Errorf("encode task %d input snapshot: %w", s.ID, err)
	}

	now := e.now().UTC().Format(time.RFC3339)
	createdAt := s.CreatedOn
	if createdAt == "" {
		createdAt = now
	}
	t := domain.Task{
		IncidentID:     in.ID,
		TaskInstanceID: s.ID,
		TaskName:       s.Name,
		AssignedGroup:  group,
		Status:         domain.TaskStatusFromEngine(s.Status),
		CreatedAt:      createdAt,
		UpdatedAt:      now,
	}
	if s.Description != "" {
		t.TaskDescription = &s.Description
	}
	if s.ActualOwner != "" {
		t.AssignedUser = &s.ActualOwner
	}
	if s.Priority != 0 {
		p := s.Priority
		t.Priority = &p
	}
	if s.ExpirationTime != "" {
		t.DueDate = &s.ExpirationTime
	}
	if len(snapshot) > 2 {
		data := string(snapshot)
		t.InputData = &data
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertTaskTx(ctx, tx, t)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task %d: %w", s.ID, err)
	}
	t.ID = id
	if err := e.Events.Append(ctx, tx, "task.observed", in.ID, "task", fmt.Sprint(s.ID), "", events.EventPayload{
		"task_name": s.Name,
		"group":     group,
		"status":    string(t.Status),
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// refreshTask folds the engine's current view of an already-tracked task
// back into the local row so independent engine-side progress stays
// visible. COMPLETED rows are left alone.
func (e Engine) refreshTask(ctx context.Context, t domain.Task, s bpm.TaskSummary) (domain.Task, error) {
	if t.Status == domain.TaskCompleted {
		return t, nil
	}
	status := domain.TaskStatusFromEngine(s.Status)
	owner := s.ActualOwner
	sameOwner := (owner == "" && t.AssignedUser == nil) || (t.AssignedUser != nil && *t.AssignedUser == owner)
	if t.Status == status && sameOwner {
		return t, nil
	}
	t.Status = status
	if owner == "" {
		t.AssignedUser = nil
	} else {
		t.AssignedUser = &owner
	}
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("refresh task %d: %w", t.TaskInstanceID, err)
	}
	if err := e.Events.Append(ctx, tx, "task.refreshed", t.IncidentID, "task", fmt.Sprint(t.TaskInstanceID), "", events.EventPayload{
		"status": string(t.Status),
		"owner":  owner,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// SyncAllGroups reconciles every configured capability group.
func (e Engine) SyncAllGroups(ctx context.Context) (map[string][]domain.Task, error) {
	res := map[string][]domain.Task{}
	for _, g := range e.Config.Groups {
		tasks, err := e.SyncTasksForGroup(ctx, g)
		if err != nil {
			return nil, err
		}
		res[g] = tasks
	}
	return res, nil
}
