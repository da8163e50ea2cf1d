package engine

import (
	"context"
	"fmt"
	"time"

	"atmdesk/internal/bpm"
	"atmdesk/internal/domain"
)

// GetTask returns the locally tracked task for an instance id.
func (e Engine) GetTask(ctx context.Context, taskInstanceID int64) (domain.Task, error) {
	return e.Repo.GetTaskByInstanceID(ctx, taskInstanceID)
}

// TaskData reads a task's live input and output content from the engine.
func (e Engine) TaskData(ctx context.Context, taskInstanceID int64) (input, output map[string]any, err error) {
	input, err = e.BPM.TaskInputData(ctx, taskInstanceID)
	if err != nil {
		return nil, nil, fmt.Errorf("read task input: %w", err)
	}
	output, err = e.BPM.TaskOutputData(ctx, taskInstanceID)
	if err != nil {
		return nil, nil, fmt.Errorf("read task output: %w", err)
	}
	return input, output, nil
}

// LiveProcessTasks reads a run's task summaries straight from the engine.
func (e Engine) LiveProcessTasks(ctx context.Context, correlationID int64) ([]bpm.TaskSummary, error) {
	return e.BPM.TasksForProcess(ctx, correlationID)
}

// LiveOwnedTasks pages through the tasks the engine reports as owned by user.
func (e Engine) LiveOwnedTasks(ctx context.Context, user string, page, pageSize int) ([]bpm.TaskSummary, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	return e.BPM.TasksForOwner(ctx, user, page, pageSize)
}

// IncidentTasks returns an incident's tasks in observation order.
func (e Engine) IncidentTasks(ctx context.Context, incidentID int64) ([]domain.Task, error) {
	return e.Repo.ListTasksForIncident(ctx, incidentID)
}

// UserTasks returns the tasks user currently holds.
func (e Engine) UserTasks(ctx context.Context, user string) ([]domain.Task, error) {
	return e.Repo.ListTasksByUser(ctx, user, []domain.TaskStatus{domain.TaskReserved, domain.TaskInProgress})
}

// GroupTasks returns a capability group's active tasks from local state.
// Call SyncTasksForGroup first for a fresh view.
func (e Engine) GroupTasks(ctx context.Context, group string) ([]domain.Task, error) {
	return e.Repo.ListTasksByGroup(ctx, group, []domain.TaskStatus{domain.TaskReady, domain.TaskReserved, domain.TaskInProgress})
}

// IncidentStatusCounts returns the number of incidents per status.
func (e Engine) IncidentStatusCounts(ctx context.Context) (map[domain.IncidentStatus]int, error) {
	return e.Repo.CountIncidentsByStatus(ctx)
}

// GetIncidentReport composes the incident projection, a live read of the
// run's variables, the ordered task list and derived statistics. A missing
// local incident is a hard failure, as is an unreachable engine.
func (e Engine) GetIncidentReport(ctx context.Context, correlationID int64) (domain.IncidentReport, error) {
	in, err := e.Repo.GetIncidentByCorrelationID(ctx, correlationID)
	if err != nil {
		return domain.IncidentReport{}, err
	}
	tasks, err := e.Repo.ListTasksForIncident(ctx, in.ID)
	if err != nil {
		return domain.IncidentReport{}, fmt.Errorf("list incident tasks: %w", err)
	}
	vars, err := e.BPM.ProcessInstance(ctx, correlationID)
	if err != nil {
		return domain.IncidentReport{}, fmt.Errorf("read process instance: %w", err)
	}

	report := domain.IncidentReport{
		Incident:         in,
		ProcessVariables: vars,
		Tasks:            tasks,
		Statistics:       computeStatistics(in, tasks, e.now().UTC()),
	}
	for _, t := range tasks {
		if t.Status != domain.TaskCompleted {
			if hint, ok := domain.StageHint(t.TaskName); ok {
				report.CurrentStageHint = hint
			}
			break
		}
	}
	return report, nil
}

func computeStatistics(in domain.Incident, tasks []domain.Task, now time.Time) domain.IncidentStatistics {
	stats := domain.IncidentStatistics{
		TotalTasks:  len(tasks),
		CurrentStep: "Completed",
	}
	for _, t := range tasks {
		if t.Status == domain.TaskCompleted {
			stats.CompletedTasks++
		} else if stats.CurrentStep == "Completed" {
			stats.CurrentStep = t.TaskName
		}
	}
	stats.PendingTasks = stats.TotalTasks - stats.CompletedTasks
	if stats.TotalTasks > 0 {
		stats.CompletionPercentage = 100 * float64(stats.CompletedTasks) / float64(stats.TotalTasks)
	}

	end := now
	if in.ClosedAt != nil {
		if t, err := time.Parse(time.RFC3339, *in.ClosedAt); err == nil {
			end = t
		}
	}
	if start, err := time.Parse(time.RFC3339, in.CreatedAt); err == nil {
		stats.TotalDurationMinutes = int64(end.Sub(start).Minutes())
	}
	return stats
}
