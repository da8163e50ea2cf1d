package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"atmdesk/internal/domain"
	"atmdesk/internal/events"
)

// Output-data keys the stage tasks hand back to the engine. The incident
// projection is keyed on these.
const (
	OutputKeyInitialDiagnosis     = "taskInitialDiagnosis"
	OutputKeyIncidentType         = "taskIncidentType"
	OutputKeyAssessmentDetails    = "taskAssessmentDetails"
	OutputKeySupplierTicketNumber = "taskSupplierTicketNumber"
	OutputKeyReimbursementDetails = "taskReimbursementDetails"
	OutputKeyProcurementDetails   = "taskProcurementDetails"
	OutputKeyResolutionDetails    = "taskResolutionDetails"
	OutputKeyClosureDetails       = "taskClosureDetails"
)

// ClaimTask reserves a ready task for user: external claim first, then the
// local row.
func (e Engine) ClaimTask(ctx context.Context, taskInstanceID int64, user string) (domain.Task, error) {
	if user == "" {
		return domain.Task{}, validationf("user is required")
	}
	unlock := e.locks.lock(taskInstanceID)
	defer unlock()

	t, err := e.Repo.GetTaskByInstanceID(ctx, taskInstanceID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.BPM.ClaimTask(ctx, taskInstanceID, user); err != nil {
		return domain.Task{}, fmt.Errorf("claim task %d: %w", taskInstanceID, err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	t.Status = domain.TaskReserved
	t.AssignedUser = &user
	t.ClaimedAt = &now
	t.UpdatedAt = now
	if err := e.writeTask(ctx, t, "task.claimed", user, nil); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// StartTask moves a reserved task to in-progress.
func (e Engine) StartTask(ctx context.Context, taskInstanceID int64, user string) (domain.Task, error) {
	if user == "" {
		return domain.Task{}, validationf("user is required")
	}
	unlock := e.locks.lock(taskInstanceID)
	defer unlock()

	t, err := e.Repo.GetTaskByInstanceID(ctx, taskInstanceID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.BPM.StartTask(ctx, taskInstanceID, user); err != nil {
		return domain.Task{}, fmt.Errorf("start task %d: %w", taskInstanceID, err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	t.Status = domain.TaskInProgress
	t.AssignedUser = &user
	t.StartedAt = &now
	t.UpdatedAt = now
	if err := e.writeTask(ctx, t, "task.started", user, nil); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ReleaseTask puts a claimed task back in the group's ready pool.
func (e Engine) ReleaseTask(ctx context.Context, taskInstanceID int64, user string) (domain.Task, error) {
	if user == "" {
		return domain.Task{}, validationf("user is required")
	}
	unlock := e.locks.lock(taskInstanceID)
	defer unlock()

	t, err := e.Repo.GetTaskByInstanceID(ctx, taskInstanceID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.BPM.ReleaseTask(ctx, taskInstanceID, user); err != nil {
		return domain.Task{}, fmt.Errorf("release task %d: %w", taskInstanceID, err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	t.Status = domain.TaskReady
	t.AssignedUser = nil
	t.ClaimedAt = nil
	t.StartedAt = nil
	t.UpdatedAt = now
	if err := e.writeTask(ctx, t, "task.released", user, nil); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// CompleteTask completes an in-progress task with outputData and applies
// the incident projection.
func (e Engine) CompleteTask(ctx context.Context, taskInstanceID int64, user string, outputData map[string]any) (domain.Task, error) {
	if user == "" {
		return domain.Task{}, validationf("user is required")
	}
	unlock := e.locks.lock(taskInstanceID)
	defer unlock()
	return e.completeLocked(ctx, taskInstanceID, user, outputData)
}

// SmartCompleteTask brings a task into a completable state and completes
// it, whatever pre-steps the engine's current view requires. ready: claim
// then start. reserved by user: start. inprogress by user: nothing. Any
// other combination is a conflict, rejected before touching external state.
func (e Engine) SmartCompleteTask(ctx context.Context, taskInstanceID int64, user string, outputData map[string]any) (domain.Task, error) {
	if user == "" {
		return domain.Task{}, validationf("user is required")
	}
	unlock := e.locks.lock(taskInstanceID)
	defer unlock()

	// An untracked task is rejected here, before any claim/start pre-step
	// mutates the engine's view.
	if _, err := e.Repo.GetTaskByInstanceID(ctx, taskInstanceID); err != nil {
		return domain.Task{}, err
	}
	current, err := e.BPM.GetTask(ctx, taskInstanceID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("read task %d: %w", taskInstanceID, err)
	}
	switch strings.ToLower(current.Status) {
	case "ready":
		if err := e.BPM.ClaimTask(ctx, taskInstanceID, user); err != nil {
			return domain.Task{}, fmt.Errorf("claim task %d: %w", taskInstanceID, err)
		}
		if err := e.BPM.StartTask(ctx, taskInstanceID, user); err != nil {
			return domain.Task{}, fmt.Errorf("start task %d: %w", taskInstanceID, err)
		}
	case "reserved":
		if current.ActualOwner != user {
			return domain.Task{}, conflictf("task %d is reserved by %s", taskInstanceID, current.ActualOwner)
		}
		if err := e.BPM.StartTask(ctx, taskInstanceID, user); err != nil {
			return domain.Task{}, fmt.Errorf("start task %d: %w", taskInstanceID, err)
		}
	case "inprogress":
		if current.ActualOwner != user {
			return domain.Task{}, conflictf("task %d is in progress by %s", taskInstanceID, current.ActualOwner)
		}
	default:
		return domain.Task{}, conflictf("task %d is %s and cannot be completed", taskInstanceID, current.Status)
	}
	return e.completeLocked(ctx, taskInstanceID, user, outputData)
}

func (e Engine) completeLocked(ctx context.Context, taskInstanceID int64, user string, outputData map[string]any) (domain.Task, error) {
	t, err := e.Repo.GetTaskByInstanceID(ctx, taskInstanceID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.BPM.CompleteTask(ctx, taskInstanceID, user, outputData); err != nil {
		return domain.Task{}, fmt.Errorf("complete task %d: %w", taskInstanceID, err)
	}

	now := e.now().UTC().Format(time.RFC3339)
	t.Status = domain.TaskCompleted
	t.AssignedUser = &user
	t.CompletedAt = &now
	t.UpdatedAt = now
	if len(outputData) > 0 {
		encoded, err := json.Marshal(outputData)
		if err != nil {
			return domain.Task{}, fmt.Errorf("encode task %d output: %w", taskInstanceID, err)
		}
		data := string(encoded)
		t.OutputData = &data
	}

	in, err := e.Repo.GetIncident(ctx, t.IncidentID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("load incident %d: %w", t.IncidentID, err)
	}
	in, changes := applyTaskOutput(in, outputData, now)
	in.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("update task %d: %w", taskInstanceID, err)
	}
	if err := e.Repo.UpdateIncidentTx(ctx, tx, in); err != nil {
		return domain.Task{}, fmt.Errorf("update incident %d: %w", in.ID, err)
	}
	if err := e.Events.Append(ctx, tx, "task.completed", in.ID, "task", fmt.Sprint(taskInstanceID), user, events.EventPayload{
		"task_name": t.TaskName,
		"changes":   changes,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) writeTask(ctx context.Context, t domain.Task, evtType, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return fmt.Errorf("update task %d: %w", t.TaskInstanceID, err)
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["status"] = string(t.Status)
	if err := e.Events.Append(ctx, tx, evtType, t.IncidentID, "task", fmt.Sprint(t.TaskInstanceID), actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// CompleteProcessIncidentTask finishes the intake stage.
func (e Engine) CompleteProcessIncidentTask(ctx context.Context, taskInstanceID int64, user, initialDiagnosis string) (domain.Task, error) {
	if initialDiagnosis == "" {
		return domain.Task{}, validationf("initialDiagnosis is required")
	}
	return e.SmartCompleteTask(ctx, taskInstanceID, user, map[string]any{
		OutputKeyInitialDiagnosis: initialDiagnosis,
	})
}

// CompleteAnalyzeIncidentTask finishes the triage stage. incidentType must
// be one of the three gateway literals; anything else is rejected before
// any external call.
func (e Engine) CompleteAnalyzeIncidentTask(ctx context.Context, taskInstanceID int64, user, incidentType string) (domain.Task, error) {
	if incidentType == "" {
		return domain.Task{}, validationf("incidentType is required")
	}
	if !domain.ValidIncidentTypeWire(incidentType) {
		return domain.Task{}, validationf("incidentType %q is not one of %s, %s, %s", incidentType,
			domain.IncidentTypeUnderMaintenance,
			domain.IncidentTypeOutsideMaintenanceUnderInsurance,
			domain.IncidentTypeOutsideMaintenanceOutsideInsurance)
	}
	return e.SmartCompleteTask(ctx, taskInstanceID, user, map[string]any{
		OutputKeyIncidentType: incidentType,
	})
}

// CompleteAssessIncidentTask finishes the assessment stage.
func (e Engine) CompleteAssessIncidentTask(ctx context.Context, taskInstanceID int64, user, assessmentDetails, supplierTicketNumber string) (domain.Task, error) {
	if assessmentDetails == "" {
		return domain.Task{}, validationf("assessmentDetails is required")
	}
	output := map[string]any{OutputKeyAssessmentDetails: assessmentDetails}
	if supplierTicketNumber != "" {
		output[OutputKeySupplierTicketNumber] = supplierTicketNumber
	}
	return e.SmartCompleteTask(ctx, taskInstanceID, user, output)
}

// CompleteApproveInsuranceTask finishes the insurance stage.
func (e Engine) CompleteApproveInsuranceTask(ctx context.Context, taskInstanceID int64, user, reimbursementDetails string) (domain.Task, error) {
	if reimbursementDetails == "" {
		return domain.Task{}, validationf("reimbursementDetails is required")
	}
	return e.SmartCompleteTask(ctx, taskInstanceID, user, map[string]any{
		OutputKeyReimbursementDetails: reimbursementDetails,
	})
}

// CompleteProcureItemsTask finishes the procurement stage.
func (e Engine) CompleteProcureItemsTask(ctx context.Context, taskInstanceID int64, user, procurementDetails string) (domain.Task, error) {
	if procurementDetails == "" {
		return domain.Task{}, validationf("procurementDetails is required")
	}
	return e.SmartCompleteTask(ctx, taskInstanceID, user, map[string]any{
		OutputKeyProcurementDetails: procurementDetails,
	})
}

// CompleteResolveIncidentTask finishes the resolution stage. It serves both
// the regular and the under-maintenance resolution tasks, which differ only
// in routing upstream.
func (e Engine) CompleteResolveIncidentTask(ctx context.Context, taskInstanceID int64, user, resolutionDetails, supplierTicketNumber string) (domain.Task, error) {
	if resolutionDetails == "" {
		return domain.Task{}, validationf("resolutionDetails is required")
	}
	output := map[string]any{OutputKeyResolutionDetails: resolutionDetails}
	if supplierTicketNumber != "" {
		output[OutputKeySupplierTicketNumber] = supplierTicketNumber
	}
	return e.SmartCompleteTask(ctx, taskInstanceID, user, output)
}

// CompleteResolveIncidentUnderMaintenanceTask is the maintenance-branch
// counterpart of CompleteResolveIncidentTask; same output contract.
func (e Engine) CompleteResolveIncidentUnderMaintenanceTask(ctx context.Context, taskInstanceID int64, user, resolutionDetails, supplierTicketNumber string) (domain.Task, error) {
	return e.CompleteResolveIncidentTask(ctx, taskInstanceID, user, resolutionDetails, supplierTicketNumber)
}

// CompleteCloseIncidentTask finishes the closing stage.
func (e Engine) CompleteCloseIncidentTask(ctx context.Context, taskInstanceID int64, user, closureDetails string) (domain.Task, error) {
	if closureDetails == "" {
		return domain.Task{}, validationf("closureDetails is required")
	}
	return e.SmartCompleteTask(ctx, taskInstanceID, user, map[string]any{
		OutputKeyClosureDetails: closureDetails,
	})
}
