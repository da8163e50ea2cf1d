package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"atmdesk/internal/domain"
	"atmdesk/internal/engine"
)

var stageErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusBadGateway,
}

// registerStageCompletions exposes one endpoint per workflow stage. Each
// validates its stage fields and smart-completes the task.
func registerStageCompletions(api huma.API, e engine.Engine) {
	registerStage(api, "complete-process-incident", "process-incident", "Complete the intake stage",
		func(ctx context.Context, id int64, body CompleteProcessIncidentRequest) (domain.Task, error) {
			return e.CompleteProcessIncidentTask(ctx, id, body.User, body.InitialDiagnosis)
		})
	registerStage(api, "complete-analyze-incident", "analyze-incident", "Complete the triage stage",
		func(ctx context.Context, id int64, body CompleteAnalyzeIncidentRequest) (domain.Task, error) {
			return e.CompleteAnalyzeIncidentTask(ctx, id, body.User, body.IncidentType)
		})
	registerStage(api, "complete-assess-incident", "assess-incident", "Complete the assessment stage",
		func(ctx context.Context, id int64, body CompleteAssessIncidentRequest) (domain.Task, error) {
			return e.CompleteAssessIncidentTask(ctx, id, body.User, body.AssessmentDetails, body.SupplierTicketNumber)
		})
	registerStage(api, "complete-approve-insurance", "approve-insurance", "Complete the insurance stage",
		func(ctx context.Context, id int64, body CompleteApproveInsuranceRequest) (domain.Task, error) {
			return e.CompleteApproveInsuranceTask(ctx, id, body.User, body.ReimbursementDetails)
		})
	registerStage(api, "complete-procure-items", "procure-items", "Complete the procurement stage",
		func(ctx context.Context, id int64, body CompleteProcureItemsRequest) (domain.Task, error) {
			return e.CompleteProcureItemsTask(ctx, id, body.User, body.ProcurementDetails)
		})
	registerStage(api, "complete-resolve-incident", "resolve-incident", "Complete the resolution stage",
		func(ctx context.Context, id int64, body CompleteResolveIncidentRequest) (domain.Task, error) {
			return e.CompleteResolveIncidentTask(ctx, id, body.User, body.ResolutionDetails, body.SupplierTicketNumber)
		})
	registerStage(api, "complete-resolve-incident-under-maintenance", "resolve-incident-under-maintenance", "Complete the maintenance resolution stage",
		func(ctx context.Context, id int64, body CompleteResolveIncidentRequest) (domain.Task, error) {
			return e.CompleteResolveIncidentUnderMaintenanceTask(ctx, id, body.User, body.ResolutionDetails, body.SupplierTicketNumber)
		})
	registerStage(api, "complete-close-incident", "close-incident", "Complete the closing stage",
		func(ctx context.Context, id int64, body CompleteCloseIncidentRequest) (domain.Task, error) {
			return e.CompleteCloseIncidentTask(ctx, id, body.User, body.ClosureDetails)
		})
}

func registerStage[B any](api huma.API, opID, slug, summary string, fn func(context.Context, int64, B) (domain.Task, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPut,
		Path:        "/tasks/{task_instance_id}/complete/" + slug,
		Summary:     summary,
		Errors:      stageErrors,
	}, func(ctx context.Context, input *struct {
		TaskInstanceID int64 `path:"task_instance_id"`
		Body           B     `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := fn(ctx, input.TaskInstanceID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}
