package server

// CreateIncidentRequest starts an incident run.
type CreateIncidentRequest struct {
	AtmID       string `json:"atm_id" example:"GAB001"`
	ErrorType   string `json:"error_type" example:"CardReaderJam"`
	Description string `json:"description,omitempty"`
	CreatedBy   string `json:"created_by,omitempty" example:"jsmith"`
}

// TaskUserRequest carries the acting user for claim/start/release.
type TaskUserRequest struct {
	User string `json:"user" example:"jsmith"`
}

// CompleteTaskRequest completes a task with raw output data.
type CompleteTaskRequest struct {
	User       string         `json:"user" example:"jsmith"`
	OutputData map[string]any `json:"output_data,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// Stage completion requests. Each carries the acting user plus the fields
// its stage hands back to the engine.
type CompleteProcessIncidentRequest struct {
	User             string `json:"user"`
	InitialDiagnosis string `json:"initial_diagnosis"`
}

type CompleteAnalyzeIncidentRequest struct {
	User         string `json:"user"`
	IncidentType string `json:"incident_type" example:"under_maintenance"`
}

type CompleteAssessIncidentRequest struct {
	User                 string `json:"user"`
	AssessmentDetails    string `json:"assessment_details"`
	SupplierTicketNumber string `json:"supplier_ticket_number,omitempty"`
}

type CompleteApproveInsuranceRequest struct {
	User                 string `json:"user"`
	ReimbursementDetails string `json:"reimbursement_details"`
}

type CompleteProcureItemsRequest struct {
	User               string `json:"user"`
	ProcurementDetails string `json:"procurement_details"`
}

type CompleteResolveIncidentRequest struct {
	User                 string `json:"user"`
	ResolutionDetails    string `json:"resolution_details"`
	SupplierTicketNumber string `json:"supplier_ticket_number,omitempty"`
}

type CompleteCloseIncidentRequest struct {
	User           string `json:"user"`
	ClosureDetails string `json:"closure_details"`
}
