package domain

import "strings"

// IncidentStatus is the derived lifecycle state of an incident. It is only
// mutated by the output-key projection on task completion, or by an explicit
// abort; callers never set it directly.
type IncidentStatus string

const (
	IncidentCreated               IncidentStatus = "CREATED"
	IncidentInProgress            IncidentStatus = "IN_PROGRESS"
	IncidentWaitingForAssessment  IncidentStatus = "WAITING_FOR_ASSESSMENT"
	IncidentWaitingForInsurance   IncidentStatus = "WAITING_FOR_INSURANCE"
	IncidentWaitingForProcurement IncidentStatus = "WAITING_FOR_PROCUREMENT"
	IncidentWaitingForResolution  IncidentStatus = "WAITING_FOR_RESOLUTION"
	IncidentResolved              IncidentStatus = "RESOLVED"
	IncidentClosed                IncidentStatus = "CLOSED"
	IncidentAborted               IncidentStatus = "ABORTED"
)

// Terminal reports whether no further transitions are possible.
func (s IncidentStatus) Terminal() bool {
	return s == IncidentClosed || s == IncidentAborted
}

// ParseIncidentStatus accepts the enum spelling used in the API and CLI.
func ParseIncidentStatus(v string) (IncidentStatus, bool) {
	switch IncidentStatus(strings.ToUpper(v)) {
	case IncidentCreated, IncidentInProgress, IncidentWaitingForAssessment,
		IncidentWaitingForInsurance, IncidentWaitingForProcurement,
		IncidentWaitingForResolution, IncidentResolved, IncidentClosed, IncidentAborted:
		return IncidentStatus(strings.ToUpper(v)), true
	}
	return "", false
}

// IncidentType is the classification decided by the analysis stage; the
// external engine's gateway branches on its wire literal.
type IncidentType string

const (
	TypeNotClassified                      IncidentType = "NOT_CLASSIFIED"
	TypeUnderMaintenance                   IncidentType = "UNDER_MAINTENANCE"
	TypeOutsideMaintenanceUnderInsurance   IncidentType = "OUTSIDE_MAINTENANCE_UNDER_INSURANCE"
	TypeOutsideMaintenanceOutsideInsurance IncidentType = "OUTSIDE_MAINTENANCE_OUTSIDE_INSURANCE"
)

// Wire literals exchanged with the engine in taskIncidentType.
const (
	IncidentTypeUnderMaintenance                   = "under_maintenance"
	IncidentTypeOutsideMaintenanceUnderInsurance   = "outside_maintenance_under_insurance"
	IncidentTypeOutsideMaintenanceOutsideInsurance = "outside_maintenance_outside_insurance"
)

// IncidentTypeFromWire maps an engine wire literal to the stored enum.
// Unknown or empty values classify as NOT_CLASSIFIED.
func IncidentTypeFromWire(v string) IncidentType {
	switch v {
	case IncidentTypeUnderMaintenance:
		return TypeUnderMaintenance
	case IncidentTypeOutsideMaintenanceUnderInsurance:
		return TypeOutsideMaintenanceUnderInsurance
	case IncidentTypeOutsideMaintenanceOutsideInsurance:
		return TypeOutsideMaintenanceOutsideInsurance
	default:
		return TypeNotClassified
	}
}

// ValidIncidentTypeWire reports whether v is one of the three literals the
// engine's gateway understands.
func ValidIncidentTypeWire(v string) bool {
	return v == IncidentTypeUnderMaintenance ||
		v == IncidentTypeOutsideMaintenanceUnderInsurance ||
		v == IncidentTypeOutsideMaintenanceOutsideInsurance
}

// TaskStatus tracks a human task as last observed or driven locally.
type TaskStatus string

const (
	TaskCreated    TaskStatus = "CREATED"
	TaskReady      TaskStatus = "READY"
	TaskReserved   TaskStatus = "RESERVED"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskSuspended  TaskStatus = "SUSPENDED"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskError      TaskStatus = "ERROR"
	TaskExited     TaskStatus = "EXITED"
	TaskObsolete   TaskStatus = "OBSOLETE"
)

// TaskStatusFromEngine maps the engine's status string (case-insensitive).
// Anything unrecognized, including the empty string, maps to CREATED.
func TaskStatusFromEngine(v string) TaskStatus {
	switch strings.ToLower(v) {
	case "ready":
		return TaskReady
	case "reserved":
		return TaskReserved
	case "inprogress":
		return TaskInProgress
	case "completed":
		return TaskCompleted
	case "suspended":
		return TaskSuspended
	case "failed":
		return TaskFailed
	case "error":
		return TaskError
	case "exited":
		return TaskExited
	case "obsolete":
		return TaskObsolete
	default:
		return TaskCreated
	}
}

// Terminal reports whether the engine can no longer move this task.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskError, TaskExited, TaskObsolete:
		return true
	}
	return false
}

// Stage task names as defined in the workflow.
const (
	TaskNameProcessIncident                 = "Process Incident"
	TaskNameAnalyzeIncident                 = "Analyze Incident"
	TaskNameAssessIncident                  = "Assess Incident"
	TaskNameApproveInsurance                = "Approve Insurance"
	TaskNameProcureItems                    = "Procure Items"
	TaskNameResolveIncident                 = "Resolve Incident"
	TaskNameResolveIncidentUnderMaintenance = "Resolve Incident Under Maintenance"
	TaskNameCloseIncident                   = "Close Incident"
)

// StageHint maps a task name to the incident status that stage is working
// toward. It is informational only (reports, CLI); the incident status itself
// is driven exclusively by completion-event projection.
func StageHint(taskName string) (IncidentStatus, bool) {
	switch taskName {
	case TaskNameProcessIncident, TaskNameAnalyzeIncident:
		return IncidentInProgress, true
	case TaskNameAssessIncident:
		return IncidentWaitingForAssessment, true
	case TaskNameApproveInsurance:
		return IncidentWaitingForInsurance, true
	case TaskNameProcureItems:
		return IncidentWaitingForProcurement, true
	case TaskNameResolveIncident, TaskNameResolveIncidentUnderMaintenance:
		return IncidentWaitingForResolution, true
	case TaskNameCloseIncident:
		return IncidentResolved, true
	}
	return "", false
}

// Incident is the locally persisted projection of one workflow run.
type Incident struct {
	ID                   int64          `json:"id"`
	IncidentNumber       string         `json:"incident_number"`
	CorrelationID        int64          `json:"correlation_id"`
	AtmID                string         `json:"atm_id"`
	ErrorType            string         `json:"error_type"`
	Description          string         `json:"description,omitempty"`
	Status               IncidentStatus `json:"status"`
	IncidentType         IncidentType   `json:"incident_type"`
	InitialDiagnosis     *string        `json:"initial_diagnosis,omitempty"`
	AssessmentDetails    *string        `json:"assessment_details,omitempty"`
	SupplierTicketNumber *string        `json:"supplier_ticket_number,omitempty"`
	ReimbursementDetails *string        `json:"reimbursement_details,omitempty"`
	ProcurementDetails   *string        `json:"procurement_details,omitempty"`
	ResolutionDetails    *string        `json:"resolution_details,omitempty"`
	ClosureDetails       *string        `json:"closure_details,omitempty"`
	CreatedBy            string         `json:"created_by,omitempty"`
	AssignedTo           *string        `json:"assigned_to,omitempty"`
	CreatedAt            string         `json:"created_at" format:"date-time"`
	UpdatedAt            string         `json:"updated_at" format:"date-time"`
	ResolvedAt           *string        `json:"resolved_at,omitempty" format:"date-time"`
	ClosedAt             *string        `json:"closed_at,omitempty" format:"date-time"`
}

// Task is the local tracking row for one engine task instance. Rows are
// materialized lazily the first time a group sync observes the task.
type Task struct {
	ID              int64      `json:"id"`
	IncidentID      int64      `json:"incident_id"`
	TaskInstanceID  int64      `json:"task_instance_id"`
	TaskName        string     `json:"task_name"`
	TaskDescription *string    `json:"task_description,omitempty"`
	AssignedGroup   string     `json:"assigned_group"`
	AssignedUser    *string    `json:"assigned_user,omitempty"`
	Status          TaskStatus `json:"status"`
	Priority        *int       `json:"priority,omitempty"`
	CreatedAt       string     `json:"created_at" format:"date-time"`
	UpdatedAt       string     `json:"updated_at" format:"date-time"`
	ClaimedAt       *string    `json:"claimed_at,omitempty" format:"date-time"`
	StartedAt       *string    `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string    `json:"completed_at,omitempty" format:"date-time"`
	DueDate         *string    `json:"due_date,omitempty" format:"date-time"`
	InputData       *string    `json:"input_data,omitempty"`
	OutputData      *string    `json:"output_data,omitempty"`
	Comments        *string    `json:"comments,omitempty"`
}

// IncidentStatistics summarizes task progress for a report.
type IncidentStatistics struct {
	TotalTasks           int     `json:"total_tasks"`
	CompletedTasks       int     `json:"completed_tasks"`
	PendingTasks         int     `json:"pending_tasks"`
	TotalDurationMinutes int64   `json:"total_duration_minutes"`
	CurrentStep          string  `json:"current_step"`
	CompletionPercentage float64 `json:"completion_percentage"`
}

// IncidentReport composes the persisted incident, a live read of the run
// variables, the ordered task list and derived statistics.
type IncidentReport struct {
	Incident         Incident           `json:"incident"`
	ProcessVariables map[string]any     `json:"process_variables,omitempty"`
	Tasks            []Task             `json:"tasks"`
	Statistics       IncidentStatistics `json:"statistics"`
	CurrentStageHint IncidentStatus     `json:"current_stage_hint,omitempty"`
}

// Event is one row of the append-only change log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	IncidentID int64  `json:"incident_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
