package engine

import (
	"fmt"

	"atmdesk/internal/domain"
)

// applyTaskOutput folds a completed task's output data onto the incident.
// This is the only place incident status advances: each known key drives a
// fixed field write and, for most keys, a status transition. Keys apply
// independently; unknown keys are ignored. Returns the updated incident and
// the list of applied keys for the event log.
func applyTaskOutput(in domain.Incident, output map[string]any, now string) (domain.Incident, []string) {
	var applied []string
	for key, raw := range output {
		value := outputString(raw)
		switch key {
		case OutputKeyInitialDiagnosis:
			in.InitialDiagnosis = &value
			in.Status = domain.IncidentInProgress
		case OutputKeyIncidentType:
			in.IncidentType = domain.IncidentTypeFromWire(value)
		case OutputKeyAssessmentDetails:
			in.AssessmentDetails = &value
			in.Status = domain.IncidentWaitingForInsurance
		case OutputKeySupplierTicketNumber:
			in.SupplierTicketNumber = &value
		case OutputKeyReimbursementDetails:
			in.ReimbursementDetails = &value
			in.Status = domain.IncidentWaitingForProcurement
		case OutputKeyProcurementDetails:
			in.ProcurementDetails = &value
			in.Status = domain.IncidentWaitingForResolution
		case OutputKeyResolutionDetails:
			in.ResolutionDetails = &value
			in.Status = domain.IncidentResolved
			in.ResolvedAt = &now
		case OutputKeyClosureDetails:
			in.ClosureDetails = &value
			in.Status = domain.IncidentClosed
			in.ClosedAt = &now
		default:
			continue
		}
		applied = append(applied, key)
	}
	return in, applied
}

func outputString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
