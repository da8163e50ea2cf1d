package domain

import "testing"

func TestTaskStatusFromEngine(t *testing.T) {
	cases := []struct {
		in   string
		want TaskStatus
	}{
		{"Ready", TaskReady},
		{"ready", TaskReady},
		{"RESERVED", TaskReserved},
		{"InProgress", TaskInProgress},
		{"Completed", TaskCompleted},
		{"Suspended", TaskSuspended},
		{"Failed", TaskFailed},
		{"Error", TaskError},
		{"Exited", TaskExited},
		{"Obsolete", TaskObsolete},
		{"weird", TaskCreated},
		{"", TaskCreated},
	}
	for _, c := range cases {
		if got := TaskStatusFromEngine(c.in); got != c.want {
			t.Errorf("TaskStatusFromEngine(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskCompleted, TaskFailed, TaskError, TaskExited, TaskObsolete}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []TaskStatus{TaskCreated, TaskReady, TaskReserved, TaskInProgress, TaskSuspended}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestIncidentTypeFromWire(t *testing.T) {
	cases := []struct {
		in   string
		want IncidentType
	}{
		{IncidentTypeUnderMaintenance, TypeUnderMaintenance},
		{IncidentTypeOutsideMaintenanceUnderInsurance, TypeOutsideMaintenanceUnderInsurance},
		{IncidentTypeOutsideMaintenanceOutsideInsurance, TypeOutsideMaintenanceOutsideInsurance},
		{"bogus", TypeNotClassified},
		{"", TypeNotClassified},
	}
	for _, c := range cases {
		if got := IncidentTypeFromWire(c.in); got != c.want {
			t.Errorf("IncidentTypeFromWire(%q) = %s, want %s", c.in, got, c.want)
		}
	}
	if ValidIncidentTypeWire("bogus") {
		t.Error("bogus should not be a valid wire literal")
	}
	if !ValidIncidentTypeWire(IncidentTypeUnderMaintenance) {
		t.Error("under_maintenance should be a valid wire literal")
	}
}

func TestStageHint(t *testing.T) {
	cases := []struct {
		taskName string
		want     IncidentStatus
	}{
		{TaskNameProcessIncident, IncidentInProgress},
		{TaskNameAnalyzeIncident, IncidentInProgress},
		{TaskNameAssessIncident, IncidentWaitingForAssessment},
		{TaskNameApproveInsurance, IncidentWaitingForInsurance},
		{TaskNameProcureItems, IncidentWaitingForProcurement},
		{TaskNameResolveIncident, IncidentWaitingForResolution},
		{TaskNameResolveIncidentUnderMaintenance, IncidentWaitingForResolution},
		{TaskNameCloseIncident, IncidentResolved},
	}
	for _, c := range cases {
		got, ok := StageHint(c.taskName)
		if !ok || got != c.want {
			t.Errorf("StageHint(%q) = %s,%v, want %s", c.taskName, got, ok, c.want)
		}
	}
	if _, ok := StageHint("Unknown Step"); ok {
		t.Error("unknown task name should have no stage hint")
	}
}

func TestParseIncidentStatus(t *testing.T) {
	if s, ok := ParseIncidentStatus("closed"); !ok || s != IncidentClosed {
		t.Errorf("ParseIncidentStatus(closed) = %s,%v", s, ok)
	}
	if _, ok := ParseIncidentStatus("nope"); ok {
		t.Error("nope should not parse")
	}
}
