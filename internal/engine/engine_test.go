package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"atmdesk/internal/bpm"
	"atmdesk/internal/bpm/bpmtest"
	"atmdesk/internal/config"
	"atmdesk/internal/db"
	"atmdesk/internal/domain"
	"atmdesk/internal/engine"
	"atmdesk/internal/migrate"
	"atmdesk/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Fake   *bpmtest.Fake
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	fake := bpmtest.New()
	now := func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	fake.Now = now
	eng := engine.New(conn, fake, config.Default())
	eng.Now = now
	return testEnv{Engine: eng, Fake: fake, Ctx: context.Background()}
}

var incidentNumberRe = regexp.MustCompile(`^INC-\d+-[0-9A-F]{8}$`)

func (env testEnv) startIncident(t *testing.T) domain.Incident {
	t.Helper()
	in, err := env.Engine.StartIncidentProcess(env.Ctx, engine.StartIncidentOptions{
		AtmID:     "GAB001",
		ErrorType: "CardReaderJam",
		CreatedBy: "jsmith",
	})
	if err != nil {
		t.Fatalf("start incident: %v", err)
	}
	return in
}

// syncTask pulls group and returns the tracked task with the given name.
func (env testEnv) syncTask(t *testing.T, group, name string) domain.Task {
	t.Helper()
	tasks, err := env.Engine.SyncTasksForGroup(env.Ctx, group)
	if err != nil {
		t.Fatalf("sync %s: %v", group, err)
	}
	for _, task := range tasks {
		if task.TaskName == name {
			return task
		}
	}
	t.Fatalf("task %q not visible to %s (got %v)", name, group, tasks)
	return domain.Task{}
}

func TestStartIncidentProcess(t *testing.T) {
	env := newTestEnv(t)
	in := env.startIncident(t)
	if !incidentNumberRe.MatchString(in.IncidentNumber) {
		t.Fatalf("incident number %q does not match pattern", in.IncidentNumber)
	}
	if in.Status != domain.IncidentCreated {
		t.Fatalf("status = %s, want CREATED", in.Status)
	}
	if in.IncidentType != domain.TypeNotClassified {
		t.Fatalf("incident type = %s, want NOT_CLASSIFIED", in.IncidentType)
	}
	if in.CorrelationID == 0 {
		t.Fatal("correlation id not set")
	}
	stored, err := env.Engine.GetIncidentByCorrelationID(env.Ctx, in.CorrelationID)
	if err != nil {
		t.Fatalf("get by correlation id: %v", err)
	}
	if stored.IncidentNumber != in.IncidentNumber {
		t.Fatalf("stored number = %s", stored.IncidentNumber)
	}

	second := env.startIncident(t)
	if second.IncidentNumber == in.IncidentNumber {
		t.Fatal("incident numbers must be unique")
	}
}

func TestStartIncidentEngineFailureStoresNothing(t *testing.T) {
	env := newTestEnv(t)
	env.Fake.StartErr = &bpm.EngineError{Op: "start process", StatusCode: 503}
	_, err := env.Engine.StartIncidentProcess(env.Ctx, engine.StartIncidentOptions{
		AtmID:     "GAB001",
		ErrorType: "CardReaderJam",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	items, err := env.Engine.ListIncidents(env.Ctx, repo.IncidentFilters{})
	if err != nil {
		t.Fatalf("list incidents: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no incidents, got %d", len(items))
	}
}

func TestStartIncidentValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.StartIncidentProcess(env.Ctx, engine.StartIncidentOptions{ErrorType: "x"})
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(env.Fake.Calls) != 0 {
		t.Fatalf("engine was called: %v", env.Fake.Calls)
	}
}

func TestSyncIsIdempotentAndFiltersInput(t *testing.T) {
	env := newTestEnv(t)
	in := env.startIncident(t)

	first, err := env.Engine.SyncTasksForGroup(env.Ctx, "helpdesk")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("got %d tasks, want 1", len(first))
	}
	task := first[0]
	if task.TaskName != domain.TaskNameProcessIncident || task.AssignedGroup != "helpdesk" {
		t.Fatalf("task = %+v", task)
	}
	if task.IncidentID != in.ID {
		t.Fatalf("incident id = %d, want %d", task.IncidentID, in.ID)
	}
	if task.Status != domain.TaskReady {
		t.Fatalf("status = %s, want READY", task.Status)
	}

	if task.InputData == nil {
		t.Fatal("input snapshot missing")
	}
	var snapshot map[string]any
	if err := json.Unmarshal([]byte(*task.InputData), &snapshot); err != nil {
		t.Fatalf("parse snapshot: %v", err)
	}
	if snapshot["atmId"] != "GAB001" {
		t.Fatalf("snapshot atmId = %v", snapshot["atmId"])
	}
	if snapshot["incidentNumber"] != in.IncidentNumber {
		t.Fatalf("snapshot incidentNumber = %v", snapshot["incidentNumber"])
	}
	for _, k := range []string{"TaskName", "NodeName", "Skippable", "GroupId"} {
		if _, ok := snapshot[k]; ok {
			t.Fatalf("engine metadata key %s leaked into snapshot", k)
		}
	}

	second, err := env.Engine.SyncTasksForGroup(env.Ctx, "helpdesk")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(second) != 1 || second[0].TaskInstanceID != task.TaskInstanceID {
		t.Fatalf("second sync = %+v", second)
	}
	all, err := env.Engine.IncidentTasks(env.Ctx, in.ID)
	if err != nil {
		t.Fatalf("incident tasks: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("duplicate rows after re-sync: %d", len(all))
	}
}

func TestSyncRefreshesOwnerAndStatus(t *testing.T) {
	env := newTestEnv(t)
	env.startIncident(t)
	task := env.syncTask(t, "helpdesk", domain.TaskNameProcessIncident)

	// someone claims it directly against the engine
	if err := env.Fake.ClaimTask(env.Ctx, task.TaskInstanceID, "other"); err != nil {
		t.Fatalf("claim on engine: %v", err)
	}
	refreshed := env.syncTask(t, "helpdesk", domain.TaskNameProcessIncident)
	if refreshed.Status != domain.TaskReserved {
		t.Fatalf("status = %s, want RESERVED", refreshed.Status)
	}
	if refreshed.AssignedUser == nil || *refreshed.AssignedUser != "other" {
		t.Fatalf("owner = %v, want other", refreshed.AssignedUser)
	}
}

func TestSyncSkipsUnknownRun(t *testing.T) {
	env := newTestEnv(t)
	env.startIncident(t)
	// a run the engine knows but this service never started
	if _, err := env.Fake.StartProcess(env.Ctx, map[string]any{"atmId": "GAB999"}); err != nil {
		t.Fatalf("start foreign run: %v", err)
	}
	tasks, err := env.Engine.SyncTasksForGroup(env.Ctx, "helpdesk")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1 (foreign run skipped)", len(tasks))
	}
}

func TestClaimStartRelease(t *testing.T) {
	env := newTestEnv(t)
	env.startIncident(t)
	task := env.syncTask(t, "helpdesk", domain.TaskNameProcessIncident)

	claimed, err := env.Engine.ClaimTask(env.Ctx, task.TaskInstanceID, "jsmith")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != domain.TaskReserved || claimed.ClaimedAt == nil {
		t.Fatalf("claimed = %+v", claimed)
	}
	started, err := env.Engine.StartTask(env.Ctx, task.TaskInstanceID, "jsmith")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != domain.TaskInProgress || started.StartedAt == nil {
		t.Fatalf("started = %+v", started)
	}
	released, err := env.Engine.ReleaseTask(env.Ctx, task.TaskInstanceID, "jsmith")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != domain.TaskReady || released.AssignedUser != nil {
		t.Fatalf("released = %+v", released)
	}
}

func TestSmartCompleteFromReady(t *testing.T) {
	env := newTestEnv(t)
	env.startIncident(t)
	task := env.syncTask(t, "helpdesk", domain.TaskNameProcessIncident)

	done, err := env.Engine.SmartCompleteTask(env.Ctx, task.TaskInstanceID, "jsmith", map[string]any{
		engine.OutputKeyInitialDiagnosis: "jam",
	})
	if err != nil {
		t.Fatalf("smart complete: %v", err)
	}
	if done.Status != domain.TaskCompleted || done.CompletedAt == nil {
		t.Fatalf("done = %+v", done)
	}
	// claim and start happened on the engine before the complete
	joined := strings.Join(env.Fake.Calls, ",")
	if !strings.Contains(joined, "ClaimTask") || !strings.Contains(joined, "StartTask") {
		t.Fatalf("missing pre-steps: %v", env.Fake.Calls)
	}
}

func TestSmartCompleteFromReservedSameOwner(t *testing.T) {
	env := newTestEnv(t)
	env.startIncident(t)
	task := env.syncTask(t, "helpdesk", domain.TaskNameProcessIncident)
	if _, err := env.Engine.ClaimTask(env.Ctx, task.TaskInstanceID, "jsmith"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	done, err := env.Engine.SmartCompleteTask(env.Ctx, task.TaskInstanceID, "jsmith", map[string]any{
		engine.OutputKeyInitialDiagnosis: "jam",
	})
	if err != nil {
		t.Fatalf("smart complete from reserved: %v", err)
	}
	if done.Status != domain.TaskCompleted {
		t.Fatalf("status = %s", done.Status)
	}
}

func TestSmartCompleteFromInProgressSameOwner(t *testing.T) {
	env := newTestEnv(t)
	env.startIncident(t)
	task := env.syncTask(t, "helpdesk", domain.TaskNameProcessIncident)
	if _, err := env.Engine.ClaimTask(env.Ctx, task.TaskInstanceID, "jsmith"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.StartTask(env.Ctx, task.TaskInstanceID, "jsmith"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.SmartCompleteTask(env.Ctx, task.TaskInstanceID, "jsmith", map[string]any{
		engine.OutputKeyInitialDiagnosis: "jam",
	}); err != nil {
		t.Fatalf("smart complete from inprogress: %v", err)
	}
}

func TestSmartCompleteRejectsForeignOwner(t *testing.T) {
	env := newTestEnv(t)
	env.startIncident(t)
	task := env.syncTask(t, "helpdesk", domain.TaskNameProcessIncident)
	if _, err := env.Engine.ClaimTask(env.Ctx, task.TaskInstanceID, "other"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	before := len(env.Fake.Calls)
	_, err := env.Engine.SmartCompleteTask(env.Ctx, task.TaskInstanceID, "jsmith", nil)
	var ce *engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	// only the state read reached the engine, no mutation
	for _, call := range env.Fake.Calls[before:] {
		if !strings.HasPrefix(call, "GetTask") {
			t.Fatalf("unexpected engine call %s", call)
		}
	}
}

func TestSmartCompleteRejectsTerminalState(t *testing.T) {
	env := newTestEnv(t)
	env.startIncident(t)
	task := env.syncTask(t, "helpdesk", domain.TaskNameProcessIncident)
	if _, err := env.Engine.SmartCompleteTask(env.Ctx, task.TaskInstanceID, "jsmith", map[string]any{
		engine.OutputKeyInitialDiagnosis: "jam",
	}); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	_, err := env.Engine.SmartCompleteTask(env.Ctx, task.TaskInstanceID, "jsmith", nil)
	var ce *engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError on completed task, got %v", err)
	}
}

func TestAnalyzeRejectsBogusType(t *testing.T) {
	env := newTestEnv(t)
	in := env.startIncident(t)
	task := env.syncTask(t, "helpdesk", domain.TaskNameProcessIncident)
	if _, err := env.Engine.CompleteProcessIncidentTask(env.Ctx, task.TaskInstanceID, "jsmith", "jam"); err != nil {
		t.Fatalf("process: %v", err)
	}
	analyze := env.syncTask(t, "atm_monitoring", domain.TaskNameAnalyzeIncident)

	before := len(env.Fake.Calls)
	_, err := env.Engine.CompleteAnalyzeIncidentTask(env.Ctx, analyze.TaskInstanceID, "mmartin", "bogus")
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(env.Fake.Calls) != before {
		t.Fatalf("engine was called: %v", env.Fake.Calls[before:])
	}
	unchanged, err := env.Engine.GetIncident(env.Ctx, in.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if unchanged.IncidentType != domain.TypeNotClassified || unchanged.Status != domain.IncidentInProgress {
		t.Fatalf("incident mutated: %+v", unchanged)
	}
}

func TestUnderMaintenanceScenario(t *testing.T) {
	env := newTestEnv(t)
	in := env.startIncident(t)
	cid := in.CorrelationID

	// intake
	task := env.syncTask(t, "helpdesk", domain.TaskNameProcessIncident)
	if _, err := env.Engine.CompleteProcessIncidentTask(env.Ctx, task.TaskInstanceID, "jsmith", "card reader jammed"); err != nil {
		t.Fatalf("process: %v", err)
	}
	in, _ = env.Engine.GetIncidentByCorrelationID(env.Ctx, cid)
	if in.Status != domain.IncidentInProgress {
		t.Fatalf("after intake: status = %s, want IN_PROGRESS", in.Status)
	}
	if in.InitialDiagnosis == nil || *in.InitialDiagnosis != "card reader jammed" {
		t.Fatalf("initial diagnosis = %v", in.InitialDiagnosis)
	}

	// triage
	task = env.syncTask(t, "atm_monitoring", domain.TaskNameAnalyzeIncident)
	if _, err := env.Engine.CompleteAnalyzeIncidentTask(env.Ctx, task.TaskInstanceID, "mmartin", domain.IncidentTypeUnderMaintenance); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	in, _ = env.Engine.GetIncidentByCorrelationID(env.Ctx, cid)
	if in.IncidentType != domain.TypeUnderMaintenance {
		t.Fatalf("incident type = %s", in.IncidentType)
	}
	if in.Status != domain.IncidentInProgress {
		t.Fatalf("triage must not change status, got %s", in.Status)
	}

	// maintenance resolution
	task = env.syncTask(t, "supplier", domain.TaskNameResolveIncidentUnderMaintenance)
	if _, err := env.Engine.CompleteResolveIncidentUnderMaintenanceTask(env.Ctx, task.TaskInstanceID, "svendor", "replaced reader", "TCK-100"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	in, _ = env.Engine.GetIncidentByCorrelationID(env.Ctx, cid)
	if in.Status != domain.IncidentResolved || in.ResolvedAt == nil {
		t.Fatalf("after resolve: %+v", in)
	}
	if in.SupplierTicketNumber == nil || *in.SupplierTicketNumber != "TCK-100" {
		t.Fatalf("ticket = %v", in.SupplierTicketNumber)
	}

	// closing
	task = env.syncTask(t, "helpdesk", domain.TaskNameCloseIncident)
	if _, err := env.Engine.CompleteCloseIncidentTask(env.Ctx, task.TaskInstanceID, "jsmith", "verified with branch"); err != nil {
		t.Fatalf("close: %v", err)
	}
	in, _ = env.Engine.GetIncidentByCorrelationID(env.Ctx, cid)
	if in.Status != domain.IncidentClosed || in.ClosedAt == nil {
		t.Fatalf("after close: %+v", in)
	}

	report, err := env.Engine.GetIncidentReport(env.Ctx, cid)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Statistics.TotalTasks != 4 || report.Statistics.CompletedTasks != 4 {
		t.Fatalf("stats = %+v", report.Statistics)
	}
	if report.Statistics.CompletionPercentage != 100 {
		t.Fatalf("completion = %v", report.Statistics.CompletionPercentage)
	}
	if report.Statistics.CurrentStep != "Completed" {
		t.Fatalf("current step = %s", report.Statistics.CurrentStep)
	}
	if report.Statistics.PendingTasks != 0 {
		t.Fatalf("pending = %d", report.Statistics.PendingTasks)
	}
}

func TestReportOnFreshIncident(t *testing.T) {
	env := newTestEnv(t)
	in := env.startIncident(t)
	report, err := env.Engine.GetIncidentReport(env.Ctx, in.CorrelationID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Statistics.TotalTasks != 0 || report.Statistics.CompletionPercentage != 0 {
		t.Fatalf("stats = %+v", report.Statistics)
	}
	if report.ProcessVariables["atmId"] != "GAB001" {
		t.Fatalf("vars = %v", report.ProcessVariables)
	}
}

func TestReportCurrentStepAndStageHint(t *testing.T) {
	env := newTestEnv(t)
	in := env.startIncident(t)
	env.syncTask(t, "helpdesk", domain.TaskNameProcessIncident)
	report, err := env.Engine.GetIncidentReport(env.Ctx, in.CorrelationID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Statistics.CurrentStep != domain.TaskNameProcessIncident {
		t.Fatalf("current step = %s", report.Statistics.CurrentStep)
	}
	if report.CurrentStageHint != domain.IncidentInProgress {
		t.Fatalf("stage hint = %s", report.CurrentStageHint)
	}
	if report.Statistics.CompletionPercentage != 0 {
		t.Fatalf("completion = %v", report.Statistics.CompletionPercentage)
	}
}

func TestAbortIncident(t *testing.T) {
	env := newTestEnv(t)
	in := env.startIncident(t)
	aborted, err := env.Engine.AbortIncidentProcess(env.Ctx, in.CorrelationID, "jsmith")
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if aborted.Status != domain.IncidentAborted {
		t.Fatalf("status = %s", aborted.Status)
	}
	_, err = env.Engine.AbortIncidentProcess(env.Ctx, in.CorrelationID, "jsmith")
	var ce *engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError on double abort, got %v", err)
	}
}

func TestStageWrappersValidateRequiredFields(t *testing.T) {
	env := newTestEnv(t)
	env.startIncident(t)
	task := env.syncTask(t, "helpdesk", domain.TaskNameProcessIncident)
	cases := []struct {
		name string
		call func() error
	}{
		{"process", func() error {
			_, err := env.Engine.CompleteProcessIncidentTask(env.Ctx, task.TaskInstanceID, "jsmith", "")
			return err
		}},
		{"analyze", func() error {
			_, err := env.Engine.CompleteAnalyzeIncidentTask(env.Ctx, task.TaskInstanceID, "jsmith", "")
			return err
		}},
		{"assess", func() error {
			_, err := env.Engine.CompleteAssessIncidentTask(env.Ctx, task.TaskInstanceID, "jsmith", "", "TCK-1")
			return err
		}},
		{"approve", func() error {
			_, err := env.Engine.CompleteApproveInsuranceTask(env.Ctx, task.TaskInstanceID, "jsmith", "")
			return err
		}},
		{"procure", func() error {
			_, err := env.Engine.CompleteProcureItemsTask(env.Ctx, task.TaskInstanceID, "jsmith", "")
			return err
		}},
		{"resolve", func() error {
			_, err := env.Engine.CompleteResolveIncidentTask(env.Ctx, task.TaskInstanceID, "jsmith", "", "")
			return err
		}},
		{"close", func() error {
			_, err := env.Engine.CompleteCloseIncidentTask(env.Ctx, task.TaskInstanceID, "jsmith", "")
			return err
		}},
	}
	for _, c := range cases {
		before := len(env.Fake.Calls)
		err := c.call()
		var ve *engine.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%s: expected ValidationError, got %v", c.name, err)
		}
		if len(env.Fake.Calls) != before {
			t.Errorf("%s: engine was called", c.name)
		}
	}
}

func TestAbortUntrackedRunStillAbortsEngine(t *testing.T) {
	env := newTestEnv(t)
	// A run created outside this layer has no local incident row.
	pid, err := env.Fake.StartProcess(env.Ctx, map[string]any{"atmId": "GAB009"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	in, err := env.Engine.AbortIncidentProcess(env.Ctx, pid, "ops")
	if err != nil {
		t.Fatalf("abort untracked run: %v", err)
	}
	if in.ID != 0 {
		t.Fatalf("expected no incident, got %+v", in)
	}

	want := fmt.Sprintf("AbortProcess(%d)", pid)
	found := false
	for _, call := range env.Fake.Calls {
		if call == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("external abort never issued; engine calls: %v", env.Fake.Calls)
	}
	items, err := env.Engine.ListIncidents(env.Ctx, repo.IncidentFilters{})
	if err != nil {
		t.Fatalf("list incidents: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("abort must not create incidents, got %v", items)
	}
}

func TestSmartCompleteUntrackedTaskRejectedBeforeEngine(t *testing.T) {
	env := newTestEnv(t)
	env.startIncident(t)
	// The engine has a ready task but the synchronizer never observed it.
	summaries, err := env.Fake.TasksForGroup(env.Ctx, "helpdesk")
	if err != nil || len(summaries) != 1 {
		t.Fatalf("fake tasks: %v %v", summaries, err)
	}
	taskID := summaries[0].ID

	before := len(env.Fake.Calls)
	_, err = env.Engine.SmartCompleteTask(env.Ctx, taskID, "jsmith", nil)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if got := env.Fake.Calls[before:]; len(got) != 0 {
		t.Fatalf("engine touched before rejection: %v", got)
	}
	current, err := env.Fake.GetTask(env.Ctx, taskID)
	if err != nil {
		t.Fatalf("read task: %v", err)
	}
	if current.Status != "ready" || current.ActualOwner != "" {
		t.Fatalf("task mutated: %+v", current)
	}
}

func TestInsurancePathScenario(t *testing.T) {
	env := newTestEnv(t)
	in := env.startIncident(t)
	cid := in.CorrelationID

	task := env.syncTask(t, "helpdesk", domain.TaskNameProcessIncident)
	if _, err := env.Engine.CompleteProcessIncidentTask(env.Ctx, task.TaskInstanceID, "jsmith", "dispenser dead"); err != nil {
		t.Fatalf("process: %v", err)
	}
	task = env.syncTask(t, "atm_monitoring", domain.TaskNameAnalyzeIncident)
	if _, err := env.Engine.CompleteAnalyzeIncidentTask(env.Ctx, task.TaskInstanceID, "mmartin", domain.IncidentTypeOutsideMaintenanceUnderInsurance); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	// assessment
	task = env.syncTask(t, "insurance", domain.TaskNameAssessIncident)
	if _, err := env.Engine.CompleteAssessIncidentTask(env.Ctx, task.TaskInstanceID, "iadj", "covered by policy", "TCK-200"); err != nil {
		t.Fatalf("assess: %v", err)
	}
	in, _ = env.Engine.GetIncidentByCorrelationID(env.Ctx, cid)
	if in.Status != domain.IncidentWaitingForInsurance {
		t.Fatalf("after assess: status = %s, want WAITING_FOR_INSURANCE", in.Status)
	}
	if in.AssessmentDetails == nil || *in.AssessmentDetails != "covered by policy" {
		t.Fatalf("assessment details = %v", in.AssessmentDetails)
	}
	if in.SupplierTicketNumber == nil || *in.SupplierTicketNumber != "TCK-200" {
		t.Fatalf("ticket = %v", in.SupplierTicketNumber)
	}

	// insurance approval
	task = env.syncTask(t, "insurance", domain.TaskNameApproveInsurance)
	if _, err := env.Engine.CompleteApproveInsuranceTask(env.Ctx, task.TaskInstanceID, "iadj", "reimburse 80%"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	in, _ = env.Engine.GetIncidentByCorrelationID(env.Ctx, cid)
	if in.Status != domain.IncidentWaitingForProcurement {
		t.Fatalf("after approve: status = %s, want WAITING_FOR_PROCUREMENT", in.Status)
	}
	if in.ReimbursementDetails == nil || *in.ReimbursementDetails != "reimburse 80%" {
		t.Fatalf("reimbursement details = %v", in.ReimbursementDetails)
	}

	// procurement
	task = env.syncTask(t, "purchasing", domain.TaskNameProcureItems)
	if _, err := env.Engine.CompleteProcureItemsTask(env.Ctx, task.TaskInstanceID, "pbuyer", "ordered new dispenser"); err != nil {
		t.Fatalf("procure: %v", err)
	}
	in, _ = env.Engine.GetIncidentByCorrelationID(env.Ctx, cid)
	if in.Status != domain.IncidentWaitingForResolution {
		t.Fatalf("after procure: status = %s, want WAITING_FOR_RESOLUTION", in.Status)
	}
	if in.ProcurementDetails == nil || *in.ProcurementDetails != "ordered new dispenser" {
		t.Fatalf("procurement details = %v", in.ProcurementDetails)
	}

	// resolution and close
	task = env.syncTask(t, "atm_monitoring", domain.TaskNameResolveIncident)
	if _, err := env.Engine.CompleteResolveIncidentTask(env.Ctx, task.TaskInstanceID, "mmartin", "dispenser replaced", ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	in, _ = env.Engine.GetIncidentByCorrelationID(env.Ctx, cid)
	if in.Status != domain.IncidentResolved || in.ResolvedAt == nil {
		t.Fatalf("after resolve: %+v", in)
	}
	task = env.syncTask(t, "helpdesk", domain.TaskNameCloseIncident)
	if _, err := env.Engine.CompleteCloseIncidentTask(env.Ctx, task.TaskInstanceID, "jsmith", "customer confirmed"); err != nil {
		t.Fatalf("close: %v", err)
	}
	in, _ = env.Engine.GetIncidentByCorrelationID(env.Ctx, cid)
	if in.Status != domain.IncidentClosed || in.ClosedAt == nil {
		t.Fatalf("after close: %+v", in)
	}

	report, err := env.Engine.GetIncidentReport(env.Ctx, cid)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Statistics.TotalTasks != 6 || report.Statistics.CompletedTasks != 6 {
		t.Fatalf("stats = %+v", report.Statistics)
	}
}
