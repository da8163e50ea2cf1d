// Package bpmtest provides an in-memory ProcessEngine for tests. It
// replays the incident workflow's stage sequencing, including the
// classification gateway, without any network dependency.
package bpmtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"atmdesk/internal/bpm"
)

type fakeTask struct {
	id        int64
	pid       int64
	name      string
	group     string
	status    string
	owner     string
	createdOn string
	input     map[string]any
	output    map[string]any
}

type fakeProcess struct {
	vars    map[string]any
	aborted bool
	tasks   []int64
}

// Fake implements bpm.ProcessEngine in memory.
type Fake struct {
	mu        sync.Mutex
	nextPID   int64
	nextTID   int64
	processes map[int64]*fakeProcess
	tasks     map[int64]*fakeTask

	// Calls records every engine call in order, for asserting that an
	// operation did or did not reach the engine.
	Calls []string

	// StartErr, when set, fails StartProcess before creating anything.
	StartErr error
	// Now stamps task creation times; defaults to time.Now.
	Now func() time.Time
}

var _ bpm.ProcessEngine = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		nextPID:   100,
		nextTID:   1000,
		processes: map[int64]*fakeProcess{},
		tasks:     map[int64]*fakeTask{},
	}
}

func (f *Fake) record(format string, args ...any) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

func (f *Fake) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Fake) StartProcess(ctx context.Context, vars map[string]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StartProcess")
	if f.StartErr != nil {
		return 0, f.StartErr
	}
	f.nextPID++
	pid := f.nextPID
	copied := map[string]any{}
	for k, v := range vars {
		copied[k] = v
	}
	f.processes[pid] = &fakeProcess{vars: copied}
	f.spawnLocked(pid, "Process Incident", "helpdesk")
	return pid, nil
}

func (f *Fake) AbortProcess(ctx context.Context, pid int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AbortProcess(%d)", pid)
	p, ok := f.processes[pid]
	if !ok {
		return &bpm.EngineError{Op: "abort process", StatusCode: 404}
	}
	p.aborted = true
	for _, tid := range p.tasks {
		t := f.tasks[tid]
		if t.status != "completed" {
			t.status = "exited"
		}
	}
	return nil
}

func (f *Fake) ProcessInstance(ctx context.Context, pid int64) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ProcessInstance(%d)", pid)
	p, ok := f.processes[pid]
	if !ok {
		return nil, &bpm.EngineError{Op: "get process instance", StatusCode: 404}
	}
	out := map[string]any{}
	for k, v := range p.vars {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) ProcessDiagram(ctx context.Context, pid int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ProcessDiagram(%d)", pid)
	if _, ok := f.processes[pid]; !ok {
		return "", &bpm.EngineError{Op: "get process diagram", StatusCode: 404}
	}
	return fmt.Sprintf("<svg><!-- instance %d --></svg>", pid), nil
}

func (f *Fake) TasksForGroup(ctx context.Context, group string) ([]bpm.TaskSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("TasksForGroup(%s)", group)
	var res []bpm.TaskSummary
	for _, t := range f.orderedTasks() {
		if t.group != group {
			continue
		}
		switch t.status {
		case "ready", "reserved", "inprogress":
			res = append(res, f.summaryLocked(t))
		}
	}
	return res, nil
}

func (f *Fake) TasksForOwner(ctx context.Context, user string, page, pageSize int) ([]bpm.TaskSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("TasksForOwner(%s)", user)
	var res []bpm.TaskSummary
	for _, t := range f.orderedTasks() {
		if t.owner == user && (t.status == "reserved" || t.status == "inprogress") {
			res = append(res, f.summaryLocked(t))
		}
	}
	return res, nil
}

func (f *Fake) TasksForProcess(ctx context.Context, pid int64) ([]bpm.TaskSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("TasksForProcess(%d)", pid)
	p, ok := f.processes[pid]
	if !ok {
		return nil, &bpm.EngineError{Op: "list process tasks", StatusCode: 404}
	}
	var res []bpm.TaskSummary
	for _, tid := range p.tasks {
		res = append(res, f.summaryLocked(f.tasks[tid]))
	}
	return res, nil
}

func (f *Fake) GetTask(ctx context.Context, tid int64) (bpm.TaskSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetTask(%d)", tid)
	t, ok := f.tasks[tid]
	if !ok {
		return bpm.TaskSummary{}, &bpm.EngineError{Op: "get task", StatusCode: 404}
	}
	return f.summaryLocked(t), nil
}

func (f *Fake) ClaimTask(ctx context.Context, tid int64, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ClaimTask(%d,%s)", tid, user)
	t, ok := f.tasks[tid]
	if !ok {
		return &bpm.EngineError{Op: "claim task", StatusCode: 404}
	}
	if t.status != "ready" {
		return &bpm.EngineError{Op: "claim task", StatusCode: 500, Body: "task is not ready"}
	}
	t.status = "reserved"
	t.owner = user
	return nil
}

func (f *Fake) StartTask(ctx context.Context, tid int64, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StartTask(%d,%s)", tid, user)
	t, ok := f.tasks[tid]
	if !ok {
		return &bpm.EngineError{Op: "start task", StatusCode: 404}
	}
	if t.status != "reserved" || t.owner != user {
		return &bpm.EngineError{Op: "start task", StatusCode: 500, Body: "task is not reserved by user"}
	}
	t.status = "inprogress"
	return nil
}

func (f *Fake) CompleteTask(ctx context.Context, tid int64, user string, output map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CompleteTask(%d,%s)", tid, user)
	t, ok := f.tasks[tid]
	if !ok {
		return &bpm.EngineError{Op: "complete task", StatusCode: 404}
	}
	if t.status != "inprogress" || t.owner != user {
		return &bpm.EngineError{Op: "complete task", StatusCode: 500, Body: "task is not in progress by user"}
	}
	t.status = "completed"
	t.output = map[string]any{}
	p := f.processes[t.pid]
	for k, v := range output {
		t.output[k] = v
		p.vars[k] = v
	}
	f.advanceLocked(t)
	return nil
}

func (f *Fake) ReleaseTask(ctx context.Context, tid int64, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ReleaseTask(%d,%s)", tid, user)
	t, ok := f.tasks[tid]
	if !ok {
		return &bpm.EngineError{Op: "release task", StatusCode: 404}
	}
	if t.status != "reserved" && t.status != "inprogress" {
		return &bpm.EngineError{Op: "release task", StatusCode: 500, Body: "task is not claimed"}
	}
	t.status = "ready"
	t.owner = ""
	return nil
}

func (f *Fake) TaskInputData(ctx context.Context, tid int64) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("TaskInputData(%d)", tid)
	t, ok := f.tasks[tid]
	if !ok {
		return nil, &bpm.EngineError{Op: "get task input", StatusCode: 404}
	}
	out := map[string]any{}
	for k, v := range t.input {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) TaskOutputData(ctx context.Context, tid int64) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("TaskOutputData(%d)", tid)
	t, ok := f.tasks[tid]
	if !ok {
		return nil, &bpm.EngineError{Op: "get task output", StatusCode: 404}
	}
	out := map[string]any{}
	for k, v := range t.output {
		out[k] = v
	}
	return out, nil
}

// advanceLocked spawns the next stage task after a completion, branching
// on the classification recorded by the analysis stage.
func (f *Fake) advanceLocked(done *fakeTask) {
	p := f.processes[done.pid]
	kind, _ := p.vars["taskIncidentType"].(string)
	switch done.name {
	case "Process Incident":
		f.spawnLocked(done.pid, "Analyze Incident", "atm_monitoring")
	case "Analyze Incident":
		switch kind {
		case "under_maintenance":
			f.spawnLocked(done.pid, "Resolve Incident Under Maintenance", "supplier")
		case "outside_maintenance_under_insurance":
			f.spawnLocked(done.pid, "Assess Incident", "insurance")
		default:
			f.spawnLocked(done.pid, "Procure Items", "purchasing")
		}
	case "Assess Incident":
		f.spawnLocked(done.pid, "Approve Insurance", "insurance")
	case "Approve Insurance":
		f.spawnLocked(done.pid, "Procure Items", "purchasing")
	case "Procure Items":
		f.spawnLocked(done.pid, "Resolve Incident", "atm_monitoring")
	case "Resolve Incident", "Resolve Incident Under Maintenance":
		f.spawnLocked(done.pid, "Close Incident", "helpdesk")
	case "Close Incident":
		// process ends
	}
}

func (f *Fake) spawnLocked(pid int64, name, group string) {
	f.nextTID++
	p := f.processes[pid]
	input := map[string]any{
		"TaskName":  name,
		"NodeName":  name,
		"Skippable": "false",
		"GroupId":   group,
	}
	for k, v := range p.vars {
		input[k] = v
	}
	t := &fakeTask{
		id:        f.nextTID,
		pid:       pid,
		name:      name,
		group:     group,
		status:    "ready",
		createdOn: f.now().UTC().Format(time.RFC3339),
		input:     input,
	}
	f.tasks[t.id] = t
	p.tasks = append(p.tasks, t.id)
}

func (f *Fake) summaryLocked(t *fakeTask) bpm.TaskSummary {
	return bpm.TaskSummary{
		ID:                t.id,
		ProcessInstanceID: t.pid,
		Name:              t.name,
		Description:       t.name,
		Status:            t.status,
		ActualOwner:       t.owner,
		Priority:          0,
		CreatedOn:         t.createdOn,
		Subject:           t.name,
	}
}

func (f *Fake) orderedTasks() []*fakeTask {
	var ids []int64
	for id := range f.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	res := make([]*fakeTask, 0, len(ids))
	for _, id := range ids {
		res = append(res, f.tasks[id])
	}
	return res
}
