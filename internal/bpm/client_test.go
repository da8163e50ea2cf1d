package bpm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"atmdesk/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.EngineConfig{
		URL:         srv.URL,
		Username:    "kieserver",
		Password:    "secret",
		ContainerID: "incident-management",
		ProcessID:   "atm-incident-process",
		Timeout:     5 * time.Second,
	}
	return NewClient(cfg)
}

func TestStartProcess(t *testing.T) {
	var gotPath, gotUser string
	var gotVars map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotVars)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "42")
	})
	pid, err := c.StartProcess(context.Background(), map[string]any{"atmId": "GAB001"})
	if err != nil {
		t.Fatalf("start process: %v", err)
	}
	if pid != 42 {
		t.Fatalf("pid = %d, want 42", pid)
	}
	if gotPath != "/containers/incident-management/processes/atm-incident-process/instances" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotUser != "kieserver" {
		t.Fatalf("basic auth user = %s", gotUser)
	}
	if gotVars["atmId"] != "GAB001" {
		t.Fatalf("vars = %v", gotVars)
	}
}

func TestStartProcessEngineError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "deployment not found", http.StatusNotFound)
	})
	_, err := c.StartProcess(context.Background(), nil)
	ee, ok := err.(*EngineError)
	if !ok {
		t.Fatalf("expected EngineError, got %T: %v", err, err)
	}
	if ee.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", ee.StatusCode)
	}
}

func TestTasksForGroupParsesWireFormat(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/queries/tasks/instances/pot-owners" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("groups"); got != "helpdesk" {
			t.Errorf("groups = %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"task-summary":[{
			"task-id": 7,
			"task-proc-inst-id": 42,
			"task-name": "Process Incident",
			"task-description": "intake",
			"task-status": "Ready",
			"task-priority": 5,
			"task-created-on": {"java.util.Date": 1700000000000}
		}]}`)
	})
	tasks, err := c.TasksForGroup(context.Background(), "helpdesk")
	if err != nil {
		t.Fatalf("tasks for group: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks", len(tasks))
	}
	got := tasks[0]
	if got.ID != 7 || got.ProcessInstanceID != 42 {
		t.Fatalf("ids = %d/%d", got.ID, got.ProcessInstanceID)
	}
	if got.Name != "Process Incident" || got.Status != "Ready" || got.Priority != 5 {
		t.Fatalf("summary = %+v", got)
	}
	want := time.UnixMilli(1700000000000).UTC().Format(time.RFC3339)
	if got.CreatedOn != want {
		t.Fatalf("created on = %s, want %s", got.CreatedOn, want)
	}
}

func TestCompleteTaskRequest(t *testing.T) {
	var gotMethod, gotPath, gotQuery string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("user")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusCreated)
	})
	err := c.CompleteTask(context.Background(), 7, "jsmith", map[string]any{"taskInitialDiagnosis": "jam"})
	if err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Fatalf("method = %s", gotMethod)
	}
	if gotPath != "/containers/incident-management/tasks/7/states/completed" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotQuery != "jsmith" {
		t.Fatalf("user = %s", gotQuery)
	}
	if gotBody["taskInitialDiagnosis"] != "jam" {
		t.Fatalf("body = %v", gotBody)
	}
}

func TestProcessInstanceVariables(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("withVars"); got != "true" {
			t.Errorf("withVars = %s", got)
		}
		io.WriteString(w, `{"process-instance-id": 42, "process-instance-variables": {"atmId": "GAB001"}}`)
	})
	vars, err := c.ProcessInstance(context.Background(), 42)
	if err != nil {
		t.Fatalf("process instance: %v", err)
	}
	if vars["atmId"] != "GAB001" {
		t.Fatalf("vars = %v", vars)
	}
}
