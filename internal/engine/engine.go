// Package engine implements the incident orchestration layer: it starts
// and aborts workflow runs on the external process engine, reconciles the
// engine's tasks into local state, drives task lifecycle transitions and
// projects task outputs onto the incident record.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"atmdesk/internal/bpm"
	"atmdesk/internal/config"
	"atmdesk/internal/domain"
	"atmdesk/internal/events"
	"atmdesk/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	BPM    bpm.ProcessEngine
	Config *config.Config
	Now    func() time.Time

	locks *taskLocks
}

func New(db *sql.DB, processEngine bpm.ProcessEngine, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		BPM:    processEngine,
		Config: cfg,
		Now:    time.Now,
		locks:  &taskLocks{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// taskLocks serializes mutations per task instance id. Two concurrent
// lifecycle calls against the same task take the same mutex; calls against
// different tasks do not contend.
type taskLocks struct {
	mu sync.Mutex
	m  map[int64]*sync.Mutex
}

func (l *taskLocks) lock(taskInstanceID int64) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = map[int64]*sync.Mutex{}
	}
	m, ok := l.m[taskInstanceID]
	if !ok {
		m = &sync.Mutex{}
		l.m[taskInstanceID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// ValidationError rejects a request before any external call is made.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError rejects a lifecycle transition that the task's current
// ownership or state does not allow.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

func conflictf(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// newIncidentNumber builds a human-quotable unique reference like
// INC-1756467200000-3FA85F64.
func newIncidentNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("INC-%d-%s", now.UnixMilli(), suffix)
}

// StartIncidentOptions are parameters for starting an incident run.
type StartIncidentOptions struct {
	AtmID       string
	ErrorType   string
	Description string
	CreatedBy   string
}

// StartIncidentProcess creates a run on the external engine and persists the
// matching incident. The external call happens first: if it fails, nothing
// is stored. If the engine call succeeds but persistence fails, the orphaned
// run is logged with its correlation id and the error is returned; no
// automatic reconciliation is attempted.
func (e Engine) StartIncidentProcess(ctx context.Context, opts StartIncidentOptions) (domain.Incident, error) {
	if opts.AtmID == "" {
		return domain.Incident{}, validationf("atmId is required")
	}
	if opts.ErrorType == "" {
		return domain.Incident{}, validationf("errorType is required")
	}
	now := e.now().UTC()
	incidentNumber := newIncidentNumber(now)
	vars := map[string]any{
		"incidentNumber": incidentNumber,
		"atmId":          opts.AtmID,
		"errorType":      opts.ErrorType,
	}
	if opts.Description != "" {
		vars["description"] = opts.Description
	}
	if opts.CreatedBy != "" {
		vars["createdBy"] = opts.CreatedBy
	}
	correlationID, err := e.BPM.StartProcess(ctx, vars)
	if err != nil {
		return domain.Incident{}, fmt.Errorf("start incident process: %w", err)
	}

	in := domain.Incident{
		IncidentNumber: incidentNumber,
		CorrelationID:  correlationID,
		AtmID:          opts.AtmID,
		ErrorType:      opts.ErrorType,
		Description:    opts.Description,
		Status:         domain.IncidentCreated,
		IncidentType:   domain.TypeNotClassified,
		CreatedBy:      opts.CreatedBy,
		CreatedAt:      now.Format(time.RFC3339),
		UpdatedAt:      now.Format(time.RFC3339),
	}
	stored, err := e.persistNewIncident(ctx, in)
	if err != nil {
		log.Printf("incident %s: run %d started but not persisted: %v", incidentNumber, correlationID, err)
		return domain.Incident{}, fmt.Errorf("persist incident (run %d is orphaned): %w", correlationID, err)
	}
	return stored, nil
}

func (e Engine) persistNewIncident(ctx context.Context, in domain.Incident) (domain.Incident, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Incident{}, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertIncidentTx(ctx, tx, in)
	if err != nil {
		return domain.Incident{}, fmt.Errorf("insert incident: %w", err)
	}
	in.ID = id
	if err := e.Events.Append(ctx, tx, "incident.created", id, "incident", in.IncidentNumber, in.CreatedBy, events.EventPayload{
		"correlation_id": in.CorrelationID,
		"atm_id":         in.AtmID,
		"error_type":     in.ErrorType,
	}); err != nil {
		return domain.Incident{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Incident{}, err
	}
	return in, nil
}

// AbortIncidentProcess aborts the external run and marks the incident
// ABORTED. Aborting an already terminal incident is rejected. A run with no
// tracked incident is still aborted on the engine; the mismatch is logged and
// there is no local row to update.
func (e Engine) AbortIncidentProcess(ctx context.Context, correlationID int64, actorID string) (domain.Incident, error) {
	in, err := e.Repo.GetIncidentByCorrelationID(ctx, correlationID)
	tracked := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Incident{}, err
	}
	if tracked && in.Status.Terminal() {
		return domain.Incident{}, conflictf("incident %s is already %s", in.IncidentNumber, in.Status)
	}
	if err := e.BPM.AbortProcess(ctx, correlationID); err != nil {
		return domain.Incident{}, fmt.Errorf("abort incident process: %w", err)
	}
	if !tracked {
		log.Printf("abort run %d: no tracked incident, external abort issued", correlationID)
		return domain.Incident{}, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Incident{}, err
	}
	defer tx.Rollback()
	in.Status = domain.IncidentAborted
	in.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateIncidentTx(ctx, tx, in); err != nil {
		return domain.Incident{}, fmt.Errorf("update incident: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "incident.aborted", in.ID, "incident", in.IncidentNumber, actorID, events.EventPayload{
		"correlation_id": correlationID,
	}); err != nil {
		return domain.Incident{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Incident{}, err
	}
	return in, nil
}

// ProcessVariables reads the run's current variables from the external
// engine.
func (e Engine) ProcessVariables(ctx context.Context, correlationID int64) (map[string]any, error) {
	vars, err := e.BPM.ProcessInstance(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("read process instance: %w", err)
	}
	return vars, nil
}

// ProcessDiagram returns the run's diagram SVG from the external engine.
func (e Engine) ProcessDiagram(ctx context.Context, correlationID int64) (string, error) {
	svg, err := e.BPM.ProcessDiagram(ctx, correlationID)
	if err != nil {
		return "", fmt.Errorf("read process diagram: %w", err)
	}
	return svg, nil
}

// GetIncident returns one incident by local id.
func (e Engine) GetIncident(ctx context.Context, id int64) (domain.Incident, error) {
	return e.Repo.GetIncident(ctx, id)
}

// GetIncidentByCorrelationID returns the incident owning a run.
func (e Engine) GetIncidentByCorrelationID(ctx context.Context, correlationID int64) (domain.Incident, error) {
	return e.Repo.GetIncidentByCorrelationID(ctx, correlationID)
}

// GetIncidentByNumber returns one incident by its incident number.
func (e Engine) GetIncidentByNumber(ctx context.Context, incidentNumber string) (domain.Incident, error) {
	return e.Repo.GetIncidentByNumber(ctx, incidentNumber)
}

// ListIncidents returns incidents matching the filters, newest first.
func (e Engine) ListIncidents(ctx context.Context, f repo.IncidentFilters) ([]domain.Incident, error) {
	return e.Repo.ListIncidents(ctx, f)
}
