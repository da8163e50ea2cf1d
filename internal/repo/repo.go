package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"atmdesk/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const incidentColumns = `id,incident_number,correlation_id,atm_id,error_type,description,status,incident_type,
initial_diagnosis,assessment_details,supplier_ticket_number,reimbursement_details,procurement_details,
resolution_details,closure_details,created_by,assigned_to,created_at,updated_at,resolved_at,closed_at`

type incidentScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row incidentScanner) (domain.Incident, error) {
	var in domain.Incident
	var desc, createdBy sql.NullString
	var diag, assess, ticket, reimb, procure, resol, closure, assignedTo sql.NullString
	var resolvedAt, closedAt sql.NullString
	err := row.Scan(&in.ID, &in.IncidentNumber, &in.CorrelationID, &in.AtmID, &in.ErrorType, &desc,
		&in.Status, &in.IncidentType, &diag, &assess, &ticket, &reimb, &procure, &resol, &closure,
		&createdBy, &assignedTo, &in.CreatedAt, &in.UpdatedAt, &resolvedAt, &closedAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	if desc.Valid {
		in.Description = desc.String
	}
	if createdBy.Valid {
		in.CreatedBy = createdBy.String
	}
	in.InitialDiagnosis = stringPtr(diag)
	in.AssessmentDetails = stringPtr(assess)
	in.SupplierTicketNumber = stringPtr(ticket)
	in.ReimbursementDetails = stringPtr(reimb)
	in.ProcurementDetails = stringPtr(procure)
	in.ResolutionDetails = stringPtr(resol)
	in.ClosureDetails = stringPtr(closure)
	in.AssignedTo = stringPtr(assignedTo)
	in.ResolvedAt = stringPtr(resolvedAt)
	in.ClosedAt = stringPtr(closedAt)
	return in, nil
}

func (r Repo) InsertIncidentTx(ctx context.Context, tx *sql.Tx, in domain.Incident) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO incidents(incident_number,correlation_id,atm_id,error_type,description,status,incident_type,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		in.IncidentNumber, in.CorrelationID, in.AtmID, in.ErrorType, nullable(in.Description),
		string(in.Status), string(in.IncidentType), nullable(in.CreatedBy), in.CreatedAt, in.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetIncident(ctx context.Context, id int64) (domain.Incident, error) {
	return scanIncident(r.DB.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id))
}

func (r Repo) GetIncidentByCorrelationID(ctx context.Context, correlationID int64) (domain.Incident, error) {
	return scanIncident(r.DB.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE correlation_id=?`, correlationID))
}

func (r Repo) GetIncidentByNumber(ctx context.Context, incidentNumber string) (domain.Incident, error) {
	return scanIncident(r.DB.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE incident_number=?`, incidentNumber))
}

// UpdateIncidentTx writes back every mutable incident column. incident_number,
// correlation_id and created_at are immutable post-creation and never touched.
func (r Repo) UpdateIncidentTx(ctx context.Context, tx *sql.Tx, in domain.Incident) error {
	res, err := tx.ExecContext(ctx, `UPDATE incidents SET atm_id=?, error_type=?, description=?, status=?, incident_type=?,
initial_diagnosis=?, assessment_details=?, supplier_ticket_number=?, reimbursement_details=?, procurement_details=?,
resolution_details=?, closure_details=?, assigned_to=?, updated_at=?, resolved_at=?, closed_at=? WHERE id=?`,
		in.AtmID, in.ErrorType, nullable(in.Description), string(in.Status), string(in.IncidentType),
		nullableStringPtr(in.InitialDiagnosis), nullableStringPtr(in.AssessmentDetails),
		nullableStringPtr(in.SupplierTicketNumber), nullableStringPtr(in.ReimbursementDetails),
		nullableStringPtr(in.ProcurementDetails), nullableStringPtr(in.ResolutionDetails),
		nullableStringPtr(in.ClosureDetails), nullableStringPtr(in.AssignedTo),
		in.UpdatedAt, nullableStringPtr(in.ResolvedAt), nullableStringPtr(in.ClosedAt), in.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type IncidentFilters struct {
	Status          string
	AtmID           string
	CreatedBy       string
	AssignedTo      string
	IncidentType    string
	Limit           int
	CursorCreatedAt string
	CursorID        int64
}

func (r Repo) ListIncidents(ctx context.Context, f IncidentFilters) ([]domain.Incident, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AtmID != "" {
		clauses = append(clauses, "atm_id=?")
		args = append(args, f.AtmID)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.IncidentType != "" {
		clauses = append(clauses, "incident_type=?")
		args = append(args, f.IncidentType)
	}
	if f.CursorCreatedAt != "" && f.CursorID > 0 {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Incident
	for rows.Next() {
		in, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func (r Repo) CountIncidentsByStatus(ctx context.Context) (map[domain.IncidentStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM incidents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.IncidentStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[domain.IncidentStatus(status)] = count
	}
	return res, rows.Err()
}

const taskColumns = `id,incident_id,task_instance_id,task_name,task_description,assigned_group,assigned_user,status,priority,
created_at,updated_at,claimed_at,started_at,completed_at,due_date,input_data,output_data,comments`

func scanTask(row incidentScanner) (domain.Task, error) {
	var t domain.Task
	var desc, user, claimedAt, startedAt, completedAt, dueDate, input, output, comments sql.NullString
	var priority sql.NullInt64
	err := row.Scan(&t.ID, &t.IncidentID, &t.TaskInstanceID, &t.TaskName, &desc, &t.AssignedGroup, &user,
		&t.Status, &priority, &t.CreatedAt, &t.UpdatedAt, &claimedAt, &startedAt, &completedAt, &dueDate,
		&input, &output, &comments)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.TaskDescription = stringPtr(desc)
	t.AssignedUser = stringPtr(user)
	if priority.Valid {
		p := int(priority.Int64)
		t.Priority = &p
	}
	t.ClaimedAt = stringPtr(claimedAt)
	t.StartedAt = stringPtr(startedAt)
	t.CompletedAt = stringPtr(completedAt)
	t.DueDate = stringPtr(dueDate)
	t.InputData = stringPtr(input)
	t.OutputData = stringPtr(output)
	t.Comments = stringPtr(comments)
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO incident_tasks(incident_id,task_instance_id,task_name,task_description,assigned_group,assigned_user,status,priority,created_at,updated_at,due_date,input_data,comments)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.IncidentID, t.TaskInstanceID, t.TaskName, nullableStringPtr(t.TaskDescription), t.AssignedGroup,
		nullableStringPtr(t.AssignedUser), string(t.Status), nullableIntPtr(t.Priority),
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.DueDate), nullableStringPtr(t.InputData),
		nullableStringPtr(t.Comments))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTaskByInstanceID(ctx context.Context, taskInstanceID int64) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM incident_tasks WHERE task_instance_id=?`, taskInstanceID))
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE incident_tasks SET assigned_group=?, assigned_user=?, status=?, priority=?,
updated_at=?, claimed_at=?, started_at=?, completed_at=?, due_date=?, input_data=?, output_data=?, comments=? WHERE id=?`,
		t.AssignedGroup, nullableStringPtr(t.AssignedUser), string(t.Status), nullableIntPtr(t.Priority),
		t.UpdatedAt, nullableStringPtr(t.ClaimedAt), nullableStringPtr(t.StartedAt),
		nullableStringPtr(t.CompletedAt), nullableStringPtr(t.DueDate), nullableStringPtr(t.InputData),
		nullableStringPtr(t.OutputData), nullableStringPtr(t.Comments), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTasksForIncident returns the incident's tasks in observation order.
func (r Repo) ListTasksForIncident(ctx context.Context, incidentID int64) ([]domain.Task, error) {
	return r.listTasks(ctx, `SELECT `+taskColumns+` FROM incident_tasks WHERE incident_id=? ORDER BY created_at ASC, id ASC`, incidentID)
}

func (r Repo) ListTasksByUser(ctx context.Context, user string, statuses []domain.TaskStatus) ([]domain.Task, error) {
	placeholders, args := statusArgs(statuses)
	args = append([]any{user}, args...)
	return r.listTasks(ctx, `SELECT `+taskColumns+` FROM incident_tasks WHERE assigned_user=? AND status IN (`+placeholders+`) ORDER BY created_at ASC, id ASC`, args...)
}

func (r Repo) ListTasksByGroup(ctx context.Context, group string, statuses []domain.TaskStatus) ([]domain.Task, error) {
	placeholders, args := statusArgs(statuses)
	args = append([]any{group}, args...)
	return r.listTasks(ctx, `SELECT `+taskColumns+` FROM incident_tasks WHERE assigned_group=? AND status IN (`+placeholders+`) ORDER BY created_at ASC, id ASC`, args...)
}

func statusArgs(statuses []domain.TaskStatus) (string, []any) {
	if len(statuses) == 0 {
		return "''", nil
	}
	var args []any
	for _, s := range statuses {
		args = append(args, string(s))
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ","), args
}

func (r Repo) listTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest event rows, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, incidentID int64, evtType, entityKind string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if incidentID > 0 {
		clauses = append(clauses, "incident_id=?")
		args = append(args, incidentID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,incident_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var incID sql.NullInt64
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &incID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if incID.Valid {
			e.IncidentID = incID.Int64
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
