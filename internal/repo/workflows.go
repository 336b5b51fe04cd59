package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"mendline/internal/domain"
)

const workflowColumns = `id,issue_id,name,overall_risk,status,current_step_index,required_approvals,escalated,created_at,updated_at,completed_at`

const stepColumns = `workflow_id,id,name,action_type,risk_level,requires_approval,compensable,status,attempts,approved_by,params_json,result_json,last_error,started_at,finished_at`

func scanWorkflow(row scanner) (domain.Workflow, error) {
	var wf domain.Workflow
	var escalated int
	var createdAt, updatedAt string
	var completedAt sql.NullString
	err := row.Scan(&wf.ID, &wf.IssueID, &wf.Name, &wf.OverallRisk, &wf.Status, &wf.CurrentStepIndex, &wf.RequiredApprovals,
		&escalated, &createdAt, &updatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return wf, ErrNotFound
	}
	if err != nil {
		return wf, err
	}
	wf.Escalated = escalated != 0
	if wf.CreatedAt, err = parseTime(createdAt); err != nil {
		return wf, err
	}
	if wf.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return wf, err
	}
	if wf.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return wf, err
	}
	return wf, nil
}

func scanStep(row scanner) (domain.Step, error) {
	var s domain.Step
	var requiresApproval, compensable int
	var approvedBy, params, result, errMsg, startedAt, finishedAt sql.NullString
	err := row.Scan(&s.WorkflowID, &s.ID, &s.Name, &s.ActionType, &s.RiskLevel, &requiresApproval, &compensable, &s.Status,
		&s.Attempts, &approvedBy, &params, &result, &errMsg, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.RequiresApproval = requiresApproval != 0
	s.Compensable = compensable != 0
	s.ApprovedBy = approvedBy.String
	s.Error = errMsg.String
	if err := unmarshalJSON(params, &s.Params); err != nil {
		return s, err
	}
	if err := unmarshalJSON(result, &s.Result); err != nil {
		return s, err
	}
	if s.StartedAt, err = parseNullTime(startedAt); err != nil {
		return s, err
	}
	if s.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return s, err
	}
	return s, nil
}

// InsertWorkflow stores a workflow together with its steps.
func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, wf domain.Workflow) error {
	q := r.q(tx)
	_, err := q.ExecContext(ctx, `INSERT INTO workflows(`+workflowColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		wf.ID, wf.IssueID, wf.Name, string(wf.OverallRisk), string(wf.Status), wf.CurrentStepIndex, wf.RequiredApprovals,
		boolInt(wf.Escalated), formatTime(wf.CreatedAt), formatTime(wf.UpdatedAt), nullableTime(wf.CompletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Conflictf("issue %s already has an active workflow", wf.IssueID)
		}
		return err
	}
	for _, s := range wf.Steps {
		params, err := marshalJSON(s.Params, "{}")
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `INSERT INTO workflow_steps(workflow_id,id,name,action_type,risk_level,requires_approval,compensable,status,attempts,params_json)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
			wf.ID, s.ID, s.Name, string(s.ActionType), string(s.RiskLevel), boolInt(s.RequiresApproval), boolInt(s.Compensable),
			string(s.Status), s.Attempts, params); err != nil {
			return err
		}
	}
	return nil
}

// GetWorkflow loads a workflow with its steps and decisions.
func (r Repo) GetWorkflow(ctx context.Context, tx *sql.Tx, id string) (domain.Workflow, error) {
	q := r.q(tx)
	wf, err := scanWorkflow(q.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=?`, id))
	if err != nil {
		return wf, err
	}
	if wf.Steps, err = r.listSteps(ctx, q, id); err != nil {
		return wf, err
	}
	decisions, err := r.listDecisions(ctx, q, id)
	if err != nil {
		return wf, err
	}
	wf.Approvals, wf.Rejections = []domain.Decision{}, []domain.Decision{}
	for _, d := range decisions {
		if d.Kind == "approve" {
			wf.Approvals = append(wf.Approvals, d)
		} else {
			wf.Rejections = append(wf.Rejections, d)
		}
	}
	return wf, nil
}

type WorkflowFilters struct {
	Status  string
	IssueID string
	Limit   int
	Cursor  Cursor
}

// ListWorkflows returns workflows without steps or decisions, newest first.
func (r Repo) ListWorkflows(ctx context.Context, f WorkflowFilters) ([]domain.Workflow, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.IssueID != "" {
		clauses = append(clauses, "issue_id=?")
		args = append(args, f.IssueID)
	}
	clauses, args = f.Cursor.apply(clauses, args)
	query := `SELECT ` + workflowColumns + ` FROM workflows ` + whereClause(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryWorkflows(ctx, r.DB, query, args...)
}

// WorkflowsInStatus returns ids of workflows in any of the given statuses, oldest first.
func (r Repo) WorkflowsInStatus(ctx context.Context, statuses ...domain.WorkflowStatus) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM workflows WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetWorkflowStatus moves a workflow between statuses; completedAt is stored when set.
func (r Repo) SetWorkflowStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.WorkflowStatus, now time.Time, completedAt *time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE workflows SET status=?, updated_at=?, completed_at=COALESCE(?, completed_at) WHERE id=? AND status=?`,
		string(to), formatTime(now), nullableTime(completedAt), id, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Conflictf("workflow %s is no longer %s", id, from)
	}
	return nil
}

func (r Repo) SetCurrentStepIndex(ctx context.Context, tx *sql.Tx, id string, idx int, now time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE workflows SET current_step_index=?, updated_at=? WHERE id=?`, idx, formatTime(now), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// InsertDecision records an approval or rejection. A repeat by the same actor is a conflict.
func (r Repo) InsertDecision(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO workflow_decisions(id,workflow_id,kind,actor,reason,created_at) VALUES (?,?,?,?,?,?)`,
		d.ID, d.WorkflowID, d.Kind, d.Actor, d.Reason, formatTime(d.CreatedAt))
	if err != nil && isUniqueViolation(err) {
		return domain.Conflictf("%s already recorded %s on workflow %s", d.Actor, d.Kind, d.WorkflowID)
	}
	return err
}

func (r Repo) CountDecisions(ctx context.Context, tx *sql.Tx, workflowID, kind string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT count(*) FROM workflow_decisions WHERE workflow_id=? AND kind=?`, workflowID, kind).Scan(&n)
	return n, err
}

// StepUpdate carries the mutable fields of a step status change.
type StepUpdate struct {
	Attempts   int
	Result     map[string]any
	Error      string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// SetStepStatus moves a step between statuses and stores run details.
func (r Repo) SetStepStatus(ctx context.Context, tx *sql.Tx, workflowID string, stepID int, from, to domain.StepStatus, u StepUpdate) error {
	var result any
	if u.Result != nil {
		raw, err := marshalJSON(u.Result, "{}")
		if err != nil {
			return err
		}
		result = raw
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE workflow_steps SET status=?, attempts=MAX(attempts, ?), result_json=COALESCE(?, result_json),
last_error=COALESCE(?, last_error), started_at=COALESCE(?, started_at), finished_at=COALESCE(?, finished_at)
WHERE workflow_id=? AND id=? AND status=?`,
		string(to), u.Attempts, result, nullable(u.Error), nullableTime(u.StartedAt), nullableTime(u.FinishedAt),
		workflowID, stepID, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Conflictf("step %d of workflow %s is no longer %s", stepID, workflowID, from)
	}
	return nil
}

// ApproveStep records the per-step sign-off; a step can be approved once.
func (r Repo) ApproveStep(ctx context.Context, tx *sql.Tx, workflowID string, stepID int, actor string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE workflow_steps SET approved_by=? WHERE workflow_id=? AND id=? AND approved_by IS NULL`,
		actor, workflowID, stepID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Conflictf("step %d of workflow %s is already approved", stepID, workflowID)
	}
	return nil
}

func (r Repo) listSteps(ctx context.Context, q queryer, workflowID string) ([]domain.Step, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE workflow_id=? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	steps := []domain.Step{}
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func (r Repo) listDecisions(ctx context.Context, q queryer, workflowID string) ([]domain.Decision, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,workflow_id,kind,actor,reason,created_at FROM workflow_decisions WHERE workflow_id=? ORDER BY created_at ASC, id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		var d domain.Decision
		var createdAt string
		if err := rows.Scan(&d.ID, &d.WorkflowID, &d.Kind, &d.Actor, &d.Reason, &createdAt); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) queryWorkflows(ctx context.Context, q queryer, query string, args ...any) ([]domain.Workflow, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, wf)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
