package repo

import (
	"context"
	"database/sql"
	"time"

	"mendline/internal/domain"
)

const issueColumns = `id,title,category,confidence,root_cause,reasoning_chain_json,affected_signal_ids_json,estimated_impact,status,workflow_id,source,signal_type,merchant_id,reasoner,created_at,updated_at`

func scanIssue(row scanner) (domain.Issue, error) {
	var is domain.Issue
	var chain, affected, workflowID sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&is.ID, &is.Title, &is.Category, &is.Confidence, &is.RootCause, &chain, &affected, &is.EstimatedImpact,
		&is.Status, &workflowID, &is.Source, &is.SignalType, &is.MerchantID, &is.Reasoner, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return is, ErrNotFound
	}
	if err != nil {
		return is, err
	}
	is.WorkflowID = workflowID.String
	if err := unmarshalJSON(chain, &is.ReasoningChain); err != nil {
		return is, err
	}
	if err := unmarshalJSON(affected, &is.AffectedSignalIDs); err != nil {
		return is, err
	}
	if is.ReasoningChain == nil {
		is.ReasoningChain = []domain.ReasoningStep{}
	}
	if is.AffectedSignalIDs == nil {
		is.AffectedSignalIDs = []string{}
	}
	if is.CreatedAt, err = parseTime(createdAt); err != nil {
		return is, err
	}
	if is.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return is, err
	}
	return is, nil
}

func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, is domain.Issue) error {
	chain, err := marshalJSON(is.ReasoningChain, "[]")
	if err != nil {
		return err
	}
	affected, err := marshalJSON(is.AffectedSignalIDs, "[]")
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO issues(`+issueColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		is.ID, is.Title, string(is.Category), is.Confidence, is.RootCause, chain, affected, string(is.EstimatedImpact),
		string(is.Status), nullable(is.WorkflowID), is.Source, is.SignalType, is.MerchantID, is.Reasoner,
		formatTime(is.CreatedAt), formatTime(is.UpdatedAt))
	return err
}

// UpdateIssueAnalysis stores the reasoner's output on an issue.
func (r Repo) UpdateIssueAnalysis(ctx context.Context, tx *sql.Tx, is domain.Issue) error {
	chain, err := marshalJSON(is.ReasoningChain, "[]")
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE issues SET title=?, category=?, confidence=?, root_cause=?, reasoning_chain_json=?,
estimated_impact=?, reasoner=?, updated_at=? WHERE id=?`,
		is.Title, string(is.Category), is.Confidence, is.RootCause, chain, string(is.EstimatedImpact), is.Reasoner,
		formatTime(is.UpdatedAt), is.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// SetIssueStatus moves an issue from one status to another. A concurrent change
// of the current status surfaces as an approval conflict.
func (r Repo) SetIssueStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.IssueStatus, now time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE issues SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(to), formatTime(now), id, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Conflictf("issue %s is no longer %s", id, from)
	}
	return nil
}

func (r Repo) SetIssueWorkflow(ctx context.Context, tx *sql.Tx, id, workflowID string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE issues SET workflow_id=? WHERE id=?`, nullable(workflowID), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r Repo) GetIssue(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	return scanIssue(r.q(tx).QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id))
}

type IssueFilters struct {
	Status   string
	Category string
	Limit    int
	Cursor   Cursor
}

func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	clauses, args = f.Cursor.apply(clauses, args)
	query := `SELECT ` + issueColumns + ` FROM issues ` + whereClause(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, is)
	}
	return res, rows.Err()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
