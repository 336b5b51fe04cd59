package repo

import (
	"context"

	"mendline/internal/domain"
)

// Stats aggregates dashboard counters straight from the stores.
func (r Repo) Stats(ctx context.Context) (domain.Stats, error) {
	var st domain.Stats
	err := r.DB.QueryRowContext(ctx, `SELECT count(*), COALESCE(SUM(CASE WHEN processed=0 THEN 1 ELSE 0 END),0) FROM signals`).
		Scan(&st.Signals.Total, &st.Signals.Unprocessed)
	if err != nil {
		return st, err
	}
	if st.Issues.ByStatus, err = r.countByStatus(ctx, "issues"); err != nil {
		return st, err
	}
	for status, n := range st.Issues.ByStatus {
		st.Issues.Total += n
		if domain.IssueStatus(status).Open() {
			st.Issues.Open += n
		}
	}
	if st.Workflows.ByStatus, err = r.countByStatus(ctx, "workflows"); err != nil {
		return st, err
	}
	for _, n := range st.Workflows.ByStatus {
		st.Workflows.Total += n
	}
	st.Workflows.PendingApproval = st.Workflows.ByStatus[string(domain.WorkflowPendingApproval)]
	st.Workflows.Running = st.Workflows.ByStatus[string(domain.WorkflowRunning)]
	st.Workflows.Completed = st.Workflows.ByStatus[string(domain.WorkflowCompleted)]
	return st, nil
}

// table is one of a fixed set of internal names, never user input.
func (r Repo) countByStatus(ctx context.Context, table string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM `+table+` GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
