package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"mendline/internal/domain"
)

const signalColumns = `id,received_at,source,type,severity,merchant_id,title,content,payload_json,processed,issue_id`

func scanSignal(row scanner) (domain.Signal, error) {
	var s domain.Signal
	var receivedAt string
	var payload, issueID sql.NullString
	var processed int
	if err := row.Scan(&s.ID, &receivedAt, &s.Source, &s.Type, &s.Severity, &s.MerchantID, &s.Title, &s.Content, &payload, &processed, &issueID); err != nil {
		if err == sql.ErrNoRows {
			return s, ErrNotFound
		}
		return s, err
	}
	t, err := parseTime(receivedAt)
	if err != nil {
		return s, err
	}
	s.ReceivedAt = t
	s.Processed = processed != 0
	s.IssueID = issueID.String
	if err := unmarshalJSON(payload, &s.Payload); err != nil {
		return s, err
	}
	return s, nil
}

// InsertSignal stores a signal unless its id already exists. It reports whether a row was written.
func (r Repo) InsertSignal(ctx context.Context, tx *sql.Tx, s domain.Signal) (bool, error) {
	payload, err := marshalJSON(s.Payload, "{}")
	if err != nil {
		return false, err
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO signals(id,received_at,source,type,severity,merchant_id,title,content,payload_json,processed)
VALUES (?,?,?,?,?,?,?,?,?,0) ON CONFLICT(id) DO NOTHING`,
		s.ID, formatTime(s.ReceivedAt), s.Source, s.Type, string(s.Severity), s.MerchantID, s.Title, s.Content, payload)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetSignal(ctx context.Context, tx *sql.Tx, id string) (domain.Signal, error) {
	return scanSignal(r.q(tx).QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE id=?`, id))
}

type SignalFilters struct {
	Processed  *bool
	Source     string
	Type       string
	MerchantID string
	IssueID    string
	Limit      int
	Cursor     Cursor
}

func (r Repo) ListSignals(ctx context.Context, f SignalFilters) ([]domain.Signal, error) {
	var clauses []string
	var args []any
	if f.Processed != nil {
		clauses = append(clauses, "processed=?")
		if *f.Processed {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if f.Source != "" {
		clauses = append(clauses, "source=?")
		args = append(args, f.Source)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.MerchantID != "" {
		clauses = append(clauses, "merchant_id=?")
		args = append(args, f.MerchantID)
	}
	if f.IssueID != "" {
		clauses = append(clauses, "issue_id=?")
		args = append(args, f.IssueID)
	}
	if f.Cursor.CreatedAt != "" && f.Cursor.ID != "" {
		clauses = append(clauses, "(received_at < ? OR (received_at = ? AND id < ?))")
		args = append(args, f.Cursor.CreatedAt, f.Cursor.CreatedAt, f.Cursor.ID)
	}
	query := `SELECT ` + signalColumns + ` FROM signals ` + whereClause(clauses) + ` ORDER BY received_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.querySignals(ctx, r.DB, query, args...)
}

// PatternCandidate is a (source, type, merchant) key with enough unprocessed
// signals inside the window to form a pattern.
type PatternCandidate struct {
	Key       domain.PatternKey
	Count     int
	FirstSeen time.Time
}

// PatternCandidates groups every unprocessed signal received at or after since
// and returns the keys with at least threshold members, oldest group first.
func (r Repo) PatternCandidates(ctx context.Context, tx *sql.Tx, since time.Time, threshold int) ([]PatternCandidate, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT source,type,merchant_id,COUNT(*),MIN(received_at) FROM signals
WHERE processed=0 AND received_at >= ?
GROUP BY source,type,merchant_id HAVING COUNT(*) >= ?
ORDER BY MIN(received_at) ASC, source ASC, type ASC, merchant_id ASC`, formatTime(since), threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PatternCandidate
	for rows.Next() {
		var c PatternCandidate
		var first string
		if err := rows.Scan(&c.Key.Source, &c.Key.Type, &c.Key.MerchantID, &c.Count, &first); err != nil {
			return nil, err
		}
		if c.FirstSeen, err = parseTime(first); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UnprocessedSignalsFor returns the unprocessed in-window members of the given keys, oldest first.
func (r Repo) UnprocessedSignalsFor(ctx context.Context, tx *sql.Tx, since time.Time, keys []domain.PatternKey) ([]domain.Signal, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	match := make([]string, len(keys))
	args := []any{formatTime(since)}
	for i, k := range keys {
		match[i] = "(source=? AND type=? AND merchant_id=?)"
		args = append(args, k.Source, k.Type, k.MerchantID)
	}
	return r.querySignals(ctx, r.q(tx), `SELECT `+signalColumns+` FROM signals
WHERE processed=0 AND received_at >= ? AND (`+strings.Join(match, " OR ")+`) ORDER BY received_at ASC, id ASC`, args...)
}

// SignalsByIDs returns the given signals ordered by arrival.
func (r Repo) SignalsByIDs(ctx context.Context, tx *sql.Tx, ids []string) ([]domain.Signal, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return r.querySignals(ctx, r.q(tx), `SELECT `+signalColumns+` FROM signals WHERE id IN (`+placeholders(len(ids))+`) ORDER BY received_at ASC, id ASC`, args...)
}

// MarkProcessed flips processed on the given unprocessed signals and links them
// to the issue. It returns how many rows changed.
func (r Repo) MarkProcessed(ctx context.Context, tx *sql.Tx, ids []string, issueID string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{nullable(issueID)}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE signals SET processed=1, issue_id=? WHERE processed=0 AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r Repo) querySignals(ctx context.Context, q queryer, query string, args ...any) ([]domain.Signal, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
