package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"

	"mendline/internal/domain"
)

// Ledger is the append-only audit log. Entries are written inside the
// transaction of the change they record and chained by hash.
type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC().Truncate(time.Microsecond)
	}
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Append writes entry within tx and returns it with id, timestamp and hashes set.
// Failures are wrapped in domain.ErrAuditWrite.
func (l Ledger) Append(ctx context.Context, tx *sql.Tx, e domain.AuditEntry) (domain.AuditEntry, error) {
	if tx == nil {
		return e, fmt.Errorf("%w: transaction required", domain.ErrAuditWrite)
	}
	if e.EventType == "" || e.Actor == "" {
		return e, fmt.Errorf("%w: event_type and actor are required", domain.ErrAuditWrite)
	}
	e.ID = xid.New().String()
	e.Timestamp = l.now()
	meta := "{}"
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return e, fmt.Errorf("%w: marshal metadata: %w", domain.ErrAuditWrite, err)
		}
		meta = string(data)
	}
	var prev string
	err := tx.QueryRowContext(ctx, `SELECT hash FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("%w: read chain head: %w", domain.ErrAuditWrite, err)
	}
	e.PrevHash = prev
	e.Hash = chainHash(e, meta)
	res, err := tx.ExecContext(ctx, `INSERT INTO audit_log(id,ts,event_type,actor,description,issue_id,workflow_id,step_id,reasoning,confidence,success,metadata_json,prev_hash,hash)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Timestamp.Format(domain.TimeLayout), e.EventType, e.Actor, e.Description, nullable(e.IssueID), nullable(e.WorkflowID),
		nullableInt(e.StepID), nullable(e.Reasoning), e.Confidence, boolInt(e.Success), meta, e.PrevHash, e.Hash)
	if err != nil {
		return e, fmt.Errorf("%w: %w", domain.ErrAuditWrite, err)
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return e, fmt.Errorf("%w: %w", domain.ErrAuditWrite, err)
	}
	return e, nil
}

type hashInput struct {
	ID          string   `json:"id"`
	Timestamp   string   `json:"ts"`
	EventType   string   `json:"event_type"`
	Actor       string   `json:"actor"`
	Description string   `json:"description"`
	IssueID     string   `json:"issue_id"`
	WorkflowID  string   `json:"workflow_id"`
	StepID      int      `json:"step_id"`
	Reasoning   string   `json:"reasoning"`
	Confidence  *float64 `json:"confidence"`
	Success     bool     `json:"success"`
	Metadata    string   `json:"metadata"`
	PrevHash    string   `json:"prev_hash"`
}

func chainHash(e domain.AuditEntry, meta string) string {
	data, _ := json.Marshal(hashInput{
		ID:          e.ID,
		Timestamp:   e.Timestamp.Format(domain.TimeLayout),
		EventType:   e.EventType,
		Actor:       e.Actor,
		Description: e.Description,
		IssueID:     e.IssueID,
		WorkflowID:  e.WorkflowID,
		StepID:      e.StepID,
		Reasoning:   e.Reasoning,
		Confidence:  e.Confidence,
		Success:     e.Success,
		Metadata:    meta,
		PrevHash:    e.PrevHash,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Filter narrows Query results. BeforeSeq pages backwards from a cursor.
type Filter struct {
	EventType  string
	WorkflowID string
	IssueID    string
	Actor      string
	BeforeSeq  int64
	Limit      int
}

const columns = `seq,id,ts,event_type,actor,description,issue_id,workflow_id,step_id,reasoning,confidence,success,metadata_json,prev_hash,hash`

// Query returns matching entries, newest first.
func (l Ledger) Query(ctx context.Context, f Filter) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, f.WorkflowID)
	}
	if f.IssueID != "" {
		clauses = append(clauses, "issue_id=?")
		args = append(args, f.IssueID)
	}
	if f.Actor != "" {
		clauses = append(clauses, "actor=?")
		args = append(args, f.Actor)
	}
	if f.BeforeSeq > 0 {
		clauses = append(clauses, "seq<?")
		args = append(args, f.BeforeSeq)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + columns + ` FROM audit_log WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)
	entries, _, err := l.query(ctx, query, args...)
	return entries, err
}

// After returns entries with seq greater than cursor in ascending order.
func (l Ledger) After(ctx context.Context, cursor int64, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	entries, _, err := l.query(ctx, `SELECT `+columns+` FROM audit_log WHERE seq>? ORDER BY seq ASC LIMIT ?`, cursor, limit)
	return entries, err
}

// LatestSeq returns the sequence number of the newest entry, or zero.
func (l Ledger) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM audit_log`).Scan(&seq)
	return seq, err
}

// VerifyReport summarizes a chain walk.
type VerifyReport struct {
	Entries  int    `json:"entries"`
	OK       bool   `json:"ok"`
	BrokenAt string `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Head     string `json:"head,omitempty"`
}

// Verify recomputes every hash and checks each entry links to its predecessor.
func (l Ledger) Verify(ctx context.Context) (VerifyReport, error) {
	report := VerifyReport{OK: true}
	var cursor int64
	prev := ""
	for {
		entries, metas, err := l.query(ctx, `SELECT `+columns+` FROM audit_log WHERE seq>? ORDER BY seq ASC LIMIT ?`, cursor, 500)
		if err != nil {
			return report, err
		}
		if len(entries) == 0 {
			return report, nil
		}
		for i, e := range entries {
			report.Entries++
			switch {
			case e.PrevHash != prev:
				report.OK, report.BrokenAt, report.Reason = false, e.ID, "prev_hash does not match predecessor"
				return report, nil
			case chainHash(e, metas[i]) != e.Hash:
				report.OK, report.BrokenAt, report.Reason = false, e.ID, "hash does not match content"
				return report, nil
			}
			prev = e.Hash
			report.Head = e.Hash
			cursor = e.Seq
		}
	}
}

func (l Ledger) query(ctx context.Context, query string, args ...any) ([]domain.AuditEntry, []string, error) {
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var (
		entries []domain.AuditEntry
		metas   []string
	)
	for rows.Next() {
		var e domain.AuditEntry
		var ts, meta string
		var issueID, workflowID, reasoning sql.NullString
		var stepID sql.NullInt64
		var confidence sql.NullFloat64
		var success int
		if err := rows.Scan(&e.Seq, &e.ID, &ts, &e.EventType, &e.Actor, &e.Description, &issueID, &workflowID, &stepID,
			&reasoning, &confidence, &success, &meta, &e.PrevHash, &e.Hash); err != nil {
			return nil, nil, err
		}
		if e.Timestamp, err = time.Parse(domain.TimeLayout, ts); err != nil {
			return nil, nil, err
		}
		e.IssueID, e.WorkflowID, e.Reasoning = issueID.String, workflowID.String, reasoning.String
		e.StepID = int(stepID.Int64)
		if confidence.Valid {
			c := confidence.Float64
			e.Confidence = &c
		}
		e.Success = success != 0
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, nil, err
			}
		}
		entries = append(entries, e)
		metas = append(metas, meta)
	}
	return entries, metas, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
