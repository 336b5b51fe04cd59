package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mendline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = domain.ErrNotFound

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// q routes a call through the transaction when one is given.
func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func formatTime(t time.Time) string {
	return t.UTC().Format(domain.TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(domain.TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func marshalJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func unmarshalJSON(raw sql.NullString, dst any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dst)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func whereClause(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(clauses, " AND ")
}

// Cursor is a (created_at, id) keyset position for descending listings.
type Cursor struct {
	CreatedAt string
	ID        string
}

func (c Cursor) apply(clauses []string, args []any) ([]string, []any) {
	if c.CreatedAt == "" || c.ID == "" {
		return clauses, args
	}
	clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
	return clauses, append(args, c.CreatedAt, c.CreatedAt, c.ID)
}

// FormatCursorTime renders a timestamp the way it is stored, for building cursors.
func FormatCursorTime(t time.Time) string {
	return formatTime(t)
}
