package audit_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mendline/internal/audit"
	"mendline/internal/db"
	"mendline/internal/domain"
	"mendline/internal/migrate"
)

func newLedger(t *testing.T) (audit.Ledger, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return audit.Ledger{DB: conn}, conn
}

func appendEntries(t *testing.T, l audit.Ledger, conn *sql.DB, entries ...domain.AuditEntry) []domain.AuditEntry {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	var out []domain.AuditEntry
	for _, e := range entries {
		stored, err := l.Append(ctx, tx, e)
		if err != nil {
			tx.Rollback()
			require.NoError(t, err)
		}
		out = append(out, stored)
	}
	require.NoError(t, tx.Commit())
	return out
}

func TestAppendChainsEntries(t *testing.T) {
	l, conn := newLedger(t)
	conf := 0.82
	stored := appendEntries(t, l, conn,
		domain.AuditEntry{EventType: domain.EventSignalReceived, Actor: domain.ActorAgent, Description: "signal", Success: true},
		domain.AuditEntry{EventType: domain.EventConfigChange, Actor: "human:ana", Description: "key", WorkflowID: "wf-1", StepID: 2,
			Confidence: &conf, Metadata: map[string]any{"role": "operator"}, Success: true},
	)
	require.Len(t, stored, 2)
	assert.Empty(t, stored[0].PrevHash)
	assert.Equal(t, stored[0].Hash, stored[1].PrevHash)
	assert.Greater(t, stored[1].Seq, stored[0].Seq)

	got, err := l.Query(context.Background(), audit.Filter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "operator", got[0].Metadata["role"])
	require.NotNil(t, got[0].Confidence)
	assert.InDelta(t, 0.82, *got[0].Confidence, 1e-9)
	assert.Equal(t, 2, got[0].StepID)

	report, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 2, report.Entries)
	assert.Equal(t, stored[1].Hash, report.Head)
}

func TestAppendRequiresTransactionAndActor(t *testing.T) {
	l, conn := newLedger(t)
	_, err := l.Append(context.Background(), nil, domain.AuditEntry{EventType: "x", Actor: "y"})
	assert.ErrorIs(t, err, domain.ErrAuditWrite)

	tx, err := conn.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = l.Append(context.Background(), tx, domain.AuditEntry{EventType: domain.EventSignalReceived})
	assert.ErrorIs(t, err, domain.ErrAuditWrite)
}

func TestLedgerRejectsUpdatesAndDeletes(t *testing.T) {
	l, conn := newLedger(t)
	appendEntries(t, l, conn, domain.AuditEntry{EventType: domain.EventSignalReceived, Actor: domain.ActorAgent, Description: "a"})
	_, err := conn.Exec(`UPDATE audit_log SET description='b'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = conn.Exec(`DELETE FROM audit_log`)
	assert.ErrorContains(t, err, "append-only")
}

func TestVerifyDetectsTampering(t *testing.T) {
	l, conn := newLedger(t)
	var entries []domain.AuditEntry
	for i := 0; i < 3; i++ {
		entries = append(entries, domain.AuditEntry{EventType: domain.EventSignalReceived, Actor: domain.ActorAgent, Description: "entry"})
	}
	stored := appendEntries(t, l, conn, entries...)

	_, err := conn.Exec(`DROP TRIGGER audit_log_no_update`)
	require.NoError(t, err)
	_, err = conn.Exec(`UPDATE audit_log SET description='rewritten' WHERE id=?`, stored[1].ID)
	require.NoError(t, err)

	report, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, stored[1].ID, report.BrokenAt)
	assert.Equal(t, "hash does not match content", report.Reason)

	_, err = conn.Exec(`UPDATE audit_log SET description='entry', prev_hash='00' WHERE id=?`, stored[2].ID)
	require.NoError(t, err)
	_, err = conn.Exec(`UPDATE audit_log SET description='entry' WHERE id=?`, stored[1].ID)
	require.NoError(t, err)
	report, err = l.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stored[2].ID, report.BrokenAt)
	assert.Equal(t, "prev_hash does not match predecessor", report.Reason)
}

func TestQueryPagesBackwardsAndAfterReadsForward(t *testing.T) {
	l, conn := newLedger(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.Now = func() time.Time { return fixed }
	var entries []domain.AuditEntry
	for i := 0; i < 5; i++ {
		entries = append(entries, domain.AuditEntry{EventType: domain.EventSignalReceived, Actor: domain.ActorAgent, Description: "entry"})
	}
	stored := appendEntries(t, l, conn, entries...)
	assert.True(t, stored[0].Timestamp.Equal(fixed))

	page, err := l.Query(context.Background(), audit.Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, stored[4].Seq, page[0].Seq)

	older, err := l.Query(context.Background(), audit.Filter{Limit: 10, BeforeSeq: page[1].Seq})
	require.NoError(t, err)
	assert.Len(t, older, 3)

	after, err := l.After(context.Background(), stored[2].Seq, 10)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, stored[3].Seq, after[0].Seq)

	head, err := l.LatestSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stored[4].Seq, head)
}
