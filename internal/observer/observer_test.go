package observer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mendline/internal/audit"
	"mendline/internal/config"
	"mendline/internal/db"
	"mendline/internal/domain"
	"mendline/internal/engine"
	"mendline/internal/logging"
	"mendline/internal/migrate"
	"mendline/internal/repo"
)

func newObserver(t *testing.T) (*Observer, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	cfg := config.Default()
	eng := engine.New(conn, cfg, nil, logging.Discard())
	return New(eng, cfg, logging.Discard()), eng
}

func ingest(t *testing.T, eng engine.Engine, s domain.Signal) domain.Signal {
	t.Helper()
	if s.Severity == "" {
		s.Severity = domain.SeverityMedium
	}
	out, _, err := eng.IngestSignal(context.Background(), s)
	require.NoError(t, err)
	return out
}

func TestGroupIsExact(t *testing.T) {
	signals := []domain.Signal{
		{ID: "1", Source: "stripe", Type: "checkout_event", MerchantID: "a"},
		{ID: "2", Source: "stripe", Type: "checkout_event", MerchantID: "b"},
		{ID: "3", Source: "stripe", Type: "checkout_event", MerchantID: "a"},
		{ID: "4", Source: "zendesk", Type: "checkout_event", MerchantID: "a"},
		{ID: "5", Source: "stripe", Type: "api_error", MerchantID: "a"},
		{ID: "6", Source: "stripe", Type: "checkout_event", MerchantID: "a"},
	}
	groups := Group(signals, 2)
	require.Len(t, groups, 1)
	assert.Equal(t, domain.PatternKey{Source: "stripe", Type: "checkout_event", MerchantID: "a"}, groups[0].Key)
	assert.Equal(t, []string{"1", "3", "6"}, groups[0].SignalIDs)

	assert.Len(t, Group(signals, 1), 4)
	assert.Empty(t, Group(nil, 2))
}

func TestRunCycleMarksOnlyGroupedSignals(t *testing.T) {
	o, eng := newObserver(t)
	ctx := context.Background()
	a1 := ingest(t, eng, domain.Signal{Source: "stripe", Type: "checkout_event", MerchantID: "x"})
	a2 := ingest(t, eng, domain.Signal{Source: "stripe", Type: "checkout_event", MerchantID: "x"})
	lone := ingest(t, eng, domain.Signal{Source: "shopify", Type: "webhook_failure", MerchantID: "y"})

	patterns, err := o.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.ElementsMatch(t, []string{a1.ID, a2.ID}, patterns[0].SignalIDs)
	assert.NotEmpty(t, patterns[0].IssueID)

	for _, id := range []string{a1.ID, a2.ID} {
		s, err := eng.Repo.GetSignal(ctx, nil, id)
		require.NoError(t, err)
		assert.True(t, s.Processed)
		assert.Equal(t, patterns[0].IssueID, s.IssueID)
	}
	s, err := eng.Repo.GetSignal(ctx, nil, lone.ID)
	require.NoError(t, err)
	assert.False(t, s.Processed)

	is, err := eng.Repo.GetIssue(ctx, nil, patterns[0].IssueID)
	require.NoError(t, err)
	assert.Equal(t, domain.IssueDetected, is.Status)
	assert.Equal(t, "x", is.MerchantID)

	// a second cycle finds nothing new until the lone signal gets company
	patterns, err = o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, patterns)

	ingest(t, eng, domain.Signal{Source: "shopify", Type: "webhook_failure", MerchantID: "y"})
	patterns, err = o.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Contains(t, patterns[0].SignalIDs, lone.ID)
}

func TestRunCycleIgnoresSignalsOutsideWindow(t *testing.T) {
	o, eng := newObserver(t)
	old := time.Now().UTC().Add(-2 * o.window)
	ingest(t, eng, domain.Signal{Source: "stripe", Type: "checkout_event", ReceivedAt: old})
	ingest(t, eng, domain.Signal{Source: "stripe", Type: "checkout_event", ReceivedAt: old.Add(time.Second)})
	ingest(t, eng, domain.Signal{Source: "stripe", Type: "checkout_event"})

	patterns, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, patterns)

	unprocessed := false
	signals, err := eng.Repo.ListSignals(context.Background(), repo.SignalFilters{Processed: &unprocessed})
	require.NoError(t, err)
	assert.Len(t, signals, 3)
}

func TestRunCycleEmitsWholeGroupsUpToBatch(t *testing.T) {
	o, eng := newObserver(t)
	o.batch = 2
	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		ingest(t, eng, domain.Signal{Source: "stripe", Type: "checkout_event", MerchantID: "a", ReceivedAt: base.Add(time.Duration(i) * time.Second)})
	}
	for i := 0; i < 2; i++ {
		ingest(t, eng, domain.Signal{Source: "stripe", Type: "checkout_event", MerchantID: "b", ReceivedAt: base.Add(time.Duration(10+i) * time.Second)})
	}

	patterns, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "a", patterns[0].Key.MerchantID)
	assert.Len(t, patterns[0].SignalIDs, 5)

	patterns, err = o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "b", patterns[0].Key.MerchantID)
	assert.Len(t, patterns[0].SignalIDs, 2)
}

func TestRunCycleFindsGroupsBehindOlderSingletons(t *testing.T) {
	o, eng := newObserver(t)
	base := time.Now().UTC().Add(-30 * time.Minute)
	for i := 0; i < o.batch; i++ {
		ingest(t, eng, domain.Signal{Source: "zendesk", Type: "support_ticket", MerchantID: fmt.Sprintf("m-%d", i), ReceivedAt: base.Add(time.Duration(i) * time.Second)})
	}
	var want []string
	for i := 0; i < 3; i++ {
		s := ingest(t, eng, domain.Signal{Source: "stripe", Type: "checkout_event", MerchantID: "x"})
		want = append(want, s.ID)
	}

	patterns, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.ElementsMatch(t, want, patterns[0].SignalIDs)

	patterns, err = o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, patterns)

	unprocessed := false
	left, err := eng.Repo.ListSignals(context.Background(), repo.SignalFilters{Processed: &unprocessed, Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, left, o.batch)
}

func TestRunCycleWritesPatternAudit(t *testing.T) {
	o, eng := newObserver(t)
	ingest(t, eng, domain.Signal{Source: "stripe", Type: "checkout_event"})
	ingest(t, eng, domain.Signal{Source: "stripe", Type: "checkout_event"})
	patterns, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, patterns, 1)

	entries, err := eng.Ledger.Query(context.Background(), audit.Filter{IssueID: patterns[0].IssueID, Limit: 100})
	require.NoError(t, err)
	var kinds []string
	for _, e := range entries {
		kinds = append(kinds, e.EventType)
	}
	assert.Contains(t, kinds, domain.EventPatternDetected)
	assert.Contains(t, kinds, domain.EventIssueDetected)
}
