package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mendline/internal/audit"
	"mendline/internal/bus"
	"mendline/internal/config"
	"mendline/internal/db"
	"mendline/internal/decider"
	"mendline/internal/domain"
	"mendline/internal/engine"
	"mendline/internal/logging"
	"mendline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Bus    *bus.Bus
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	b := bus.New(256, logging.Discard())
	eng := engine.New(conn, config.Default(), b, logging.Discard())
	return testEnv{Engine: eng, Bus: b, Ctx: ctx}
}

// analyzedIssue walks two signals through pattern emission and analysis start.
func (env testEnv) analyzedIssue(t *testing.T, merchant string) domain.Issue {
	t.Helper()
	var sigs []domain.Signal
	for i := 0; i < 2; i++ {
		s, _, err := env.Engine.IngestSignal(env.Ctx, domain.Signal{Source: "stripe", Type: "checkout_event", MerchantID: merchant, Severity: domain.SeverityMedium})
		require.NoError(t, err)
		sigs = append(sigs, s)
	}
	is, err := env.Engine.EmitPattern(env.Ctx, domain.Pattern{
		Key:       domain.PatternKey{Source: "stripe", Type: "checkout_event", MerchantID: merchant},
		SignalIDs: []string{sigs[0].ID, sigs[1].ID},
		Signals:   sigs,
	})
	require.NoError(t, err)
	is, err = env.Engine.BeginAnalysis(env.Ctx, is.ID)
	require.NoError(t, err)
	return is
}

func (env testEnv) plan(t *testing.T, issueID string, confidence float64, impact domain.Severity) (domain.Issue, domain.Workflow) {
	t.Helper()
	draft := domain.IssueDraft{Title: "checkout broken", Category: domain.CategoryPlatformBug, Confidence: confidence, RootCause: "gateway timeout", EstimatedImpact: impact}
	p := decider.New(env.Engine.Config, logging.Discard()).Decide(draft, nil)
	is, wf, err := env.Engine.RecordAnalysis(env.Ctx, issueID, engine.Analysis{Draft: draft, Reasoner: "ai"}, p)
	require.NoError(t, err)
	return is, wf
}

func countEvents(t *testing.T, env testEnv, f audit.Filter) int {
	t.Helper()
	f.Limit = 1000
	entries, err := env.Engine.Ledger.Query(env.Ctx, f)
	require.NoError(t, err)
	return len(entries)
}

func TestIngestSignalIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first, dup, err := env.Engine.IngestSignal(env.Ctx, domain.Signal{ID: "sig-1", Source: "stripe", Type: "payment_failed", Title: "card declined"})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, domain.SeverityMedium, first.Severity)

	again, dup, err := env.Engine.IngestSignal(env.Ctx, domain.Signal{ID: "sig-1", Source: "stripe", Type: "payment_failed", Title: "changed"})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, "card declined", again.Title)
	assert.Equal(t, 1, countEvents(t, env, audit.Filter{EventType: domain.EventSignalReceived}))
}

func TestIngestRejectsInvalidSignal(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.IngestSignal(env.Ctx, domain.Signal{Source: "stripe", Severity: "urgent"})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "type")
	assert.Contains(t, verr.Fields, "severity")
	assert.Equal(t, 0, countEvents(t, env, audit.Filter{}))
}

func TestEmitPatternClaimsSignalsOnce(t *testing.T) {
	env := newTestEnv(t)
	a, _, err := env.Engine.IngestSignal(env.Ctx, domain.Signal{Source: "shopify", Type: "webhook_failure", Severity: domain.SeverityHigh})
	require.NoError(t, err)
	b, _, err := env.Engine.IngestSignal(env.Ctx, domain.Signal{Source: "shopify", Type: "webhook_failure"})
	require.NoError(t, err)
	p := domain.Pattern{Key: domain.PatternKey{Source: "shopify", Type: "webhook_failure"}, SignalIDs: []string{a.ID, b.ID}, Signals: []domain.Signal{a, b}}

	is, err := env.Engine.EmitPattern(env.Ctx, p)
	require.NoError(t, err)
	assert.Equal(t, domain.IssueDetected, is.Status)
	assert.Equal(t, domain.SeverityHigh, is.EstimatedImpact)

	_, err = env.Engine.EmitPattern(env.Ctx, p)
	assert.ErrorIs(t, err, domain.ErrApprovalConflict)

	stored, err := env.Engine.Repo.GetSignal(env.Ctx, nil, a.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, is.ID, stored.IssueID)
	assert.Equal(t, 1, countEvents(t, env, audit.Filter{EventType: domain.EventPatternDetected}))
}

func TestAutoApprovedAnalysis(t *testing.T) {
	env := newTestEnv(t)
	is := env.analyzedIssue(t, "m-1")
	is, wf := env.plan(t, is.ID, 0.95, domain.SeverityLow)

	assert.Equal(t, domain.IssuePendingAction, is.Status)
	assert.Equal(t, wf.ID, is.WorkflowID)
	assert.Equal(t, domain.WorkflowApproved, wf.Status)

	stored, err := env.Engine.Repo.GetIssue(env.Ctx, nil, is.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryPlatformBug, stored.Category)
	assert.Equal(t, "ai", stored.Reasoner)
	assert.Equal(t, 1, countEvents(t, env, audit.Filter{EventType: domain.EventWorkflowApproved, WorkflowID: wf.ID}))
}

func TestLowConfidenceEscalatesAndNeedsTwoApprovers(t *testing.T) {
	env := newTestEnv(t)
	is := env.analyzedIssue(t, "m-2")
	_, wf := env.plan(t, is.ID, 0.4, domain.SeverityMedium)
	require.Equal(t, domain.WorkflowPendingApproval, wf.Status)
	assert.True(t, wf.Escalated)
	assert.Equal(t, 2, wf.RequiredApprovals)
	assert.Equal(t, 1, countEvents(t, env, audit.Filter{EventType: domain.EventEscalation, WorkflowID: wf.ID}))

	wf, err := env.Engine.Approve(env.Ctx, wf.ID, domain.HumanActor("alice"), "looks right")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowPendingApproval, wf.Status)
	assert.Len(t, wf.Approvals, 1)

	_, err = env.Engine.Approve(env.Ctx, wf.ID, domain.HumanActor("alice"), "again")
	assert.ErrorIs(t, err, domain.ErrApprovalConflict)

	wf, err = env.Engine.Approve(env.Ctx, wf.ID, domain.HumanActor("bob"), "")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowApproved, wf.Status)
	assert.Len(t, wf.Approvals, 2)
}

func TestRejectedWorkflowCannotBeApproved(t *testing.T) {
	env := newTestEnv(t)
	is := env.analyzedIssue(t, "m-3")
	_, wf := env.plan(t, is.ID, 0.7, domain.SeverityLow)

	wf, err := env.Engine.Reject(env.Ctx, wf.ID, domain.HumanActor("carol"), "wrong diagnosis")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowRejected, wf.Status)

	_, err = env.Engine.Approve(env.Ctx, wf.ID, domain.HumanActor("dave"), "")
	var terr *domain.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.True(t, errors.Is(err, domain.ErrApprovalConflict))

	stored, err := env.Engine.Repo.GetIssue(env.Ctx, nil, is.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IssueEscalated, stored.Status)
}

func TestOneActiveWorkflowPerIssue(t *testing.T) {
	env := newTestEnv(t)
	is := env.analyzedIssue(t, "m-4")
	env.plan(t, is.ID, 0.95, domain.SeverityLow)

	draft := domain.IssueDraft{Category: domain.CategoryPlatformBug, Confidence: 0.95, EstimatedImpact: domain.SeverityLow}
	p := decider.New(env.Engine.Config, logging.Discard()).Decide(draft, nil)
	_, _, err := env.Engine.RecordAnalysis(env.Ctx, is.ID, engine.Analysis{Draft: draft, Reasoner: "rules"}, p)
	assert.ErrorIs(t, err, domain.ErrApprovalConflict)
}

func TestStepLifecycleAndAuditPerTransition(t *testing.T) {
	env := newTestEnv(t)
	sub := env.Bus.Subscribe()
	defer sub.Close()
	is := env.analyzedIssue(t, "m-5")
	_, wf := env.plan(t, is.ID, 0.95, domain.SeverityLow)

	wf, err := env.Engine.StartWorkflow(env.Ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowRunning, wf.Status)

	_, err = env.Engine.BeginStep(env.Ctx, wf.ID, 2)
	assert.ErrorIs(t, err, domain.ErrApprovalConflict, "steps run in order")

	for _, s := range wf.Steps {
		_, err = env.Engine.BeginStep(env.Ctx, wf.ID, s.ID)
		require.NoError(t, err)
		_, err = env.Engine.CompleteStep(env.Ctx, wf.ID, s.ID, 1, map[string]any{"ok": true})
		require.NoError(t, err)
	}
	wf, err = env.Engine.CompleteWorkflow(env.Ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, wf.Status)
	assert.NotNil(t, wf.CompletedAt)
	assert.Equal(t, len(wf.Steps), wf.CurrentStepIndex)

	stored, err := env.Engine.Repo.GetIssue(env.Ctx, nil, is.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IssueResolved, stored.Status)

	n := len(wf.Steps)
	assert.Equal(t, n, countEvents(t, env, audit.Filter{EventType: domain.EventStepStarted, WorkflowID: wf.ID}))
	assert.Equal(t, n, countEvents(t, env, audit.Filter{EventType: domain.EventStepExecuted, WorkflowID: wf.ID}))
	assert.Equal(t, 1, countEvents(t, env, audit.Filter{EventType: domain.EventWorkflowStarted, WorkflowID: wf.ID}))
	assert.Equal(t, 1, countEvents(t, env, audit.Filter{EventType: domain.EventIssueResolved, IssueID: is.ID}))

	report, err := env.Engine.Ledger.Verify(env.Ctx)
	require.NoError(t, err)
	assert.True(t, report.OK)

	statusEvents := 0
	timeout := time.After(time.Second)
drain:
	for {
		select {
		case evt := <-sub.C():
			if evt.Event == bus.StepStatusChanged {
				statusEvents++
			}
		case <-timeout:
			break drain
		default:
			break drain
		}
	}
	assert.Equal(t, 2*n, statusEvents)
}

func TestFailStepEscalatesIssue(t *testing.T) {
	env := newTestEnv(t)
	is := env.analyzedIssue(t, "m-6")
	_, wf := env.plan(t, is.ID, 0.95, domain.SeverityLow)
	_, err := env.Engine.StartWorkflow(env.Ctx, wf.ID)
	require.NoError(t, err)
	_, err = env.Engine.BeginStep(env.Ctx, wf.ID, 1)
	require.NoError(t, err)

	wf, err = env.Engine.FailStep(env.Ctx, wf.ID, 1, 3, errors.New("target unavailable"))
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowFailed, wf.Status)
	assert.Equal(t, domain.StepFailed, wf.Steps[0].Status)
	assert.Equal(t, 3, wf.Steps[0].Attempts)
	assert.Equal(t, "target unavailable", wf.Steps[0].Error)

	stored, err := env.Engine.Repo.GetIssue(env.Ctx, nil, is.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IssueEscalated, stored.Status)

	_, err = env.Engine.CheckRollback(env.Ctx, wf.ID)
	require.NoError(t, err)
	wf, err = env.Engine.FinishRollback(env.Ctx, wf.ID, domain.ActorAgent, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowRolledBack, wf.Status)
}

func TestPauseResumeAndStepApproval(t *testing.T) {
	env := newTestEnv(t)
	is := env.analyzedIssue(t, "m-7")
	_, wf := env.plan(t, is.ID, 0.95, domain.SeverityLow)

	_, err := env.Engine.Pause(env.Ctx, wf.ID, domain.HumanActor("erin"))
	assert.ErrorIs(t, err, domain.ErrApprovalConflict, "approved workflows cannot pause")

	_, err = env.Engine.StartWorkflow(env.Ctx, wf.ID)
	require.NoError(t, err)
	wf, err = env.Engine.Pause(env.Ctx, wf.ID, domain.HumanActor("erin"))
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowPaused, wf.Status)
	wf, err = env.Engine.Resume(env.Ctx, wf.ID, domain.HumanActor("erin"))
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowRunning, wf.Status)

	_, err = env.Engine.ApproveStep(env.Ctx, wf.ID, 1, domain.HumanActor("erin"))
	assert.ErrorIs(t, err, domain.ErrApprovalConflict, "step 1 needs no approval")
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.CreateAPIKey(env.Ctx, "", "ci", "wizard", "human:admin")
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "actor_id")
	assert.Contains(t, verr.Fields, "role")

	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, "ci-bot", "ci", "operator", "human:admin")
	require.NoError(t, err)
	assert.NotEqual(t, secret, key.KeyHash)
	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, key.KeyHash)
	require.NoError(t, err)
	assert.Equal(t, "operator", stored.Role)

	require.NoError(t, env.Engine.RevokeAPIKey(env.Ctx, key.ID, "human:admin"))
	_, err = env.Engine.Repo.GetAPIKeyByHash(env.Ctx, key.KeyHash)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, env.Engine.RevokeAPIKey(env.Ctx, key.ID, "human:admin"), domain.ErrNotFound)

	entries, err := env.Engine.Ledger.Query(env.Ctx, audit.Filter{EventType: domain.EventConfigChange})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
