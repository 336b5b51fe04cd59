package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowTransitions(t *testing.T) {
	cases := []struct {
		from, to WorkflowStatus
		ok       bool
	}{
		{WorkflowDraft, WorkflowPendingApproval, true},
		{WorkflowDraft, WorkflowApproved, true},
		{WorkflowDraft, WorkflowRunning, false},
		{WorkflowPendingApproval, WorkflowApproved, true},
		{WorkflowPendingApproval, WorkflowRejected, true},
		{WorkflowApproved, WorkflowRunning, true},
		{WorkflowRunning, WorkflowPaused, true},
		{WorkflowPaused, WorkflowRunning, true},
		{WorkflowPaused, WorkflowCompleted, false},
		{WorkflowRunning, WorkflowCompleted, true},
		{WorkflowRunning, WorkflowFailed, true},
		{WorkflowFailed, WorkflowRolledBack, true},
		{WorkflowRejected, WorkflowApproved, false},
		{WorkflowCompleted, WorkflowRunning, false},
		{WorkflowRolledBack, WorkflowFailed, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []WorkflowStatus{WorkflowCompleted, WorkflowRejected, WorkflowRolledBack} {
		assert.True(t, s.Terminal(), s)
		assert.False(t, s.Active(), s)
	}
	assert.False(t, WorkflowFailed.Terminal())
	assert.False(t, WorkflowFailed.Active())
	assert.True(t, WorkflowPaused.Active())
}

func TestIssueEscalationFromAnyOpenState(t *testing.T) {
	for _, s := range []IssueStatus{IssueDetected, IssueAnalyzing, IssuePendingAction, IssueInProgress} {
		assert.True(t, s.CanTransition(IssueEscalated), s)
	}
	assert.False(t, IssueResolved.CanTransition(IssueEscalated))
	assert.False(t, IssueEscalated.CanTransition(IssueInProgress))
	assert.False(t, IssueInProgress.CanTransition(IssueAnalyzing))
}

func TestTransitionErrorIsApprovalConflict(t *testing.T) {
	err := EnsureWorkflowTransition("wf-1", WorkflowRejected, WorkflowApproved)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrApprovalConflict))
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "workflow", te.Entity)
	assert.NoError(t, EnsureStepTransition("wf-1/1", StepPending, StepRunning))
	assert.Error(t, EnsureStepTransition("wf-1/1", StepCompleted, StepRunning))
}

func TestNextStepRespectsOrder(t *testing.T) {
	wf := Workflow{Steps: []Step{
		{ID: 1, Status: StepCompleted},
		{ID: 2, Status: StepSkipped},
		{ID: 3, Status: StepPending},
		{ID: 4, Status: StepPending},
	}}
	next := wf.NextStep()
	require.NotNil(t, next)
	assert.Equal(t, 3, next.ID)
	wf.Steps[2].Status = StepCompleted
	wf.Steps[3].Status = StepCompleted
	assert.Nil(t, wf.NextStep())
}

func TestMaxSeverity(t *testing.T) {
	assert.Equal(t, SeverityLow, MaxSeverity())
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityLow, SeverityHigh, SeverityMedium))
	assert.Equal(t, SeverityCritical, MaxSeverity(SeverityCritical, "bogus"))
}
