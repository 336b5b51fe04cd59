package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"mendline/internal/domain"
	"mendline/internal/repo"
)

// Workflow loads a workflow with steps and decisions.
func (e Engine) Workflow(ctx context.Context, id string) (domain.Workflow, error) {
	return e.Repo.GetWorkflow(ctx, nil, id)
}

// workflowOp loads the workflow inside the transaction, runs fn and returns the
// reloaded workflow.
func (e Engine) workflowOp(ctx context.Context, id string, fn func(t *Tx, wf *domain.Workflow) error) (domain.Workflow, error) {
	var out domain.Workflow
	err := e.inTx(ctx, func(t *Tx) error {
		wf, err := e.Repo.GetWorkflow(ctx, t.tx, id)
		if err != nil {
			return err
		}
		if err := fn(t, &wf); err != nil {
			return err
		}
		out, err = e.Repo.GetWorkflow(ctx, t.tx, id)
		return err
	})
	return out, err
}

// Approve records actor's approval. The workflow becomes approved once the
// required number of distinct approvers has signed.
func (e Engine) Approve(ctx context.Context, id, actor, reason string) (domain.Workflow, error) {
	return e.workflowOp(ctx, id, func(t *Tx, wf *domain.Workflow) error {
		if wf.Status != domain.WorkflowPendingApproval {
			return &domain.TransitionError{Entity: "workflow", ID: wf.ID, From: string(wf.Status), To: string(domain.WorkflowApproved)}
		}
		if err := e.Repo.InsertDecision(ctx, t.tx, domain.Decision{
			ID: uuid.NewString(), WorkflowID: wf.ID, Kind: "approve", Actor: actor, Reason: reason, CreatedAt: t.now,
		}); err != nil {
			return err
		}
		count, err := e.Repo.CountDecisions(ctx, t.tx, wf.ID, "approve")
		if err != nil {
			return err
		}
		recorded := withMeta(note(domain.EventWorkflowApprovalAdded, actor, fmt.Sprintf("approval %d of %d", count, wf.RequiredApprovals)),
			"approvals", count, "required", wf.RequiredApprovals)
		recorded.WorkflowID, recorded.IssueID, recorded.Reasoning = wf.ID, wf.IssueID, reason
		if _, err := t.audit(recorded); err != nil {
			return err
		}
		if count < wf.RequiredApprovals {
			return nil
		}
		approved := note(domain.EventWorkflowApproved, actor, "approval threshold reached")
		approved.Reasoning = reason
		return t.workflowTo(wf, domain.WorkflowApproved, withMeta(approved, "approvals", count))
	})
}

// Reject ends a pending workflow and escalates its issue.
func (e Engine) Reject(ctx context.Context, id, actor, reason string) (domain.Workflow, error) {
	return e.workflowOp(ctx, id, func(t *Tx, wf *domain.Workflow) error {
		if err := domain.EnsureWorkflowTransition(wf.ID, wf.Status, domain.WorkflowRejected); err != nil {
			return err
		}
		if err := e.Repo.InsertDecision(ctx, t.tx, domain.Decision{
			ID: uuid.NewString(), WorkflowID: wf.ID, Kind: "reject", Actor: actor, Reason: reason, CreatedAt: t.now,
		}); err != nil {
			return err
		}
		rejected := note(domain.EventWorkflowRejected, actor, "workflow rejected")
		rejected.Reasoning = reason
		if err := t.workflowTo(wf, domain.WorkflowRejected, rejected); err != nil {
			return err
		}
		esc := note(domain.EventIssueEscalated, actor, "remediation rejected")
		esc.Reasoning = reason
		return t.escalateIssue(wf.IssueID, esc)
	})
}

// Pause stops a running workflow at the next step boundary.
func (e Engine) Pause(ctx context.Context, id, actor string) (domain.Workflow, error) {
	return e.workflowOp(ctx, id, func(t *Tx, wf *domain.Workflow) error {
		return t.workflowTo(wf, domain.WorkflowPaused, note(domain.EventWorkflowPaused, actor, "paused"))
	})
}

// Resume continues a paused workflow. A workflow parked on a step that still
// needs sign-off resumes through ApproveStep instead.
func (e Engine) Resume(ctx context.Context, id, actor string) (domain.Workflow, error) {
	return e.workflowOp(ctx, id, func(t *Tx, wf *domain.Workflow) error {
		if wf.Status != domain.WorkflowPaused {
			return &domain.TransitionError{Entity: "workflow", ID: wf.ID, From: string(wf.Status), To: string(domain.WorkflowRunning)}
		}
		if next := wf.NextStep(); next != nil && next.NeedsApproval() {
			return domain.Conflictf("step %d (%s) of workflow %s awaits approval", next.ID, next.Name, wf.ID)
		}
		return t.workflowTo(wf, domain.WorkflowRunning, note(domain.EventWorkflowResumed, actor, "resumed"))
	})
}

// ApproveStep signs off one step. When the workflow is parked on that step it
// is resumed in the same transaction.
func (e Engine) ApproveStep(ctx context.Context, id string, stepID int, actor string) (domain.Workflow, error) {
	return e.workflowOp(ctx, id, func(t *Tx, wf *domain.Workflow) error {
		if wf.Status.Terminal() || wf.Status == domain.WorkflowFailed {
			return domain.Conflictf("workflow %s is %s", wf.ID, wf.Status)
		}
		step, ok := wf.Step(stepID)
		if !ok {
			return fmt.Errorf("step %d of workflow %s: %w", stepID, wf.ID, domain.ErrNotFound)
		}
		if step.Status != domain.StepPending {
			return domain.Conflictf("step %d of workflow %s is %s", stepID, wf.ID, step.Status)
		}
		if !step.RequiresApproval && step.ActionType != domain.ActionApplyHotfix {
			return domain.Conflictf("step %d of workflow %s does not require approval", stepID, wf.ID)
		}
		if err := e.Repo.ApproveStep(ctx, t.tx, wf.ID, stepID, actor); err != nil {
			return err
		}
		for i := range wf.Steps {
			if wf.Steps[i].ID == stepID {
				wf.Steps[i].ApprovedBy = actor
			}
		}
		entry := withMeta(note(domain.EventStepApproved, actor, fmt.Sprintf("step %s approved", step.Name)), "action_type", string(step.ActionType))
		entry.WorkflowID, entry.IssueID, entry.StepID = wf.ID, wf.IssueID, stepID
		if _, err := t.audit(entry); err != nil {
			return err
		}
		if next := wf.NextStep(); wf.Status == domain.WorkflowPaused && next != nil && next.ID == stepID {
			return t.workflowTo(wf, domain.WorkflowRunning, withMeta(note(domain.EventWorkflowResumed, actor, "resumed by step approval"), "step_id", stepID))
		}
		return nil
	})
}

// SkipStep lets an operator pass over the step a paused workflow is parked
// on. The workflow resumes in the same transaction.
func (e Engine) SkipStep(ctx context.Context, id string, stepID int, actor, reason string) (domain.Workflow, error) {
	return e.workflowOp(ctx, id, func(t *Tx, wf *domain.Workflow) error {
		if wf.Status != domain.WorkflowPaused {
			return domain.Conflictf("workflow %s is %s; pause it before skipping a step", wf.ID, wf.Status)
		}
		step, ok := wf.Step(stepID)
		if !ok {
			return fmt.Errorf("step %d of workflow %s: %w", stepID, wf.ID, domain.ErrNotFound)
		}
		if next := wf.NextStep(); next == nil || next.ID != stepID {
			return domain.Conflictf("step %d of workflow %s is not next", stepID, wf.ID)
		}
		finished := t.now
		entry := note(domain.EventStepSkipped, actor, fmt.Sprintf("step %s skipped", step.Name))
		entry.Reasoning = reason
		if err := t.stepTo(wf, stepID, domain.StepSkipped, repo.StepUpdate{FinishedAt: &finished}, entry); err != nil {
			return err
		}
		if err := e.Repo.SetCurrentStepIndex(ctx, t.tx, wf.ID, stepID, t.now); err != nil {
			return err
		}
		return t.workflowTo(wf, domain.WorkflowRunning, withMeta(note(domain.EventWorkflowResumed, actor, "resumed after skip"), "step_id", stepID))
	})
}

// StartWorkflow moves an approved workflow to running and its issue to in_progress.
func (e Engine) StartWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	return e.workflowOp(ctx, id, func(t *Tx, wf *domain.Workflow) error {
		if err := t.workflowTo(wf, domain.WorkflowRunning, note(domain.EventWorkflowStarted, domain.ActorAgent, "execution started")); err != nil {
			return err
		}
		is, err := e.Repo.GetIssue(ctx, t.tx, wf.IssueID)
		if err != nil {
			return err
		}
		if is.Status == domain.IssuePendingAction {
			return t.issueTo(&is, domain.IssueInProgress, note(domain.EventIssueInProgress, domain.ActorAgent, "remediation running"))
		}
		return nil
	})
}

// AwaitStepApproval parks a running workflow before a step that needs sign-off.
func (e Engine) AwaitStepApproval(ctx context.Context, id string, stepID int) (domain.Workflow, error) {
	return e.workflowOp(ctx, id, func(t *Tx, wf *domain.Workflow) error {
		step, ok := wf.Step(stepID)
		if !ok {
			return fmt.Errorf("step %d of workflow %s: %w", stepID, wf.ID, domain.ErrNotFound)
		}
		entry := withMeta(note(domain.EventStepAwaitingApproval, domain.ActorAgent, fmt.Sprintf("step %s needs approval before it runs", step.Name)),
			"step_id", stepID, "action_type", string(step.ActionType), "risk_level", string(step.RiskLevel))
		return t.workflowTo(wf, domain.WorkflowPaused, entry)
	})
}

// BeginStep marks a pending step running. The workflow must be running.
func (e Engine) BeginStep(ctx context.Context, id string, stepID int) (domain.Workflow, error) {
	return e.workflowOp(ctx, id, func(t *Tx, wf *domain.Workflow) error {
		if wf.Status != domain.WorkflowRunning {
			return domain.Conflictf("workflow %s is %s, not running", wf.ID, wf.Status)
		}
		next := wf.NextStep()
		if next == nil || next.ID != stepID {
			return domain.Conflictf("step %d of workflow %s is not next", stepID, wf.ID)
		}
		started := t.now
		return t.stepTo(wf, stepID, domain.StepRunning, repo.StepUpdate{StartedAt: &started},
			note(domain.EventStepStarted, domain.ActorAgent, "step "+next.Name+" started"))
	})
}

// CompleteStep records a successful step and advances the step index.
func (e Engine) CompleteStep(ctx context.Context, id string, stepID, attempts int, result map[string]any) (domain.Workflow, error) {
	return e.workflowOp(ctx, id, func(t *Tx, wf *domain.Workflow) error {
		finished := t.now
		if result == nil {
			result = map[string]any{}
		}
		entry := withMeta(note(domain.EventStepExecuted, domain.ActorAgent, fmt.Sprintf("step %d executed", stepID)), "attempts", attempts, "result", result)
		if err := t.stepTo(wf, stepID, domain.StepCompleted, repo.StepUpdate{Attempts: attempts, Result: result, FinishedAt: &finished}, entry); err != nil {
			return err
		}
		return e.Repo.SetCurrentStepIndex(ctx, t.tx, wf.ID, stepID, t.now)
	})
}

// FailStep records an exhausted step, fails the workflow and escalates its issue.
func (e Engine) FailStep(ctx context.Context, id string, stepID, attempts int, cause error) (domain.Workflow, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return e.workflowOp(ctx, id, func(t *Tx, wf *domain.Workflow) error {
		finished := t.now
		entry := withMeta(note(domain.EventStepFailed, domain.ActorAgent, fmt.Sprintf("step %d failed after %d attempt(s)", stepID, attempts)),
			"attempts", attempts, "error", msg)
		entry.Success = false
		if err := t.stepTo(wf, stepID, domain.StepFailed, repo.StepUpdate{Attempts: attempts, Error: msg, FinishedAt: &finished}, entry); err != nil {
			return err
		}
		failed := withMeta(note(domain.EventWorkflowFailed, domain.ActorAgent, "workflow failed"), "step_id", stepID, "error", msg)
		failed.Success = false
		if err := t.workflowTo(wf, domain.WorkflowFailed, failed); err != nil {
			return err
		}
		esc := note(domain.EventIssueEscalated, domain.ActorAgent, "remediation failed")
		esc.Reasoning = msg
		return t.escalateIssue(wf.IssueID, esc)
	})
}

// CompleteWorkflow closes a running workflow whose steps have all settled and resolves its issue.
func (e Engine) CompleteWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	return e.workflowOp(ctx, id, func(t *Tx, wf *domain.Workflow) error {
		if next := wf.NextStep(); next != nil {
			return domain.Conflictf("workflow %s still has step %d pending", wf.ID, next.ID)
		}
		if err := t.workflowTo(wf, domain.WorkflowCompleted, note(domain.EventWorkflowCompleted, domain.ActorAgent, "all steps completed")); err != nil {
			return err
		}
		is, err := e.Repo.GetIssue(ctx, t.tx, wf.IssueID)
		if err != nil {
			return err
		}
		if is.Status == domain.IssueInProgress {
			return t.issueTo(&is, domain.IssueResolved, note(domain.EventIssueResolved, domain.ActorAgent, "remediation completed"))
		}
		return nil
	})
}

// CheckRollback returns the workflow when it may be rolled back.
func (e Engine) CheckRollback(ctx context.Context, id string) (domain.Workflow, error) {
	wf, err := e.Repo.GetWorkflow(ctx, nil, id)
	if err != nil {
		return wf, err
	}
	return wf, domain.EnsureWorkflowTransition(wf.ID, wf.Status, domain.WorkflowRolledBack)
}

// RecordCompensation notes the outcome of undoing one completed step.
func (e Engine) RecordCompensation(ctx context.Context, id string, stepID int, actor string, cause error) error {
	_, err := e.workflowOp(ctx, id, func(t *Tx, wf *domain.Workflow) error {
		step, ok := wf.Step(stepID)
		if !ok {
			return fmt.Errorf("step %d of workflow %s: %w", stepID, wf.ID, domain.ErrNotFound)
		}
		entry := withMeta(note(domain.EventStepCompensated, actor, "step "+step.Name+" compensated"), "action_type", string(step.ActionType))
		if cause != nil {
			entry.Success = false
			entry.Description = "compensation of step " + step.Name + " failed"
			entry = withMeta(entry, "error", cause.Error())
		}
		entry.WorkflowID, entry.IssueID, entry.StepID = wf.ID, wf.IssueID, stepID
		_, err := t.audit(entry)
		return err
	})
	return err
}

// RecordEscalation flags a completed side effect that cannot be undone.
func (e Engine) RecordEscalation(ctx context.Context, id string, stepID int, reason string) error {
	_, err := e.workflowOp(ctx, id, func(t *Tx, wf *domain.Workflow) error {
		entry := withMeta(note(domain.EventEscalation, domain.ActorAgent, reason), "step_id", stepID)
		entry.WorkflowID, entry.IssueID, entry.StepID = wf.ID, wf.IssueID, stepID
		if _, err := t.audit(entry); err != nil {
			return err
		}
		esc := note(domain.EventIssueEscalated, domain.ActorAgent, reason)
		return t.escalateIssue(wf.IssueID, esc)
	})
	return err
}

// FinishRollback closes a rollback. With no failures the workflow becomes
// rolled_back; otherwise it stays failed and a rollback_failed entry is written.
func (e Engine) FinishRollback(ctx context.Context, id, actor string, failures []error) (domain.Workflow, error) {
	return e.workflowOp(ctx, id, func(t *Tx, wf *domain.Workflow) error {
		if len(failures) == 0 {
			return t.workflowTo(wf, domain.WorkflowRolledBack, note(domain.EventWorkflowRolledBack, actor, "completed steps compensated"))
		}
		joined := errors.Join(failures...)
		entry := withMeta(note(domain.EventRollbackFailed, actor, fmt.Sprintf("%d compensation(s) failed", len(failures))), "error", joined.Error())
		entry.Success = false
		entry.WorkflowID, entry.IssueID = wf.ID, wf.IssueID
		_, err := t.audit(entry)
		return err
	})
}
