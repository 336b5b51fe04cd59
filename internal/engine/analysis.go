package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"mendline/internal/decider"
	"mendline/internal/domain"
)

// Analysis is what the reasoner produced for an issue.
type Analysis struct {
	Draft    domain.IssueDraft
	Reasoner string
	// Degraded is set when the preferred strategy failed and the fallback answered.
	Degraded string
}

// BeginAnalysis moves a detected issue to analyzing.
func (e Engine) BeginAnalysis(ctx context.Context, issueID string) (domain.Issue, error) {
	var is domain.Issue
	err := e.inTx(ctx, func(t *Tx) error {
		var err error
		if is, err = e.Repo.GetIssue(ctx, t.tx, issueID); err != nil {
			return err
		}
		return t.issueTo(&is, domain.IssueAnalyzing, note(domain.EventIssueAnalyzing, domain.ActorAgent, "root cause analysis started"))
	})
	return is, err
}

// RecordAnalysis stores the reasoner's draft on the issue and creates the
// planned workflow, approved outright or waiting for sign-off.
func (e Engine) RecordAnalysis(ctx context.Context, issueID string, a Analysis, plan decider.Plan) (domain.Issue, domain.Workflow, error) {
	var (
		is domain.Issue
		wf domain.Workflow
	)
	err := e.inTx(ctx, func(t *Tx) error {
		var err error
		if is, err = e.Repo.GetIssue(ctx, t.tx, issueID); err != nil {
			return err
		}
		if is.Status != domain.IssueAnalyzing {
			return &domain.TransitionError{Entity: "issue", ID: is.ID, From: string(is.Status), To: string(domain.IssuePendingAction)}
		}
		d := a.Draft
		if d.Title != "" {
			is.Title = d.Title
		}
		is.Category, is.Confidence, is.RootCause = d.Category, d.Confidence, d.RootCause
		is.ReasoningChain = d.ReasoningChain
		if is.ReasoningChain == nil {
			is.ReasoningChain = []domain.ReasoningStep{}
		}
		is.EstimatedImpact, is.Reasoner, is.UpdatedAt = d.EstimatedImpact, a.Reasoner, t.now
		if err := e.Repo.UpdateIssueAnalysis(ctx, t.tx, is); err != nil {
			return err
		}
		if a.Degraded != "" {
			degraded := withMeta(note(domain.EventReasoningDegraded, domain.ActorAgent, "AI reasoning unavailable, rule fallback used"),
				"cause", a.Degraded, "reasoner", a.Reasoner)
			degraded.IssueID = is.ID
			if _, err := t.audit(degraded); err != nil {
				return err
			}
		}

		wf = plan.Workflow
		wf.ID = uuid.NewString()
		wf.IssueID = is.ID
		wf.Status = domain.WorkflowDraft
		wf.CreatedAt, wf.UpdatedAt = t.now, t.now
		for i := range wf.Steps {
			wf.Steps[i].WorkflowID = wf.ID
			wf.Steps[i].Status = domain.StepPending
		}
		wf.Approvals, wf.Rejections = []domain.Decision{}, []domain.Decision{}
		if err := e.Repo.InsertWorkflow(ctx, t.tx, wf); err != nil {
			return err
		}
		if err := e.Repo.SetIssueWorkflow(ctx, t.tx, is.ID, wf.ID); err != nil {
			return err
		}
		is.WorkflowID = wf.ID
		created := withMeta(note(domain.EventWorkflowCreated, domain.ActorAgent, fmt.Sprintf("workflow %q planned with %d steps", wf.Name, len(wf.Steps))),
			"rule", plan.Rule, "overall_risk", string(wf.OverallRisk), "required_approvals", wf.RequiredApprovals, "steps", len(wf.Steps))
		created.WorkflowID, created.IssueID = wf.ID, is.ID
		if _, err := t.audit(created); err != nil {
			return err
		}

		analyzed := note(domain.EventIssueAnalyzed, domain.ActorAgent, fmt.Sprintf("classified as %s with confidence %.2f", d.Category, d.Confidence))
		analyzed.Reasoning, analyzed.Confidence = d.RootCause, ptr(d.Confidence)
		analyzed = withMeta(analyzed, "category", string(d.Category), "reasoner", a.Reasoner, "impact", string(d.EstimatedImpact))
		if err := t.issueTo(&is, domain.IssuePendingAction, analyzed); err != nil {
			return err
		}

		if plan.RequiresApproval {
			pending := note(domain.EventWorkflowPending, domain.ActorAgent, fmt.Sprintf("awaiting %d approval(s)", wf.RequiredApprovals))
			pending.Confidence = ptr(d.Confidence)
			if err := t.workflowTo(&wf, domain.WorkflowPendingApproval, withMeta(pending, "rule", plan.Rule)); err != nil {
				return err
			}
		} else {
			approved := note(domain.EventWorkflowApproved, domain.ActorAgent, "auto-approved")
			approved.Reasoning, approved.Confidence = fmt.Sprintf("confidence %.2f with %s impact meets the auto-approve rule", d.Confidence, d.EstimatedImpact), ptr(d.Confidence)
			if err := t.workflowTo(&wf, domain.WorkflowApproved, withMeta(approved, "rule", plan.Rule)); err != nil {
				return err
			}
		}
		if plan.Escalate {
			esc := withMeta(note(domain.EventEscalation, domain.ActorAgent, "confidence below escalation floor"),
				"confidence", d.Confidence, "floor", e.Config.Decider.EscalationFloor, "required_approvals", wf.RequiredApprovals)
			esc.WorkflowID, esc.IssueID, esc.Confidence = wf.ID, is.ID, ptr(d.Confidence)
			if _, err := t.audit(esc); err != nil {
				return err
			}
		}
		return nil
	})
	return is, wf, err
}

// EscalateIssue hands an open issue to humans. Closed issues are left alone.
func (e Engine) EscalateIssue(ctx context.Context, issueID, actor, reason string) (domain.Issue, error) {
	var is domain.Issue
	err := e.inTx(ctx, func(t *Tx) error {
		entry := note(domain.EventIssueEscalated, actor, "escalated: "+reason)
		entry.Reasoning = reason
		if err := t.escalateIssue(issueID, entry); err != nil {
			return err
		}
		var err error
		is, err = e.Repo.GetIssue(ctx, t.tx, issueID)
		return err
	})
	return is, err
}
