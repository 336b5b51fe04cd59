package decider

import (
	"fmt"
	"log/slog"
	"maps"

	"mendline/internal/config"
	"mendline/internal/domain"
)

// Plan is the decider's verdict for one issue: the workflow to create and how
// much human sign-off it needs before it may run.
type Plan struct {
	Workflow          domain.Workflow
	RequiresApproval  bool
	RequiredApprovals int
	AutoStart         bool
	Escalate          bool
	Rule              string
}

// Decider maps a reasoned issue to a remediation plan. It holds no state and
// the same draft and config always give the same plan shape.
type Decider struct {
	cfg *config.Config
	log *slog.Logger
}

func New(cfg *config.Config, logger *slog.Logger) *Decider {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decider{cfg: cfg, log: logger.With("component", "decider")}
}

// Decide applies the approval rule table, first match wins, and builds the
// step list from the category template.
func (d *Decider) Decide(draft domain.IssueDraft, signals []domain.Signal) Plan {
	c := d.cfg.Decider
	var p Plan
	highImpact := draft.EstimatedImpact.Rank() >= domain.SeverityHigh.Rank()
	switch {
	case draft.Confidence >= c.AutoApproveThreshold && !highImpact:
		p.Rule, p.AutoStart = "auto_approve", true
	case draft.Confidence >= c.AutoApproveThreshold:
		p.Rule, p.RequiresApproval, p.RequiredApprovals = "high_impact", true, 1
	case draft.Confidence >= c.EscalationFloor:
		p.Rule, p.RequiresApproval, p.RequiredApprovals = "medium_confidence", true, c.MediumRiskApprovalCount
	default:
		p.Rule, p.RequiresApproval, p.RequiredApprovals, p.Escalate = "escalate", true, c.EscalationApprovalCount, true
	}

	steps := templateFor(draft.Category)
	if c.VerifyStep {
		steps = append(steps, template{"verify", domain.ActionVerifyHealth, domain.SeverityLow, false, false})
	}
	params := baseParams(draft, signals)
	wf := domain.Workflow{
		Name:              workflowName(draft),
		Status:            domain.WorkflowDraft,
		RequiredApprovals: p.RequiredApprovals,
		Escalated:         p.Escalate,
		OverallRisk:       domain.SeverityLow,
	}
	for i, t := range steps {
		wf.Steps = append(wf.Steps, domain.Step{
			ID:               i + 1,
			Name:             t.name,
			ActionType:       t.action,
			RiskLevel:        t.risk,
			RequiresApproval: t.approval || t.action == domain.ActionApplyHotfix,
			Compensable:      t.compensable,
			Status:           domain.StepPending,
			Params:           maps.Clone(params),
		})
		wf.OverallRisk = domain.MaxSeverity(wf.OverallRisk, t.risk)
	}
	p.Workflow = wf

	d.log.Info("plan decided",
		"category", draft.Category,
		"confidence", draft.Confidence,
		"impact", draft.EstimatedImpact,
		"rule", p.Rule,
		"required_approvals", p.RequiredApprovals,
		"steps", len(wf.Steps),
	)
	return p
}

func workflowName(draft domain.IssueDraft) string {
	category := string(draft.Category)
	if category == "" {
		category = "generic"
	}
	return fmt.Sprintf("remediate %s: %s", category, draft.Title)
}

// baseParams is shared by every step; the target uses it to scope its action.
func baseParams(draft domain.IssueDraft, signals []domain.Signal) map[string]any {
	params := map[string]any{
		"category":     string(draft.Category),
		"signal_count": len(signals),
	}
	if len(signals) > 0 {
		params["merchant_id"] = signals[0].MerchantID
		params["signal_type"] = signals[0].Type
		params["source"] = signals[0].Source
	}
	return params
}
