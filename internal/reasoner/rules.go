package reasoner

import (
	"context"
	"fmt"
	"strings"

	"mendline/internal/domain"
)

// RuleConfidence is deliberately below the auto-approve threshold.
const RuleConfidence = 0.6

type rule struct {
	keywords  []string
	category  domain.Category
	impact    domain.Severity
	rootCause string
}

var rules = []rule{
	{[]string{"checkout", "payment"}, domain.CategoryPlatformBug, domain.SeverityHigh, "payment or checkout path failing on the platform side"},
	{[]string{"webhook"}, domain.CategoryMerchantConfig, domain.SeverityMedium, "merchant webhook endpoint misconfigured or unreachable"},
	{[]string{"migration"}, domain.CategoryMigration, domain.SeverityHigh, "merchant integration still pointing at pre-migration endpoints"},
	{[]string{"api"}, domain.CategoryPlatformBug, domain.SeverityMedium, "platform API returning errors"},
	{[]string{"documentation", "docs"}, domain.CategoryDocumentationGap, domain.SeverityLow, "documentation missing or out of date for this flow"},
}

var defaultRule = rule{category: domain.CategoryPlatformBug, impact: domain.SeverityMedium, rootCause: "unclassified platform failure"}

// Rules classifies by keywords in the signal type. It never fails.
type Rules struct{}

func (Rules) Name() string { return StrategyRules }

func (Rules) Analyze(_ context.Context, signals []domain.Signal) (domain.IssueDraft, error) {
	return ruleDraft(signals), nil
}

func ruleDraft(signals []domain.Signal) domain.IssueDraft {
	var typ, source, merchant string
	severities := make([]domain.Severity, 0, len(signals))
	for _, s := range signals {
		severities = append(severities, s.Severity)
	}
	if len(signals) > 0 {
		typ, source, merchant = signals[0].Type, signals[0].Source, signals[0].MerchantID
	}
	r := match(typ)
	impact := domain.MaxSeverity(append(severities, r.impact)...)

	title := fmt.Sprintf("Repeated %s from %s", orUnknown(typ), orUnknown(source))
	if merchant != "" {
		title += " (merchant " + merchant + ")"
	}
	return domain.IssueDraft{
		Title:      title,
		Category:   r.category,
		Confidence: RuleConfidence,
		RootCause:  r.rootCause,
		ReasoningChain: []domain.ReasoningStep{
			{
				Observation: fmt.Sprintf("%d %s signal(s) from %s, highest severity %s", len(signals), orUnknown(typ), orUnknown(source), domain.MaxSeverity(severities...)),
				Inference:   fmt.Sprintf("signal type matches the %s rule", r.category),
				Confidence:  RuleConfidence,
			},
		},
		EstimatedImpact: impact,
	}
}

func match(signalType string) rule {
	t := strings.ToLower(signalType)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(t, kw) {
				return r
			}
		}
	}
	return defaultRule
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
