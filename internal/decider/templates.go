package decider

import "mendline/internal/domain"

type template struct {
	name        string
	action      domain.ActionType
	risk        domain.Severity
	approval    bool
	compensable bool
}

var templates = map[domain.Category][]template{
	domain.CategoryMigration: {
		{"diagnose", domain.ActionRunDiagnostic, domain.SeverityLow, false, false},
		{"apply_endpoint_fix", domain.ActionUpdateConfig, domain.SeverityMedium, false, true},
		{"validate", domain.ActionRunDiagnostic, domain.SeverityLow, false, false},
		{"notify", domain.ActionNotifyMerchant, domain.SeverityLow, true, false},
	},
	domain.CategoryPlatformBug: {
		{"alert_engineering", domain.ActionEscalateEngineering, domain.SeverityLow, false, false},
		{"check_known_fix", domain.ActionRunDiagnostic, domain.SeverityLow, false, false},
		{"reply_tickets", domain.ActionReplyTicket, domain.SeverityLow, false, false},
	},
	domain.CategoryDocumentationGap: {
		{"flag_gap", domain.ActionSendNotification, domain.SeverityLow, false, false},
		{"create_doc_task", domain.ActionUpdateDocumentation, domain.SeverityLow, false, false},
		{"send_interim_guidance", domain.ActionNotifyMerchant, domain.SeverityLow, false, false},
	},
	domain.CategoryMerchantConfig: {
		{"diagnose_config", domain.ActionRunDiagnostic, domain.SeverityLow, false, false},
		{"send_config_guide", domain.ActionNotifyMerchant, domain.SeverityLow, false, false},
		{"offer_assistance", domain.ActionReplyTicket, domain.SeverityLow, false, false},
	},
}

var genericTemplate = []template{
	{"log_issue", domain.ActionSendNotification, domain.SeverityLow, false, false},
	{"acknowledge", domain.ActionReplyTicket, domain.SeverityLow, false, false},
}

// templateFor returns a fresh copy so callers may append.
func templateFor(c domain.Category) []template {
	src, ok := templates[c]
	if !ok {
		src = genericTemplate
	}
	return append([]template(nil), src...)
}
