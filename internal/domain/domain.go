package domain

import "time"

// TimeLayout is the fixed-width UTC layout used for stored timestamps so that
// lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Valid reports whether s is one of the known levels.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int { return severityRank[s] }

// MaxSeverity returns the highest of the given levels, or low when none are valid.
func MaxSeverity(levels ...Severity) Severity {
	out := SeverityLow
	for _, l := range levels {
		if l.Rank() > out.Rank() {
			out = l
		}
	}
	return out
}

type Signal struct {
	ID         string         `json:"id"`
	ReceivedAt time.Time      `json:"received_at"`
	Source     string         `json:"source"`
	Type       string         `json:"type"`
	Severity   Severity       `json:"severity" enum:"low,medium,high,critical"`
	MerchantID string         `json:"merchant_id,omitempty"`
	Title      string         `json:"title,omitempty"`
	Content    string         `json:"content,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Processed  bool           `json:"processed"`
	IssueID    string         `json:"issue_id,omitempty"`
}

// PatternKey identifies the bucket a signal falls into.
type PatternKey struct {
	Source     string `json:"source"`
	Type       string `json:"type"`
	MerchantID string `json:"merchant_id,omitempty"`
}

// Pattern is a cluster of signals emitted by one observer cycle. It is never stored;
// the issue it opens carries its signal ids.
type Pattern struct {
	Key        PatternKey `json:"key"`
	SignalIDs  []string   `json:"signal_ids"`
	Signals    []Signal   `json:"-"`
	IssueID    string     `json:"issue_id"`
	DetectedAt time.Time  `json:"detected_at"`
}

type Category string

const (
	CategoryUnclassified     Category = ""
	CategoryMigration        Category = "migration"
	CategoryPlatformBug      Category = "platform_bug"
	CategoryDocumentationGap Category = "documentation_gap"
	CategoryMerchantConfig   Category = "merchant_config"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryMigration, CategoryPlatformBug, CategoryDocumentationGap, CategoryMerchantConfig:
		return true
	}
	return false
}

type ReasoningStep struct {
	Observation string  `json:"observation"`
	Inference   string  `json:"inference"`
	Confidence  float64 `json:"confidence"`
}

type Issue struct {
	ID                string          `json:"id"`
	Title             string          `json:"title"`
	Category          Category        `json:"category,omitempty"`
	Confidence        float64         `json:"confidence"`
	RootCause         string          `json:"root_cause,omitempty"`
	ReasoningChain    []ReasoningStep `json:"reasoning_chain"`
	AffectedSignalIDs []string        `json:"affected_signal_ids"`
	EstimatedImpact   Severity        `json:"estimated_impact"`
	Status            IssueStatus     `json:"status"`
	WorkflowID        string          `json:"workflow_id,omitempty"`
	Source            string          `json:"source"`
	SignalType        string          `json:"signal_type"`
	MerchantID        string          `json:"merchant_id,omitempty"`
	Reasoner          string          `json:"reasoner,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IssueDraft is a reasoner's explanation of a pattern before it is stored on the issue.
type IssueDraft struct {
	Title           string          `json:"title"`
	Category        Category        `json:"category"`
	Confidence      float64         `json:"confidence"`
	RootCause       string          `json:"root_cause"`
	ReasoningChain  []ReasoningStep `json:"reasoning_chain"`
	EstimatedImpact Severity        `json:"estimated_impact"`
}

type ActionType string

const (
	ActionSendNotification    ActionType = "send_notification"
	ActionUpdateConfig        ActionType = "update_config"
	ActionEscalateEngineering ActionType = "escalate_engineering"
	ActionReplyTicket         ActionType = "reply_ticket"
	ActionRunDiagnostic       ActionType = "run_diagnostic"
	ActionApplyHotfix         ActionType = "apply_hotfix"
	ActionUpdateDocumentation ActionType = "update_documentation"
	ActionNotifyMerchant      ActionType = "notify_merchant"
	ActionVerifyHealth        ActionType = "verify_health"
)

// ReadOnly reports whether the action leaves no state behind on the target.
func (a ActionType) ReadOnly() bool {
	return a == ActionRunDiagnostic || a == ActionVerifyHealth
}

type Step struct {
	WorkflowID       string         `json:"workflow_id"`
	ID               int            `json:"id"`
	Name             string         `json:"name"`
	ActionType       ActionType     `json:"action_type"`
	RiskLevel        Severity       `json:"risk_level"`
	RequiresApproval bool           `json:"requires_approval"`
	Compensable      bool           `json:"compensable"`
	Status           StepStatus     `json:"status"`
	Attempts         int            `json:"attempts"`
	ApprovedBy       string         `json:"approved_by,omitempty"`
	Params           map[string]any `json:"params,omitempty"`
	Result           map[string]any `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
}

// Settled reports whether the next step may start after this one.
func (s Step) Settled() bool {
	return s.Status == StepCompleted || s.Status == StepSkipped
}

// NeedsApproval reports whether the step must be signed off before it runs.
// Hotfixes always need a sign-off, whatever the plan said.
func (s Step) NeedsApproval() bool {
	return (s.RequiresApproval || s.ActionType == ActionApplyHotfix) && s.ApprovedBy == ""
}

type Decision struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Kind       string    `json:"kind" enum:"approve,reject"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Workflow struct {
	ID                string         `json:"id"`
	IssueID           string         `json:"issue_id"`
	Name              string         `json:"name"`
	OverallRisk       Severity       `json:"overall_risk"`
	Status            WorkflowStatus `json:"status"`
	Steps             []Step         `json:"steps"`
	CurrentStepIndex  int            `json:"current_step_index"`
	RequiredApprovals int            `json:"required_approvals"`
	Escalated         bool           `json:"escalated"`
	Approvals         []Decision     `json:"approvals"`
	Rejections        []Decision     `json:"rejections"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// NextStep returns the first step that has not settled, or nil when all have.
func (w Workflow) NextStep() *Step {
	for i := range w.Steps {
		if !w.Steps[i].Settled() {
			return &w.Steps[i]
		}
	}
	return nil
}

// Step returns the step with the given id.
func (w Workflow) Step(id int) (Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

const ActorAgent = "agent"

// HumanActor formats the audit actor for an authenticated person.
func HumanActor(id string) string { return "human:" + id }

type AuditEntry struct {
	Seq         int64          `json:"seq"`
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	EventType   string         `json:"event_type"`
	Actor       string         `json:"actor"`
	Description string         `json:"description"`
	IssueID     string         `json:"issue_id,omitempty"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	StepID      int            `json:"step_id,omitempty"`
	Reasoning   string         `json:"reasoning,omitempty"`
	Confidence  *float64       `json:"confidence,omitempty"`
	Success     bool           `json:"success"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	PrevHash    string         `json:"prev_hash"`
	Hash        string         `json:"hash"`
}

// Audit event types.
const (
	EventSignalReceived        = "signal_received"
	EventPatternDetected       = "pattern_detected"
	EventIssueDetected         = "issue_detected"
	EventIssueAnalyzing        = "issue_analyzing"
	EventIssueAnalyzed         = "issue_analyzed"
	EventIssueInProgress       = "issue_in_progress"
	EventIssueResolved         = "issue_resolved"
	EventIssueEscalated        = "issue_escalated"
	EventReasoningDegraded     = "reasoning_degraded"
	EventWorkflowCreated       = "workflow_created"
	EventWorkflowPending       = "workflow_pending_approval"
	EventWorkflowApprovalAdded = "workflow_approval_recorded"
	EventWorkflowApproved      = "workflow_approved"
	EventWorkflowRejected      = "workflow_rejected"
	EventWorkflowStarted       = "workflow_started"
	EventWorkflowPaused        = "workflow_paused"
	EventWorkflowResumed       = "workflow_resumed"
	EventWorkflowCompleted     = "workflow_completed"
	EventWorkflowFailed        = "workflow_failed"
	EventWorkflowRolledBack    = "workflow_rolled_back"
	EventStepStarted           = "step_started"
	EventStepExecuted          = "step_executed"
	EventStepFailed            = "step_failed"
	EventStepSkipped           = "step_skipped"
	EventStepApproved          = "step_approved"
	EventStepCompensated       = "step_compensated"
	EventHumanOverride         = "human_override"
	EventEscalation            = "escalation"
	EventConfigChange          = "config_change"
	EventRollbackFailed        = "rollback_failed"
	EventStepAwaitingApproval  = "step_awaiting_approval"
)

type APIKey struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Name      string    `json:"name,omitempty"`
	Role      string    `json:"role"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

type Stats struct {
	Signals struct {
		Total       int `json:"total"`
		Unprocessed int `json:"unprocessed"`
	} `json:"signals"`
	Issues struct {
		Total    int            `json:"total"`
		Open     int            `json:"open"`
		ByStatus map[string]int `json:"by_status"`
	} `json:"issues"`
	Workflows struct {
		Total           int            `json:"total"`
		PendingApproval int            `json:"pending_approval"`
		Running         int            `json:"running"`
		Completed       int            `json:"completed"`
		ByStatus        map[string]int `json:"by_status"`
	} `json:"workflows"`
}
