package domain

type WorkflowStatus string

const (
	WorkflowDraft           WorkflowStatus = "draft"
	WorkflowPendingApproval WorkflowStatus = "pending_approval"
	WorkflowApproved        WorkflowStatus = "approved"
	WorkflowRunning         WorkflowStatus = "running"
	WorkflowPaused          WorkflowStatus = "paused"
	WorkflowCompleted       WorkflowStatus = "completed"
	WorkflowFailed          WorkflowStatus = "failed"
	WorkflowRejected        WorkflowStatus = "rejected"
	WorkflowRolledBack      WorkflowStatus = "rolled_back"
)

type IssueStatus string

const (
	IssueDetected      IssueStatus = "detected"
	IssueAnalyzing     IssueStatus = "analyzing"
	IssuePendingAction IssueStatus = "pending_action"
	IssueInProgress    IssueStatus = "in_progress"
	IssueResolved      IssueStatus = "resolved"
	IssueEscalated     IssueStatus = "escalated"
)

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// The transition tables below are the only place allowed edges are declared.

var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowDraft:           {WorkflowPendingApproval, WorkflowApproved},
	WorkflowPendingApproval: {WorkflowApproved, WorkflowRejected},
	WorkflowApproved:        {WorkflowRunning},
	WorkflowRunning:         {WorkflowPaused, WorkflowCompleted, WorkflowFailed},
	WorkflowPaused:          {WorkflowRunning},
	WorkflowFailed:          {WorkflowRolledBack},
}

var issueTransitions = map[IssueStatus][]IssueStatus{
	IssueDetected:      {IssueAnalyzing, IssueEscalated},
	IssueAnalyzing:     {IssuePendingAction, IssueEscalated},
	IssuePendingAction: {IssueInProgress, IssueEscalated},
	IssueInProgress:    {IssueResolved, IssueEscalated},
}

var stepTransitions = map[StepStatus][]StepStatus{
	StepPending: {StepRunning, StepSkipped},
	StepRunning: {StepCompleted, StepFailed},
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s WorkflowStatus) CanTransition(to WorkflowStatus) bool {
	return allowed(workflowTransitions, s, to)
}

// Terminal reports whether no further transitions exist.
func (s WorkflowStatus) Terminal() bool {
	return len(workflowTransitions[s]) == 0
}

// Active reports whether the workflow still counts against its issue's single active slot.
func (s WorkflowStatus) Active() bool {
	return !s.Terminal() && s != WorkflowFailed
}

func (s IssueStatus) CanTransition(to IssueStatus) bool {
	return allowed(issueTransitions, s, to)
}

func (s IssueStatus) Open() bool {
	return s != IssueResolved && s != IssueEscalated
}

func (s StepStatus) CanTransition(to StepStatus) bool {
	return allowed(stepTransitions, s, to)
}

// EnsureWorkflowTransition returns a TransitionError when the edge is not in the table.
func EnsureWorkflowTransition(id string, from, to WorkflowStatus) error {
	if from.CanTransition(to) {
		return nil
	}
	return &TransitionError{Entity: "workflow", ID: id, From: string(from), To: string(to)}
}

func EnsureIssueTransition(id string, from, to IssueStatus) error {
	if from.CanTransition(to) {
		return nil
	}
	return &TransitionError{Entity: "issue", ID: id, From: string(from), To: string(to)}
}

func EnsureStepTransition(id string, from, to StepStatus) error {
	if from.CanTransition(to) {
		return nil
	}
	return &TransitionError{Entity: "step", ID: id, From: string(from), To: string(to)}
}
