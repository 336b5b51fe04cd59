package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrApprovalConflict marks control requests that do not fit the current state.
	ErrApprovalConflict = errors.New("approval conflict")
	// ErrReasoningUnavailable is returned by reasoners that cannot produce a draft.
	ErrReasoningUnavailable = errors.New("reasoning unavailable")
	// ErrAuditWrite wraps ledger append failures; the enclosing transaction is retried.
	ErrAuditWrite = errors.New("audit write failed")
)

// TransitionError is returned when a status edge is not in the transition table.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s (id=%s)", e.Entity, e.From, e.To, e.ID)
}

func (e *TransitionError) Unwrap() error { return ErrApprovalConflict }

// ConflictError is an approval conflict that is not a plain edge violation,
// such as a duplicate approver or a step awaiting sign-off.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }

func (e *ConflictError) Unwrap() error { return ErrApprovalConflict }

func Conflictf(format string, args ...any) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

// ValidationError describes a malformed inbound payload; it is never persisted.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "invalid payload"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

// StepExecutionError reports a step whose action failed after all attempts.
type StepExecutionError struct {
	WorkflowID string
	StepID     int
	Attempts   int
	Err        error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %d of workflow %s failed after %d attempt(s): %v", e.StepID, e.WorkflowID, e.Attempts, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }
