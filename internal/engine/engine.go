package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"mendline/internal/audit"
	"mendline/internal/bus"
	"mendline/internal/config"
	"mendline/internal/domain"
	"mendline/internal/metrics"
	"mendline/internal/repo"
)

// Engine owns every state change. Each exported operation runs in one
// transaction that also appends the audit entries describing it; bus events
// are published only after the commit.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger audit.Ledger
	Bus    bus.Publisher
	Config *config.Config
	Log    *slog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, pub bus.Publisher, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: audit.Ledger{DB: db},
		Bus:    pub,
		Config: cfg,
		Log:    logger.With("component", "engine"),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC().Truncate(time.Microsecond)
	}
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Tx is one attempt of a transactional operation.
type Tx struct {
	tx     *sql.Tx
	ctx    context.Context
	eng    Engine
	now    time.Time
	events []bus.Event
}

// transitionPayload is the bus payload of every *.status_changed event.
type transitionPayload struct {
	Entity     string `json:"entity"`
	ID         string `json:"id"`
	From       string `json:"from"`
	To         string `json:"to"`
	IssueID    string `json:"issue_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	StepID     int    `json:"step_id,omitempty"`
	Actor      string `json:"actor"`
}

// inTx runs fn in a transaction. Audit write failures roll the whole attempt
// back and retry it with backoff; any other error is returned as is.
func (e Engine) inTx(ctx context.Context, fn func(t *Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.Config.Audit.RetryBackoff
	if b.InitialInterval <= 0 {
		b.InitialInterval = 50 * time.Millisecond
	}
	b.MaxInterval = 20 * b.InitialInterval
	tries := e.Config.Audit.RetryAttempts
	if tries < 1 {
		tries = 1
	}
	attempt := 0
	events, err := backoff.Retry(ctx, func() ([]bus.Event, error) {
		attempt++
		if attempt > 1 {
			metrics.AuditRetries.Inc()
		}
		evts, err := e.runTx(ctx, fn)
		if err != nil && !errors.Is(err, domain.ErrAuditWrite) {
			return nil, backoff.Permanent(err)
		}
		if err != nil {
			e.Log.Warn("audit write failed, retrying transaction", "attempt", attempt, "error", err)
		}
		return evts, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(tries)))
	if err != nil {
		return err
	}
	e.publish(events)
	return nil
}

func (e Engine) runTx(ctx context.Context, fn func(t *Tx) error) ([]bus.Event, error) {
	sqlTx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", domain.ErrAuditWrite, err)
	}
	defer sqlTx.Rollback()
	t := &Tx{tx: sqlTx, ctx: ctx, eng: e, now: e.now()}
	if err := fn(t); err != nil {
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", domain.ErrAuditWrite, err)
	}
	return t.events, nil
}

func (e Engine) publish(events []bus.Event) {
	for _, evt := range events {
		if p, ok := evt.Payload.(transitionPayload); ok {
			metrics.Transitions.WithLabelValues(p.Entity, p.To).Inc()
		}
		if e.Bus != nil {
			e.Bus.Publish(evt)
		}
	}
}

func (t *Tx) emit(event, entityID string, payload any) {
	t.events = append(t.events, bus.Event{Event: event, EntityID: entityID, Timestamp: t.now, Payload: payload})
}

// audit appends entry to the ledger inside the transaction.
func (t *Tx) audit(entry domain.AuditEntry) (domain.AuditEntry, error) {
	if entry.Actor == "" {
		entry.Actor = domain.ActorAgent
	}
	ledger := t.eng.Ledger
	if ledger.Now == nil {
		ledger.Now = func() time.Time { return t.now }
	}
	out, err := ledger.Append(t.ctx, t.tx, entry)
	if err != nil {
		return out, err
	}
	t.emit(bus.AuditAppended, out.ID, out)
	return out, nil
}

func note(event, actor, description string) domain.AuditEntry {
	return domain.AuditEntry{EventType: event, Actor: actor, Description: description, Success: true}
}

func withMeta(entry domain.AuditEntry, kv ...any) domain.AuditEntry {
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			entry.Metadata[k] = kv[i+1]
		}
	}
	return entry
}

func (t *Tx) issueTo(is *domain.Issue, to domain.IssueStatus, entry domain.AuditEntry) error {
	if err := domain.EnsureIssueTransition(is.ID, is.Status, to); err != nil {
		return err
	}
	if err := t.eng.Repo.SetIssueStatus(t.ctx, t.tx, is.ID, is.Status, to, t.now); err != nil {
		return err
	}
	from := is.Status
	is.Status, is.UpdatedAt = to, t.now
	entry.IssueID = is.ID
	if entry.WorkflowID == "" {
		entry.WorkflowID = is.WorkflowID
	}
	entry = withMeta(entry, "from", string(from), "to", string(to))
	if _, err := t.audit(entry); err != nil {
		return err
	}
	t.emit(bus.IssueStatusChanged, is.ID, transitionPayload{
		Entity: "issue", ID: is.ID, From: string(from), To: string(to), WorkflowID: is.WorkflowID, Actor: entry.Actor,
	})
	return nil
}

func (t *Tx) workflowTo(wf *domain.Workflow, to domain.WorkflowStatus, entry domain.AuditEntry) error {
	if err := domain.EnsureWorkflowTransition(wf.ID, wf.Status, to); err != nil {
		return err
	}
	var completedAt *time.Time
	if to == domain.WorkflowCompleted {
		now := t.now
		completedAt = &now
	}
	if err := t.eng.Repo.SetWorkflowStatus(t.ctx, t.tx, wf.ID, wf.Status, to, t.now, completedAt); err != nil {
		return err
	}
	from := wf.Status
	wf.Status, wf.UpdatedAt = to, t.now
	if completedAt != nil {
		wf.CompletedAt = completedAt
	}
	entry.WorkflowID, entry.IssueID = wf.ID, wf.IssueID
	entry = withMeta(entry, "from", string(from), "to", string(to))
	if _, err := t.audit(entry); err != nil {
		return err
	}
	t.emit(bus.WorkflowStatusChange, wf.ID, transitionPayload{
		Entity: "workflow", ID: wf.ID, From: string(from), To: string(to), IssueID: wf.IssueID, Actor: entry.Actor,
	})
	return nil
}

func (t *Tx) stepTo(wf *domain.Workflow, stepID int, to domain.StepStatus, u repo.StepUpdate, entry domain.AuditEntry) error {
	idx := -1
	for i := range wf.Steps {
		if wf.Steps[i].ID == stepID {
			idx = i
		}
	}
	if idx < 0 {
		return fmt.Errorf("step %d of workflow %s: %w", stepID, wf.ID, domain.ErrNotFound)
	}
	s := &wf.Steps[idx]
	if err := domain.EnsureStepTransition(fmt.Sprintf("%s/%d", wf.ID, stepID), s.Status, to); err != nil {
		return err
	}
	if err := t.eng.Repo.SetStepStatus(t.ctx, t.tx, wf.ID, stepID, s.Status, to, u); err != nil {
		return err
	}
	from := s.Status
	s.Status = to
	if u.Attempts > s.Attempts {
		s.Attempts = u.Attempts
	}
	if u.Result != nil {
		s.Result = u.Result
	}
	if u.Error != "" {
		s.Error = u.Error
	}
	if u.StartedAt != nil {
		s.StartedAt = u.StartedAt
	}
	if u.FinishedAt != nil {
		s.FinishedAt = u.FinishedAt
	}
	entry.WorkflowID, entry.IssueID, entry.StepID = wf.ID, wf.IssueID, stepID
	entry = withMeta(entry, "from", string(from), "to", string(to), "action_type", string(s.ActionType))
	if _, err := t.audit(entry); err != nil {
		return err
	}
	t.emit(bus.StepStatusChanged, fmt.Sprintf("%s/%d", wf.ID, stepID), transitionPayload{
		Entity: "step", ID: s.Name, From: string(from), To: string(to), IssueID: wf.IssueID, WorkflowID: wf.ID, StepID: stepID, Actor: entry.Actor,
	})
	return nil
}

// escalateIssue moves the issue to escalated unless it is already closed.
func (t *Tx) escalateIssue(issueID string, entry domain.AuditEntry) error {
	is, err := t.eng.Repo.GetIssue(t.ctx, t.tx, issueID)
	if err != nil {
		return err
	}
	if !is.Status.CanTransition(domain.IssueEscalated) {
		return nil
	}
	entry.EventType = domain.EventIssueEscalated
	return t.issueTo(&is, domain.IssueEscalated, entry)
}

func ptr[T any](v T) *T { return &v }
