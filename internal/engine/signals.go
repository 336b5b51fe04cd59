package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"mendline/internal/bus"
	"mendline/internal/domain"
	"mendline/internal/metrics"
)

// IngestSignal stores s. Re-submitting a known id changes nothing and returns
// the stored signal with duplicate set.
func (e Engine) IngestSignal(ctx context.Context, s domain.Signal) (domain.Signal, bool, error) {
	s.Source = strings.TrimSpace(s.Source)
	s.Type = strings.TrimSpace(s.Type)
	fields := map[string]string{}
	if s.Source == "" {
		fields["source"] = "required"
	}
	if s.Type == "" {
		fields["type"] = "required"
	}
	if s.Severity == "" {
		s.Severity = domain.SeverityMedium
	}
	if !s.Severity.Valid() {
		fields["severity"] = "must be one of low, medium, high, critical"
	}
	if len(fields) > 0 {
		return s, false, &domain.ValidationError{Fields: fields}
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.ReceivedAt.IsZero() {
		s.ReceivedAt = e.now()
	}
	s.ReceivedAt = s.ReceivedAt.UTC().Truncate(time.Microsecond)
	s.Processed, s.IssueID = false, ""

	incoming := s
	var duplicate bool
	err := e.inTx(ctx, func(t *Tx) error {
		s, duplicate = incoming, false
		inserted, err := e.Repo.InsertSignal(ctx, t.tx, s)
		if err != nil {
			return err
		}
		if !inserted {
			duplicate = true
			s, err = e.Repo.GetSignal(ctx, t.tx, s.ID)
			return err
		}
		entry := withMeta(note(domain.EventSignalReceived, domain.ActorAgent, fmt.Sprintf("%s signal %s received from %s", s.Severity, s.Type, s.Source)),
			"signal_id", s.ID, "source", s.Source, "type", s.Type, "merchant_id", s.MerchantID)
		if _, err := t.audit(entry); err != nil {
			return err
		}
		t.emit(bus.SignalReceived, s.ID, s)
		return nil
	})
	if err != nil {
		return s, false, err
	}
	metrics.SignalsIngested.WithLabelValues(s.Source, strconv.FormatBool(duplicate)).Inc()
	return s, duplicate, nil
}

// EmitPattern opens a detected issue for p and marks its signals processed in
// the same transaction. It fails with a conflict when any signal was already
// claimed, leaving everything untouched.
func (e Engine) EmitPattern(ctx context.Context, p domain.Pattern) (domain.Issue, error) {
	if len(p.SignalIDs) == 0 {
		return domain.Issue{}, &domain.ValidationError{Fields: map[string]string{"signal_ids": "empty pattern"}}
	}
	var is domain.Issue
	err := e.inTx(ctx, func(t *Tx) error {
		severities := make([]domain.Severity, 0, len(p.Signals))
		for _, s := range p.Signals {
			severities = append(severities, s.Severity)
		}
		is = domain.Issue{
			ID:                uuid.NewString(),
			Title:             patternTitle(p),
			Category:          domain.CategoryUnclassified,
			ReasoningChain:    []domain.ReasoningStep{},
			AffectedSignalIDs: p.SignalIDs,
			EstimatedImpact:   domain.MaxSeverity(severities...),
			Status:            domain.IssueDetected,
			Source:            p.Key.Source,
			SignalType:        p.Key.Type,
			MerchantID:        p.Key.MerchantID,
			CreatedAt:         t.now,
			UpdatedAt:         t.now,
		}
		if err := e.Repo.InsertIssue(ctx, t.tx, is); err != nil {
			return err
		}
		n, err := e.Repo.MarkProcessed(ctx, t.tx, p.SignalIDs, is.ID)
		if err != nil {
			return err
		}
		if n != len(p.SignalIDs) {
			return domain.Conflictf("pattern %s/%s: %d of %d signals already processed", p.Key.Source, p.Key.Type, len(p.SignalIDs)-n, len(p.SignalIDs))
		}
		patternEntry := withMeta(note(domain.EventPatternDetected, domain.ActorAgent, fmt.Sprintf("%d %s signals grouped", len(p.SignalIDs), p.Key.Type)),
			"signal_ids", p.SignalIDs, "source", p.Key.Source, "type", p.Key.Type, "merchant_id", p.Key.MerchantID)
		patternEntry.IssueID = is.ID
		if _, err := t.audit(patternEntry); err != nil {
			return err
		}
		created := withMeta(note(domain.EventIssueDetected, domain.ActorAgent, "issue opened: "+is.Title), "to", string(domain.IssueDetected))
		created.IssueID = is.ID
		if _, err := t.audit(created); err != nil {
			return err
		}
		t.emit(bus.IssueStatusChanged, is.ID, transitionPayload{Entity: "issue", ID: is.ID, To: string(domain.IssueDetected), Actor: domain.ActorAgent})
		return nil
	})
	if err != nil {
		return domain.Issue{}, err
	}
	metrics.PatternsDetected.Inc()
	return is, nil
}

func patternTitle(p domain.Pattern) string {
	title := fmt.Sprintf("%d %s signals from %s", len(p.SignalIDs), p.Key.Type, p.Key.Source)
	if p.Key.MerchantID != "" {
		title += " for merchant " + p.Key.MerchantID
	}
	return title
}
