// Package observer turns unprocessed signals into patterns.
package observer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"mendline/internal/config"
	"mendline/internal/domain"
	"mendline/internal/engine"
)

type Observer struct {
	eng       engine.Engine
	window    time.Duration
	batch     int
	threshold int
	log       *slog.Logger
	now       func() time.Time
}

func New(eng engine.Engine, cfg *config.Config, logger *slog.Logger) *Observer {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		eng:       eng,
		window:    cfg.Agent.Window,
		batch:     cfg.Agent.MaxSignalsPerBatch,
		threshold: cfg.Agent.PatternThreshold,
		log:       logger.With("component", "observer"),
		now:       time.Now,
	}
}

// RunCycle groups every unprocessed signal inside the window by source, type
// and merchant and emits the groups at or above the threshold, oldest first.
// Groups are emitted whole; once a cycle has emitted batch signals the
// remaining groups wait for the next cycle. Signals left ungrouped stay
// unprocessed.
func (o *Observer) RunCycle(ctx context.Context) ([]domain.Pattern, error) {
	since := o.now().UTC().Add(-o.window)
	candidates, err := o.eng.Repo.PatternCandidates(ctx, nil, since, max(o.threshold, 1))
	if err != nil {
		return nil, err
	}
	var keys []domain.PatternKey
	total := 0
	for _, c := range candidates {
		if len(keys) > 0 && o.batch > 0 && total+c.Count > o.batch {
			break
		}
		keys = append(keys, c.Key)
		total += c.Count
	}
	signals, err := o.eng.Repo.UnprocessedSignalsFor(ctx, nil, since, keys)
	if err != nil {
		return nil, err
	}
	var patterns []domain.Pattern
	for _, p := range Group(signals, o.threshold) {
		is, err := o.eng.EmitPattern(ctx, p)
		if errors.Is(err, domain.ErrApprovalConflict) {
			// another cycle claimed some of these signals first
			o.log.Info("pattern already claimed", "source", p.Key.Source, "type", p.Key.Type, "merchant_id", p.Key.MerchantID)
			continue
		}
		if err != nil {
			return patterns, err
		}
		p.IssueID = is.ID
		p.DetectedAt = is.CreatedAt
		patterns = append(patterns, p)
		o.log.Info("pattern detected", "issue_id", is.ID, "source", p.Key.Source, "type", p.Key.Type, "merchant_id", p.Key.MerchantID, "signals", len(p.SignalIDs))
	}
	return patterns, nil
}

// Group buckets signals by key, preserving input order within and across
// groups, and drops groups smaller than threshold.
func Group(signals []domain.Signal, threshold int) []domain.Pattern {
	if threshold < 1 {
		threshold = 1
	}
	index := map[domain.PatternKey]int{}
	var groups []domain.Pattern
	for _, s := range signals {
		key := domain.PatternKey{Source: s.Source, Type: s.Type, MerchantID: s.MerchantID}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, domain.Pattern{Key: key})
		}
		groups[i].SignalIDs = append(groups[i].SignalIDs, s.ID)
		groups[i].Signals = append(groups[i].Signals, s)
	}
	out := groups[:0]
	for _, g := range groups {
		if len(g.SignalIDs) >= threshold {
			out = append(out, g)
		}
	}
	return out
}
