package reasoner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mendline/internal/domain"
	"mendline/internal/metrics"
)

// Failover asks the primary strategy first, bounded by timeout, and falls back
// on any error, timeout or panic. Analyze never fails.
type Failover struct {
	primary  Reasoner
	fallback Reasoner
	timeout  time.Duration
	log      *slog.Logger
}

// NewFailover accepts a nil primary, in which case only the fallback runs.
func NewFailover(primary, fallback Reasoner, timeout time.Duration, logger *slog.Logger) *Failover {
	if fallback == nil {
		fallback = Rules{}
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{primary: primary, fallback: fallback, timeout: timeout, log: logger.With("component", "reasoner")}
}

// Primary reports which strategy is tried first.
func (f *Failover) Primary() string {
	if f.primary == nil {
		return f.fallback.Name()
	}
	return f.primary.Name()
}

func (f *Failover) Analyze(ctx context.Context, signals []domain.Signal) Result {
	var degraded string
	if f.primary != nil {
		draft, err := f.try(ctx, f.primary, signals)
		if err == nil {
			metrics.ReasonerOutcomes.WithLabelValues(f.primary.Name(), "ok").Inc()
			return Result{Draft: draft, Strategy: f.primary.Name()}
		}
		metrics.ReasonerOutcomes.WithLabelValues(f.primary.Name(), "failed").Inc()
		degraded = err.Error()
		f.log.Warn("primary reasoner failed, using fallback", "strategy", f.primary.Name(), "signals", len(signals), "error", err)
	}
	draft, err := f.try(ctx, f.fallback, signals)
	if err != nil {
		metrics.ReasonerOutcomes.WithLabelValues(f.fallback.Name(), "failed").Inc()
		f.log.Error("fallback reasoner failed, using default rule", "strategy", f.fallback.Name(), "error", err)
		return Result{Draft: ruleDraft(signals), Strategy: StrategyRules, Degraded: joinCause(degraded, err.Error())}
	}
	metrics.ReasonerOutcomes.WithLabelValues(f.fallback.Name(), "ok").Inc()
	return Result{Draft: draft, Strategy: f.fallback.Name(), Degraded: degraded}
}

func (f *Failover) try(ctx context.Context, r Reasoner, signals []domain.Signal) (draft domain.IssueDraft, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic in %s strategy: %v", domain.ErrReasoningUnavailable, r.Name(), p)
		}
	}()
	cctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return r.Analyze(cctx, signals)
}

func joinCause(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
