// Package agent runs the observe, reason, decide and execute loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mendline/internal/config"
	"mendline/internal/decider"
	"mendline/internal/domain"
	"mendline/internal/engine"
	"mendline/internal/executor"
	"mendline/internal/metrics"
	"mendline/internal/observer"
	"mendline/internal/reasoner"
	"mendline/internal/repo"
)

// Analyzer explains signals. It never fails; a degraded answer is still an answer.
type Analyzer interface {
	Analyze(ctx context.Context, signals []domain.Signal) reasoner.Result
}

type Deps struct {
	Engine   engine.Engine
	Observer *observer.Observer
	Reasoner Analyzer
	Decider  *decider.Decider
	Executor *executor.Executor
	Config   *config.Config
	Log      *slog.Logger
}

type Agent struct {
	eng         engine.Engine
	observer    *observer.Observer
	reasoner    Analyzer
	decider     *decider.Decider
	exec        *executor.Executor
	interval    time.Duration
	concurrency int
	batch       int
	enabled     bool
	log         *slog.Logger

	cycle  sync.Mutex
	mu     sync.Mutex
	status Status

	loopMu sync.Mutex
	parent context.Context
	quit   chan struct{}
	done   chan struct{}
}

// Status is the agent's self-report, served by /agent/status.
type Status struct {
	Status          string     `json:"status" enum:"idle,running,stopped,disabled"`
	Running         bool       `json:"running"`
	LoopCount       int64      `json:"loop_count"`
	LastRun         *time.Time `json:"last_run,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	PatternsTotal   int64      `json:"patterns_total"`
	Interval        string     `json:"interval"`
	ActiveWorkflows int        `json:"active_workflows"`
}

// CycleReport summarizes one pass.
type CycleReport struct {
	Patterns  int      `json:"patterns"`
	Issues    []string `json:"issues"`
	Workflows []string `json:"workflows"`
	Failed    int      `json:"failed"`
}

func New(d Deps) *Agent {
	cfg := d.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := d.Log
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Agent.MaxConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	a := &Agent{
		eng:         d.Engine,
		observer:    d.Observer,
		reasoner:    d.Reasoner,
		decider:     d.Decider,
		exec:        d.Executor,
		interval:    cfg.Agent.Interval,
		concurrency: concurrency,
		batch:       cfg.Agent.MaxSignalsPerBatch,
		enabled:     cfg.Agent.Enabled,
		log:         logger.With("component", "agent"),
	}
	a.status = Status{Status: "stopped", Interval: a.interval.String()}
	if !a.enabled {
		a.status.Status = "disabled"
	}
	return a
}

// Run serves the agent until ctx is cancelled. An enabled agent starts its
// loop right away; a disabled one waits for Start. RunOnce works either way.
func (a *Agent) Run(ctx context.Context) error {
	a.loopMu.Lock()
	a.parent = ctx
	a.loopMu.Unlock()
	if a.enabled {
		if err := a.startLoop(); err != nil {
			return err
		}
	} else {
		a.log.Info("agent loop disabled")
	}
	<-ctx.Done()
	a.haltLoop()
	return nil
}

// Start begins the periodic loop on an operator's request.
func (a *Agent) Start(ctx context.Context, actor string) (Status, error) {
	if err := a.startLoop(); err != nil {
		return a.Status(), err
	}
	if err := a.eng.RecordAgentControl(ctx, actor, "start"); err != nil {
		a.haltLoop()
		return a.Status(), err
	}
	a.log.Info("agent loop started by operator", "actor", actor)
	return a.Status(), nil
}

// Stop ends the periodic loop after the cycle in flight, if any.
func (a *Agent) Stop(ctx context.Context, actor string) (Status, error) {
	if !a.haltLoop() {
		return a.Status(), domain.Conflictf("agent loop is not running")
	}
	a.log.Info("agent loop stopped by operator", "actor", actor)
	return a.Status(), a.eng.RecordAgentControl(ctx, actor, "stop")
}

func (a *Agent) startLoop() error {
	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	if a.done != nil {
		return domain.Conflictf("agent loop is already running")
	}
	parent := a.parent
	if parent == nil {
		parent = context.Background()
	}
	if parent.Err() != nil {
		return domain.Conflictf("agent is shutting down")
	}
	a.quit, a.done = make(chan struct{}), make(chan struct{})
	a.setState(func(s *Status) { s.Status, s.Running = "idle", true })
	go a.loop(parent, a.quit, a.done)
	return nil
}

// haltLoop stops the loop and waits for it. It reports whether one was running.
func (a *Agent) haltLoop() bool {
	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	if a.done == nil {
		return false
	}
	close(a.quit)
	<-a.done
	a.quit, a.done = nil, nil
	a.setState(func(s *Status) { s.Status, s.Running = "stopped", false })
	return true
}

func (a *Agent) loop(ctx context.Context, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	a.log.Info("agent loop started", "interval", a.interval, "max_concurrency", a.concurrency)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		if _, err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("agent cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			a.log.Info("agent loop stopped")
			return
		case <-quit:
			a.log.Info("agent loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one full cycle. Cycles never overlap; a manual trigger
// during a scheduled cycle waits for it.
func (a *Agent) RunOnce(ctx context.Context) (CycleReport, error) {
	a.cycle.Lock()
	defer a.cycle.Unlock()

	start := time.Now()
	a.setState(func(s *Status) { s.Status = "running" })
	report, err := a.runCycle(ctx)
	metrics.CycleDuration.Observe(time.Since(start).Seconds())

	a.setState(func(s *Status) {
		now := time.Now().UTC()
		s.LoopCount++
		s.LastRun = &now
		s.PatternsTotal += int64(report.Patterns)
		s.LastError = ""
		if err != nil {
			s.LastError = err.Error()
		}
		s.Status = "idle"
		if !s.Running {
			s.Status = "stopped"
			if !a.enabled {
				s.Status = "disabled"
			}
		}
	})
	if report.Patterns > 0 || err != nil {
		a.log.Info("agent cycle finished", "patterns", report.Patterns, "workflows", len(report.Workflows), "failed", report.Failed, "took", time.Since(start), "error", err)
	}
	return report, err
}

func (a *Agent) runCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport
	patterns, err := a.observer.RunCycle(ctx)
	report.Patterns = len(patterns)
	if err != nil {
		return report, fmt.Errorf("observe: %w", err)
	}
	// Issues a previous run opened but never analyzed are picked up too.
	issues, err := a.eng.Repo.ListIssues(ctx, repo.IssueFilters{Status: string(domain.IssueDetected), Limit: a.batch})
	if err != nil {
		return report, fmt.Errorf("list detected issues: %w", err)
	}

	workflows := make([]string, len(issues))
	failed := make([]bool, len(issues))
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, is := range issues {
		g.Go(func() error {
			wfID, err := a.process(ctx, is)
			if err != nil {
				failed[i] = true
				a.log.Error("issue processing failed", "issue_id", is.ID, "error", err)
				return nil
			}
			workflows[i] = wfID
			return nil
		})
	}
	_ = g.Wait()

	for i, is := range issues {
		report.Issues = append(report.Issues, is.ID)
		if failed[i] {
			report.Failed++
		} else if workflows[i] != "" {
			report.Workflows = append(report.Workflows, workflows[i])
		}
	}
	return report, ctx.Err()
}

// process reasons about one issue, plans its workflow and starts it when
// approval is not needed. Panics are contained to the issue.
func (a *Agent) process(ctx context.Context, is domain.Issue) (wfID string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil && ctx.Err() == nil {
			if _, eerr := a.eng.EscalateIssue(context.WithoutCancel(ctx), is.ID, domain.ActorAgent, "automatic analysis failed: "+err.Error()); eerr != nil {
				a.log.Error("escalating issue failed", "issue_id", is.ID, "error", eerr)
			}
		}
	}()

	if _, err := a.eng.BeginAnalysis(ctx, is.ID); err != nil {
		if errors.Is(err, domain.ErrApprovalConflict) {
			// another cycle is already on it
			return "", nil
		}
		return "", err
	}
	signals, err := a.eng.Repo.SignalsByIDs(ctx, nil, is.AffectedSignalIDs)
	if err != nil {
		return "", err
	}
	res := a.reasoner.Analyze(ctx, signals)
	plan := a.decider.Decide(res.Draft, signals)
	_, wf, err := a.eng.RecordAnalysis(ctx, is.ID, engine.Analysis{Draft: res.Draft, Reasoner: res.Strategy, Degraded: res.Degraded}, plan)
	if err != nil {
		return "", err
	}
	a.log.Info("workflow planned", "issue_id", is.ID, "workflow_id", wf.ID, "strategy", res.Strategy, "category", res.Draft.Category,
		"confidence", res.Draft.Confidence, "rule", plan.Rule, "status", wf.Status)
	if wf.Status == domain.WorkflowApproved && a.exec != nil {
		a.exec.Start(wf.ID)
	}
	return wf.ID, nil
}

func (a *Agent) Status() Status {
	a.mu.Lock()
	s := a.status
	a.mu.Unlock()
	if a.exec != nil {
		s.ActiveWorkflows = a.exec.Active()
	}
	return s
}

func (a *Agent) setState(fn func(*Status)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.status)
}
