// Package executor drives approved workflows step by step against a Target.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"mendline/internal/config"
	"mendline/internal/domain"
	"mendline/internal/engine"
	"mendline/internal/metrics"
)

type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	StepTimeout    time.Duration
	AutoRollback   bool
}

func OptionsFromConfig(cfg *config.Config) Options {
	if cfg == nil {
		cfg = config.Default()
	}
	x := cfg.Executor
	return Options{
		MaxAttempts:    x.MaxAttempts,
		InitialBackoff: x.InitialBackoff,
		MaxBackoff:     x.MaxBackoff,
		StepTimeout:    x.StepTimeout,
		AutoRollback:   x.AutoRollback,
	}
}

// Executor runs workflows. All state changes go through the engine; the
// executor only decides what happens next and calls the target.
type Executor struct {
	eng    engine.Engine
	target Target
	opts   Options
	log    *slog.Logger
	locks  *workflowLocks

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(eng engine.Engine, target Target, opts Options, logger *slog.Logger) *Executor {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 10 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		eng:    eng,
		target: target,
		opts:   opts,
		log:    logger.With("component", "executor"),
		locks:  newWorkflowLocks(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start drives the workflow in the background. It is a no-op when another
// goroutine already drives it.
func (x *Executor) Start(id string) {
	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				x.log.Error("workflow driver panicked", "workflow_id", id, "panic", p)
			}
		}()
		if err := x.Drive(x.ctx, id); err != nil && x.ctx.Err() == nil {
			x.log.Error("workflow driver stopped", "workflow_id", id, "error", err)
		}
	}()
}

// Wait blocks until every driver started so far has returned.
func (x *Executor) Wait() { x.wg.Wait() }

// Close stops all drivers. Steps interrupted mid-flight stay running and are
// picked up again by ResumeInFlight.
func (x *Executor) Close() {
	x.cancel()
	x.wg.Wait()
}

// Active reports how many workflows are being driven right now.
func (x *Executor) Active() int { return x.locks.driving() }

// ResumeInFlight restarts drivers for approved and running workflows, which
// is what a crash or restart leaves behind.
func (x *Executor) ResumeInFlight(ctx context.Context) (int, error) {
	ids, err := x.eng.Repo.WorkflowsInStatus(ctx, domain.WorkflowApproved, domain.WorkflowRunning)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		x.Start(id)
	}
	if len(ids) > 0 {
		x.log.Info("resumed in-flight workflows", "count", len(ids))
	}
	return len(ids), nil
}

// Drive advances the workflow until it parks, finishes or fails. It returns
// immediately when another driver holds the workflow.
func (x *Executor) Drive(ctx context.Context, id string) error {
	for {
		release, ok := x.locks.tryDrive(id)
		if !ok {
			return nil
		}
		err := x.run(ctx, id)
		release()
		if err != nil {
			return err
		}
		// A control operation may have made the workflow drivable again between
		// the last step and the release above.
		wf, err := x.eng.Workflow(ctx, id)
		if err != nil {
			return err
		}
		if wf.Status != domain.WorkflowApproved && wf.Status != domain.WorkflowRunning {
			return nil
		}
	}
}

func (x *Executor) run(ctx context.Context, id string) error {
	for {
		more, err := x.advance(ctx, id)
		if err != nil || !more {
			return err
		}
	}
}

// advance performs one step boundary under the workflow lock.
func (x *Executor) advance(ctx context.Context, id string) (bool, error) {
	unlock := x.locks.lock(id)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	wf, err := x.eng.Workflow(ctx, id)
	if err != nil {
		return false, err
	}
	switch wf.Status {
	case domain.WorkflowApproved:
		_, err := x.eng.StartWorkflow(ctx, id)
		return err == nil, err
	case domain.WorkflowRunning:
	default:
		return false, nil
	}

	next := wf.NextStep()
	if next == nil {
		_, err := x.eng.CompleteWorkflow(ctx, id)
		return false, err
	}
	step := *next
	switch step.Status {
	case domain.StepPending:
		if step.NeedsApproval() {
			_, err := x.eng.AwaitStepApproval(ctx, id, step.ID)
			return false, err
		}
		if wf, err = x.eng.BeginStep(ctx, id, step.ID); err != nil {
			return false, err
		}
	case domain.StepRunning:
		// interrupted before a restart; the idempotency key makes re-running safe
		x.log.Info("re-running interrupted step", "workflow_id", id, "step_id", step.ID, "attempts", step.Attempts)
	default:
		return false, domain.Conflictf("step %d of workflow %s is %s", step.ID, id, step.Status)
	}

	result, attempts, execErr := x.execute(ctx, wf, step)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if execErr != nil {
		x.log.Warn("step failed", "workflow_id", id, "step_id", step.ID, "action", step.ActionType, "attempts", attempts, "error", execErr)
		failed, err := x.eng.FailStep(ctx, id, step.ID, attempts, execErr)
		if err != nil {
			return false, err
		}
		if x.opts.AutoRollback && hasCompensable(failed) {
			if _, err := x.rollbackLocked(ctx, id, domain.ActorAgent); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	if _, err := x.eng.CompleteStep(ctx, id, step.ID, attempts, result); err != nil {
		return false, err
	}
	return true, nil
}

// execute calls the target with retries. Attempts carry over from an
// interrupted run so the total never exceeds MaxAttempts.
func (x *Executor) execute(ctx context.Context, wf domain.Workflow, step domain.Step) (map[string]any, int, error) {
	action := actionFor(wf, step)
	attempts := step.Attempts
	tries := x.opts.MaxAttempts - step.Attempts
	if tries < 1 {
		return nil, attempts, &domain.StepExecutionError{WorkflowID: wf.ID, StepID: step.ID, Attempts: attempts, Err: errAttemptsExhausted}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = x.opts.InitialBackoff
	b.MaxInterval = x.opts.MaxBackoff

	result, err := backoff.Retry(ctx, func() (map[string]any, error) {
		attempts++
		actx, cancel := context.WithTimeout(ctx, x.opts.StepTimeout)
		defer cancel()
		res, err := x.invoke(actx, step, action)
		if err != nil {
			metrics.StepAttempts.WithLabelValues(string(step.ActionType), "error").Inc()
			if !transient(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		metrics.StepAttempts.WithLabelValues(string(step.ActionType), "ok").Inc()
		return res, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			x.log.Debug("retrying step", "workflow_id", wf.ID, "step_id", step.ID, "error", err, "wait", wait)
		}),
	)
	if err != nil {
		return nil, attempts, &domain.StepExecutionError{WorkflowID: wf.ID, StepID: step.ID, Attempts: attempts, Err: err}
	}
	return result, attempts, nil
}

var errAttemptsExhausted = errors.New("attempts exhausted before restart")

func (x *Executor) invoke(ctx context.Context, step domain.Step, action Action) (map[string]any, error) {
	if step.ActionType == domain.ActionVerifyHealth {
		if err := x.target.HealthCheck(ctx); err != nil {
			return nil, fmt.Errorf("health check: %w", err)
		}
		return map[string]any{"healthy": true}, nil
	}
	return x.target.Execute(ctx, action)
}

func actionFor(wf domain.Workflow, step domain.Step) Action {
	return Action{
		WorkflowID:     wf.ID,
		IssueID:        wf.IssueID,
		StepID:         step.ID,
		Name:           step.Name,
		Type:           step.ActionType,
		Params:         step.Params,
		IdempotencyKey: fmt.Sprintf("%s:%d", wf.ID, step.ID),
	}
}

// Approve records an approval and starts the workflow once it is approved.
func (x *Executor) Approve(ctx context.Context, id, actor, reason string) (domain.Workflow, error) {
	unlock := x.locks.lock(id)
	wf, err := x.eng.Approve(ctx, id, actor, reason)
	unlock()
	if err == nil && wf.Status == domain.WorkflowApproved {
		x.Start(id)
	}
	return wf, err
}

func (x *Executor) Reject(ctx context.Context, id, actor, reason string) (domain.Workflow, error) {
	unlock := x.locks.lock(id)
	defer unlock()
	return x.eng.Reject(ctx, id, actor, reason)
}

// Pause waits for the step in flight, if any, and parks the workflow.
func (x *Executor) Pause(ctx context.Context, id, actor string) (domain.Workflow, error) {
	unlock := x.locks.lock(id)
	defer unlock()
	return x.eng.Pause(ctx, id, actor)
}

func (x *Executor) Resume(ctx context.Context, id, actor string) (domain.Workflow, error) {
	unlock := x.locks.lock(id)
	wf, err := x.eng.Resume(ctx, id, actor)
	unlock()
	if err == nil {
		x.Start(id)
	}
	return wf, err
}

func (x *Executor) ApproveStep(ctx context.Context, id string, stepID int, actor string) (domain.Workflow, error) {
	unlock := x.locks.lock(id)
	wf, err := x.eng.ApproveStep(ctx, id, stepID, actor)
	unlock()
	if err == nil && wf.Status == domain.WorkflowRunning {
		x.Start(id)
	}
	return wf, err
}

// SkipStep passes over the step a paused workflow is parked on and drives
// the rest.
func (x *Executor) SkipStep(ctx context.Context, id string, stepID int, actor, reason string) (domain.Workflow, error) {
	unlock := x.locks.lock(id)
	wf, err := x.eng.SkipStep(ctx, id, stepID, actor, reason)
	unlock()
	if err == nil && wf.Status == domain.WorkflowRunning {
		x.Start(id)
	}
	return wf, err
}

func hasCompensable(wf domain.Workflow) bool {
	for _, s := range wf.Steps {
		if s.Status == domain.StepCompleted && s.Compensable {
			return true
		}
	}
	return false
}

