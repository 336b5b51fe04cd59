package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"mendline/internal/domain"
)

// Rollback undoes a failed workflow. Completed compensable steps are
// compensated in reverse order; completed steps that changed something and
// cannot be undone are escalated instead. The workflow becomes rolled_back
// only when every compensation succeeded.
func (x *Executor) Rollback(ctx context.Context, id, actor string) (domain.Workflow, error) {
	unlock := x.locks.lock(id)
	defer unlock()
	return x.rollbackLocked(ctx, id, actor)
}

func (x *Executor) rollbackLocked(ctx context.Context, id, actor string) (domain.Workflow, error) {
	wf, err := x.eng.CheckRollback(ctx, id)
	if err != nil {
		return wf, err
	}
	log := x.log.With("workflow_id", id, "actor", actor)
	log.Info("rolling back workflow")

	var failures []error
	for i := len(wf.Steps) - 1; i >= 0; i-- {
		s := wf.Steps[i]
		if s.Status != domain.StepCompleted {
			continue
		}
		switch {
		case s.Compensable:
			cerr := x.compensate(ctx, wf, s)
			if cerr != nil {
				log.Warn("compensation failed", "step_id", s.ID, "action", s.ActionType, "error", cerr)
				failures = append(failures, fmt.Errorf("step %d (%s): %w", s.ID, s.Name, cerr))
			}
			if err := x.eng.RecordCompensation(ctx, id, s.ID, actor, cerr); err != nil {
				return wf, err
			}
		case !s.ActionType.ReadOnly():
			reason := fmt.Sprintf("step %s (%s) cannot be undone automatically", s.Name, s.ActionType)
			if err := x.eng.RecordEscalation(ctx, id, s.ID, reason); err != nil {
				return wf, err
			}
		}
	}
	return x.eng.FinishRollback(ctx, id, actor, failures)
}

func (x *Executor) compensate(ctx context.Context, wf domain.Workflow, step domain.Step) error {
	action := actionFor(wf, step)
	action.IdempotencyKey += ":compensate"
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = x.opts.InitialBackoff
	b.MaxInterval = x.opts.MaxBackoff
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		cctx, cancel := context.WithTimeout(ctx, x.opts.StepTimeout)
		defer cancel()
		err := x.target.Compensate(cctx, action)
		if err != nil && !transient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(x.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(time.Duration(x.opts.MaxAttempts)*(x.opts.StepTimeout+x.opts.MaxBackoff)),
	)
	return err
}
