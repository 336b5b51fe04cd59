package engine

import (
	"context"

	"mendline/internal/domain"
)

// RecordAgentControl audits an operator starting or stopping the agent loop.
func (e Engine) RecordAgentControl(ctx context.Context, actor, action string) error {
	return e.inTx(ctx, func(t *Tx) error {
		_, err := t.audit(withMeta(note(domain.EventHumanOverride, actor, "agent loop "+action), "action", action))
		return err
	})
}
