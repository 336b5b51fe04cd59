package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"mendline/internal/agent"
	"mendline/internal/audit"
	"mendline/internal/domain"
)

func (h handlers) registerAudit(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Query the audit ledger, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		EventType  string `query:"event_type"`
		WorkflowID string `query:"workflow_id"`
		IssueID    string `query:"issue_id"`
		Actor      string `query:"actor"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor" doc:"seq of the last entry of the previous page"`
	}) (*struct {
		Body paginatedAudit `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, "audit.read"); err != nil {
			return nil, err
		}
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		limit := normalizeLimit(input.Limit)
		items, err := h.eng.Ledger.Query(ctx, audit.Filter{
			EventType:  input.EventType,
			WorkflowID: input.WorkflowID,
			IssueID:    input.IssueID,
			Actor:      input.Actor,
			BeforeSeq:  before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := paginatedAudit{Items: []domain.AuditEntry{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].Seq, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedAudit `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-audit",
		Method:      http.MethodGet,
		Path:        "/audit/verify",
		Summary:     "Recompute the hash chain",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body audit.VerifyReport `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, "audit.read"); err != nil {
			return nil, err
		}
		report, err := h.eng.Ledger.Verify(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		if !report.OK {
			h.log.Warn("audit chain broken", "entry_id", report.BrokenAt, "reason", report.Reason)
		}
		return &struct {
			Body audit.VerifyReport `json:"body"`
		}{Body: report}, nil
	})
}

func (h handlers) registerDashboard(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard-stats",
		Method:      http.MethodGet,
		Path:        "/dashboard/stats",
		Summary:     "Counts for the dashboard",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DashboardStats `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, "stats.read"); err != nil {
			return nil, err
		}
		stats, err := h.eng.Repo.Stats(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body DashboardStats `json:"body"`
		}{Body: DashboardStats{Stats: stats, Agent: h.agentStatus()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-status",
		Method:      http.MethodGet,
		Path:        "/agent/status",
		Summary:     "Agent loop status",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body agent.Status `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, "stats.read"); err != nil {
			return nil, err
		}
		return &struct {
			Body agent.Status `json:"body"`
		}{Body: h.agentStatus()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-run",
		Method:      http.MethodPost,
		Path:        "/agent/run",
		Summary:     "Run one observe, reason, decide and execute cycle now",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RunCycleResponse `json:"body"`
	}, error) {
		actor, authErr := requirePermission(ctx, "agent.run")
		if authErr != nil {
			return nil, authErr
		}
		if h.agent == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "agent not configured", nil)
		}
		h.log.Info("manual agent cycle", "actor", actor)
		report, err := h.agent.RunOnce(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body RunCycleResponse `json:"body"`
		}{Body: RunCycleResponse{Report: report, Agent: h.agent.Status()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-start",
		Method:      http.MethodPost,
		Path:        "/agent/start",
		Summary:     "Start the periodic agent loop",
		Errors:      []int{http.StatusForbidden, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*agentStatusOutput, error) {
		return h.agentControl(ctx, h.agentStart)
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-stop",
		Method:      http.MethodPost,
		Path:        "/agent/stop",
		Summary:     "Stop the periodic agent loop after the cycle in flight",
		Errors:      []int{http.StatusForbidden, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*agentStatusOutput, error) {
		return h.agentControl(ctx, h.agentStop)
	})
}

type agentStatusOutput struct {
	Body agent.Status `json:"body"`
}

func (h handlers) agentStart(ctx context.Context, actor string) (agent.Status, error) {
	return h.agent.Start(ctx, actor)
}

func (h handlers) agentStop(ctx context.Context, actor string) (agent.Status, error) {
	return h.agent.Stop(ctx, actor)
}

func (h handlers) agentControl(ctx context.Context, fn func(context.Context, string) (agent.Status, error)) (*agentStatusOutput, error) {
	actor, authErr := requirePermission(ctx, "agent.control")
	if authErr != nil {
		return nil, authErr
	}
	if h.agent == nil {
		return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "agent not configured", nil)
	}
	st, err := fn(ctx, actor)
	if err != nil {
		return nil, h.handleError(err)
	}
	h.log.Info("agent control applied", "actor", actor, "status", st.Status)
	return &agentStatusOutput{Body: st}, nil
}

func (h handlers) agentStatus() agent.Status {
	if h.agent == nil {
		return agent.Status{Status: "disabled"}
	}
	return h.agent.Status()
}
