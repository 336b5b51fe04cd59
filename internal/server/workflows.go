package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"mendline/internal/domain"
	"mendline/internal/repo"
)

type workflowOutput struct {
	Body domain.Workflow `json:"body"`
}

type workflowPath struct {
	ID string `path:"id"`
}

func (h handlers) registerIssues(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		Category string `query:"category"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedIssues `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, "issues.read"); err != nil {
			return nil, err
		}
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := h.eng.Repo.ListIssues(ctx, repo.IssueFilters{
			Status:   input.Status,
			Category: input.Category,
			Limit:    limit + 1,
			Cursor:   repo.Cursor{CreatedAt: ts, ID: id},
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := paginatedIssues{Items: []domain.Issue{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[limit-1]
			resp.NextCursor = composeCursor(repo.FormatCursorTime(last.CreatedAt), last.ID)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedIssues `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{id}",
		Summary:     "Get an issue with its reasoning chain",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *workflowPath) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, "issues.read"); err != nil {
			return nil, err
		}
		is, err := h.eng.Repo.GetIssue(ctx, nil, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: is}, nil
	})
}

func (h handlers) registerWorkflows(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows without steps, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status"`
		IssueID string `query:"issue_id"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedWorkflows `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, "workflows.read"); err != nil {
			return nil, err
		}
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := h.eng.Repo.ListWorkflows(ctx, repo.WorkflowFilters{
			Status:  input.Status,
			IssueID: input.IssueID,
			Limit:   limit + 1,
			Cursor:  repo.Cursor{CreatedAt: ts, ID: id},
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := paginatedWorkflows{Items: []domain.Workflow{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[limit-1]
			resp.NextCursor = composeCursor(repo.FormatCursorTime(last.CreatedAt), last.ID)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedWorkflows `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{id}",
		Summary:     "Get a workflow with steps and approvals",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *workflowPath) (*workflowOutput, error) {
		if _, err := requirePermission(ctx, "workflows.read"); err != nil {
			return nil, err
		}
		wf, err := h.eng.Workflow(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &workflowOutput{Body: wf}, nil
	})

	controlErrors := []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable}

	huma.Register(api, huma.Operation{
		OperationID: "approve-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/approve",
		Summary:     "Record an approval",
		Description: "The workflow starts once the required number of distinct approvers has signed.",
		Errors:      controlErrors,
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Reason string `query:"reason"`
	}) (*workflowOutput, error) {
		return h.control(ctx, "workflows.approve", func(actor string) (domain.Workflow, error) {
			return h.ctl.Approve(ctx, input.ID, actor, input.Reason)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/reject",
		Summary:     "Reject a pending workflow",
		Errors:      controlErrors,
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Reason string `query:"reason"`
	}) (*workflowOutput, error) {
		return h.control(ctx, "workflows.reject", func(actor string) (domain.Workflow, error) {
			return h.ctl.Reject(ctx, input.ID, actor, input.Reason)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/pause",
		Summary:     "Pause at the next step boundary",
		Errors:      controlErrors,
	}, func(ctx context.Context, input *workflowPath) (*workflowOutput, error) {
		return h.control(ctx, "workflows.pause", func(actor string) (domain.Workflow, error) {
			return h.ctl.Pause(ctx, input.ID, actor)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/resume",
		Summary:     "Resume a paused workflow",
		Errors:      controlErrors,
	}, func(ctx context.Context, input *workflowPath) (*workflowOutput, error) {
		return h.control(ctx, "workflows.resume", func(actor string) (domain.Workflow, error) {
			return h.ctl.Resume(ctx, input.ID, actor)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-step",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/steps/{step}/approve",
		Summary:     "Sign off a step that requires approval",
		Errors:      controlErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Step int    `path:"step" minimum:"1"`
	}) (*workflowOutput, error) {
		return h.control(ctx, "steps.approve", func(actor string) (domain.Workflow, error) {
			return h.ctl.ApproveStep(ctx, input.ID, input.Step, actor)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-step",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/steps/{step}/skip",
		Summary:     "Skip the step a paused workflow is parked on",
		Description: "The workflow resumes with the following step.",
		Errors:      controlErrors,
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Step   int    `path:"step" minimum:"1"`
		Reason string `query:"reason"`
	}) (*workflowOutput, error) {
		return h.control(ctx, "steps.skip", func(actor string) (domain.Workflow, error) {
			return h.ctl.SkipStep(ctx, input.ID, input.Step, actor, input.Reason)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollback-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/rollback",
		Summary:     "Compensate the completed steps of a failed workflow",
		Errors:      controlErrors,
	}, func(ctx context.Context, input *workflowPath) (*workflowOutput, error) {
		return h.control(ctx, "workflows.rollback", func(actor string) (domain.Workflow, error) {
			return h.ctl.Rollback(ctx, input.ID, actor)
		})
	})
}

func (h handlers) control(ctx context.Context, perm string, fn func(actor string) (domain.Workflow, error)) (*workflowOutput, error) {
	actor, authErr := requirePermission(ctx, perm)
	if authErr != nil {
		return nil, authErr
	}
	wf, err := fn(actor)
	if err != nil {
		return nil, h.handleError(err)
	}
	h.log.Info("workflow control applied", "permission", perm, "workflow_id", wf.ID, "actor", actor, "status", wf.Status)
	return &workflowOutput{Body: wf}, nil
}
