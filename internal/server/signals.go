package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"mendline/internal/domain"
	"mendline/internal/ingest"
	"mendline/internal/repo"
)

type ingestOutput struct {
	Body IngestResponse `json:"body"`
}

func (h handlers) registerIngest(api huma.API) {
	errs := []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable}

	huma.Register(api, huma.Operation{
		OperationID:   "ingest-generic",
		Method:        http.MethodPost,
		Path:          "/webhooks/generic",
		Summary:       "Ingest a provider-neutral signal",
		DefaultStatus: http.StatusAccepted,
		Errors:        errs,
	}, func(ctx context.Context, input *struct {
		RawBody []byte
	}) (*ingestOutput, error) {
		if _, err := requirePermission(ctx, "signals.write"); err != nil {
			return nil, err
		}
		s, err := ingest.FromGeneric(input.RawBody)
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.ingest(ctx, s)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "ingest-source",
		Method:        http.MethodPost,
		Path:          "/webhooks/{source}",
		Summary:       "Ingest a provider webhook",
		Description:   "Maps stripe, shopify, zendesk and freshdesk payloads onto signals.",
		DefaultStatus: http.StatusAccepted,
		Errors:        append(errs, http.StatusNotFound),
	}, func(ctx context.Context, input *struct {
		Source  string `path:"source" doc:"stripe, shopify, zendesk or freshdesk"`
		RawBody []byte
	}) (*ingestOutput, error) {
		if _, err := requirePermission(ctx, "signals.write"); err != nil {
			return nil, err
		}
		s, err := ingest.FromSource(input.Source, input.RawBody, requestHeader(ctx))
		if err != nil {
			return nil, h.handleError(err)
		}
		return h.ingest(ctx, s)
	})
}

func (h handlers) ingest(ctx context.Context, s domain.Signal) (*ingestOutput, error) {
	stored, duplicate, err := h.eng.IngestSignal(ctx, s)
	if err != nil {
		return nil, h.handleError(err)
	}
	return &ingestOutput{Body: IngestResponse{Status: "accepted", SignalID: stored.ID, Duplicate: duplicate}}, nil
}

func (h handlers) registerSignals(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-signals",
		Method:      http.MethodGet,
		Path:        "/signals",
		Summary:     "List signals, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Processed  string `query:"processed" enum:"true,false"`
		Source     string `query:"source"`
		Type       string `query:"type"`
		MerchantID string `query:"merchant_id"`
		IssueID    string `query:"issue_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedSignals `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, "signals.read"); err != nil {
			return nil, err
		}
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		f := repo.SignalFilters{
			Source:     input.Source,
			Type:       input.Type,
			MerchantID: input.MerchantID,
			IssueID:    input.IssueID,
			Cursor:     repo.Cursor{CreatedAt: ts, ID: id},
		}
		if input.Processed != "" {
			processed := input.Processed == "true"
			f.Processed = &processed
		}
		limit := normalizeLimit(input.Limit)
		f.Limit = limit + 1
		items, err := h.eng.Repo.ListSignals(ctx, f)
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := paginatedSignals{Items: []domain.Signal{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[limit-1]
			resp.NextCursor = composeCursor(repo.FormatCursorTime(last.ReceivedAt), last.ID)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedSignals `json:"body"`
		}{Body: resp}, nil
	})
}
