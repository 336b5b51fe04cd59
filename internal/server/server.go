package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mendline/internal/agent"
	"mendline/internal/bus"
	"mendline/internal/domain"
	"mendline/internal/engine"
)

// Controller applies human decisions to workflows. The executor implements it
// so that controls serialize with the step driver.
type Controller interface {
	Approve(ctx context.Context, id, actor, reason string) (domain.Workflow, error)
	Reject(ctx context.Context, id, actor, reason string) (domain.Workflow, error)
	Pause(ctx context.Context, id, actor string) (domain.Workflow, error)
	Resume(ctx context.Context, id, actor string) (domain.Workflow, error)
	ApproveStep(ctx context.Context, id string, stepID int, actor string) (domain.Workflow, error)
	SkipStep(ctx context.Context, id string, stepID int, actor, reason string) (domain.Workflow, error)
	Rollback(ctx context.Context, id, actor string) (domain.Workflow, error)
}

// AgentRunner exposes the loop's status, a manual trigger and runtime start/stop.
type AgentRunner interface {
	Status() agent.Status
	RunOnce(ctx context.Context) (agent.CycleReport, error)
	Start(ctx context.Context, actor string) (agent.Status, error)
	Stop(ctx context.Context, actor string) (agent.Status, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine       engine.Engine
	Control      Controller
	Agent        AgentRunner
	Bus          *bus.Bus
	BasePath     string
	Auth         AuthConfig
	RateLimit    RateLimit
	AllowOrigins []string
	Logger       *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"approval_conflict"`
	Message string         `json:"message" example:"invalid workflow transition rejected -> approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the mendline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Control == nil {
		return nil, errors.New("server: workflow controller required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	basePath := strings.TrimRight(cfg.BasePath, "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// request validation is a caller error like any other
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newRateLimiter(path.Join("/", basePath, "webhooks")+"/", cfg.RateLimit).middleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))

	hcfg := huma.DefaultConfig("mendline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	var group huma.API = api
	if basePath != "" {
		group = huma.NewGroup(api, basePath)
	}

	h := handlers{eng: cfg.Engine, ctl: cfg.Control, agent: cfg.Agent, log: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerIngest(group)
	h.registerSignals(group)
	h.registerIssues(group)
	h.registerWorkflows(group)
	h.registerAudit(group)
	h.registerDashboard(group)
	h.registerMe(group)
	registerOpenAPI(router, api, basePath)
	router.Handle(path.Join("/", basePath, "metrics"), promhttp.Handler())
	if cfg.Bus != nil {
		router.Handle(path.Join("/", basePath, "ws"), newWSHandler(cfg.Bus, cfg.AllowOrigins, logger))
	}

	return router, nil
}

type handlers struct {
	eng   engine.Engine
	ctl   Controller
	agent AgentRunner
	log   *slog.Logger
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func (h handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		details := make(map[string]any, len(verr.Fields))
		for k, v := range verr.Fields {
			details[k] = v
		}
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), details)
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrApprovalConflict):
		return newAPIError(http.StatusConflict, "approval_conflict", err.Error(), nil)
	case errors.Is(err, domain.ErrAuditWrite):
		h.log.Error("audit ledger unavailable", "error", err)
		return newAPIError(http.StatusServiceUnavailable, "audit_unavailable", "audit ledger unavailable, retry later", nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	}
	h.log.Error("request failed", "error", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	page := strings.ReplaceAll(docsPage, "{{spec}}", path.Join("/", basePath, "openapi.json"))
	r.Get(path.Join("/", basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, page)
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	// The document is frozen on first request; every route is registered by then.
	render := sync.OnceValue(func() []byte {
		oas := api.OpenAPI()
		ensureDefaultErrorResponses(oas)
		applyAuthSecurity(oas, basePath)
		spec, _ := json.Marshal(oas)
		return spec
	})
	r.Get(path.Join("/", basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(render())
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	oas.Components.SecuritySchemes["webhookSecret"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: webhookSecretHeader,
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "healthz")
	webhooks := path.Join("/", basePath, "webhooks") + "/"
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			switch {
			case route == healthPath:
				op.Security = []map[string][]string{}
			case strings.HasPrefix(route, webhooks):
				op.Security = append(security, map[string][]string{"webhookSecret": {}})
			default:
				op.Security = security
			}
		}
	}
}

const docsPage = `<!doctype html>
<html>
<head>
  <title>Mendline API</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="docs"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
  <script>
    SwaggerUIBundle({ url: "{{spec}}", dom_id: "#docs", persistAuthorization: true });
  </script>
</body>
</html>`

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (h handlers) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     p.ActorID,
			Roles:       nonNilSlice(p.Roles),
			Permissions: nonNilSlice(p.Permissions),
			Source:      p.Source,
		}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func requestHeader(ctx context.Context) http.Header {
	if req, ok := ctx.Value(requestKey{}).(*http.Request); ok && req != nil {
		return req.Header
	}
	return http.Header{}
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
