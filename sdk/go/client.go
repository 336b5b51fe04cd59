package mendlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Mendline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Signal is the generic ingest payload. Content may be any JSON value.
type Signal struct {
	ID         string         `json:"id,omitempty"`
	Type       string         `json:"type"`
	Source     string         `json:"source,omitempty"`
	MerchantID string         `json:"merchant_id,omitempty"`
	Title      string         `json:"title,omitempty"`
	Severity   string         `json:"severity,omitempty"`
	Content    any            `json:"content,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// IngestResult acknowledges an accepted signal.
type IngestResult struct {
	Status    string `json:"status"`
	SignalID  string `json:"signal_id"`
	Duplicate bool   `json:"duplicate"`
}

// Issue represents the API issue model (partial).
type Issue struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Category        string    `json:"category"`
	Confidence      float64   `json:"confidence"`
	RootCause       string    `json:"root_cause"`
	EstimatedImpact string    `json:"estimated_impact"`
	Status          string    `json:"status"`
	WorkflowID      string    `json:"workflow_id"`
	Reasoner        string    `json:"reasoner"`
	CreatedAt       time.Time `json:"created_at"`
}

// Step is one workflow step.
type Step struct {
	ID               int            `json:"id"`
	Name             string         `json:"name"`
	ActionType       string         `json:"action_type"`
	RiskLevel        string         `json:"risk_level"`
	RequiresApproval bool           `json:"requires_approval"`
	Compensable      bool           `json:"compensable"`
	Status           string         `json:"status"`
	Attempts         int            `json:"attempts"`
	ApprovedBy       string         `json:"approved_by"`
	Result           map[string]any `json:"result"`
	Error            string         `json:"error"`
}

// Decision is an approval or rejection.
type Decision struct {
	Kind      string    `json:"kind"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Workflow represents the API workflow model (partial).
type Workflow struct {
	ID                string     `json:"id"`
	IssueID           string     `json:"issue_id"`
	Name              string     `json:"name"`
	OverallRisk       string     `json:"overall_risk"`
	Status            string     `json:"status"`
	Steps             []Step     `json:"steps"`
	CurrentStepIndex  int        `json:"current_step_index"`
	RequiredApprovals int        `json:"required_approvals"`
	Escalated         bool       `json:"escalated"`
	Approvals         []Decision `json:"approvals"`
	Rejections        []Decision `json:"rejections"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at"`
}

// AuditEntry is one ledger record.
type AuditEntry struct {
	Seq         int64          `json:"seq"`
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	EventType   string         `json:"event_type"`
	Actor       string         `json:"actor"`
	Description string         `json:"description"`
	IssueID     string         `json:"issue_id"`
	WorkflowID  string         `json:"workflow_id"`
	StepID      int            `json:"step_id"`
	Success     bool           `json:"success"`
	Metadata    map[string]any `json:"metadata"`
	PrevHash    string         `json:"prev_hash"`
	Hash        string         `json:"hash"`
}

// VerifyReport is the result of a hash chain check.
type VerifyReport struct {
	Entries  int    `json:"entries"`
	OK       bool   `json:"ok"`
	BrokenAt string `json:"broken_at"`
	Reason   string `json:"reason"`
	Head     string `json:"head"`
}

// AgentStatus is the agent loop self-report.
type AgentStatus struct {
	Status          string     `json:"status"`
	Running         bool       `json:"running"`
	LoopCount       int64      `json:"loop_count"`
	LastRun         *time.Time `json:"last_run"`
	LastError       string     `json:"last_error"`
	PatternsTotal   int64      `json:"patterns_total"`
	Interval        string     `json:"interval"`
	ActiveWorkflows int        `json:"active_workflows"`
}

// CycleResult is returned by RunAgent.
type CycleResult struct {
	Report struct {
		Patterns  int      `json:"patterns"`
		Issues    []string `json:"issues"`
		Workflows []string `json:"workflows"`
		Failed    int      `json:"failed"`
	} `json:"report"`
	Agent AgentStatus `json:"agent"`
}

// Stats are the dashboard counters.
type Stats struct {
	Signals struct {
		Total       int `json:"total"`
		Unprocessed int `json:"unprocessed"`
	} `json:"signals"`
	Issues struct {
		Total    int            `json:"total"`
		Open     int            `json:"open"`
		ByStatus map[string]int `json:"by_status"`
	} `json:"issues"`
	Workflows struct {
		Total           int            `json:"total"`
		PendingApproval int            `json:"pending_approval"`
		Running         int            `json:"running"`
		Completed       int            `json:"completed"`
		ByStatus        map[string]int `json:"by_status"`
	} `json:"workflows"`
	Agent AgentStatus `json:"agent"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Page is a cursor-paginated listing.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// ListOptions filters list endpoints. Unset fields are omitted.
type ListOptions struct {
	Limit  int
	Cursor string
	Filter map[string]string
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Cursor != "" {
		q.Set("cursor", o.Cursor)
	}
	for k, v := range o.Filter {
		if v != "" {
			q.Set(k, v)
		}
	}
	return q
}

// IngestSignal posts a generic signal.
func (c *Client) IngestSignal(ctx context.Context, s Signal) (IngestResult, error) {
	var resp IngestResult
	err := c.do(ctx, http.MethodPost, "webhooks/generic", s, &resp)
	return resp, err
}

// IngestWebhook forwards a raw provider payload (stripe, zendesk, shopify, freshdesk...).
func (c *Client) IngestWebhook(ctx context.Context, source string, payload json.RawMessage) (IngestResult, error) {
	var resp IngestResult
	err := c.do(ctx, http.MethodPost, "webhooks/"+url.PathEscape(source), payload, &resp)
	return resp, err
}

// Issues lists issues, newest first.
func (c *Client) Issues(ctx context.Context, opts ListOptions) (Page[Issue], error) {
	var resp Page[Issue]
	err := c.do(ctx, http.MethodGet, withQuery("issues", opts.query()), nil, &resp)
	return resp, err
}

// Issue fetches one issue.
func (c *Client) Issue(ctx context.Context, id string) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodGet, "issues/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Workflows lists workflows, newest first.
func (c *Client) Workflows(ctx context.Context, opts ListOptions) (Page[Workflow], error) {
	var resp Page[Workflow]
	err := c.do(ctx, http.MethodGet, withQuery("workflows", opts.query()), nil, &resp)
	return resp, err
}

// Workflow fetches one workflow with its steps and decisions.
func (c *Client) Workflow(ctx context.Context, id string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, "workflows/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, id, reason string) (Workflow, error) {
	return c.control(ctx, id, "approve", reason)
}

func (c *Client) Reject(ctx context.Context, id, reason string) (Workflow, error) {
	return c.control(ctx, id, "reject", reason)
}

func (c *Client) Pause(ctx context.Context, id string) (Workflow, error) {
	return c.control(ctx, id, "pause", "")
}

func (c *Client) Resume(ctx context.Context, id string) (Workflow, error) {
	return c.control(ctx, id, "resume", "")
}

func (c *Client) Rollback(ctx context.Context, id string) (Workflow, error) {
	return c.control(ctx, id, "rollback", "")
}

// ApproveStep approves a single gated step.
func (c *Client) ApproveStep(ctx context.Context, id string, stepID int) (Workflow, error) {
	var resp Workflow
	endpoint := fmt.Sprintf("workflows/%s/steps/%d/approve", url.PathEscape(id), stepID)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// SkipStep passes over the step a paused workflow is parked on.
func (c *Client) SkipStep(ctx context.Context, id string, stepID int, reason string) (Workflow, error) {
	return c.control(ctx, id, fmt.Sprintf("steps/%d/skip", stepID), reason)
}

func (c *Client) control(ctx context.Context, id, action, reason string) (Workflow, error) {
	q := url.Values{}
	if reason != "" {
		q.Set("reason", reason)
	}
	var resp Workflow
	endpoint := withQuery(fmt.Sprintf("workflows/%s/%s", url.PathEscape(id), action), q)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Audit returns ledger entries, newest first. The cursor is the seq of the
// last entry of the previous page.
func (c *Client) Audit(ctx context.Context, opts ListOptions) (Page[AuditEntry], error) {
	var resp Page[AuditEntry]
	err := c.do(ctx, http.MethodGet, withQuery("audit", opts.query()), nil, &resp)
	return resp, err
}

func (c *Client) VerifyAudit(ctx context.Context) (VerifyReport, error) {
	var resp VerifyReport
	err := c.do(ctx, http.MethodGet, "audit/verify", nil, &resp)
	return resp, err
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "dashboard/stats", nil, &resp)
	return resp, err
}

func (c *Client) AgentStatus(ctx context.Context) (AgentStatus, error) {
	var resp AgentStatus
	err := c.do(ctx, http.MethodGet, "agent/status", nil, &resp)
	return resp, err
}

// RunAgent triggers one agent cycle and waits for it.
func (c *Client) RunAgent(ctx context.Context) (CycleResult, error) {
	var resp CycleResult
	err := c.do(ctx, http.MethodPost, "agent/run", nil, &resp)
	return resp, err
}

func (c *Client) StartAgent(ctx context.Context) (AgentStatus, error) {
	var resp AgentStatus
	err := c.do(ctx, http.MethodPost, "agent/start", nil, &resp)
	return resp, err
}

// StopAgent stops the loop; the server waits for the cycle in flight.
func (c *Client) StopAgent(ctx context.Context) (AgentStatus, error) {
	var resp AgentStatus
	err := c.do(ctx, http.MethodPost, "agent/stop", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
