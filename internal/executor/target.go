package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"mendline/internal/domain"
)

// Action is one step invocation sent to the target system.
type Action struct {
	WorkflowID     string            `json:"workflow_id"`
	IssueID        string            `json:"issue_id"`
	StepID         int               `json:"step_id"`
	Name           string            `json:"name"`
	Type           domain.ActionType `json:"action_type"`
	Params         map[string]any    `json:"params,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
}

// Target is the system remediation acts on. Execute must be idempotent for a
// given IdempotencyKey; the executor retries it.
type Target interface {
	Execute(ctx context.Context, a Action) (map[string]any, error)
	Compensate(ctx context.Context, a Action) error
	HealthCheck(ctx context.Context) error
}

// ErrRejected marks a target answer that retrying cannot change.
var ErrRejected = errors.New("action rejected by target")

func transient(err error) bool {
	return err != nil && !errors.Is(err, ErrRejected)
}

// HTTPTarget calls a remediation API: POST {base}/actions/{type},
// POST {base}/actions/{type}/compensate and GET {base}/health.
type HTTPTarget struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPTarget(baseURL, token string, timeout time.Duration) *HTTPTarget {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTarget{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPTarget) Execute(ctx context.Context, a Action) (map[string]any, error) {
	var out map[string]any
	if err := h.do(ctx, http.MethodPost, "/actions/"+string(a.Type), a, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func (h *HTTPTarget) Compensate(ctx context.Context, a Action) error {
	return h.do(ctx, http.MethodPost, "/actions/"+string(a.Type)+"/compensate", a, nil)
}

func (h *HTTPTarget) HealthCheck(ctx context.Context) error {
	return h.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (h *HTTPTarget) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", ErrRejected, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a, ok := body.(Action); ok && a.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", a.IdempotencyKey)
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("target %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: %s %s: %s: %s", ErrRejected, method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrRejected, err)
		}
	}
	return nil
}

// Call is one invocation recorded by MemoryTarget.
type Call struct {
	Kind   string
	Action Action
}

// MemoryTarget performs no side effects. Failures can be scripted per step
// name and are consumed in order.
type MemoryTarget struct {
	mu         sync.Mutex
	calls      []Call
	failures   map[string][]error
	compensate map[string]error
	health     []error
	OnExecute  func(Action)
}

func NewMemoryTarget() *MemoryTarget {
	return &MemoryTarget{failures: map[string][]error{}, compensate: map[string]error{}}
}

// FailStep makes the next len(errs) executions of the named step fail.
func (m *MemoryTarget) FailStep(name string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[name] = append(m.failures[name], errs...)
}

// FailCompensation makes every compensation of the named step fail with err.
func (m *MemoryTarget) FailCompensation(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compensate[name] = err
}

// FailHealth queues health check failures.
func (m *MemoryTarget) FailHealth(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = append(m.health, errs...)
}

func (m *MemoryTarget) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

func (m *MemoryTarget) Execute(_ context.Context, a Action) (map[string]any, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Kind: "execute", Action: a})
	var err error
	if q := m.failures[a.Name]; len(q) > 0 {
		err, m.failures[a.Name] = q[0], q[1:]
	}
	hook := m.OnExecute
	m.mu.Unlock()
	if hook != nil {
		hook(a)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "ok", "action_type": string(a.Type), "idempotency_key": a.IdempotencyKey}, nil
}

func (m *MemoryTarget) Compensate(_ context.Context, a Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Kind: "compensate", Action: a})
	return m.compensate[a.Name]
}

func (m *MemoryTarget) HealthCheck(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Kind: "health"})
	if len(m.health) > 0 {
		err := m.health[0]
		m.health = m.health[1:]
		return err
	}
	return nil
}
