package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mendline/internal/agent"
	"mendline/internal/bus"
	"mendline/internal/config"
	"mendline/internal/db"
	"mendline/internal/decider"
	"mendline/internal/domain"
	"mendline/internal/engine"
	"mendline/internal/executor"
	"mendline/internal/logging"
	"mendline/internal/migrate"
	"mendline/internal/observer"
	"mendline/internal/reasoner"
)

const jwtSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	eng    engine.Engine
	exec   *executor.Executor
	target *executor.MemoryTarget
	bus    *bus.Bus
}

type option func(*Config)

func withTokenAuth(c *Config) {
	c.Auth.Mode = AuthToken
	c.Auth.JWTSecret = jwtSecret
	c.Auth.WebhookSecret = "hook-secret"
}

func newTestServer(t *testing.T, opts ...option) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Executor.InitialBackoff = time.Millisecond
	cfg.Executor.MaxBackoff = 2 * time.Millisecond
	log := logging.Discard()
	b := bus.New(64, log)
	eng := engine.New(conn, cfg, b, log)
	target := executor.NewMemoryTarget()
	x := executor.New(eng, target, executor.OptionsFromConfig(cfg), log)
	t.Cleanup(x.Close)
	ag := agent.New(agent.Deps{
		Engine:   eng,
		Observer: observer.New(eng, cfg, log),
		Reasoner: reasoner.NewFailover(nil, reasoner.Rules{}, time.Second, log),
		Decider:  decider.New(cfg, log),
		Executor: x,
		Config:   cfg,
		Log:      log,
	})

	scfg := Config{
		Engine:  eng,
		Control: x,
		Agent:   ag,
		Bus:     b,
		Auth:    AuthConfig{Mode: AuthNone, Permissions: cfg.Permissions},
		Logger:  log,
	}
	for _, opt := range opts {
		opt(&scfg)
	}
	handler, err := New(scfg)
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), client: &http.Client{}, eng: eng, exec: x, target: target, bus: b}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func (s *testServer) ingest(t *testing.T, body any) IngestResponse {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/webhooks/generic", body, nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	return decode[IngestResponse](t, data)
}

func TestIngestGenericSignal(t *testing.T) {
	s := newTestServer(t)
	body := map[string]any{"id": "evt-1", "type": "checkout_event", "source": "stripe", "merchant_id": "m-1", "severity": "high", "content": "502 from gateway"}
	first := s.ingest(t, body)
	assert.Equal(t, "accepted", first.Status)
	assert.Equal(t, "evt-1", first.SignalID)
	assert.False(t, first.Duplicate)

	again := s.ingest(t, body)
	assert.True(t, again.Duplicate)

	res, data := doJSON(t, s.client, http.MethodGet, s.URL+"/signals?processed=false", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedSignals](t, data)
	require.Len(t, page.Items, 1)
	assert.Equal(t, domain.SeverityHigh, page.Items[0].Severity)
}

func TestIngestRejectsMalformedPayload(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/webhooks/generic", `{"title":"no type","severity":"apocalyptic"}`, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "validation_failed", env.Error.Code)
	assert.Contains(t, env.Error.Details, "type")
	assert.Contains(t, env.Error.Details, "severity")

	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/webhooks/generic", `{"type":`, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	stats, err := s.eng.Repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Signals.Total)
}

func TestIngestProviderWebhook(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/webhooks/zendesk",
		`{"ticket":{"id":42,"subject":"Checkout broken","priority":"urgent","custom_fields":{"merchant_id":"acme"}}}`, nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	out := decode[IngestResponse](t, data)
	sig, err := s.eng.Repo.GetSignal(context.Background(), nil, out.SignalID)
	require.NoError(t, err)
	assert.Equal(t, "support_ticket", sig.Type)
	assert.Equal(t, "acme", sig.MerchantID)

	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/webhooks/myspace", `{}`, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 2; i++ {
		s.ingest(t, map[string]any{"type": "checkout_event", "source": "stripe", "merchant_id": "m-9", "severity": "medium"})
	}

	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/agent/run", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	run := decode[RunCycleResponse](t, data)
	require.Len(t, run.Report.Workflows, 1)
	assert.Equal(t, int64(1), run.Agent.LoopCount)
	wfID := run.Report.Workflows[0]

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/workflows/"+wfID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	wf := decode[domain.Workflow](t, data)
	require.Equal(t, domain.WorkflowPendingApproval, wf.Status)
	assert.Empty(t, s.target.Calls())

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/issues/"+wf.IssueID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	is := decode[domain.Issue](t, data)
	assert.NotEmpty(t, is.ReasoningChain)
	assert.Equal(t, wfID, is.WorkflowID)

	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/workflows/"+wfID+"/approve?reason=looks+right", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	approved := decode[domain.Workflow](t, data)
	require.Len(t, approved.Approvals, 1)
	assert.Equal(t, "human:local", approved.Approvals[0].Actor)
	s.exec.Wait()

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/workflows/"+wfID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.WorkflowCompleted, decode[domain.Workflow](t, data).Status)

	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/workflows/"+wfID+"/reject?reason=too+late", nil, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "approval_conflict", decode[errorEnvelope](t, data).Error.Code)

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/dashboard/stats", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	stats := decode[DashboardStats](t, data)
	assert.Equal(t, 2, stats.Signals.Total)
	assert.Equal(t, 1, stats.Workflows.Completed)
	assert.Equal(t, int64(1), stats.Agent.LoopCount)
}

func TestAgentStartStopOverHTTP(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/agent/start", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.True(t, decode[agent.Status](t, data).Running)

	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/agent/start", nil, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))

	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/agent/stop", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	st := decode[agent.Status](t, data)
	assert.False(t, st.Running)
	assert.Equal(t, "stopped", st.Status)

	res, _ = doJSON(t, s.client, http.MethodPost, s.URL+"/agent/stop", nil, nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/audit?event_type=human_override", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedAudit](t, data)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "human:local", page.Items[0].Actor)
}

func TestUnknownWorkflowIsNotFound(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/workflows/nope/pause", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "not_found", decode[errorEnvelope](t, data).Error.Code)

	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/workflows/nope/steps/1/skip", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
}

func TestAuditPagingAndVerify(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 3; i++ {
		s.ingest(t, map[string]any{"type": "api_error", "source": "datadog"})
	}
	res, data := doJSON(t, s.client, http.MethodGet, s.URL+"/audit?event_type=signal_received&limit=2", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedAudit](t, data)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	assert.Greater(t, page.Items[0].Seq, page.Items[1].Seq)

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/audit?event_type=signal_received&limit=2&cursor="+page.NextCursor, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	rest := decode[paginatedAudit](t, data)
	require.Len(t, rest.Items, 1)
	assert.Empty(t, rest.NextCursor)

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/audit/verify", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Contains(t, string(data), `"ok":true`)

	res, _ = doJSON(t, s.client, http.MethodGet, s.URL+"/audit?cursor=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestTokenAuthEnforcesRoles(t *testing.T) {
	s := newTestServer(t, withTokenAuth)

	res, _ := doJSON(t, s.client, http.MethodGet, s.URL+"/issues", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, s.client, http.MethodGet, s.URL+"/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	_, viewerKey, err := s.eng.CreateAPIKey(context.Background(), "vic", "laptop", "viewer", "human:admin")
	require.NoError(t, err)
	viewer := map[string]string{"X-Api-Key": viewerKey}
	res, data := doJSON(t, s.client, http.MethodGet, s.URL+"/issues", nil, viewer)
	assert.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/workflows/any/approve", nil, viewer)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "workflows.approve", decode[errorEnvelope](t, data).Error.Details["permission"])

	token, err := SignToken(jwtSecret, "alice", []string{"approver"}, time.Hour)
	require.NoError(t, err)
	approver := map[string]string{"Authorization": "Bearer " + token}
	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/workflows/any/approve", nil, approver)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/me", nil, approver)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	me := decode[WhoAmIResponse](t, data)
	assert.Equal(t, "alice", me.ActorID)
	assert.Contains(t, me.Permissions, "steps.approve")

	forged, err := SignToken("other-secret", "mallory", []string{"admin"}, time.Hour)
	require.NoError(t, err)
	res, _ = doJSON(t, s.client, http.MethodGet, s.URL+"/issues", nil, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	hook := map[string]string{webhookSecretHeader: "hook-secret"}
	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/webhooks/generic", `{"type":"api_error"}`, hook)
	assert.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	res, _ = doJSON(t, s.client, http.MethodGet, s.URL+"/issues", nil, hook)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res, _ = doJSON(t, s.client, http.MethodPost, s.URL+"/webhooks/generic", `{"type":"api_error"}`, map[string]string{webhookSecretHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestIngestIsRateLimitedPerClient(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.RateLimit = RateLimit{PerSecond: 0.001, Burst: 2} })
	for i := 0; i < 2; i++ {
		s.ingest(t, map[string]any{"type": "api_error"})
	}
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/webhooks/generic", `{"type":"api_error"}`, nil)
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode, string(data))
	assert.NotEmpty(t, res.Header.Get("Retry-After"))

	// other routes are not limited
	res, _ = doJSON(t, s.client, http.MethodGet, s.URL+"/signals", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestWebsocketStreamsEvents(t *testing.T) {
	s := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(msg))

	require.Eventually(t, func() bool { return s.bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	s.ingest(t, map[string]any{"id": "ws-1", "type": "api_error"})
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var evt bus.Event
		require.NoError(t, conn.ReadJSON(&evt))
		if evt.Event == bus.SignalReceived {
			assert.Equal(t, "ws-1", evt.EntityID)
			return
		}
	}
}

func TestOpenAPIDocument(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s.client, http.MethodGet, s.URL+"/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, p := range []string{"/webhooks/generic", "/workflows/{id}/approve", "/audit/verify", "/dashboard/stats"} {
		assert.Contains(t, doc.Paths, p)
	}
}

func TestWebhookDispatcherDeliversFilteredEntries(t *testing.T) {
	s := newTestServer(t)
	s.ingest(t, map[string]any{"type": "api_error"}) // before the cursor starts

	var mu sync.Mutex
	var got []webhookDelivery
	fails := 1
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fails > 0 {
			fails--
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var d webhookDelivery
		_ = json.NewDecoder(r.Body).Decode(&d)
		assert.Equal(t, "s3cret", r.Header.Get("X-Mendline-Secret"))
		got = append(got, d)
	}))
	defer sink.Close()

	d := NewWebhookDispatcher(s.eng.Ledger, []config.WebhookConfig{{URL: sink.URL, Events: []string{domain.EventSignalReceived}, Secret: "s3cret"}}, logging.Discard())
	d.DispatchOnce(context.Background())

	s.ingest(t, map[string]any{"id": "hook-1", "type": "api_error"})
	s.ingest(t, map[string]any{"id": "hook-2", "type": "api_error"})
	d.DispatchOnce(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, domain.EventSignalReceived, got[0].Event)
	assert.Equal(t, "hook-1", got[0].Entry.Metadata["signal_id"])
	assert.Equal(t, "hook-2", got[1].Entry.Metadata["signal_id"])
}
