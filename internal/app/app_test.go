package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mendline/internal/config"
	"mendline/internal/domain"
	"mendline/internal/executor"
	"mendline/internal/logging"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Reasoner.Provider = "rules"
	cfg.Agent.Interval = 20 * time.Millisecond
	cfg.Executor.InitialBackoff = time.Millisecond
	cfg.Executor.MaxBackoff = 2 * time.Millisecond
	cfg.Server.RatePerSecond = 0
	return cfg
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestBuildLoadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	a, err := Build(context.Background(), Options{Workspace: dir, Logger: logging.Discard()})
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, config.Default().Server.Addr, a.Addr())
	assert.NotNil(t, a.Handler)

	stats, err := a.Engine.Repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Signals.Total)
}

func TestBuildRejectsBadRedisURL(t *testing.T) {
	cfg := testConfig()
	cfg.Bus.RedisURL = "://nope"
	_, err := Build(context.Background(), Options{Workspace: t.TempDir(), Config: cfg, Logger: logging.Discard()})
	require.Error(t, err)
}

func TestServeRunsAgentLoopEndToEnd(t *testing.T) {
	target := executor.NewMemoryTarget()
	addr := freeAddr(t)
	a, err := Build(context.Background(), Options{
		Workspace: t.TempDir(),
		Addr:      addr,
		Config:    testConfig(),
		Logger:    logging.Discard(),
		Target:    target,
	})
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	base := "http://" + addr
	require.Eventually(t, func() bool {
		res, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	for i := 0; i < 2; i++ {
		body := `{"source":"stripe","type":"checkout_event","severity":"medium","merchant_id":"m-9"}`
		res, err := http.Post(base+"/webhooks/generic", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		res.Body.Close()
		require.Equal(t, http.StatusAccepted, res.StatusCode)
	}

	var wfID string
	require.Eventually(t, func() bool {
		res, err := http.Get(base + "/workflows")
		if err != nil {
			return false
		}
		defer res.Body.Close()
		var page struct {
			Items []domain.Workflow `json:"items"`
		}
		if json.NewDecoder(res.Body).Decode(&page) != nil || len(page.Items) == 0 {
			return false
		}
		wfID = page.Items[0].ID
		return true
	}, 5*time.Second, 20*time.Millisecond)

	wf, err := a.Engine.Repo.GetWorkflow(context.Background(), nil, wfID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowPendingApproval, wf.Status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}
}
