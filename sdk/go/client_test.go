package mendlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestSignalSendsGenericPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/webhooks/generic", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("X-Api-Key"))
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &got))
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"accepted","signal_id":"sig-1","duplicate":false}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.APIKey = "key-1"
	res, err := c.IngestSignal(context.Background(), Signal{Type: "checkout_event", Source: "stripe", Severity: "high"})
	require.NoError(t, err)
	assert.Equal(t, "sig-1", res.SignalID)
	assert.Equal(t, "checkout_event", got["type"])
	assert.NotContains(t, got, "id")
}

func TestControlCallsCarryReasonAndBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/workflows/wf-1/approve", r.URL.Path)
		assert.Equal(t, "ship it", r.URL.Query().Get("reason"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":"wf-1","status":"approved","approvals":[{"kind":"approve","actor":"human:ana"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	c.APIKey = "ignored"
	wf, err := c.Approve(context.Background(), "wf-1", "ship it")
	require.NoError(t, err)
	assert.Equal(t, "approved", wf.Status)
	require.Len(t, wf.Approvals, 1)
	assert.Equal(t, "human:ana", wf.Approvals[0].Actor)
}

func TestListOptionsBuildQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/audit", r.URL.Path)
		assert.Equal(t, "10", q.Get("limit"))
		assert.Equal(t, "42", q.Get("cursor"))
		assert.Equal(t, "workflow_completed", q.Get("event_type"))
		assert.False(t, q.Has("actor"))
		w.Write([]byte(`{"items":[{"seq":41,"event_type":"workflow_completed"}],"next_cursor":"41"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL).Audit(context.Background(), ListOptions{
		Limit:  10,
		Cursor: "42",
		Filter: map[string]string{"event_type": "workflow_completed", "actor": ""},
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(41), page.Items[0].Seq)
	assert.Equal(t, "41", page.NextCursor)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"approval_conflict","message":"workflow is completed","details":{"status":"completed"}}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Reject(context.Background(), "wf-1", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "approval_conflict", apiErr.Code)
	assert.Equal(t, "completed", apiErr.Details["status"])
	assert.Contains(t, apiErr.Error(), "approval_conflict")
}

func TestNonEnvelopeErrorKeepsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Stats(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Empty(t, apiErr.Code)
	assert.Contains(t, apiErr.Body, "bad gateway")
}

func TestSkipStepAndAgentControlPaths(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		paths = append(paths, r.URL.RequestURI())
		if r.URL.Path == "/agent/stop" {
			w.Write([]byte(`{"status":"stopped","running":false,"loop_count":7}`))
			return
		}
		w.Write([]byte(`{"id":"wf-1","status":"running"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	wf, err := c.SkipStep(context.Background(), "wf-1", 4, "done by hand")
	require.NoError(t, err)
	assert.Equal(t, "running", wf.Status)

	st, err := c.StopAgent(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Equal(t, int64(7), st.LoopCount)

	assert.Equal(t, []string{"/workflows/wf-1/steps/4/skip?reason=done+by+hand", "/agent/stop"}, paths)
}
