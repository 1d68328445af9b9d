package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/transmute/jobs"
)

func dialStream(t *testing.T, ts *testServer, id string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	httpServer := httptest.NewServer(ts.srv.Handler())
	t.Cleanup(httpServer.Close)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/api/jobs/" + id + "/stream"
	return websocket.DefaultDialer.Dial(wsURL, header)
}

func readEvent(t *testing.T, conn *websocket.Conn) jobs.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev jobs.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestStreamFollowsJobToTerminalState(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)
	ctx := context.Background()

	id, err := ts.queue.Submit(ctx, jobs.Request{Artifact: "./app", Capability: "noop.touch"})
	require.NoError(t, err)
	require.NoError(t, ts.queue.AppendLog(ctx, id, jobs.LogEntry{Time: time.Now(), Text: "queued by test"}))

	conn, _, err := dialStream(t, ts, id, nil)
	require.NoError(t, err)
	defer conn.Close()

	replayed := readEvent(t, conn)
	assert.Equal(t, jobs.EventLog, replayed.Type)
	assert.Contains(t, replayed.Line, "queued by test")

	snapshot := readEvent(t, conn)
	assert.Equal(t, jobs.EventState, snapshot.Type)
	assert.Equal(t, jobs.StatePending, snapshot.State)

	// Events for other jobs are not forwarded
	_, err = ts.queue.Submit(ctx, jobs.Request{Artifact: "./other", Capability: "noop.touch"})
	require.NoError(t, err)

	claimed, err := ts.queue.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID, "oldest job is claimed first")

	running := readEvent(t, conn)
	assert.Equal(t, id, running.JobID)
	assert.Equal(t, jobs.StateRunning, running.State)

	require.NoError(t, ts.queue.AppendLog(ctx, id, jobs.LogEntry{Time: time.Now(), Text: "Running noop.touch"}))
	line := readEvent(t, conn)
	assert.Equal(t, jobs.EventLog, line.Type)
	assert.Contains(t, line.Line, "Running noop.touch")

	require.NoError(t, ts.queue.Transition(ctx, id, jobs.StateRunning, jobs.StateFailed, "execution failed: boom", ""))
	final := readEvent(t, conn)
	assert.Equal(t, jobs.StateFailed, final.State)
	assert.Equal(t, "execution failed: boom", final.Message)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStreamFinishedJobClosesAfterSnapshot(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)
	ctx := context.Background()

	id, err := ts.queue.Submit(ctx, jobs.Request{Artifact: "./app", Capability: "noop.touch"})
	require.NoError(t, err)
	_, err = ts.queue.Cancel(ctx, id)
	require.NoError(t, err)

	conn, _, err := dialStream(t, ts, id, nil)
	require.NoError(t, err)
	defer conn.Close()

	ev := readEvent(t, conn)
	assert.Equal(t, jobs.StateCancelled, ev.State)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStreamUnknownJob(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)

	_, resp, err := dialStream(t, ts, "missing", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamOrigin(t *testing.T) {
	ts := newTestServer(t, Config{AllowedOrigins: []string{"http://localhost"}}, nil)
	ctx := context.Background()

	id, err := ts.queue.Submit(ctx, jobs.Request{Artifact: "./app", Capability: "noop.touch"})
	require.NoError(t, err)

	t.Run("allowed", func(t *testing.T) {
		conn, _, err := dialStream(t, ts, id, http.Header{"Origin": {"http://localhost:5173"}})
		require.NoError(t, err)
		conn.Close()
	})

	t.Run("rejected", func(t *testing.T) {
		_, resp, err := dialStream(t, ts, id, http.Header{"Origin": {"https://evil.example"}})
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}
