package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/moltworks/moltgate/gateway"
	"github.com/moltworks/moltgate/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type stubCore struct {
	report    *gateway.StatusReport
	logs      *sandbox.ProcessLogs
	logsErr   error
	follow    chan sandbox.LogChunk
	followErr error
}

func (c *stubCore) Status(ctx context.Context) *gateway.StatusReport {
	return c.report
}

func (c *stubCore) Logs(ctx context.Context) (*sandbox.ProcessLogs, error) {
	if c.logsErr != nil {
		return nil, c.logsErr
	}
	return c.logs, nil
}

func (c *stubCore) FollowLogs(ctx context.Context) (<-chan sandbox.LogChunk, func(), error) {
	if c.followErr != nil {
		return nil, nil, c.followErr
	}
	return c.follow, func() {}, nil
}

func startTestServer(t *testing.T, core Core, proxy http.Handler, opts ...Option) string {
	t.Helper()
	srv, err := New(core, proxy, append([]Option{WithListenAddr("127.0.0.1:0")}, opts...)...)
	require.NoError(t, err)

	go srv.Run()
	t.Cleanup(func() { srv.Stop() })

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	return "http://" + srv.Addr()
}

func noProxy(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected fallthrough to proxy for %s %s", r.Method, r.URL.Path)
	})
}

func TestHealthEndpoint(t *testing.T) {
	core := &stubCore{report: &gateway.StatusReport{
		Found:     true,
		ProcessID: "42",
		Status:    "running",
		Reachable: true,
		Port:      18789,
	}}
	base := startTestServer(t, core, noProxy(t))

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var rep gateway.StatusReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	assert.True(t, rep.Found)
	assert.True(t, rep.Reachable)
	assert.Equal(t, "42", rep.ProcessID)
	assert.Equal(t, 18789, rep.Port)
}

func TestLogsEndpoint(t *testing.T) {
	core := &stubCore{logs: &sandbox.ProcessLogs{Stdout: "out line", Stderr: "err line"}}
	base := startTestServer(t, core, noProxy(t))

	resp, err := http.Get(base + "/logs")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logs sandbox.ProcessLogs
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&logs))
	assert.Equal(t, "out line", logs.Stdout)
	assert.Equal(t, "err line", logs.Stderr)
}

func TestLogsEndpointErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want int
	}{
		{"not running", gateway.ErrNotRunning, http.StatusNotFound},
		{"no captured output", sandbox.ErrNoLogs, http.StatusNotFound},
		{"environment failure", errors.New("top failed"), http.StatusInternalServerError},
	} {
		t.Run(tc.name, func(t *testing.T) {
			base := startTestServer(t, &stubCore{logsErr: tc.err}, noProxy(t))

			resp, err := http.Get(base + "/logs")
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tc.want, resp.StatusCode)
			body, _ := io.ReadAll(resp.Body)
			assert.Contains(t, string(body), `"error"`)
		})
	}
}

func TestFallthroughToProxy(t *testing.T) {
	proxy := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "proxied %s %s", r.Method, r.URL.Path)
	})
	core := &stubCore{report: &gateway.StatusReport{}}
	base := startTestServer(t, core, proxy)

	// unknown path goes to the gateway
	resp, err := http.Get(base + "/api/conversations")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "proxied GET /api/conversations", string(body))

	// other methods on diagnostic paths also belong to the gateway
	resp, err = http.Post(base+"/healthz", "text/plain", nil)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "proxied POST /healthz", string(body))

	// the diagnostic route itself is served locally
	resp, err = http.Get(base + "/healthz")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.NotContains(t, string(body), "proxied")
}

func TestMetricsEndpoint(t *testing.T) {
	m := gateway.NewMetrics("")
	m.EnsureOutcome("reused")

	core := &stubCore{report: &gateway.StatusReport{}}
	base := startTestServer(t, core, noProxy(t), WithRegistry(m.Registry()))

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "moltgate_ensure_total")
}

func TestLogStream(t *testing.T) {
	follow := make(chan sandbox.LogChunk, 4)
	follow <- sandbox.LogChunk{Stream: "stdout", Data: []byte("live out")}
	follow <- sandbox.LogChunk{Stream: "stderr", Data: []byte("live err")}
	close(follow)

	core := &stubCore{
		logs:   &sandbox.ProcessLogs{Stdout: "replayed out", Stderr: "replayed err"},
		follow: follow,
	}
	base := startTestServer(t, core, noProxy(t))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wsURL := "ws" + base[len("http"):]
	c, _, err := websocket.Dial(ctx, wsURL+"/logs/stream", nil)
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")

	var replayOut, replayErr, liveOut, liveErr []byte
	for {
		var msg LogStreamMessage
		require.NoError(t, wsjson.Read(ctx, c, &msg))
		if msg.Done {
			break
		}
		switch {
		case msg.Replay && len(msg.Stdout) > 0:
			assert.Empty(t, liveOut, "replay must precede live output")
			replayOut = append(replayOut, msg.Stdout...)
		case msg.Replay && len(msg.Stderr) > 0:
			replayErr = append(replayErr, msg.Stderr...)
		case len(msg.Stdout) > 0:
			liveOut = append(liveOut, msg.Stdout...)
		case len(msg.Stderr) > 0:
			liveErr = append(liveErr, msg.Stderr...)
		}
	}

	assert.Equal(t, "replayed out", string(replayOut))
	assert.Equal(t, "replayed err", string(replayErr))
	assert.Equal(t, "live out", string(liveOut))
	assert.Equal(t, "live err", string(liveErr))
}

func TestLogStreamNotRunning(t *testing.T) {
	core := &stubCore{logsErr: gateway.ErrNotRunning}
	base := startTestServer(t, core, noProxy(t))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wsURL := "ws" + base[len("http"):]
	c, _, err := websocket.Dial(ctx, wsURL+"/logs/stream", nil)
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")

	var msg LogStreamMessage
	require.NoError(t, wsjson.Read(ctx, c, &msg))
	assert.True(t, msg.Done)
	assert.Contains(t, msg.Error, "not running")
}

func TestStopUnblocksRun(t *testing.T) {
	srv, err := New(&stubCore{report: &gateway.StatusReport{}}, noProxy(t), WithListenAddr("127.0.0.1:0"))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, srv.Stop())

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
