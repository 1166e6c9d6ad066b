package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/moltworks/moltgate/gateway"
	"github.com/moltworks/moltgate/internal/tlsutil"
	"github.com/moltworks/moltgate/sandbox"
	"github.com/moltworks/moltgate/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(strings.TrimPrefix(srv.URL, "http://"), WithWaitInterval(10*time.Millisecond))
	require.NoError(t, err)
	return c
}

func TestHealth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gateway.StatusReport{
			Found:     true,
			ProcessID: "77",
			Status:    "running",
			Reachable: true,
			Port:      18789,
		})
	})
	c := newTestClient(t, mux)

	rep, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Found)
	assert.True(t, rep.Reachable)
	assert.Equal(t, "77", rep.ProcessID)
	assert.Equal(t, 18789, rep.Port)
}

func TestHealthServerGone(t *testing.T) {
	c, err := New("127.0.0.1:1", WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = c.Health(ctx)
	require.Error(t, err)
}

func TestLogs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/logs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sandbox.ProcessLogs{Stdout: "gateway listening", Stderr: "warn: slow disk"})
	})
	c := newTestClient(t, mux)

	logs, err := c.Logs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gateway listening", logs.Stdout)
	assert.Equal(t, "warn: slow disk", logs.Stderr)
}

func TestLogsNoGateway(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/logs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "gateway is not running"})
	})
	c := newTestClient(t, mux)

	_, err := c.Logs(context.Background())
	require.ErrorIs(t, err, ErrNoGateway)
	assert.Contains(t, err.Error(), "gateway is not running")
}

func TestLogsUnexpectedStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/logs", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no coffee here", http.StatusTeapot)
	})
	c := newTestClient(t, mux)

	_, err := c.Logs(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "418")
	assert.Contains(t, err.Error(), "no coffee here")
}

func TestWaitForReady(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Add("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gateway.StatusReport{Found: true, Reachable: n >= 3})
	})
	c := newTestClient(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForReady(ctx))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestWaitForReadyContextExpires(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gateway.StatusReport{})
	})
	c := newTestClient(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.WaitForReady(ctx), context.DeadlineExceeded)
}

type staticCore struct {
	report *gateway.StatusReport
}

func (c *staticCore) Status(ctx context.Context) *gateway.StatusReport { return c.report }

func (c *staticCore) Logs(ctx context.Context) (*sandbox.ProcessLogs, error) {
	return &sandbox.ProcessLogs{}, nil
}

func (c *staticCore) FollowLogs(ctx context.Context) (<-chan sandbox.LogChunk, func(), error) {
	ch := make(chan sandbox.LogChunk)
	close(ch)
	return ch, func() {}, nil
}

func TestHealthOverTLS(t *testing.T) {
	certPEM, keyPEM, err := tlsutil.SelfSigned("127.0.0.1")
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

	srv, err := server.New(
		&staticCore{report: &gateway.StatusReport{Found: true, Reachable: true}},
		http.NotFoundHandler(),
		server.WithListenAddr("127.0.0.1:0"),
		server.WithTLS(certFile, keyFile),
	)
	require.NoError(t, err)
	go srv.Run()
	t.Cleanup(func() { srv.Stop() })
	require.Eventually(t, func() bool { return srv.Addr() != "" }, 5*time.Second, 10*time.Millisecond)

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(certPEM))

	c, err := New(srv.Addr(), WithTLSClientConfig(&tls.Config{RootCAs: pool}))
	require.NoError(t, err)

	rep, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Found)
	assert.True(t, rep.Reachable)
}

func TestFollowLogs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/logs/stream", func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		wsjson.Write(ctx, wsConn, &server.LogStreamMessage{Stdout: []byte("earlier output"), Replay: true})
		wsjson.Write(ctx, wsConn, &server.LogStreamMessage{Stderr: []byte("fresh trouble")})
		wsjson.Write(ctx, wsConn, &server.LogStreamMessage{Done: true})
		wsConn.Close(websocket.StatusNormalClosure, "")
	})
	c := newTestClient(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ch, err := c.FollowLogs(ctx)
	require.NoError(t, err)

	var msgs []server.LogStreamMessage
	for msg := range ch {
		msgs = append(msgs, msg)
	}
	require.Len(t, msgs, 3)
	assert.True(t, msgs[0].Replay)
	assert.Equal(t, "earlier output", string(msgs[0].Stdout))
	assert.Equal(t, "fresh trouble", string(msgs[1].Stderr))
	assert.True(t, msgs[2].Done)
}
