// Package client is a Go client for the moltgate control API. The CLI's
// status and logs commands are built on it, and it is usable standalone by
// anything that wants to ask a running moltgate about its gateway.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/moltworks/moltgate/gateway"
	"github.com/moltworks/moltgate/sandbox"
	"github.com/moltworks/moltgate/server"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrNoGateway is returned by Logs when the server has no gateway output to
// report, either because no gateway is running or because its output was not
// captured by this supervisor.
var ErrNoGateway = errors.New("no gateway output available")

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	wsBaseURL                string
	tlsClientConfig          *tls.Config
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration
}

type Option func(c *Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.Logger = l.Named("moltgate_client").Sugar()
	}
}

// WithWaitInterval sets the polling interval used by WaitForReady.
func WithWaitInterval(d time.Duration) Option {
	return func(c *Client) {
		c.waitInterval = d
	}
}

// WithTLSClientConfig switches the client to HTTPS using the given config.
func WithTLSClientConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		c.tlsClientConfig = cfg
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// New builds a client for the moltgate server at addr (host:port).
func New(addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("a server address is required")
	}

	c := &Client{
		Logger:       zap.NewNop().Named("moltgate_client").Sugar(),
		waitInterval: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(c)
	}

	scheme, wsScheme := "http", "ws"
	if c.tlsClientConfig != nil {
		scheme, wsScheme = "https", "wss"
	}
	c.baseURL = fmt.Sprintf("%s://%s", scheme, addr)
	c.wsBaseURL = fmt.Sprintf("%s://%s", wsScheme, addr)

	dialer := &net.Dialer{Timeout: 5 * time.Second}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:     dialer.DialContext,
			MaxConnsPerHost: 0,
			TLSClientConfig: c.tlsClientConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	r.Close = true
}

// Health fetches the supervisor's view of the gateway.
func (c *Client) Health(ctx context.Context) (*gateway.StatusReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	c.prepReq(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected health status code %d", resp.StatusCode)
	}

	rep := &gateway.StatusReport{}
	if err := json.NewDecoder(resp.Body).Decode(rep); err != nil {
		return nil, fmt.Errorf("decoding health report: %w", err)
	}
	return rep, nil
}

// Logs fetches the gateway's captured output, returning ErrNoGateway when the
// server has none to offer.
func (c *Client) Logs(ctx context.Context) (*sandbox.ProcessLogs, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/logs", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	c.prepReq(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		var errBody struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&errBody) == nil && errBody.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrNoGateway, errBody.Error)
		}
		return nil, ErrNoGateway
	}
	if resp.StatusCode != http.StatusOK {
		var body string
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			body = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			body = string(b)
		}
		return nil, fmt.Errorf("non-200 HTTP status code %d received when fetching logs: %s", resp.StatusCode, body)
	}

	logs := &sandbox.ProcessLogs{}
	if err := json.NewDecoder(resp.Body).Decode(logs); err != nil {
		return nil, fmt.Errorf("decoding logs: %w", err)
	}
	return logs, nil
}

// FollowLogs opens the log stream and delivers its messages on the returned
// channel. The channel is closed when the stream ends, the context is
// canceled, or the connection drops. The last message before a server-side
// close has Done set, with Error filled if the stream could not be served.
func (c *Client) FollowLogs(ctx context.Context) (<-chan server.LogStreamMessage, error) {
	u := c.wsBaseURL + "/logs/stream"

	c.Logger.Debugw("dialing log stream", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}

	ch := make(chan server.LogStreamMessage)
	go func() {
		defer close(ch)
		defer wsConn.Close(websocket.StatusNormalClosure, "")
		for {
			var msg server.LogStreamMessage
			if err := wsjson.Read(ctx, wsConn, &msg); err != nil {
				c.Logger.Debugf("log stream read error: %s", err)
				return
			}
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
			if msg.Done {
				return
			}
		}
	}()
	return ch, nil
}

// WaitForReady polls Health until the gateway reports reachable or the
// context expires.
func (c *Client) WaitForReady(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rep, err := c.Health(ctx)
			if err != nil {
				c.Logger.Debugf("got health check error: %s", err)
				continue
			}
			if rep.Reachable {
				c.Logger.Debug("gateway reachable, done waiting")
				return nil
			}
			c.Logger.Debugw("gateway not reachable yet", "found", rep.Found, "status", rep.Status)
		}
	}
}
