// Package proxy routes inbound HTTP traffic to the supervised gateway. Every
// request first ensures a serving gateway exists, then either splices the
// connection through as a raw TCP tunnel (WebSocket upgrades, so the gateway
// performs its own protocol negotiation) or forwards it as a buffered HTTP
// request.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/moltworks/moltgate/gateway"
	"github.com/moltworks/moltgate/sandbox"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Backend supplies a ready gateway and connections to it. *gateway.Supervisor
// satisfies this.
type Backend interface {
	Ensure(ctx context.Context) (sandbox.Process, error)
	Dial(ctx context.Context) (net.Conn, error)
}

// Proxy is an http.Handler that relays everything it receives to the
// gateway.
type Proxy struct {
	log     *zap.SugaredLogger
	backend Backend
	client  *http.Client

	registry *prometheus.Registry
	requests *prometheus.CounterVec
	failures *prometheus.CounterVec
}

type Option func(p *Proxy)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(p *Proxy) { p.log = l.Named("proxy") }
}

// WithRegistry registers the proxy's counters on an existing registry
// instead of a private one.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(p *Proxy) { p.registry = reg }
}

func New(backend Backend, opts ...Option) (*Proxy, error) {
	if backend == nil {
		return nil, errors.New("a backend is required")
	}
	p := &Proxy{
		log:     zap.NewNop().Sugar(),
		backend: backend,
	}
	for _, o := range opts {
		o(p)
	}
	if p.registry == nil {
		p.registry = prometheus.NewRegistry()
	}

	p.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "moltgate",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Total proxied requests by mode (tunnel, forward)",
		},
		[]string{"mode"},
	)
	p.failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "moltgate",
			Subsystem: "proxy",
			Name:      "failures_total",
			Help:      "Total proxy failures by stage (ensure, dial, forward, tunnel)",
		},
		[]string{"stage"},
	)
	p.registry.MustRegister(p.requests, p.failures)

	// The transport reaches the gateway exclusively through the backend's
	// dialer; the URL host is routing-irrelevant. Compression stays off so
	// bodies pass through exactly as the gateway sent them.
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return p.backend.Dial(ctx)
		},
		DisableCompression: true,
	}
	p.client = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// redirects belong to the caller, not the proxy
			return http.ErrUseLastResponse
		},
	}

	return p, nil
}

// IsWebSocketUpgrade reports whether the request asks for a WebSocket
// upgrade. Only the Upgrade header decides, compared case-insensitively;
// requests lacking it are plain HTTP no matter what else they carry.
func IsWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := p.log.With("req_id", uuid.NewString(), "method", r.Method, "path", r.URL.Path)

	proc, err := p.backend.Ensure(r.Context())
	if err != nil {
		p.failures.WithLabelValues("ensure").Inc()
		log.Warnw("gateway unavailable", "err", err)
		p.writeFailure(w, err)
		return
	}
	if proc != nil {
		log = log.With("gateway_pid", proc.ID())
	}

	if IsWebSocketUpgrade(r) {
		p.requests.WithLabelValues("tunnel").Inc()
		p.tunnel(w, r, log)
		return
	}
	p.requests.WithLabelValues("forward").Inc()
	p.forward(w, r, log)
}

// tunnel splices the caller's connection to the gateway byte-for-byte. The
// original request is replayed to the gateway first, so the gateway sees the
// upgrade exactly as the caller sent it and negotiates it itself.
func (p *Proxy) tunnel(w http.ResponseWriter, r *http.Request, log *zap.SugaredLogger) {
	backendConn, err := p.backend.Dial(r.Context())
	if err != nil {
		p.failures.WithLabelValues("dial").Inc()
		log.Warnw("tunnel dial error", "err", err)
		p.writeFailure(w, err)
		return
	}

	if err := r.Write(backendConn); err != nil {
		backendConn.Close()
		p.failures.WithLabelValues("tunnel").Inc()
		log.Warnw("tunnel request replay error", "err", err)
		p.writeFailure(w, err)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		backendConn.Close()
		p.failures.WithLabelValues("tunnel").Inc()
		log.Warnw("tunnel unavailable: response writer does not support hijacking")
		http.Error(w, "tunneling unsupported", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		backendConn.Close()
		p.failures.WithLabelValues("tunnel").Inc()
		log.Warnw("tunnel hijack error", "err", err)
		return
	}

	log.Debugw("tunnel established")

	// bytes the server already buffered from the caller belong to the
	// gateway
	if n := clientBuf.Reader.Buffered(); n > 0 {
		if _, err := io.CopyN(backendConn, clientBuf.Reader, int64(n)); err != nil {
			backendConn.Close()
			clientConn.Close()
			return
		}
	}

	go func() {
		defer backendConn.Close()
		defer clientConn.Close()
		_, err := io.Copy(backendConn, clientConn)
		if err != nil {
			log.Debugw("tunnel copy to gateway ended", "err", err)
		}
	}()
	_, err = io.Copy(clientConn, backendConn)
	if err != nil {
		log.Debugw("tunnel copy to client ended", "err", err)
	}
	backendConn.Close()
	clientConn.Close()
}

// forward relays a buffered HTTP exchange. Method, path, query, headers and
// body travel to the gateway unchanged, and the response comes back the same
// way; redirects pass through untouched.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, log *zap.SugaredLogger) {
	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	outReq.URL.Scheme = "http"
	outReq.URL.Host = r.Host
	if outReq.URL.Host == "" {
		outReq.URL.Host = "molt-gateway"
	}

	resp, err := p.client.Do(outReq)
	if err != nil {
		p.failures.WithLabelValues("forward").Inc()
		log.Warnw("forward error", "err", err)
		p.writeFailure(w, err)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Debugw("forward response copy ended", "err", err)
	}
}

type failureBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
	Stderr string `json:"stderr,omitempty"`
	Hint   string `json:"hint,omitempty"`
}

// writeFailure renders a gateway failure as structured JSON. Readiness
// timeouts map to 504, everything else to 502.
func (p *Proxy) writeFailure(w http.ResponseWriter, err error) {
	body := failureBody{Error: "gateway unavailable", Detail: err.Error()}

	var startupErr *gateway.StartupError
	if errors.As(err, &startupErr) {
		body.Error = "gateway startup failed"
		body.Detail = startupErr.Reason
		if startupErr.Err != nil {
			body.Detail = fmt.Sprintf("%s: %s", startupErr.Reason, startupErr.Err)
		}
		body.Stderr = startupErr.Stderr
		body.Hint = startupErr.Hint
	}

	status := http.StatusBadGateway
	var timeoutErr *gateway.ReadinessTimeoutError
	if errors.As(err, &timeoutErr) {
		status = http.StatusGatewayTimeout
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		p.log.Debugw("error writing failure response", "err", encErr)
	}
}
