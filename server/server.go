// Package server exposes moltgate's HTTP surface: a small diagnostic API
// (health, captured logs, live log streaming, metrics) with every other
// request falling through to the gateway proxy.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"
	"github.com/moltworks/moltgate/gateway"
	"github.com/moltworks/moltgate/sandbox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Core is the supervisor surface the diagnostic endpoints read from.
// *gateway.Supervisor satisfies it.
type Core interface {
	Status(ctx context.Context) *gateway.StatusReport
	Logs(ctx context.Context) (*sandbox.ProcessLogs, error)
	FollowLogs(ctx context.Context) (<-chan sandbox.LogChunk, func(), error)
}

// Server serves the diagnostic API and hands everything else to the proxy.
type Server struct {
	log        *zap.SugaredLogger
	core       Core
	proxy      http.Handler
	registry   *prometheus.Registry
	listenAddr string
	certFile   string
	keyFile    string

	mut        sync.Mutex
	listener   net.Listener
	httpServer *http.Server
}

type Option func(s *Server)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) { s.log = l.Named("server") }
}

func WithListenAddr(addr string) Option {
	return func(s *Server) { s.listenAddr = addr }
}

// WithTLS serves the listen address over TLS with the given cert and key
// files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithRegistry exposes the given registry on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

func New(core Core, proxy http.Handler, opts ...Option) (*Server, error) {
	if core == nil {
		return nil, errors.New("a supervisor core is required")
	}
	if proxy == nil {
		return nil, errors.New("a proxy handler is required")
	}
	s := &Server{
		log:        zap.NewNop().Sugar(),
		core:       core,
		proxy:      proxy,
		listenAddr: "0.0.0.0:8080",
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Run listens and serves until Stop is called. It returns nil on a clean
// shutdown.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	router := httprouter.New()
	router.GET("/healthz", s.health)
	router.GET("/logs", s.logs)
	router.GET("/logs/stream", s.logStream)
	if s.registry != nil {
		router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	// the diagnostic surface claims only its exact routes; everything
	// else, including other methods on those paths, belongs to the gateway
	router.NotFound = s.proxy
	router.MethodNotAllowed = s.proxy

	server := &http.Server{Handler: router}

	s.mut.Lock()
	s.listener = ln
	s.httpServer = server
	s.mut.Unlock()

	s.log.Infow("listening", "addr", ln.Addr().String(), "tls", s.certFile != "")

	if s.certFile != "" && s.keyFile != "" {
		err = server.ServeTLS(ln, s.certFile, s.keyFile)
	} else {
		err = server.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound listen address, or "" before Run has bound it.
func (s *Server) Addr() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop() error {
	s.mut.Lock()
	server := s.httpServer
	s.mut.Unlock()
	if server == nil {
		return nil
	}
	return server.Close()
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	rep := s.core.Status(r.Context())
	s.writeJSON(w, http.StatusOK, rep)
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	logs, err := s.core.Logs(r.Context())
	if err != nil {
		s.writeJSON(w, logsErrStatus(err), map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, logs)
}

func logsErrStatus(err error) int {
	if errors.Is(err, gateway.ErrNotRunning) || errors.Is(err, sandbox.ErrNoLogs) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}
