package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/moltworks/moltgate/config"
	"github.com/moltworks/moltgate/sandbox"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNotRunning is returned by the diagnostic operations when no gateway
// process exists.
var ErrNotRunning = errors.New("gateway is not running")

// Supervisor owns the find-or-start-restart lifecycle of the gateway
// process. It holds no process handle between calls: every Ensure starts
// from the environment's process table, so a gateway started by a previous
// supervisor run (or killed behind our back) is handled the same as our own.
type Supervisor struct {
	log        *zap.SugaredLogger
	env        sandbox.Environment
	port       int
	command    string
	args       []string
	secrets    *config.Secrets
	signatures []string
	metrics    *Metrics

	shortProbeTimeout  time.Duration
	launchProbeTimeout time.Duration
	probeInterval      time.Duration
	terminateTimeout   time.Duration

	// flights coalesces concurrent Ensure calls into one lifecycle pass.
	// The pass runs on baseCtx, not on any caller's context: a caller that
	// gives up releases only itself, never the shared launch.
	flights singleflight.Group
	baseCtx context.Context
}

type Option func(s *Supervisor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Supervisor) { s.log = l.Named("supervisor") }
}

// WithPort overrides the gateway service port, for tests that stand up a
// listener on an ephemeral port.
func WithPort(port int) Option {
	return func(s *Supervisor) { s.port = port }
}

func WithCommand(command string, args ...string) Option {
	return func(s *Supervisor) {
		s.command = command
		s.args = args
	}
}

func WithSecrets(sec *config.Secrets) Option {
	return func(s *Supervisor) { s.secrets = sec }
}

func WithSignatures(signatures ...string) Option {
	return func(s *Supervisor) { s.signatures = signatures }
}

func WithProbeTimeouts(short, launch time.Duration) Option {
	return func(s *Supervisor) {
		s.shortProbeTimeout = short
		s.launchProbeTimeout = launch
	}
}

func WithProbeInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.probeInterval = d }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

func New(env sandbox.Environment, opts ...Option) (*Supervisor, error) {
	if env == nil {
		return nil, errors.New("an environment is required")
	}
	s := &Supervisor{
		log:                zap.NewNop().Sugar(),
		env:                env,
		port:               Port,
		command:            DefaultCommand,
		args:               []string{DefaultScript},
		signatures:         DefaultSignatures,
		shortProbeTimeout:  DefaultShortProbeTimeout,
		launchProbeTimeout: DefaultLaunchProbeTimeout,
		probeInterval:      DefaultProbeInterval,
		terminateTimeout:   30 * time.Second,
		baseCtx:            context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Port returns the gateway service port.
func (s *Supervisor) Port() int { return s.port }

// Dial opens a connection to the gateway's service port inside the
// environment.
func (s *Supervisor) Dial(ctx context.Context) (net.Conn, error) {
	return s.env.Dial(ctx, "tcp", s.addr())
}

// Ensure returns a gateway process that was accepting TCP connections
// moments ago, reusing, restarting or launching as needed. Concurrent calls
// share one underlying pass; ctx releases the caller but never aborts a
// shared pass in flight.
func (s *Supervisor) Ensure(ctx context.Context) (sandbox.Process, error) {
	ch := s.flights.DoChan("ensure", func() (interface{}, error) {
		return s.ensure(s.baseCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(sandbox.Process), nil
	}
}

func (s *Supervisor) ensure(ctx context.Context) (sandbox.Process, error) {
	start := time.Now()
	defer func() { s.metrics.EnsureDuration(time.Since(start)) }()

	restart := false
	if p := Find(ctx, s.env, s.signatures, s.log); p != nil {
		probeStart := time.Now()
		err := waitReachable(ctx, s.env, s.port, s.shortProbeTimeout, s.probeInterval, nil)
		s.metrics.ProbeDuration(time.Since(probeStart))
		if err == nil {
			s.log.Debugw("gateway already serving", "pid", p.ID())
			s.metrics.EnsureOutcome("reused")
			return p, nil
		}

		s.log.Warnw("gateway process exists but is not serving, restarting", "pid", p.ID(), "err", err)
		termCtx, cancel := context.WithTimeout(ctx, s.terminateTimeout)
		if terr := p.Terminate(termCtx); terr != nil {
			// recoverable: the replacement launch proceeds regardless
			s.log.Warnw("could not terminate stale gateway", "pid", p.ID(), "err", terr)
		}
		cancel()
		restart = true
		s.metrics.Restart()
	}

	req := sandbox.StartProcessRequest{Command: s.command, Args: s.args}
	if s.secrets != nil {
		req.Env = s.secrets.GatewayEnv()
	}
	s.log.Infow("starting gateway", "command", req.CommandLine(), "restart", restart)
	p, err := s.env.StartProcess(ctx, req)
	if err != nil {
		s.metrics.EnsureOutcome("failed")
		return nil, &StartupError{
			Reason: "launch failed",
			Err:    err,
			Stderr: NoStderrPlaceholder,
			Hint:   Hint(s.missingCredential(), ""),
		}
	}

	probeStart := time.Now()
	err = waitReachable(ctx, s.env, s.port, s.launchProbeTimeout, s.probeInterval, s.aliveCheck(p))
	s.metrics.ProbeDuration(time.Since(probeStart))
	if err != nil {
		stdout, stderr := s.captureOutput(ctx, p)
		s.metrics.EnsureOutcome("failed")
		return nil, &StartupError{
			Reason: "gateway did not become ready",
			Err:    err,
			Stderr: orPlaceholder(stderr),
			Hint:   Hint(s.missingCredential(), stdout+"\n"+stderr),
		}
	}

	if logs, lerr := p.Logs(ctx); lerr == nil {
		s.log.Debugw("gateway startup output", "stdout", tail(logs.Stdout, 2048))
	}
	s.log.Infow("gateway ready", "pid", p.ID(), "port", s.port)
	s.metrics.EnsureOutcome("started")
	return p, nil
}

// aliveCheck aborts a launch probe as soon as the new process dies, so the
// caller gets the exit diagnosis instead of a full timeout.
func (s *Supervisor) aliveCheck(p sandbox.Process) func(context.Context) error {
	return func(ctx context.Context) error {
		st, err := p.Status(ctx)
		if err != nil || st.Alive() {
			return nil
		}
		return fmt.Errorf("gateway process exited during startup (status %s)", st)
	}
}

// missingCredential reports the required credential absent from the
// configured secrets, or "" when no secrets are managed here. The secrets are
// never a launch precondition; their absence only sharpens failure hints.
func (s *Supervisor) missingCredential() string {
	if s.secrets == nil {
		return ""
	}
	return s.secrets.MissingCredential()
}

// captureOutput fetches whatever the process wrote, best-effort. A capture
// failure is logged and yields empty output; it never masks the startup
// error being reported.
func (s *Supervisor) captureOutput(ctx context.Context, p sandbox.Process) (stdout, stderr string) {
	logs, err := p.Logs(ctx)
	if err != nil {
		s.log.Warnw("could not capture gateway output", "pid", p.ID(), "err", err)
		return "", ""
	}
	return logs.Stdout, logs.Stderr
}

// StatusReport is a point-in-time snapshot of the gateway's state.
type StatusReport struct {
	Found     bool   `json:"found"`
	ProcessID string `json:"process_id,omitempty"`
	Command   string `json:"command,omitempty"`
	Status    string `json:"status,omitempty"`
	Reachable bool   `json:"reachable"`
	Port      int    `json:"port"`
}

// Status inspects the gateway without starting, probing at length, or
// stopping anything. Reachability is a single connection attempt.
func (s *Supervisor) Status(ctx context.Context) *StatusReport {
	rep := &StatusReport{Port: s.port}
	if p := Find(ctx, s.env, s.signatures, s.log); p != nil {
		rep.Found = true
		rep.ProcessID = p.ID()
		rep.Command = p.Command()
		if st, err := p.Status(ctx); err == nil {
			rep.Status = st.String()
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, dialAttemptTimeout)
	defer cancel()
	conn, err := s.env.Dial(attemptCtx, "tcp", s.addr())
	if err == nil {
		conn.Close()
		rep.Reachable = true
	}
	return rep
}

// Logs returns the captured output of the current gateway process.
func (s *Supervisor) Logs(ctx context.Context) (*sandbox.ProcessLogs, error) {
	p := Find(ctx, s.env, s.signatures, s.log)
	if p == nil {
		return nil, ErrNotRunning
	}
	return p.Logs(ctx)
}

// FollowLogs subscribes to the current gateway process's live output.
func (s *Supervisor) FollowLogs(ctx context.Context) (<-chan sandbox.LogChunk, func(), error) {
	p := Find(ctx, s.env, s.signatures, s.log)
	if p == nil {
		return nil, nil, ErrNotRunning
	}
	return p.Subscribe(ctx)
}

func (s *Supervisor) addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(s.port))
}

func orPlaceholder(stderr string) string {
	if stderr == "" {
		return NoStderrPlaceholder
	}
	return stderr
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
