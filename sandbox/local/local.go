// Package local implements a sandbox.Environment that runs processes directly
// on the underlying host. Processes are not sandboxed from the rest of the
// host, so enumeration sees everything the host's process table sees. The
// main benefit is performance and zero external dependencies, which makes
// this the default driver and the one used for fast-feedback tests.
package local

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/moltworks/moltgate/internal/logbuf"
	"github.com/moltworks/moltgate/sandbox"
	"go.uber.org/zap"
)

const defaultGracePeriod = 5 * time.Second

// Environment runs processes on the local host.
type Environment struct {
	log      *zap.SugaredLogger
	procRoot string
	grace    time.Duration
	baseEnv  []string

	mut     sync.Mutex
	started map[int]*ownedProc
}

type Option func(e *Environment)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Environment) { e.log = l.Named("localenv") }
}

// WithGracePeriod sets how long Terminate waits between the polite signal and
// the forced kill.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Environment) { e.grace = d }
}

// WithProcRoot overrides the procfs mount point used for enumeration.
func WithProcRoot(dir string) Option {
	return func(e *Environment) { e.procRoot = dir }
}

func NewEnvironment(opts ...Option) (*Environment, error) {
	env := &Environment{
		log:      zap.NewNop().Sugar(),
		procRoot: "/proc",
		grace:    defaultGracePeriod,
		baseEnv:  os.Environ(),
		started:  map[int]*ownedProc{},
	}
	for _, o := range opts {
		o(env)
	}
	return env, nil
}

// ListProcesses walks the process table. Entries that vanish mid-scan are
// skipped rather than reported as errors.
func (e *Environment) ListProcesses(ctx context.Context) ([]sandbox.Process, error) {
	entries, err := os.ReadDir(e.procRoot)
	if err != nil {
		return nil, fmt.Errorf("reading process table: %w", err)
	}
	var procs []sandbox.Process
	for _, ent := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pid, err := strconv.Atoi(ent.Name())
		if err != nil {
			continue
		}
		cmdline, err := os.ReadFile(filepath.Join(e.procRoot, ent.Name(), "cmdline"))
		if err != nil {
			continue
		}
		command := commandFromCmdline(cmdline)
		if command == "" {
			// kernel threads have an empty cmdline
			continue
		}

		e.mut.Lock()
		owned := e.started[pid]
		e.mut.Unlock()
		if owned != nil {
			procs = append(procs, owned)
			continue
		}
		procs = append(procs, &foreignProc{env: e, pid: pid, command: command})
	}
	return procs, nil
}

// StartProcess launches the command with output capture. The child's lifetime
// is owned by the environment, not by ctx, so this never uses CommandContext;
// ctx only gates the launch itself.
func (e *Environment) StartProcess(ctx context.Context, req sandbox.StartProcessRequest) (sandbox.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stdout := logbuf.New(logbuf.DefaultCap)
	stderr := logbuf.New(logbuf.DefaultCap)

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Env = append(append([]string{}, e.baseEnv...), req.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launching %q: %w", req.Command, err)
	}

	p := &ownedProc{
		env:     e,
		pid:     cmd.Process.Pid,
		command: req.CommandLine(),
		cmd:     cmd,
		stdout:  stdout,
		stderr:  stderr,
		done:    make(chan struct{}),
	}

	e.mut.Lock()
	e.started[p.pid] = p
	e.mut.Unlock()

	// reap the process, record its exit status, and retire the table entry
	// so a recycled pid is never answered with this dead handle
	go func() {
		err := cmd.Wait()
		code := 0
		var waitErr error
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
				waitErr = err
			}
		}
		stdout.Close()
		stderr.Close()
		p.mut.Lock()
		p.exitCode = code
		p.waitErr = waitErr
		p.mut.Unlock()
		close(p.done)
		e.mut.Lock()
		delete(e.started, p.pid)
		e.mut.Unlock()
		e.log.Debugw("process exited", "pid", p.pid, "exit_code", code)
	}()

	e.log.Debugw("started process", "pid", p.pid, "command", p.command)
	return p, nil
}

func (e *Environment) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

// commandFromCmdline renders a procfs cmdline (NUL-separated argv) as a
// space-joined command line.
func commandFromCmdline(b []byte) string {
	s := strings.TrimRight(string(b), "\x00")
	return strings.ReplaceAll(s, "\x00", " ")
}

// statusFromStatChar maps a procfs stat state character to a status.
func statusFromStatChar(c byte) sandbox.ProcessStatus {
	switch c {
	case 'R', 'S', 'D', 'I':
		return sandbox.StatusRunning
	case 'Z', 'X', 'x':
		return sandbox.StatusExited
	default:
		return sandbox.StatusUnknown
	}
}

// readStatState returns the state character from /proc/<pid>/stat. The comm
// field can itself contain spaces and parens, so the state is located after
// the last ')'.
func readStatState(procRoot string, pid int) (byte, error) {
	b, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, err
	}
	s := string(b)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	return s[i+2], nil
}

// dead reports whether the pid no longer refers to a live process. Zombies
// count as dead: they hold the pid but can do no further work.
func (e *Environment) dead(pid int) bool {
	err := syscall.Kill(pid, 0)
	if errors.Is(err, syscall.ESRCH) {
		return true
	}
	c, err := readStatState(e.procRoot, pid)
	if err != nil {
		return os.IsNotExist(err)
	}
	return c == 'Z' || c == 'X' || c == 'x'
}

// terminatePID signals SIGTERM, waits out the grace period, then escalates to
// SIGKILL. Signaling a process that is already gone is not an error.
func (e *Environment) terminatePID(ctx context.Context, pid int) error {
	err := syscall.Kill(pid, syscall.SIGTERM)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("signaling pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(e.grace)
	for time.Now().Before(deadline) {
		if e.dead(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	e.log.Debugw("escalating to SIGKILL", "pid", pid)
	err = syscall.Kill(pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing pid %d: %w", pid, err)
	}
	for i := 0; i < 50; i++ {
		if e.dead(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("pid %d still alive after SIGKILL", pid)
}

// ownedProc is a process this environment launched; its output is captured
// and its exit status observed directly via wait.
type ownedProc struct {
	env     *Environment
	pid     int
	command string
	cmd     *exec.Cmd
	stdout  *logbuf.Buffer
	stderr  *logbuf.Buffer

	mut      sync.Mutex
	done     chan struct{}
	exitCode int
	waitErr  error
}

func (p *ownedProc) ID() string      { return strconv.Itoa(p.pid) }
func (p *ownedProc) Command() string { return p.command }

func (p *ownedProc) Status(ctx context.Context) (sandbox.ProcessStatus, error) {
	select {
	case <-p.done:
	default:
		return sandbox.StatusRunning, nil
	}
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.waitErr != nil || p.exitCode != 0 {
		return sandbox.StatusFailed, nil
	}
	return sandbox.StatusExited, nil
}

func (p *ownedProc) Terminate(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	if err != nil {
		// already reaped between the check and the signal
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.env.grace):
	}

	p.env.log.Debugw("escalating to SIGKILL", "pid", p.pid)
	p.cmd.Process.Kill()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ownedProc) Logs(ctx context.Context) (*sandbox.ProcessLogs, error) {
	return &sandbox.ProcessLogs{
		Stdout: string(p.stdout.Snapshot()),
		Stderr: string(p.stderr.Snapshot()),
	}, nil
}

func (p *ownedProc) Subscribe(ctx context.Context) (<-chan sandbox.LogChunk, func(), error) {
	outCh, cancelOut := p.stdout.Subscribe(ctx)
	errCh, cancelErr := p.stderr.Subscribe(ctx)

	ch := make(chan sandbox.LogChunk, 16)
	var wg sync.WaitGroup
	wg.Add(2)
	forward := func(src <-chan []byte, stream string) {
		defer wg.Done()
		for data := range src {
			select {
			case ch <- sandbox.LogChunk{Stream: stream, Data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
	go forward(outCh, "stdout")
	go forward(errCh, "stderr")
	go func() {
		wg.Wait()
		close(ch)
	}()

	cancel := func() {
		cancelOut()
		cancelErr()
	}
	return ch, cancel, nil
}

// foreignProc is a process discovered in the process table that this
// environment did not launch. Its output was never captured, and its status
// comes from procfs.
type foreignProc struct {
	env     *Environment
	pid     int
	command string
}

func (p *foreignProc) ID() string      { return strconv.Itoa(p.pid) }
func (p *foreignProc) Command() string { return p.command }

func (p *foreignProc) Status(ctx context.Context) (sandbox.ProcessStatus, error) {
	c, err := readStatState(p.env.procRoot, p.pid)
	if err != nil {
		if os.IsNotExist(err) {
			return sandbox.StatusExited, nil
		}
		return sandbox.StatusUnknown, fmt.Errorf("reading status of pid %d: %w", p.pid, err)
	}
	return statusFromStatChar(c), nil
}

func (p *foreignProc) Terminate(ctx context.Context) error {
	return p.env.terminatePID(ctx, p.pid)
}

func (p *foreignProc) Logs(ctx context.Context) (*sandbox.ProcessLogs, error) {
	return nil, sandbox.ErrNoLogs
}

func (p *foreignProc) Subscribe(ctx context.Context) (<-chan sandbox.LogChunk, func(), error) {
	return nil, nil, sandbox.ErrNoLogs
}
