// Package docker implements a sandbox.Environment backed by a Docker
// container. The underlying host must have a Docker daemon running; standard
// environment variables for configuring the Docker client (DOCKER_HOST etc.)
// are supported.
//
// The container itself is a long-lived holder (its entrypoint just sleeps);
// processes are launched into it as execs so that their lifecycle is
// independent of the container's.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/moltworks/moltgate/internal/logbuf"
	"github.com/moltworks/moltgate/internal/netutil"
	"github.com/moltworks/moltgate/sandbox"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

const defaultGracePeriod = 5 * time.Second

// CreateContainerConfig is passed to the CreateContainerConfig callback to
// customize the holder container before it is created.
type CreateContainerConfig struct {
	Name             string
	ContainerConfig  *container.Config
	HostConfig       *container.HostConfig
	NetworkingConfig *network.NetworkingConfig
	Platform         *specs.Platform
}

// Environment runs processes inside a Docker container.
type Environment struct {
	Log                   *zap.SugaredLogger
	BaseImage             string
	ContainerName         string
	DockerClient          *client.Client
	RemoveContainer       bool
	GracePeriod           time.Duration
	PublishPorts          []int
	CreateContainerConfig func(*CreateContainerConfig) error

	mut         sync.Mutex
	containerID string
	containerIP string
	hostPorts   map[int]int
	started     map[string]*execProc

	// pullMut serializes image pulls without holding e.mut for the
	// duration of a pull
	pullMut     sync.Mutex
	imagePulled bool
}

func NewEnvironment() (*Environment, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	return &Environment{
		Log:           zap.NewNop().Sugar(),
		BaseImage:     "moltworks/molt-gateway",
		ContainerName: "moltgate-sandbox",
		DockerClient:  dockerClient,
		GracePeriod:   defaultGracePeriod,
		hostPorts:     map[int]int{},
		started:       map[string]*execProc{},
	}, nil
}

func (e *Environment) WithLogger(l *zap.SugaredLogger) *Environment {
	e.Log = l.Named("dockerenv")
	return e
}

func (e *Environment) WithBaseImage(img string) *Environment {
	e.BaseImage = img
	return e
}

func (e *Environment) WithContainerName(name string) *Environment {
	e.ContainerName = name
	return e
}

// WithPublishPorts publishes the given container ports to ephemeral host
// ports at container creation. Dial then uses the published port instead of
// the container IP, which is required on hosts where the bridge network is
// not directly routable.
func (e *Environment) WithPublishPorts(ports ...int) *Environment {
	e.PublishPorts = ports
	return e
}

func (e *Environment) WithCreateContainerConfig(f func(*CreateContainerConfig) error) *Environment {
	e.CreateContainerConfig = f
	return e
}

func (e *Environment) ensureImagePulled(ctx context.Context) error {
	e.pullMut.Lock()
	defer e.pullMut.Unlock()
	if e.imagePulled {
		return nil
	}
	out, err := e.DockerClient.ImagePull(ctx, e.BaseImage, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	if err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	e.imagePulled = true
	return nil
}

// resolveContainer finds the holder container by name and caches its ID,
// address and port bindings. It never creates the container.
func (e *Environment) resolveContainer(ctx context.Context) (string, error) {
	insp, err := e.DockerClient.ContainerInspect(ctx, e.ContainerName)
	if err != nil {
		return "", err
	}
	e.rememberContainer(insp)
	return insp.ID, nil
}

func (e *Environment) rememberContainer(insp types.ContainerJSON) {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.containerID = insp.ID
	if insp.NetworkSettings != nil {
		e.containerIP = insp.NetworkSettings.IPAddress
		if e.containerIP == "" {
			for _, netw := range insp.NetworkSettings.Networks {
				if netw.IPAddress != "" {
					e.containerIP = netw.IPAddress
					break
				}
			}
		}
		e.hostPorts = map[int]int{}
		for port, bindings := range insp.NetworkSettings.Ports {
			for _, b := range bindings {
				hp, err := strconv.Atoi(b.HostPort)
				if err != nil {
					continue
				}
				e.hostPorts[port.Int()] = hp
				break
			}
		}
	}
}

// ensureContainer finds the holder container, creating and starting it if
// needed. A stopped container with the right name is restarted rather than
// recreated, so its filesystem state survives.
func (e *Environment) ensureContainer(ctx context.Context) (string, error) {
	insp, err := e.DockerClient.ContainerInspect(ctx, e.ContainerName)
	if err == nil {
		if insp.State == nil || !insp.State.Running {
			err = e.DockerClient.ContainerStart(ctx, insp.ID, types.ContainerStartOptions{})
			if err != nil {
				return "", fmt.Errorf("starting container %q: %w", e.ContainerName, err)
			}
			insp, err = e.DockerClient.ContainerInspect(ctx, e.ContainerName)
			if err != nil {
				return "", fmt.Errorf("inspecting container %q: %w", e.ContainerName, err)
			}
		}
		e.rememberContainer(insp)
		return insp.ID, nil
	}
	if !client.IsErrNotFound(err) {
		return "", fmt.Errorf("inspecting container %q: %w", e.ContainerName, err)
	}

	if err := e.ensureImagePulled(ctx); err != nil {
		return "", fmt.Errorf("pulling image: %w", err)
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range e.PublishPorts {
		hostPort, err := netutil.GetEphemeralTCPPort()
		if err != nil {
			return "", fmt.Errorf("acquiring ephemeral port: %w", err)
		}
		np := nat.Port(fmt.Sprintf("%d/tcp", p))
		exposed[np] = struct{}{}
		bindings[np] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}}
	}

	ccConfig := CreateContainerConfig{
		Name: e.ContainerName,
		ContainerConfig: &container.Config{
			Image:        e.BaseImage,
			Entrypoint:   []string{"sleep", "infinity"},
			ExposedPorts: exposed,
		},
		HostConfig: &container.HostConfig{
			PortBindings: bindings,
		},
	}
	if e.CreateContainerConfig != nil {
		if err := e.CreateContainerConfig(&ccConfig); err != nil {
			return "", fmt.Errorf("calling CreateContainerConfig function: %w", err)
		}
	}

	createResp, err := e.DockerClient.ContainerCreate(
		ctx,
		ccConfig.ContainerConfig,
		ccConfig.HostConfig,
		ccConfig.NetworkingConfig,
		ccConfig.Platform,
		ccConfig.Name,
	)
	if err != nil {
		return "", fmt.Errorf("creating Docker container: %w", err)
	}
	err = e.DockerClient.ContainerStart(ctx, createResp.ID, types.ContainerStartOptions{})
	if err != nil {
		return "", fmt.Errorf("starting container %q: %w", createResp.ID, err)
	}
	e.Log.Infow("created holder container", "name", e.ContainerName, "id", createResp.ID)

	insp, err = e.DockerClient.ContainerInspect(ctx, createResp.ID)
	if err != nil {
		return "", fmt.Errorf("inspecting container %q: %w", createResp.ID, err)
	}
	e.rememberContainer(insp)
	return insp.ID, nil
}

// ListProcesses reports the container's process table via the daemon's top
// endpoint. No container, or a stopped one, means no processes.
func (e *Environment) ListProcesses(ctx context.Context) ([]sandbox.Process, error) {
	id, err := e.resolveContainer(ctx)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("inspecting container %q: %w", e.ContainerName, err)
	}

	top, err := e.DockerClient.ContainerTop(ctx, id, []string{"-eo", "pid,stat,args"})
	if err != nil {
		if strings.Contains(err.Error(), "is not running") {
			return nil, nil
		}
		return nil, fmt.Errorf("listing container processes: %w", err)
	}

	pidIdx, statIdx, cmdIdx, err := topColumns(top.Titles)
	if err != nil {
		return nil, err
	}

	var procs []sandbox.Process
	for _, row := range top.Processes {
		if len(row) <= pidIdx || len(row) <= statIdx || len(row) <= cmdIdx {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(row[pidIdx]))
		if err != nil {
			continue
		}
		if owned := e.ownedByPID(pid); owned != nil {
			procs = append(procs, owned)
			continue
		}
		procs = append(procs, &foreignProc{
			env:     e,
			pid:     pid,
			command: strings.TrimSpace(row[cmdIdx]),
		})
	}
	return procs, nil
}

func (e *Environment) ownedByPID(pid int) *execProc {
	e.mut.Lock()
	defer e.mut.Unlock()
	for _, p := range e.started {
		if p.hostPID == pid {
			return p
		}
	}
	return nil
}

// StartProcess launches the command as an exec inside the holder container.
// The command is wrapped in a small shell preamble that records the
// in-container pid, which Terminate later needs for signaling: the pid the
// daemon reports lives in the host's pid namespace, where in-container kill
// cannot see it.
func (e *Environment) StartProcess(ctx context.Context, req sandbox.StartProcessRequest) (sandbox.Process, error) {
	id, err := e.ensureContainer(ctx)
	if err != nil {
		return nil, err
	}

	pidFile := "/tmp/moltgate-" + uuid.NewString() + ".pid"
	script := fmt.Sprintf("echo $$ > %s; exec %s", pidFile, shJoin(req.Command, req.Args...))

	createResp, err := e.DockerClient.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          []string{"/bin/sh", "-c", script},
		Env:          req.Env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}

	// Attach with a background context: the process must outlive the
	// caller, and severing the attach stream would lose its output.
	hijack, err := e.DockerClient.ContainerExecAttach(context.Background(), createResp.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec: %w", err)
	}

	stdout := logbuf.New(logbuf.DefaultCap)
	stderr := logbuf.New(logbuf.DefaultCap)
	p := &execProc{
		env:        e,
		execID:     createResp.ID,
		command:    req.CommandLine(),
		pidFile:    pidFile,
		stdout:     stdout,
		stderr:     stderr,
		streamDone: make(chan struct{}),
	}

	insp, err := e.DockerClient.ContainerExecInspect(ctx, createResp.ID)
	if err == nil {
		p.hostPID = insp.Pid
	}

	e.mut.Lock()
	e.started[p.execID] = p
	e.mut.Unlock()

	// drain the stream, then retire the table entry: once the exec is gone
	// its host pid can be recycled, and enumeration must not answer for the
	// new owner with this dead handle
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, hijack.Reader)
		if err != nil && err != io.EOF {
			e.Log.Debugw("exec output stream ended", "exec_id", p.execID, "err", err)
		}
		hijack.Close()
		stdout.Close()
		stderr.Close()
		close(p.streamDone)
		e.mut.Lock()
		delete(e.started, p.execID)
		e.mut.Unlock()
	}()

	e.Log.Debugw("started process", "exec_id", p.execID, "pid", p.hostPID, "command", p.command)
	return p, nil
}

// Dial connects to an address as seen from inside the container. Published
// ports are dialed through their host binding; everything else goes to the
// container IP directly.
func (e *Environment) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parsing port %q: %w", portStr, err)
	}

	if _, err := e.resolveContainer(ctx); err != nil {
		return nil, fmt.Errorf("inspecting container %q: %w", e.ContainerName, err)
	}

	e.mut.Lock()
	hostPort, published := e.hostPorts[port]
	ip := e.containerIP
	e.mut.Unlock()

	var d net.Dialer
	if published {
		return d.DialContext(ctx, network, net.JoinHostPort("127.0.0.1", strconv.Itoa(hostPort)))
	}
	if ip == "" {
		return nil, fmt.Errorf("container %q has no routable address and port %d is not published", e.ContainerName, port)
	}
	return d.DialContext(ctx, network, net.JoinHostPort(ip, strconv.Itoa(port)))
}

// Cleanup force-removes the holder container when RemoveContainer is set.
func (e *Environment) Cleanup(ctx context.Context) error {
	if !e.RemoveContainer {
		return nil
	}
	id, err := e.resolveContainer(ctx)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return err
	}
	return e.DockerClient.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true})
}

// execCapture runs a short command in the container and returns its output
// and exit code.
func (e *Environment) execCapture(ctx context.Context, cmd []string) (string, string, int, error) {
	e.mut.Lock()
	id := e.containerID
	e.mut.Unlock()
	if id == "" {
		var err error
		id, err = e.resolveContainer(ctx)
		if err != nil {
			return "", "", 0, err
		}
	}

	createResp, err := e.DockerClient.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", 0, fmt.Errorf("creating exec: %w", err)
	}
	hijack, err := e.DockerClient.ContainerExecAttach(ctx, createResp.ID, types.ExecStartCheck{})
	if err != nil {
		return "", "", 0, fmt.Errorf("attaching to exec: %w", err)
	}
	defer hijack.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, hijack.Reader); err != nil {
		return "", "", 0, fmt.Errorf("reading exec output: %w", err)
	}
	insp, err := e.DockerClient.ContainerExecInspect(ctx, createResp.ID)
	if err != nil {
		return "", "", 0, fmt.Errorf("inspecting exec: %w", err)
	}
	return stdout.String(), stderr.String(), insp.ExitCode, nil
}

// killByCommand signals every in-container process whose full command line
// matches exactly. It walks the container's own /proc so the pids it uses are
// valid in the container's namespace.
func (e *Environment) killByCommand(ctx context.Context, command, sig string) error {
	script := fmt.Sprintf(`target=%s
for d in /proc/[0-9]*; do
  c=$(tr '\0' ' ' < "$d/cmdline" 2>/dev/null) || continue
  if [ "$c" = "$target" ]; then kill -%s "${d#/proc/}" 2>/dev/null; fi
done`, shQuote(command+" "), sig)
	_, stderr, code, err := e.execCapture(ctx, []string{"/bin/sh", "-c", script})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("signaling %q in container: %s", command, strings.TrimSpace(stderr))
	}
	return nil
}

// topStatus reads the current status of a host-namespace pid straight from
// the container's process table. found is false when the pid is gone; a
// missing or stopped container also counts as gone.
func (e *Environment) topStatus(ctx context.Context, pid int) (st sandbox.ProcessStatus, found bool, err error) {
	id, err := e.resolveContainer(ctx)
	if err != nil {
		if client.IsErrNotFound(err) {
			return sandbox.StatusUnknown, false, nil
		}
		return sandbox.StatusUnknown, false, fmt.Errorf("inspecting container %q: %w", e.ContainerName, err)
	}
	top, err := e.DockerClient.ContainerTop(ctx, id, []string{"-eo", "pid,stat,args"})
	if err != nil {
		if strings.Contains(err.Error(), "is not running") {
			return sandbox.StatusUnknown, false, nil
		}
		return sandbox.StatusUnknown, false, fmt.Errorf("listing container processes: %w", err)
	}
	pidIdx, statIdx, _, err := topColumns(top.Titles)
	if err != nil {
		return sandbox.StatusUnknown, false, err
	}
	want := strconv.Itoa(pid)
	for _, row := range top.Processes {
		if len(row) <= pidIdx || len(row) <= statIdx {
			continue
		}
		if strings.TrimSpace(row[pidIdx]) == want {
			return statusFromStat(row[statIdx]), true, nil
		}
	}
	return sandbox.StatusUnknown, false, nil
}

// pidAlive reports whether the host-namespace pid still shows up in the
// container's process table.
func (e *Environment) pidAlive(ctx context.Context, pid int) (bool, error) {
	st, found, err := e.topStatus(ctx, pid)
	if err != nil {
		return false, err
	}
	return found && st.Alive(), nil
}

// execProc is a process this environment launched as a container exec.
type execProc struct {
	env     *Environment
	execID  string
	command string
	pidFile string
	hostPID int
	stdout  *logbuf.Buffer
	stderr  *logbuf.Buffer

	streamDone chan struct{}

	pidMut       sync.Mutex
	containerPID int
}

func (p *execProc) ID() string {
	if p.hostPID != 0 {
		return strconv.Itoa(p.hostPID)
	}
	return p.execID
}

func (p *execProc) Command() string { return p.command }

func (p *execProc) Status(ctx context.Context) (sandbox.ProcessStatus, error) {
	insp, err := p.env.DockerClient.ContainerExecInspect(ctx, p.execID)
	if err != nil {
		return sandbox.StatusUnknown, fmt.Errorf("inspecting exec: %w", err)
	}
	if insp.Running {
		return sandbox.StatusRunning, nil
	}
	if insp.Pid == 0 {
		return sandbox.StatusStarting, nil
	}
	if insp.ExitCode == 0 {
		return sandbox.StatusExited, nil
	}
	return sandbox.StatusFailed, nil
}

// resolveContainerPID reads the pid recorded by the launch preamble. The file
// appears almost immediately after the exec starts, but a short retry guards
// the race.
func (p *execProc) resolveContainerPID(ctx context.Context) (int, error) {
	p.pidMut.Lock()
	defer p.pidMut.Unlock()
	if p.containerPID != 0 {
		return p.containerPID, nil
	}
	for i := 0; i < 20; i++ {
		out, _, code, err := p.env.execCapture(ctx, []string{"cat", p.pidFile})
		if err != nil {
			return 0, err
		}
		if code == 0 {
			pid, err := strconv.Atoi(strings.TrimSpace(out))
			if err == nil && pid > 0 {
				p.containerPID = pid
				return pid, nil
			}
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return 0, fmt.Errorf("pid file %s never appeared", p.pidFile)
}

func (p *execProc) signal(ctx context.Context, sig string) error {
	pid, err := p.resolveContainerPID(ctx)
	if err != nil {
		// fall back to matching by command line
		return p.env.killByCommand(ctx, p.command, sig)
	}
	_, _, _, err = p.env.execCapture(ctx, []string{"kill", "-" + sig, strconv.Itoa(pid)})
	return err
}

func (p *execProc) Terminate(ctx context.Context) error {
	st, err := p.Status(ctx)
	if err == nil && !st.Alive() {
		return nil
	}
	if err := p.signal(ctx, "TERM"); err != nil {
		return err
	}
	select {
	case <-p.streamDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.env.GracePeriod):
	}

	p.env.Log.Debugw("escalating to SIGKILL", "exec_id", p.execID)
	if err := p.signal(ctx, "KILL"); err != nil {
		return err
	}
	select {
	case <-p.streamDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *execProc) Logs(ctx context.Context) (*sandbox.ProcessLogs, error) {
	return &sandbox.ProcessLogs{
		Stdout: string(p.stdout.Snapshot()),
		Stderr: string(p.stderr.Snapshot()),
	}, nil
}

func (p *execProc) Subscribe(ctx context.Context) (<-chan sandbox.LogChunk, func(), error) {
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

// foreignProc is a container process this environment did not launch, seen
// only through the daemon's top endpoint.
type foreignProc struct {
	env     *Environment
	pid     int
	command string
}

func (p *foreignProc) ID() string      { return strconv.Itoa(p.pid) }
func (p *foreignProc) Command() string { return p.command }

func (p *foreignProc) Status(ctx context.Context) (sandbox.ProcessStatus, error) {
	st, found, err := p.env.topStatus(ctx, p.pid)
	if err != nil {
		return sandbox.StatusUnknown, err
	}
	if !found {
		return sandbox.StatusExited, nil
	}
	return st, nil
}

func (p *foreignProc) Terminate(ctx context.Context) error {
	if err := p.env.killByCommand(ctx, p.command, "TERM"); err != nil {
		return err
	}
	deadline := time.Now().Add(p.env.GracePeriod)
	for time.Now().Before(deadline) {
		alive, err := p.env.pidAlive(ctx, p.pid)
		if err == nil && !alive {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	p.env.Log.Debugw("escalating to SIGKILL", "pid", p.pid)
	if err := p.env.killByCommand(ctx, p.command, "KILL"); err != nil {
		return err
	}
	for i := 0; i < 25; i++ {
		alive, err := p.env.pidAlive(ctx, p.pid)
		if err == nil && !alive {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("pid %d still alive after SIGKILL", p.pid)
}

func (p *foreignProc) Logs(ctx context.Context) (*sandbox.ProcessLogs, error) {
	return nil, sandbox.ErrNoLogs
}

func (p *foreignProc) Subscribe(ctx context.Context) (<-chan sandbox.LogChunk, func(), error) {
	return nil, nil, sandbox.ErrNoLogs
}

// topColumns locates the pid, stat and command columns in a ps title row.
func topColumns(titles []string) (pidIdx, statIdx, cmdIdx int, err error) {
	pidIdx, statIdx, cmdIdx = -1, -1, -1
	for i, t := range titles {
		switch strings.ToUpper(strings.TrimSpace(t)) {
		case "PID":
			pidIdx = i
		case "STAT", "S":
			statIdx = i
		case "COMMAND", "ARGS", "CMD":
			cmdIdx = i
		}
	}
	if pidIdx < 0 || statIdx < 0 || cmdIdx < 0 {
		return 0, 0, 0, fmt.Errorf("unexpected ps titles %v", titles)
	}
	return pidIdx, statIdx, cmdIdx, nil
}

// statusFromStat maps the first letter of a ps STAT column to a status.
func statusFromStat(stat string) sandbox.ProcessStatus {
	stat = strings.TrimSpace(stat)
	if stat == "" {
		return sandbox.StatusUnknown
	}
	switch stat[0] {
	case 'R', 'S', 'D', 'I':
		return sandbox.StatusRunning
	case 'Z', 'X', 'x':
		return sandbox.StatusExited
	default:
		return sandbox.StatusUnknown
	}
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shJoin(command string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shQuote(command))
	for _, a := range args {
		parts = append(parts, shQuote(a))
	}
	return strings.Join(parts, " ")
}
