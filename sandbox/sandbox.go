// Package sandbox abstracts the isolated execution environment that hosts the
// gateway process. An Environment provides process lifecycle and networking
// primitives; implementations decide what "isolated" means (the host itself,
// a Docker container, ...).
//
// The environment's process table is the single source of truth: callers are
// expected to re-enumerate rather than hold on to Process handles across
// requests, so that a handle never outlives the process it refers to.
package sandbox

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ProcessStatus is the lifecycle status of a process as reported by the
// environment.
type ProcessStatus string

const (
	StatusStarting ProcessStatus = "starting"
	StatusRunning  ProcessStatus = "running"
	StatusExited   ProcessStatus = "exited"
	StatusFailed   ProcessStatus = "failed"
	StatusUnknown  ProcessStatus = "unknown"
)

// Alive reports whether the status describes a process that may still be
// serving (or about to serve).
func (s ProcessStatus) Alive() bool {
	return s == StatusStarting || s == StatusRunning
}

func (s ProcessStatus) String() string { return string(s) }

// StartProcessRequest describes a process to launch inside the environment.
// Env entries are KEY=VALUE pairs appended to the environment's base env.
type StartProcessRequest struct {
	Command string
	Args    []string
	Env     []string
}

// CommandLine renders the request the way ListProcesses reports commands,
// so the two can be compared.
func (r StartProcessRequest) CommandLine() string {
	if len(r.Args) == 0 {
		return r.Command
	}
	return r.Command + " " + strings.Join(r.Args, " ")
}

// ProcessLogs holds the output captured from a process since its launch.
type ProcessLogs struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// LogChunk is one piece of live process output.
type LogChunk struct {
	Stream string `json:"stream"` // "stdout" or "stderr"
	Data   []byte `json:"data"`
}

// ErrNoLogs is returned for processes whose output this environment instance
// did not capture, e.g. processes launched before the environment object
// existed.
var ErrNoLogs = errors.New("sandbox: no captured output for process")

// Process is a handle to a process inside an environment.
type Process interface {
	// ID is an opaque identity, stable for the process's lifetime.
	ID() string

	// Command is the full command line as the environment reports it.
	Command() string

	// Status reports the current lifecycle status.
	Status(ctx context.Context) (ProcessStatus, error)

	// Terminate stops the process, escalating from a polite signal to a
	// forced kill after a grace period. Terminating an already-dead
	// process is not an error.
	Terminate(ctx context.Context) error

	// Logs returns output captured since launch, or ErrNoLogs when this
	// environment instance did not capture it.
	Logs(ctx context.Context) (*ProcessLogs, error)

	// Subscribe streams output chunks written after the call. The channel
	// is closed when the process exits or the context is done. Returns
	// ErrNoLogs when output is not captured.
	Subscribe(ctx context.Context) (<-chan LogChunk, func(), error)
}

// Environment is the process host consumed by the supervisor.
type Environment interface {
	// ListProcesses enumerates all processes visible in the environment,
	// including ones this Environment value did not launch.
	ListProcesses(ctx context.Context) ([]Process, error)

	// StartProcess launches a process. The context bounds only the launch
	// itself; the process's lifetime is owned by the environment and is
	// never tied to the caller's context.
	StartProcess(ctx context.Context, req StartProcessRequest) (Process, error)

	// Dial opens a connection to an address inside the environment.
	// The address is interpreted from the environment's point of view;
	// implementations map it to whatever the host can actually reach.
	Dial(ctx context.Context, network, addr string) (net.Conn, error)
}
