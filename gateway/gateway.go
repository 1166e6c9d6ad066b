// Package gateway supervises the single long-running Molt gateway process
// inside a sandbox environment. The supervisor never assumes the gateway is
// up: every demand re-discovers the process through the environment's
// process table, verifies it is actually serving its TCP port, and only then
// hands it out, restarting or launching as needed.
package gateway

import "time"

const (
	// Port is the fixed TCP port the gateway serves inside its environment.
	Port = 18789

	// DefaultCommand and DefaultScript form the gateway launch command.
	DefaultCommand = "bash"
	DefaultScript  = "/opt/molt/start-gateway.sh"

	// DefaultShortProbeTimeout bounds the reachability check for an
	// already-running process; DefaultLaunchProbeTimeout bounds the wait
	// for a freshly launched one, which may still be installing.
	DefaultShortProbeTimeout  = 30 * time.Second
	DefaultLaunchProbeTimeout = 2 * time.Minute

	// DefaultProbeInterval is the pause between connection attempts.
	DefaultProbeInterval = 250 * time.Millisecond

	dialAttemptTimeout = time.Second
)

// DefaultSignatures are the command-line substrings that identify a gateway
// process: the startup script, and the binary name for direct invocations.
var DefaultSignatures = []string{"start-gateway.sh", "molt-gateway"}
