package gateway

import (
	"fmt"
	"strings"
	"time"
)

// NoStderrPlaceholder stands in for captured stderr when there is none, so a
// startup failure report always has something to show.
const NoStderrPlaceholder = "(no stderr captured)"

// StartupError is terminal: the gateway could not be brought up on this
// attempt. It carries whatever stderr was captured plus an actionable hint.
// The supervisor keeps no state about the failure, so the next demand simply
// retries from discovery.
type StartupError struct {
	Reason string
	Stderr string
	Hint   string
	Err    error
}

func (e *StartupError) Error() string {
	msg := "gateway startup failed: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *StartupError) Unwrap() error { return e.Err }

// ReadinessTimeoutError reports that nothing accepted a TCP connection on
// the gateway port within the allotted window.
type ReadinessTimeoutError struct {
	Port    int
	Timeout time.Duration
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("gateway did not accept connections on port %d within %s", e.Port, e.Timeout)
}

var oomSignatures = []string{
	"out of memory",
	"oom-kill",
	"cannot allocate memory",
	"heap limit",
}

// Hint derives the most actionable remediation for a startup failure. A
// missing required credential beats everything else; an out-of-memory
// signature in the captured output beats the generic fallback.
func Hint(missingCredential, capturedOutput string) string {
	if missingCredential != "" {
		return fmt.Sprintf("set %s (environment or moltgate.yaml) and retry", missingCredential)
	}
	lower := strings.ToLower(capturedOutput)
	for _, sig := range oomSignatures {
		if strings.Contains(lower, sig) {
			return "the gateway appears to have run out of memory; increase the sandbox memory limit"
		}
	}
	return "run `moltgate logs` to inspect the gateway output"
}
