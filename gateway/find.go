package gateway

import (
	"context"
	"strings"

	"github.com/moltworks/moltgate/sandbox"
	"go.uber.org/zap"
)

// Find locates a live gateway process in the environment's process table, or
// returns nil when there is none. The first process whose command line
// matches a signature and whose status is alive wins. Enumeration failures
// are logged and treated as "no gateway found": the environment may be
// mid-restart, and launching a fresh gateway is the recoverable path.
func Find(ctx context.Context, env sandbox.Environment, signatures []string, log *zap.SugaredLogger) sandbox.Process {
	procs, err := env.ListProcesses(ctx)
	if err != nil {
		log.Warnw("process enumeration failed, treating as no gateway found", "err", err)
		return nil
	}
	for _, p := range procs {
		if !MatchesSignature(p.Command(), signatures) {
			continue
		}
		st, err := p.Status(ctx)
		if err != nil {
			log.Debugw("skipping process with unreadable status", "pid", p.ID(), "err", err)
			continue
		}
		if !st.Alive() {
			continue
		}
		log.Debugw("found gateway process", "pid", p.ID(), "status", st, "command", p.Command())
		return p
	}
	return nil
}

// MatchesSignature reports whether a command line identifies a gateway
// process. Matching is plain substring containment.
func MatchesSignature(command string, signatures []string) bool {
	for _, sig := range signatures {
		if sig != "" && strings.Contains(command, sig) {
			return true
		}
	}
	return false
}
