package docker

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/moltworks/moltgate/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestTopColumns(t *testing.T) {
	pid, stat, cmd, err := topColumns([]string{"PID", "STAT", "COMMAND"})
	require.NoError(t, err)
	assert.Equal(t, 0, pid)
	assert.Equal(t, 1, stat)
	assert.Equal(t, 2, cmd)

	pid, stat, cmd, err = topColumns([]string{"UID", "PID", "PPID", "STAT", "ARGS"})
	require.NoError(t, err)
	assert.Equal(t, 1, pid)
	assert.Equal(t, 3, stat)
	assert.Equal(t, 4, cmd)

	_, _, _, err = topColumns([]string{"UID", "PPID"})
	require.Error(t, err)
}

func TestStatusFromStat(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want sandbox.ProcessStatus
	}{
		{"Ssl", sandbox.StatusRunning},
		{"R+", sandbox.StatusRunning},
		{"Z", sandbox.StatusExited},
		{"T", sandbox.StatusUnknown},
		{"", sandbox.StatusUnknown},
	} {
		assert.Equal(t, tc.want, statusFromStat(tc.in), "stat %q", tc.in)
	}
}

func TestShJoin(t *testing.T) {
	assert.Equal(t, `'bash' '/opt/molt/start-gateway.sh'`, shJoin("bash", "/opt/molt/start-gateway.sh"))
	assert.Equal(t, `'echo' 'it'\''s fine'`, shJoin("echo", "it's fine"))
}

// TestDockerEnvironment exercises the driver against a real daemon. It only
// runs when MOLTGATE_TEST_DOCKER is set, since CI hosts don't always have
// Docker.
func TestDockerEnvironment(t *testing.T) {
	if os.Getenv("MOLTGATE_TEST_DOCKER") == "" {
		t.Skip("set MOLTGATE_TEST_DOCKER to run Docker integration tests")
	}

	env, err := NewEnvironment()
	require.NoError(t, err)
	env.WithBaseImage("busybox").
		WithContainerName(fmt.Sprintf("moltgate-test-%d", time.Now().UnixNano()))
	env.RemoveContainer = true
	defer env.Cleanup(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	p, err := env.StartProcess(ctx, sandbox.StartProcessRequest{
		Command: "sh",
		Args:    []string{"-c", "echo hello from container; echo oops 1>&2"},
	})
	require.NoError(t, err)

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		st, err := p.Status(ctx)
		require.NoError(t, err)
		if !st.Alive() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	logs, err := p.Logs(ctx)
	require.NoError(t, err)
	assert.Contains(t, logs.Stdout, "hello from container")
	assert.Contains(t, logs.Stderr, "oops")

	// concurrent launches contend on the image pull and the process table
	var eg errgroup.Group
	for i := 0; i < 3; i++ {
		i := i
		eg.Go(func() error {
			_, err := env.StartProcess(ctx, sandbox.StartProcessRequest{
				Command: "sh",
				Args:    []string{"-c", fmt.Sprintf("echo worker %d done", i)},
			})
			return err
		})
	}
	require.NoError(t, eg.Wait())

	// the holder's sleep entrypoint is visible in enumeration
	procs, err := env.ListProcesses(ctx)
	require.NoError(t, err)
	var sawSleep bool
	for _, proc := range procs {
		if proc.Command() == "sleep infinity" {
			sawSleep = true
		}
	}
	assert.True(t, sawSleep, "holder entrypoint not visible in process table")

	// exited execs are retired from the table once their streams drain
	pruneDeadline := time.Now().Add(30 * time.Second)
	for {
		env.mut.Lock()
		left := len(env.started)
		env.mut.Unlock()
		if left == 0 {
			break
		}
		if time.Now().After(pruneDeadline) {
			t.Fatalf("%d dead entries still tracked", left)
		}
		time.Sleep(100 * time.Millisecond)
	}

	// retirement does not disturb the handle's captured output
	logs, err = p.Logs(ctx)
	require.NoError(t, err)
	assert.Contains(t, logs.Stdout, "hello from container")
}
