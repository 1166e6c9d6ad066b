package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitReachableSucceeds(t *testing.T) {
	addr, stop := startListener(t)
	defer stop()

	env := &fakeEnv{target: addr}
	err := WaitReachable(context.Background(), env, Port, 5*time.Second)
	require.NoError(t, err)
}

func TestWaitReachableTimesOut(t *testing.T) {
	env := &fakeEnv{} // nothing listening

	start := time.Now()
	err := waitReachable(context.Background(), env, Port, 200*time.Millisecond, 10*time.Millisecond, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	var timeoutErr *ReadinessTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, Port, timeoutErr.Port)
	assert.Equal(t, 200*time.Millisecond, timeoutErr.Timeout)
}

func TestWaitReachableBecomesReady(t *testing.T) {
	addr, stop := startListener(t)
	defer stop()

	env := &fakeEnv{}
	go func() {
		time.Sleep(100 * time.Millisecond)
		env.setTarget(addr)
	}()

	err := waitReachable(context.Background(), env, Port, 5*time.Second, 10*time.Millisecond, nil)
	require.NoError(t, err)
}

func TestWaitReachableCallerCancel(t *testing.T) {
	env := &fakeEnv{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := waitReachable(ctx, env, Port, 10*time.Second, 10*time.Millisecond, nil)
	require.ErrorIs(t, err, context.Canceled)

	var timeoutErr *ReadinessTimeoutError
	assert.False(t, errors.As(err, &timeoutErr), "cancellation is not a readiness verdict")
}

func TestWaitReachableAliveCallbackAborts(t *testing.T) {
	env := &fakeEnv{}
	boom := errors.New("process died")

	start := time.Now()
	err := waitReachable(context.Background(), env, Port, 10*time.Second, 10*time.Millisecond, func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Less(t, time.Since(start), 5*time.Second)
}
