package proc

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stoppedAtEntry returns a fake child stopped under tracing.
func stoppedAtEntry(t *testing.T) *fakeTracee {
	t.Helper()
	a, err := ArchByName("amd64")
	require.NoError(t, err)
	f := newFakeTracee(a, 0x401000)
	f.phase = phaseAtEntry
	f.pc = 0x401000
	return f
}

func TestReleaseImmediate(t *testing.T) {
	f := stoppedAtEntry(t)
	fs := &fakeProcFS{}
	res, err := Release(context.Background(), f, fs, 0, HandoffOptions{})
	require.NoError(t, err)
	assert.Equal(t, HandoffDetached, res.Outcome)
	assert.Equal(t, []syscall.Signal{0}, f.detaches)
	assert.Zero(t, fs.reads)
	assert.Empty(t, f.signals)

	// not being traced anymore is not an error
	f = stoppedAtEntry(t)
	f.fail["detach"] = syscall.ESRCH
	_, err = Release(context.Background(), f, fs, 0, HandoffOptions{})
	assert.NoError(t, err)
}

func TestReleaseDebuggerAttaches(t *testing.T) {
	const (
		delay  = 2 * time.Second
		attach = 100 * time.Millisecond
	)
	f := stoppedAtEntry(t)
	var windowStart time.Time
	fs := &fakeProcFS{tracer: func() (int, error) {
		if time.Since(windowStart) >= attach {
			return 777, nil
		}
		return 0, nil
	}}
	opened := 0
	res, err := Release(context.Background(), f, fs, delay, HandoffOptions{
		PollInterval: time.Millisecond,
		OnWindow: func(pid int) {
			opened++
			windowStart = time.Now()
			assert.Equal(t, f.pid, pid)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, opened)
	assert.Equal(t, HandoffDebuggerAttached, res.Outcome)
	assert.Equal(t, 777, res.TracerPid)
	assert.GreaterOrEqual(t, res.Elapsed, attach)
	assert.Less(t, res.Elapsed, delay)

	assert.Equal(t, []syscall.Signal{syscall.SIGSTOP}, f.detaches)
	assert.Zero(t, f.count(syscall.SIGCONT))
	assert.True(t, f.stopped)
}

func TestReleaseNoDebugger(t *testing.T) {
	const delay = 100 * time.Millisecond
	f := stoppedAtEntry(t)
	fs := &fakeProcFS{}
	start := time.Now()
	res, err := Release(context.Background(), f, fs, delay, HandoffOptions{PollInterval: time.Millisecond})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), delay)
	assert.Equal(t, HandoffResumed, res.Outcome)
	assert.Zero(t, res.TracerPid)
	assert.Equal(t, 1, f.count(syscall.SIGCONT))
	assert.Greater(t, fs.reads, 1)
}

func TestReleaseVanished(t *testing.T) {
	f := stoppedAtEntry(t)
	fs := &fakeProcFS{tracer: func() (int, error) { return 0, os.ErrNotExist }}
	res, err := Release(context.Background(), f, fs, time.Second, HandoffOptions{PollInterval: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, HandoffVanished, res.Outcome)
	assert.Zero(t, f.count(syscall.SIGCONT))

	f = stoppedAtEntry(t)
	fs = &fakeProcFS{tracer: func() (int, error) { return 0, ErrNoTracerField }}
	res, err = Release(context.Background(), f, fs, time.Second, HandoffOptions{PollInterval: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, HandoffVanished, res.Outcome)
	assert.Zero(t, f.count(syscall.SIGCONT))
}

func TestReleaseNotStopped(t *testing.T) {
	f := stoppedAtEntry(t)
	f.stopped = false
	fs := &fakeProcFS{}
	_, err := Release(context.Background(), f, fs, time.Second, HandoffOptions{})
	assert.ErrorIs(t, err, ErrHandoffUnavailable)
	assert.Equal(t, []syscall.Signal{0}, f.detaches)
	assert.Zero(t, fs.reads)
	assert.Empty(t, f.signals)
}

func TestReleaseCanceled(t *testing.T) {
	f := stoppedAtEntry(t)
	ctx, cancel := context.WithCancel(context.Background())
	fs := &fakeProcFS{tracer: func() (int, error) {
		cancel()
		return 0, nil
	}}
	res, err := Release(ctx, f, fs, time.Second, HandoffOptions{PollInterval: time.Millisecond})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, HandoffResumed, res.Outcome)
	assert.Equal(t, 1, f.count(syscall.SIGCONT))
}
