package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestRun_CapturesOutput(t *testing.T) {
	r := New(Options{})
	res, err := r.Run(context.Background(), Command{
		Program: "sh",
		Args:    []string{"-c", "echo out; echo err 1>&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 1, res.Attempts)
}

func TestRun_ExitError(t *testing.T) {
	r := New(Options{Retry: RetryConfig{MaxRetries: 3}})
	r.sleep = noSleep

	res, err := r.Run(context.Background(), Command{
		Program: "sh",
		Args:    []string{"-c", "echo broken input 1>&2; exit 3"},
	})
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Contains(t, exitErr.Error(), "broken input")
	// non-zero exits are not retried
	assert.Equal(t, 1, res.Attempts)
}

func TestRun_NotInstalled(t *testing.T) {
	r := New(Options{})
	_, err := r.Run(context.Background(), Command{Program: "convertx-definitely-missing-binary"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotInstalled)
}

func TestRun_TimeoutRetries(t *testing.T) {
	r := New(Options{
		Timeout: 50 * time.Millisecond,
		Retry:   RetryConfig{MaxRetries: 2},
	})
	r.sleep = noSleep

	res, err := r.Run(context.Background(), Command{Program: "sleep", Args: []string{"5"}})
	require.Error(t, err)

	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, 3, res.Attempts)
}

func TestRun_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New(Options{})
	_, err := r.Run(ctx, Command{Program: "true"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_CustomRetryOn(t *testing.T) {
	calls := 0
	r := New(Options{
		Retry: RetryConfig{MaxRetries: 2},
		RetryOn: func(err error) bool {
			calls++
			return true
		},
	})
	r.sleep = noSleep

	res, err := r.Run(context.Background(), Command{Program: "false"})
	require.Error(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 2, calls)
}

func TestRun_WorkingDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	r := New(Options{})
	res, err := r.Run(context.Background(), Command{
		Program: "sh",
		Args:    []string{"-c", "pwd; echo $CONVERTX_TEST"},
		Dir:     dir,
		Env:     map[string]string{"CONVERTX_TEST": "yes"},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "yes")
}

func TestCalculateBackoff(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second}
	assert.Equal(t, 1*time.Second, calculateBackoff(0, cfg))
	assert.Equal(t, 2*time.Second, calculateBackoff(1, cfg))
	assert.Equal(t, 4*time.Second, calculateBackoff(2, cfg))
	assert.Equal(t, 5*time.Second, calculateBackoff(3, cfg))

	// zero config falls back to defaults
	assert.Equal(t, defaultInitialBackoff, calculateBackoff(0, RetryConfig{}))
}

func TestCommand_String(t *testing.T) {
	assert.Equal(t, "ffmpeg -i in.mp4 -y out.webm", Command{Program: "ffmpeg", Args: []string{"-i", "in.mp4", "-y", "out.webm"}}.String())
}
