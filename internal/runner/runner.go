// Package runner executes external converter binaries with output capture,
// per-attempt timeouts and retry with exponential backoff.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrNotInstalled indicates the program could not be found on PATH.
var ErrNotInstalled = errors.New("program not installed")

// Command describes a single program invocation.
type Command struct {
	Program string
	Args    []string
	Dir     string
	Env     map[string]string
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Program + " " + strings.Join(c.Args, " "))
}

// Result holds the output of the final attempt.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Attempts int
	Duration time.Duration
}

// ExitError is returned when the program exits with a non-zero status.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	if tail := tail(e.Stderr, 512); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// TimeoutError is returned when an attempt exceeds the per-attempt timeout.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Command, e.Timeout)
}

// Options configures execution behaviour.
type Options struct {
	Timeout time.Duration
	Retry   RetryConfig
	// RetryOn overrides the default retry predicate.
	RetryOn func(error) bool
}

// Runner runs commands. The zero value runs each command once with no timeout.
type Runner struct {
	opts  Options
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Runner.
func New(opts Options) *Runner {
	return &Runner{opts: opts, sleep: sleepCtx}
}

// Run executes cmd, retrying transient failures.
func (r *Runner) Run(ctx context.Context, cmd Command) (*Result, error) {
	retryOn := r.opts.RetryOn
	if retryOn == nil {
		retryOn = shouldRetry
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	start := time.Now()
	var (
		res     *Result
		lastErr error
	)
	for attempt := 0; attempt <= r.opts.Retry.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		res, lastErr = r.runOnce(ctx, cmd)
		res.Attempts = attempt + 1
		if lastErr == nil {
			res.Duration = time.Since(start)
			return res, nil
		}
		if !retryOn(lastErr) || attempt == r.opts.Retry.MaxRetries {
			break
		}

		if err := sleep(ctx, calculateBackoff(attempt, r.opts.Retry)); err != nil {
			return res, err
		}
	}

	res.Duration = time.Since(start)
	return res, lastErr
}

func (r *Runner) runOnce(ctx context.Context, cmd Command) (*Result, error) {
	runCtx := ctx
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, cmd.Program, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = os.Environ()
		for k, v := range cmd.Env {
			c.Env = append(c.Env, k+"="+v)
		}
	}
	c.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(c),
	}
	if err == nil {
		return res, nil
	}

	if errors.Is(err, exec.ErrNotFound) {
		return res, fmt.Errorf("%s: %w", cmd.Program, ErrNotInstalled)
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return res, &TimeoutError{Command: cmd.Program, Timeout: r.opts.Timeout}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, &ExitError{Command: cmd.Program, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, fmt.Errorf("run %s: %w", cmd.Program, err)
}

func exitCode(c *exec.Cmd) int {
	if c.ProcessState == nil {
		return -1
	}
	return c.ProcessState.ExitCode()
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
