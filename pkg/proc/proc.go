// Package proc executes external tools with timeouts, captured output, and
// optional retries. Nonzero exits are reported through Result.ExitCode rather
// than as errors so callers can apply their own failure policy.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

var (
	// ErrLaunch indicates the program could not be started at all.
	ErrLaunch = errors.New("process launch failed")
	// ErrTimeout indicates the process exceeded its deadline and was killed.
	ErrTimeout = errors.New("process timed out")
)

// killGrace bounds how long a timed-out process may linger before SIGKILL.
const killGrace = 5 * time.Second

// Command describes a single external invocation.
type Command struct {
	Program string
	Args    []string
	Dir     string
	// Env entries are appended to the parent environment as KEY=VALUE pairs.
	Env map[string]string
	// Timeout bounds the invocation; zero means the caller's context governs.
	Timeout time.Duration
}

// Result captures the observable outcome of an invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes commands. The engine components depend on this interface so
// tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, cmd Command) (Result, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, cmd Command) (Result, error) {
	return f(ctx, cmd)
}

// ExecRunner runs commands on the local host via os/exec.
type ExecRunner struct {
	// Retries is the number of additional attempts after a failed launch.
	Retries int
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
	// RetryOn decides whether an error is worth retrying. Nil retries launch
	// errors only; exit codes and timeouts are never retried here.
	RetryOn func(error) bool
}

// NewRunner returns an ExecRunner with no retries configured.
func NewRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes cmd, waiting for completion or deadline. The child process is
// reaped on every path: context cancellation and timeout both kill the
// process group within killGrace.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Program == "" {
		return Result{}, fmt.Errorf("%w: empty program", ErrLaunch)
	}

	attempts := 1
	if r != nil && r.Retries > 0 {
		attempts += r.Retries
	}

	var (
		res Result
		err error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		res, err = r.runOnce(ctx, cmd)
		if err == nil {
			return res, nil
		}
		if !r.shouldRetry(err) || attempt == attempts-1 {
			return res, err
		}

		delay := time.Second
		if r.RetryDelay > 0 {
			delay = r.RetryDelay
		}
		select {
		case <-ctx.Done():
			return res, fmt.Errorf("cancelled between attempts: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return res, err
}

func (r *ExecRunner) shouldRetry(err error) bool {
	if r == nil {
		return false
	}
	if r.RetryOn != nil {
		return r.RetryOn(err)
	}
	return errors.Is(err, ErrLaunch)
}

func (r *ExecRunner) runOnce(ctx context.Context, cmd Command) (Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(runCtx, cmd.Program, cmd.Args...)
	execCmd.WaitDelay = killGrace
	if cmd.Dir != "" {
		execCmd.Dir = cmd.Dir
	}
	if len(cmd.Env) > 0 {
		execCmd.Env = os.Environ()
		for k, v := range cmd.Env {
			execCmd.Env = append(execCmd.Env, k+"="+v)
		}
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	start := time.Now()
	runErr := execCmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	switch {
	case runErr == nil:
		return res, nil
	case runCtx.Err() != nil && ctx.Err() == nil:
		// Per-command deadline fired; the parent context is still live.
		res.ExitCode = -1
		return res, fmt.Errorf("%w after %s: %s", ErrTimeout, cmd.Timeout, cmd.Program)
	case runCtx.Err() != nil:
		res.ExitCode = -1
		return res, fmt.Errorf("cancelled: %s: %w", cmd.Program, ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		// The tool ran and exited nonzero. Not an error at this layer.
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}

	res.ExitCode = -1
	return res, fmt.Errorf("%w: %s: %v", ErrLaunch, cmd.Program, runErr)
}
