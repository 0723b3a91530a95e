package merge

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandRunner abstracts stabilize_command execution for testability,
// grounded on the same shape used for check commands elsewhere in this
// codebase: stdout/stderr/exit-code capture with a context deadline that
// distinguishes a timeout from a genuine nonzero exit.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string) (stdout, stderr string, exitCode int, err error)
}

// ExecRunner runs the stabilize command via the shell.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return stdoutBuf.String(), stderrBuf.String(), -1, errTimeout
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return stdoutBuf.String(), stderrBuf.String(), exitErr.ExitCode(), nil
		}
		return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("run stabilize command: %w", err)
	}
	return stdoutBuf.String(), stderrBuf.String(), 0, nil
}

type timeoutError struct{}

func (timeoutError) Error() string { return "stabilize command timed out" }

var errTimeout = timeoutError{}

// runWithTimeout runs command via r under timeout. A timeout is reported as
// timedOut=true and a nonzero exit as exitCode, both with a nil err, since
// both are stabilize outcomes the caller classifies; err is non-nil only on
// a genuine execution error.
func runWithTimeout(ctx context.Context, r CommandRunner, dir, command string, timeout time.Duration) (stdout, stderr string, exitCode int, timedOut bool, err error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stdout, stderr, exitCode, err = r.Run(cctx, dir, command)
	if err == errTimeout {
		return stdout, stderr, exitCode, true, nil
	}
	return stdout, stderr, exitCode, false, err
}
