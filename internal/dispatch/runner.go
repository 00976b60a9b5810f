package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// LaunchFailure is the exit code recorded when a hook could not be started
// at all, or was killed by a signal.
const LaunchFailure = -1

// Runner executes a build hook and reports its exit status. A non-nil error
// means the process could not be launched; a non-zero code with a nil error
// is an ordinary build failure.
type Runner interface {
	Run(ctx context.Context, path string, args []string) (code int, err error)
}

// ExecRunner runs hooks as child processes. Output goes to Stdout and
// Stderr, or to the tool's own streams when those are nil.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
	// Dir is the working directory of the hook; empty means inherit.
	Dir string
}

// Run starts path with args and blocks until it exits.
func (r ExecRunner) Run(ctx context.Context, path string, args []string) (int, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = r.Dir
	cmd.SysProcAttr = sessionAttr()
	cmd.Stdout = r.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = r.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return LaunchFailure, fmt.Errorf("dispatch: start %s: %w", path, err)
	}
	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// ExitCode is -1 for a signalled process, which lands on LaunchFailure.
		return exitErr.ExitCode(), nil
	}
	return LaunchFailure, fmt.Errorf("dispatch: wait for %s: %w", path, err)
}
