// Package runner spawns materialized scripts under an interpreter.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// Runner spawns a script and waits for it to exit
type Runner interface {
	Run(ctx context.Context, spec Spec) (ExitStatus, error)
}

// ProcessRunner runs scripts as child processes of the agent
type ProcessRunner struct {
	stdout io.Writer
	stderr io.Writer
}

// New creates a runner whose children share the agent's stdout and stderr
func New() *ProcessRunner {
	return &ProcessRunner{
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// NewWithOutput creates a runner whose children write to the given writers
func NewWithOutput(stdout, stderr io.Writer) *ProcessRunner {
	return &ProcessRunner{
		stdout: stdout,
		stderr: stderr,
	}
}

// Run starts `<interpreter> <script>` and waits for it. A non-zero exit is
// reported in the ExitStatus, not as an error; an error means the child
// could not be started or waited on. Cancelling ctx kills the child.
func (r *ProcessRunner) Run(ctx context.Context, spec Spec) (ExitStatus, error) {
	if spec.Interpreter == "" {
		return ExitStatus{}, errors.New("spawn: empty interpreter")
	}

	cmd := exec.CommandContext(ctx, spec.Interpreter, spec.Script)
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		return ExitStatus{}, fmt.Errorf("spawn %s: %w", spec.Interpreter, err)
	}

	status := ExitStatus{
		PID:       cmd.Process.Pid,
		StartedAt: startTime,
	}
	if spec.OnStart != nil {
		spec.OnStart(status.PID)
	}

	err := cmd.Wait()
	status.Duration = time.Since(startTime)

	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			status.Code = -1
			return status, fmt.Errorf("wait %s: %w", spec.Interpreter, err)
		}
		status.Code = exitError.ExitCode()
	}

	return status, nil
}
