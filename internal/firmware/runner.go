package firmware

import (
	"bufio"
	"context"
	"errors"
	"os/exec"
)

// Runner executes a flashing tool and streams its combined output line by
// line. Implementations must kill the process when ctx is cancelled.
type Runner interface {
	Run(ctx context.Context, tool string, args []string, onLine func(string)) error
}

// ExecRunner runs tools as host subprocesses
type ExecRunner struct{}

// NewExecRunner creates a Runner backed by os/exec
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run starts the tool and forwards every output line to onLine. Returns
// ErrToolNotFound when the binary is not installed, otherwise the exit
// error of the process (nil on exit code 0). Cancelling ctx kills the
// process.
func (r *ExecRunner) Run(ctx context.Context, tool string, args []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, tool, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	// Tools interleave progress on stderr; merge the streams
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return ErrToolNotFound
		}
		return err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	return scanner.Err()
}
