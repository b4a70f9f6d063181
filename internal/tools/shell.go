package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/SomethingGeneric/gort/internal/workspace"
)

type shellArgs struct {
	Command string `json:"command"`
}

type shellResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// shell runs a command through sh -c in the checkout root. Stdout and stderr
// are combined. A non-zero exit is a normal result, not an error.
func (d *Dispatcher) shell(ctx context.Context, ws *workspace.Workspace, raw []byte) (interface{}, error) {
	var args shellArgs
	if err := decodeArgs(string(Shell), raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Command) == "" {
		return nil, errors.New("shell: command is required")
	}

	res, err := d.run(ctx, ws.Path, "sh", "-c", args.Command)
	if err != nil {
		return nil, fmt.Errorf("shell: %w", err)
	}
	if res.TimedOut {
		res.Stdout += fmt.Sprintf("\ncommand timeout after %s", d.cfg.ShellTimeout)
	}
	return res, nil
}

// run executes a process under the configured timeout in its own process
// group. Only spawn failures are returned as errors.
func (d *Dispatcher) run(ctx context.Context, dir, name string, args ...string) (*shellResult, error) {
	if d.cfg.ShellTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ShellTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.WaitDelay = time.Second
	configureProcessGroup(cmd)

	out, err := cmd.CombinedOutput()
	res := &shellResult{Stdout: d.truncate(string(out))}

	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		res.TimedOut = true
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		// The process exited but a background child still holds the output
		// pipe; what was captured before the pipe closed is the result.
		if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
			return res, nil
		}
		return nil, err
	}
	return res, nil
}

func (d *Dispatcher) truncate(s string) string {
	limit := d.cfg.MaxOutputBytes
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + fmt.Sprintf("\n... [truncated, %s total]", humanize.Bytes(uint64(len(s))))
}
