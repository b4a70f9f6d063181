package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/SomethingGeneric/gort/internal/workspace"
)

type commitArgs struct {
	Message string `json:"message"`
}

type stepResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

type commitResult struct {
	Committed bool        `json:"committed"`
	Pushed    bool        `json:"pushed"`
	Status    string      `json:"status,omitempty"`
	Commit    *stepResult `json:"commit,omitempty"`
	Push      *stepResult `json:"push,omitempty"`
}

// commitAndPush stages everything, commits and pushes to the fork's default
// branch. A clean tree is reported without touching the repository.
func (d *Dispatcher) commitAndPush(ctx context.Context, ws *workspace.Workspace, raw []byte) (interface{}, error) {
	var args commitArgs
	if err := decodeArgs(string(CommitAndPush), raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Message) == "" {
		return nil, errors.New("commit_and_push: message is required")
	}
	if ws.Fork == nil {
		return nil, errors.New("commit_and_push: workspace has no fork")
	}

	status, err := d.git(ctx, ws, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(status.Stdout) == "" {
		ws.MarkClean()
		return commitResult{Status: "nothing to commit, working tree clean"}, nil
	}

	if _, err := d.git(ctx, ws, "add", "-A"); err != nil {
		return nil, err
	}

	commit, err := d.run(ctx, ws.Path, "git", "commit", "-m", args.Message)
	if err != nil {
		return nil, fmt.Errorf("git commit: %w", err)
	}
	result := commitResult{Commit: &stepResult{ExitCode: commit.ExitCode, Output: commit.Stdout}}
	if commit.ExitCode != 0 {
		return result, nil
	}
	result.Committed = true
	ws.MarkClean()

	push, err := d.run(ctx, ws.Path, "git", "push", "origin", "HEAD:"+ws.Fork.DefaultBranch)
	if err != nil {
		return nil, fmt.Errorf("git push: %w", err)
	}
	result.Push = &stepResult{ExitCode: push.ExitCode, Output: push.Stdout}
	result.Pushed = push.ExitCode == 0
	return result, nil
}

// gitLog ignores its arguments
func (d *Dispatcher) gitLog(ctx context.Context, ws *workspace.Workspace, _ []byte) (interface{}, error) {
	res, err := d.run(ctx, ws.Path, "git", "log", "--oneline", "-n", strconv.Itoa(d.cfg.GitLogLimit))
	if err != nil {
		return nil, fmt.Errorf("git log: %w", err)
	}
	return res, nil
}

// git runs a step that must succeed for the tool to continue
func (d *Dispatcher) git(ctx context.Context, ws *workspace.Workspace, args ...string) (*shellResult, error) {
	res, err := d.run(ctx, ws.Path, "git", args...)
	if err != nil {
		return nil, fmt.Errorf("git %s: %w", args[0], err)
	}
	if res.TimedOut || res.ExitCode != 0 {
		return nil, fmt.Errorf("git %s: exit %d: %s", args[0], res.ExitCode, strings.TrimSpace(res.Stdout))
	}
	return res, nil
}
