package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/SomethingGeneric/gort/internal/forge"
	"github.com/SomethingGeneric/gort/internal/workspace"
)

type pullRequestArgs struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// createPullRequest opens a pull request from the fork's default branch
// into the upstream default branch
func (d *Dispatcher) createPullRequest(ctx context.Context, ws *workspace.Workspace, raw []byte) (interface{}, error) {
	var args pullRequestArgs
	if err := decodeArgs(string(CreatePullRequest), raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Title) == "" {
		return nil, errors.New("create_pull_request: title is required")
	}
	if ws.Upstream == nil || ws.Fork == nil {
		return nil, errors.New("create_pull_request: workspace has no upstream or fork")
	}

	pr, err := d.forge.CreatePullRequest(ctx, ws.Upstream.Owner, ws.Upstream.Name, forge.NewPullRequest{
		Title: args.Title,
		Body:  args.Body,
		Head:  ws.Fork.Owner + ":" + ws.Fork.DefaultBranch,
		Base:  ws.Upstream.DefaultBranch,
	})
	if err != nil {
		return nil, fmt.Errorf("create_pull_request: %w", err)
	}
	return pr, nil
}
