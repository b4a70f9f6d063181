// Package forge talks to git hosting services (Gitea, GitHub): repository lookup,
// forking, pull requests, issue comments and webhooks.
package forge

import (
	"context"
	"errors"
	"fmt"

	"github.com/SomethingGeneric/gort/internal/domain"
)

// ErrNotFound is matched by errors for resources the forge reports as missing
var ErrNotFound = errors.New("not found")

// Error is a failed forge API call
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error // Transport error, if the request never got a response
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("forge %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("forge %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrNotFound) true for 404 responses
func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == 404
}

// Repository describes a hosted repository
type Repository struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
	CloneURL      string `json:"clone_url"`
	HTMLURL       string `json:"html_url"`
	Fork          bool   `json:"fork"`
}

// Slug returns the owner/name of the repository
func (r *Repository) Slug() domain.RepositorySlug {
	return domain.RepositorySlug{Owner: r.Owner, Name: r.Name}
}

// NewPullRequest holds the fields needed to open a pull request
type NewPullRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"` // "forkOwner:branch"
	Base  string `json:"base"`
}

// PullRequest describes an opened pull request
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
	Title   string `json:"title"`
}

// Issue is the opening post of an issue
type Issue struct {
	Number  int
	Title   string
	Body    string
	Author  string
	HTMLURL string
}

// Webhook describes a repository webhook to install
type Webhook struct {
	URL    string
	Events []string
	Secret string
}

// Client is the hosting surface the orchestrator needs
type Client interface {
	GetRepo(ctx context.Context, owner, repo string) (*Repository, error)
	ForkRepo(ctx context.Context, owner, repo string) (*Repository, error)
	CreatePullRequest(ctx context.Context, owner, repo string, pr NewPullRequest) (*PullRequest, error)
}

// IssueTracker reads issues and reads and writes their comments
type IssueTracker interface {
	GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error)
	ListComments(ctx context.Context, owner, repo string, number int) ([]domain.Comment, error)
	PostComment(ctx context.Context, owner, repo string, number int, body string) error
}

// Forge is a complete hosting service client
type Forge interface {
	Client
	IssueTracker
	AddWebhook(ctx context.Context, owner, repo string, hook Webhook) error
	// Username is the bot account the forge authenticates as
	Username() string
}
