package forge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/SomethingGeneric/gort/internal/domain"
)

// DefaultGitHubEndpoint is the public GitHub REST API
const DefaultGitHubEndpoint = "https://api.github.com"

// GitHub is a Client for github.com or GitHub Enterprise
type GitHub struct {
	rest     *restClient
	username string
	token    string

	// ForkWait bounds how long ForkRepo waits for GitHub to materialize a fork
	ForkWait time.Duration
	// ForkPoll is the interval between visibility checks while waiting
	ForkPoll time.Duration
}

// NewGitHub creates a client; an empty endpoint means api.github.com
func NewGitHub(endpoint, username, token string) *GitHub {
	if endpoint == "" {
		endpoint = DefaultGitHubEndpoint
	}
	auth := ""
	if token != "" {
		auth = "Bearer " + token
	}
	return &GitHub{
		rest: newRESTClient(strings.TrimRight(endpoint, "/"), auth, map[string]string{
			"Accept":               "application/vnd.github+json",
			"X-GitHub-Api-Version": "2022-11-28",
		}),
		username: username,
		token:    token,
		ForkWait: 60 * time.Second,
		ForkPoll: 2 * time.Second,
	}
}

// Username returns the authenticated bot account
func (g *GitHub) Username() string { return g.username }

type githubUser struct {
	Login string `json:"login"`
}

type githubRepo struct {
	Name          string     `json:"name"`
	Owner         githubUser `json:"owner"`
	DefaultBranch string     `json:"default_branch"`
	CloneURL      string     `json:"clone_url"`
	HTMLURL       string     `json:"html_url"`
	Fork          bool       `json:"fork"`
}

func (g *GitHub) toRepository(r githubRepo) *Repository {
	return &Repository{
		Owner:         r.Owner.Login,
		Name:          r.Name,
		DefaultBranch: r.DefaultBranch,
		CloneURL:      withCredentials(r.CloneURL, g.username, g.token),
		HTMLURL:       r.HTMLURL,
		Fork:          r.Fork,
	}
}

// GetRepo fetches a repository; a missing repository matches ErrNotFound
func (g *GitHub) GetRepo(ctx context.Context, owner, repo string) (*Repository, error) {
	var r githubRepo
	if err := g.rest.do(ctx, "get repo", http.MethodGet, repoPath(owner, repo), nil, &r); err != nil {
		return nil, err
	}
	return g.toRepository(r), nil
}

// ForkRepo forks owner/repo into the bot account. GitHub creates forks
// asynchronously, so this polls until the fork can be fetched.
func (g *GitHub) ForkRepo(ctx context.Context, owner, repo string) (*Repository, error) {
	var r githubRepo
	body := map[string]interface{}{"name": repo, "default_branch_only": true}
	if err := g.rest.do(ctx, "fork repo", http.MethodPost, repoPath(owner, repo)+"/forks", body, &r); err != nil {
		return nil, err
	}

	forkOwner := r.Owner.Login
	if forkOwner == "" {
		forkOwner = g.username
	}
	forkName := r.Name
	if forkName == "" {
		forkName = repo
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.ForkWait)
	defer cancel()

	ticker := time.NewTicker(g.ForkPoll)
	defer ticker.Stop()

	for {
		fork, err := g.GetRepo(waitCtx, forkOwner, forkName)
		if err == nil {
			return fork, nil
		}
		if waitCtx.Err() != nil {
			return nil, fmt.Errorf("fork %s/%s not visible after %s: %w", forkOwner, forkName, g.ForkWait, waitCtx.Err())
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("fork %s/%s not visible after %s: %w", forkOwner, forkName, g.ForkWait, waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// CreatePullRequest opens a pull request against owner/repo
func (g *GitHub) CreatePullRequest(ctx context.Context, owner, repo string, pr NewPullRequest) (*PullRequest, error) {
	var out PullRequest
	if err := g.rest.do(ctx, "create pull request", http.MethodPost, repoPath(owner, repo)+"/pulls", pr, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type githubComment struct {
	ID        int64      `json:"id"`
	User      githubUser `json:"user"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"created_at"`
}

type githubIssue struct {
	Number  int        `json:"number"`
	Title   string     `json:"title"`
	Body    string     `json:"body"`
	User    githubUser `json:"user"`
	HTMLURL string     `json:"html_url"`
}

// GetIssue fetches an issue
func (g *GitHub) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	var raw githubIssue
	path := fmt.Sprintf("%s/issues/%d", repoPath(owner, repo), number)
	if err := g.rest.do(ctx, "get issue", http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return &Issue{Number: raw.Number, Title: raw.Title, Body: raw.Body, Author: raw.User.Login, HTMLURL: raw.HTMLURL}, nil
}

// ListComments returns the comments of an issue in creation order
func (g *GitHub) ListComments(ctx context.Context, owner, repo string, number int) ([]domain.Comment, error) {
	var raw []githubComment
	path := fmt.Sprintf("%s/issues/%d/comments?per_page=100", repoPath(owner, repo), number)
	if err := g.rest.do(ctx, "list comments", http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	comments := make([]domain.Comment, len(raw))
	for i, c := range raw {
		comments[i] = domain.Comment{ID: c.ID, Author: c.User.Login, Body: c.Body, CreatedAt: c.CreatedAt}
	}
	return comments, nil
}

// PostComment adds a comment to an issue
func (g *GitHub) PostComment(ctx context.Context, owner, repo string, number int, body string) error {
	path := fmt.Sprintf("%s/issues/%d/comments", repoPath(owner, repo), number)
	return g.rest.do(ctx, "post comment", http.MethodPost, path, map[string]string{"body": body}, nil)
}

// AddWebhook installs a JSON webhook on owner/repo
func (g *GitHub) AddWebhook(ctx context.Context, owner, repo string, hook Webhook) error {
	events := hook.Events
	if len(events) == 0 {
		events = []string{"issues", "issue_comment"}
	}
	cfg := map[string]string{"url": hook.URL, "content_type": "json"}
	if hook.Secret != "" {
		cfg["secret"] = hook.Secret
	}
	body := map[string]interface{}{
		"name":   "web",
		"active": true,
		"events": events,
		"config": cfg,
	}
	return g.rest.do(ctx, "add webhook", http.MethodPost, repoPath(owner, repo)+"/hooks", body, nil)
}

// New returns the Forge for the configured kind ("gitea" or "github")
func New(kind, endpoint, username, token string) (Forge, error) {
	switch kind {
	case "gitea", "forgejo":
		if endpoint == "" {
			return nil, fmt.Errorf("forge endpoint is required for %s", kind)
		}
		return NewGitea(endpoint, username, token), nil
	case "github":
		return NewGitHub(endpoint, username, token), nil
	default:
		return nil, fmt.Errorf("unknown forge kind: %q", kind)
	}
}
