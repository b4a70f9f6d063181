package forge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SomethingGeneric/gort/internal/domain"
)

// Gitea is a Client for Gitea and Forgejo instances
type Gitea struct {
	rest     *restClient
	username string
	token    string
}

// NewGitea creates a client for the Gitea instance at endpoint (e.g. https://git.example.com)
func NewGitea(endpoint, username, token string) *Gitea {
	base := strings.TrimRight(endpoint, "/") + "/api/v1"
	auth := ""
	if token != "" {
		auth = "token " + token
	}
	return &Gitea{
		rest:     newRESTClient(base, auth, nil),
		username: username,
		token:    token,
	}
}

// Username returns the authenticated bot account
func (g *Gitea) Username() string { return g.username }

type giteaUser struct {
	Login    string `json:"login"`
	Username string `json:"username"`
}

func (u giteaUser) name() string {
	if u.Login != "" {
		return u.Login
	}
	return u.Username
}

type giteaRepo struct {
	Name          string    `json:"name"`
	Owner         giteaUser `json:"owner"`
	DefaultBranch string    `json:"default_branch"`
	CloneURL      string    `json:"clone_url"`
	HTMLURL       string    `json:"html_url"`
	Fork          bool      `json:"fork"`
}

func (g *Gitea) toRepository(r giteaRepo) *Repository {
	return &Repository{
		Owner:         r.Owner.name(),
		Name:          r.Name,
		DefaultBranch: r.DefaultBranch,
		CloneURL:      withCredentials(r.CloneURL, g.username, g.token),
		HTMLURL:       r.HTMLURL,
		Fork:          r.Fork,
	}
}

func repoPath(owner, repo string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
}

// GetRepo fetches a repository; a missing repository matches ErrNotFound
func (g *Gitea) GetRepo(ctx context.Context, owner, repo string) (*Repository, error) {
	var r giteaRepo
	if err := g.rest.do(ctx, "get repo", http.MethodGet, repoPath(owner, repo), nil, &r); err != nil {
		return nil, err
	}
	return g.toRepository(r), nil
}

// ForkRepo forks owner/repo into the bot account under the same name
func (g *Gitea) ForkRepo(ctx context.Context, owner, repo string) (*Repository, error) {
	var r giteaRepo
	body := map[string]string{"name": repo}
	if err := g.rest.do(ctx, "fork repo", http.MethodPost, repoPath(owner, repo)+"/forks", body, &r); err != nil {
		return nil, err
	}
	return g.toRepository(r), nil
}

// CreatePullRequest opens a pull request against owner/repo
func (g *Gitea) CreatePullRequest(ctx context.Context, owner, repo string, pr NewPullRequest) (*PullRequest, error) {
	var out PullRequest
	if err := g.rest.do(ctx, "create pull request", http.MethodPost, repoPath(owner, repo)+"/pulls", pr, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type giteaComment struct {
	ID        int64     `json:"id"`
	User      giteaUser `json:"user"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type giteaIssue struct {
	Number  int       `json:"number"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	User    giteaUser `json:"user"`
	HTMLURL string    `json:"html_url"`
}

// GetIssue fetches an issue
func (g *Gitea) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	var raw giteaIssue
	path := fmt.Sprintf("%s/issues/%d", repoPath(owner, repo), number)
	if err := g.rest.do(ctx, "get issue", http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return &Issue{Number: raw.Number, Title: raw.Title, Body: raw.Body, Author: raw.User.name(), HTMLURL: raw.HTMLURL}, nil
}

// ListComments returns the comments of an issue in creation order
func (g *Gitea) ListComments(ctx context.Context, owner, repo string, number int) ([]domain.Comment, error) {
	var raw []giteaComment
	path := fmt.Sprintf("%s/issues/%d/comments", repoPath(owner, repo), number)
	if err := g.rest.do(ctx, "list comments", http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	comments := make([]domain.Comment, len(raw))
	for i, c := range raw {
		comments[i] = domain.Comment{ID: c.ID, Author: c.User.name(), Body: c.Body, CreatedAt: c.CreatedAt}
	}
	return comments, nil
}

// PostComment adds a comment to an issue
func (g *Gitea) PostComment(ctx context.Context, owner, repo string, number int, body string) error {
	path := fmt.Sprintf("%s/issues/%d/comments", repoPath(owner, repo), number)
	return g.rest.do(ctx, "post comment", http.MethodPost, path, map[string]string{"body": body}, nil)
}

// AddWebhook installs a JSON webhook on owner/repo
func (g *Gitea) AddWebhook(ctx context.Context, owner, repo string, hook Webhook) error {
	events := hook.Events
	if len(events) == 0 {
		events = []string{"issues", "issue_comment"}
	}
	cfg := map[string]string{"url": hook.URL, "content_type": "json"}
	if hook.Secret != "" {
		cfg["secret"] = hook.Secret
	}
	body := map[string]interface{}{
		"type":   "gitea",
		"active": true,
		"events": events,
		"config": cfg,
	}
	return g.rest.do(ctx, "add webhook", http.MethodPost, repoPath(owner, repo)+"/hooks", body, nil)
}
