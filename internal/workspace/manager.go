package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/SomethingGeneric/gort/internal/domain"
	"github.com/SomethingGeneric/gort/internal/forge"
)

// Options configures a Manager
type Options struct {
	BotUser  string // Account that owns the forks
	BotEmail string // Committer email inside checkouts
	Logger   *slog.Logger
	Watcher  *Watcher // Optional change tracking
}

// Manager provisions and tears down workspaces under a root directory
type Manager struct {
	root    string
	forge   forge.Client
	botUser string
	email   string
	logger  *slog.Logger
	watcher *Watcher

	forks singleflight.Group
}

// NewManager creates a Manager rooted at root
func NewManager(root string, client forge.Client, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	email := opts.BotEmail
	if email == "" {
		email = opts.BotUser + "@users.noreply.local"
	}
	return &Manager{
		root:    root,
		forge:   client,
		botUser: opts.BotUser,
		email:   email,
		logger:  logger,
		watcher: opts.Watcher,
	}
}

// Root returns the directory that holds all checkouts
func (m *Manager) Root() string { return m.root }

// PathFor returns the checkout location of an upstream slug
func (m *Manager) PathFor(slug domain.RepositorySlug) string {
	return filepath.Join(m.root, slug.Owner, slug.Name)
}

// Acquire makes sure the bot's fork of slug exists and is checked out at its
// latest default branch. The returned Workspace is non-nil even when an error
// is returned, so callers can always hand it to Release.
func (m *Manager) Acquire(ctx context.Context, slug domain.RepositorySlug) (*Workspace, error) {
	ws := newWorkspace(slug, m.PathFor(slug))
	ws.setState(domain.WorkspaceProvisioning)

	upstream, err := m.forge.GetRepo(ctx, slug.Owner, slug.Name)
	if err != nil {
		return ws, fmt.Errorf("get upstream %s: %w", slug, err)
	}
	ws.Upstream = upstream

	fork, err := m.ensureFork(ctx, slug, upstream)
	if err != nil {
		return ws, fmt.Errorf("fork %s: %w", slug, err)
	}
	ws.Fork = fork

	if err := m.sync(ctx, ws); err != nil {
		return ws, err
	}

	ws.setState(domain.WorkspaceReady)

	if m.watcher != nil {
		if err := m.watcher.Add(ws); err != nil {
			m.logger.Warn("watch workspace", "repo", slug.String(), "error", err)
		}
	}

	m.logger.Info("workspace ready", "repo", slug.String(), "path", ws.Path, "fork", fork.Owner+"/"+fork.Name)
	return ws, nil
}

// ensureFork returns the bot's fork, creating it when missing. Concurrent
// callers for the same upstream share one fork request.
func (m *Manager) ensureFork(ctx context.Context, slug domain.RepositorySlug, upstream *forge.Repository) (*forge.Repository, error) {
	if strings.EqualFold(slug.Owner, m.botUser) {
		return upstream, nil
	}

	v, err, _ := m.forks.Do(slug.String(), func() (interface{}, error) {
		fork, err := m.forge.GetRepo(ctx, m.botUser, slug.Name)
		if err == nil {
			return fork, nil
		}
		if !errors.Is(err, forge.ErrNotFound) {
			return nil, err
		}
		m.logger.Info("forking repository", "repo", slug.String(), "into", m.botUser)
		return m.forge.ForkRepo(ctx, slug.Owner, slug.Name)
	})
	if err != nil {
		return nil, err
	}

	fork := v.(*forge.Repository)
	if fork.DefaultBranch == "" {
		copied := *fork
		copied.DefaultBranch = upstream.DefaultBranch
		fork = &copied
	}
	return fork, nil
}

// sync clones the fork when there is no checkout, otherwise pulls its default branch
func (m *Manager) sync(ctx context.Context, ws *Workspace) error {
	if _, err := os.Stat(filepath.Join(ws.Path, ".git")); err == nil {
		if _, err := runGit(ctx, ws.Path, "remote", "set-url", "origin", ws.Fork.CloneURL); err != nil {
			return err
		}
		if _, err := runGit(ctx, ws.Path, "pull", "--ff-only", "origin", ws.Fork.DefaultBranch); err != nil {
			return err
		}
	} else {
		if err := os.RemoveAll(ws.Path); err != nil {
			return fmt.Errorf("clear checkout dir: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(ws.Path), 0755); err != nil {
			return fmt.Errorf("creating workspace dir: %w", err)
		}
		if _, err := runGit(ctx, filepath.Dir(ws.Path), "clone", ws.Fork.CloneURL, ws.Path); err != nil {
			return err
		}
	}

	if _, err := runGit(ctx, ws.Path, "config", "user.name", m.botUser); err != nil {
		return err
	}
	if _, err := runGit(ctx, ws.Path, "config", "user.email", m.email); err != nil {
		return err
	}
	return nil
}

// Release removes the checkout. It tolerates a missing directory and is a
// no-op on an already removed workspace.
func (m *Manager) Release(ws *Workspace) error {
	if ws == nil {
		return nil
	}

	if ws.State() == domain.WorkspaceRemoved {
		return nil
	}
	if m.watcher != nil {
		m.watcher.Remove(ws)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.state == domain.WorkspaceRemoved {
		return nil
	}

	if err := os.RemoveAll(ws.Path); err != nil {
		return fmt.Errorf("remove workspace %s: %w", ws.Slug, err)
	}
	// Drop the owner directory once its last checkout is gone
	_ = os.Remove(filepath.Dir(ws.Path))

	ws.state = domain.WorkspaceRemoved
	ws.changed = make(map[string]struct{})
	m.logger.Info("workspace released", "repo", ws.Slug.String(), "path", ws.Path)
	return nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}
