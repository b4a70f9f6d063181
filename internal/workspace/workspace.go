// Package workspace manages disposable local checkouts of the bot's forks.
package workspace

import (
	"sort"
	"sync"

	"github.com/SomethingGeneric/gort/internal/domain"
	"github.com/SomethingGeneric/gort/internal/forge"
)

// Workspace is one local checkout of a fork, keyed by the upstream slug
type Workspace struct {
	Slug     domain.RepositorySlug
	Path     string
	Upstream *forge.Repository
	Fork     *forge.Repository

	mu      sync.Mutex
	state   domain.WorkspaceState
	changed map[string]struct{}
}

func newWorkspace(slug domain.RepositorySlug, path string) *Workspace {
	return &Workspace{
		Slug:    slug,
		Path:    path,
		state:   domain.WorkspaceAbsent,
		changed: make(map[string]struct{}),
	}
}

// State returns the current lifecycle state
func (w *Workspace) State() domain.WorkspaceState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Usable reports whether tools may read or write the checkout
func (w *Workspace) Usable() bool {
	s := w.State()
	return s >= domain.WorkspaceProvisioning && s <= domain.WorkspaceDirty
}

// MarkDirty records that the working tree has uncommitted changes
func (w *Workspace) MarkDirty() {
	w.transition(domain.WorkspaceReady, domain.WorkspaceDirty)
}

// MarkClean records that the working tree matches its last commit
func (w *Workspace) MarkClean() {
	w.transition(domain.WorkspaceDirty, domain.WorkspaceReady)
}

func (w *Workspace) transition(from, to domain.WorkspaceState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == from {
		w.state = to
	}
}

func (w *Workspace) setState(s domain.WorkspaceState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

// RecordChange notes a path (relative to the checkout) touched since the last TakeChanges
func (w *Workspace) RecordChange(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == domain.WorkspaceRemoved {
		return
	}
	w.changed[rel] = struct{}{}
}

// TakeChanges returns the recorded paths in sorted order and resets the set
func (w *Workspace) TakeChanges() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	files := make([]string, 0, len(w.changed))
	for f := range w.changed {
		files = append(files, f)
	}
	w.changed = make(map[string]struct{})
	sort.Strings(files)
	return files
}
