package workspace

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher tracks file changes inside live workspaces. Every change outside
// .git marks the workspace dirty and is recorded for TakeChanges.
type Watcher struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu         sync.Mutex
	workspaces map[string]*Workspace // Keyed by checkout path

	cancel context.CancelFunc
}

// NewWatcher creates a Watcher; call Start to begin processing events
func NewWatcher(logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		watcher:    fw,
		logger:     logger,
		workspaces: make(map[string]*Workspace),
	}, nil
}

// Add starts watching every directory of the checkout except .git
func (w *Watcher) Add(ws *Workspace) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.workspaces[ws.Path]; exists {
		return nil
	}
	if err := w.addTree(ws.Path); err != nil {
		return err
	}
	w.workspaces[ws.Path] = ws
	return nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// Remove stops watching a checkout
func (w *Watcher) Remove(ws *Workspace) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.workspaces[ws.Path]; !exists {
		return
	}
	for _, path := range w.watcher.WatchList() {
		if path == ws.Path || strings.HasPrefix(path, ws.Path+string(filepath.Separator)) {
			_ = w.watcher.Remove(path)
		}
	}
	delete(w.workspaces, ws.Path)
}

// Start begins processing events until ctx is done or Stop is called
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("workspace watcher", "error", err)
			}
		}
	}()
}

// Stop stops watching all workspaces
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	_ = w.watcher.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	ws := w.find(event.Name)
	if ws == nil {
		w.mu.Unlock()
		return
	}
	rel, err := filepath.Rel(ws.Path, event.Name)
	if err != nil || rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator)) {
		w.mu.Unlock()
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addTree(event.Name)
		}
	}
	w.mu.Unlock()

	ws.RecordChange(filepath.ToSlash(rel))
	ws.MarkDirty()
}

// find returns the workspace containing path; callers hold w.mu
func (w *Watcher) find(path string) *Workspace {
	for root, ws := range w.workspaces {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return ws
		}
	}
	return nil
}
