package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/SomethingGeneric/gort/internal/workspace"
)

type writeFileArgs struct {
	Path    string  `json:"path"`
	Content *string `json:"content"`
}

type writeFileResult struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

func (d *Dispatcher) writeFile(ctx context.Context, ws *workspace.Workspace, raw []byte) (interface{}, error) {
	var args writeFileArgs
	if err := decodeArgs(string(WriteFile), raw, &args); err != nil {
		return nil, err
	}
	if args.Content == nil {
		return nil, errors.New("write_file: content is required")
	}

	rel, err := resolvePath(args.Path)
	if err != nil {
		return nil, err
	}

	root, err := os.OpenRoot(ws.Path)
	if err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}
	defer root.Close()

	if err := checkTarget(root, ws.Path, rel); err != nil {
		return nil, fmt.Errorf("write_file: path %q %w", args.Path, err)
	}
	if err := mkdirAll(root, filepath.Dir(rel)); err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}

	f, err := root.OpenFile(rel, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}
	if _, err := f.Write([]byte(*args.Content)); err != nil {
		f.Close()
		return nil, fmt.Errorf("write_file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}

	slashed := filepath.ToSlash(rel)
	ws.RecordChange(slashed)
	ws.MarkDirty()
	return writeFileResult{Path: slashed, Bytes: len(*args.Content)}, nil
}

// mkdirAll creates dir and its parents inside root. Symlinks that lead out
// of root fail with an escape error.
func mkdirAll(root *os.Root, dir string) error {
	if dir == "." {
		return nil
	}
	cur := ""
	for _, part := range strings.Split(dir, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		err := root.Mkdir(cur, 0755)
		if err == nil {
			continue
		}
		if !errors.Is(err, fs.ErrExist) {
			return err
		}
		info, err := root.Stat(cur)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", filepath.ToSlash(cur))
		}
	}
	return nil
}

// checkTarget rejects a target that is itself a symlink or whose deepest
// existing parent resolves outside the checkout or into .git
func checkTarget(root *os.Root, base, rel string) error {
	if info, err := root.Lstat(rel); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		return errors.New("is a symbolic link")
	}

	dir := filepath.Dir(rel)
	for dir != "." {
		if _, err := root.Lstat(dir); err == nil {
			break
		}
		dir = filepath.Dir(dir)
	}

	realBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		return err
	}
	realDir, err := filepath.EvalSymlinks(filepath.Join(base, dir))
	if err != nil {
		return err
	}
	inner, err := filepath.Rel(realBase, realDir)
	if err != nil || inner == ".." || strings.HasPrefix(inner, ".."+string(filepath.Separator)) {
		return errors.New("escapes the repository root")
	}
	if strings.SplitN(inner, string(filepath.Separator), 2)[0] == ".git" {
		return errors.New("resolves inside .git")
	}
	return nil
}

// resolvePath validates a workspace-relative path and returns it cleaned.
// Absolute paths, traversal out of the root and writes into .git are rejected.
func resolvePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("write_file: path is required")
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("write_file: path %q must be relative to the repository root", p)
	}

	clean := filepath.Clean(filepath.FromSlash(p))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("write_file: path %q escapes the repository root", p)
	}
	first := strings.SplitN(clean, string(filepath.Separator), 2)[0]
	if first == ".git" {
		return "", fmt.Errorf("write_file: path %q is inside .git", p)
	}
	return clean, nil
}
