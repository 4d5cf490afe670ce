package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrPathOutsideWorkspace = errors.New("path outside workspace")

type Workspace struct {
	root string
}

func NewWorkspace(root string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("workspace root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		resolved = abs
	}
	return &Workspace{root: resolved}, nil
}

func (w *Workspace) Root() string {
	return w.root
}

// Rel 返回相对工作区根目录的显示路径；越界或出错时原样返回。
// Rel returns path relative to the workspace root for display; path is returned unchanged when it lies outside.
func (w *Workspace) Rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || escapes(rel) {
		return path
	}
	return rel
}

// Contains reports whether path resolves inside the workspace.
func (w *Workspace) Contains(path string) bool {
	_, err := w.Resolve(path)
	return err == nil
}

// Resolve 把相对路径拼到根目录下并解析符号链接，越界返回 ErrPathOutsideWorkspace
// Resolve joins relative paths onto the root, follows symlinks and rejects
// anything that ends up outside. Paths that do not exist yet are resolved
// through their nearest existing ancestor.
func (w *Workspace) Resolve(path string) (string, error) {
	target := strings.TrimSpace(path)
	switch {
	case target == "":
		target = w.root
	case !filepath.IsAbs(target):
		target = filepath.Join(w.root, target)
	}

	resolved, err := resolveExisting(filepath.Clean(target))
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(w.root, resolved)
	if err != nil {
		return "", fmt.Errorf("relative path check: %w", err)
	}
	if escapes(rel) {
		return "", ErrPathOutsideWorkspace
	}
	return resolved, nil
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// resolveExisting follows symlinks in the longest existing prefix of path
// and appends the missing tail unchanged.
func resolveExisting(path string) (string, error) {
	var tail []string
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("resolve symlink: %w", err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}
