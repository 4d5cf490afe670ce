package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWorkspaceResolve_BlocksParentEscape(t *testing.T) {
	root := t.TempDir()
	ws, err := NewWorkspace(root)
	if err != nil {
		t.Fatalf("NewWorkspace() error = %v", err)
	}

	_, err = ws.Resolve("../outside.txt")
	if !errors.Is(err, ErrPathOutsideWorkspace) {
		t.Fatalf("Resolve() error = %v, want ErrPathOutsideWorkspace", err)
	}
}

func TestWorkspaceResolve_BlocksSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	linkPath := filepath.Join(root, "escape")
	if err := os.Symlink(outside, linkPath); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}

	ws, err := NewWorkspace(root)
	if err != nil {
		t.Fatalf("NewWorkspace() error = %v", err)
	}

	_, err = ws.Resolve("escape/file.txt")
	if !errors.Is(err, ErrPathOutsideWorkspace) {
		t.Fatalf("Resolve() error = %v, want ErrPathOutsideWorkspace", err)
	}
}

func TestWorkspaceResolve_AllowsInsidePath(t *testing.T) {
	root := t.TempDir()
	ws, err := NewWorkspace(root)
	if err != nil {
		t.Fatalf("NewWorkspace() error = %v", err)
	}

	got, err := ws.Resolve("a/b/c.txt")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	rel, err := filepath.Rel(ws.Root(), got)
	if err != nil {
		t.Fatalf("filepath.Rel() error = %v", err)
	}
	if rel != filepath.Join("a", "b", "c.txt") {
		t.Fatalf("Resolve() relative path = %q, want %q", rel, filepath.Join("a", "b", "c.txt"))
	}
}

func TestWorkspaceRelAndContains(t *testing.T) {
	root := t.TempDir()
	ws, err := NewWorkspace(root)
	if err != nil {
		t.Fatalf("NewWorkspace() error = %v", err)
	}
	inside := filepath.Join(ws.Root(), "pkg", "x.go")
	if got := ws.Rel(inside); got != filepath.Join("pkg", "x.go") {
		t.Fatalf("Rel() = %q", got)
	}
	outside := filepath.Join(filepath.Dir(ws.Root()), "elsewhere.txt")
	if got := ws.Rel(outside); got != outside {
		t.Fatalf("Rel(outside) = %q, want unchanged", got)
	}
	if !ws.Contains("pkg/x.go") || ws.Contains("../elsewhere.txt") {
		t.Fatalf("Contains() mismatch")
	}
}

func TestWorkspaceResolve_BlocksSymlinkEscapeThroughMissingDirs(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	ws, err := NewWorkspace(root)
	if err != nil {
		t.Fatalf("NewWorkspace() error = %v", err)
	}
	if _, err := ws.Resolve("escape/new/dir/file.txt"); !errors.Is(err, ErrPathOutsideWorkspace) {
		t.Fatalf("Resolve() error = %v, want ErrPathOutsideWorkspace", err)
	}
}
