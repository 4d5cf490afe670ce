package contextmgr

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAssemblerRefreshLoadsHierarchy(t *testing.T) {
	repo := t.TempDir()
	if err := os.Mkdir(filepath.Join(repo, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	ws := filepath.Join(repo, "svc")
	if err := os.Mkdir(ws, 0o755); err != nil {
		t.Fatal(err)
	}
	global := filepath.Join(t.TempDir(), "AGENTS.md")
	mustWrite(t, global, "global rule")
	mustWrite(t, filepath.Join(repo, "AGENTS.md"), "repo rule")
	mustWrite(t, filepath.Join(ws, "AGENTS.md"), "svc rule")

	a := New("base prompt", ws, global, nil)
	res, err := a.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.FileCount != 3 {
		t.Fatalf("FileCount=%d, want 3", res.FileCount)
	}
	gi := strings.Index(res.Content, "global rule")
	ri := strings.Index(res.Content, "repo rule")
	si := strings.Index(res.Content, "svc rule")
	if gi < 0 || ri < gi || si < ri {
		t.Fatalf("unexpected order: %q", res.Content)
	}

	sys := a.SystemInstruction()
	if !strings.HasPrefix(sys, "base prompt") || !strings.Contains(sys, "svc rule") {
		t.Fatalf("SystemInstruction=%q", sys)
	}
}

func TestAssemblerRefreshEmpty(t *testing.T) {
	a := New("base", t.TempDir(), "", nil)
	res, err := a.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.FileCount != 0 || res.Content != "" {
		t.Fatalf("res=%+v, want empty", res)
	}
	if a.SystemInstruction() != "base" {
		t.Fatalf("SystemInstruction=%q, want base", a.SystemInstruction())
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
