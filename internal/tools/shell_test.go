package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"streamagent/internal/security"
)

func newShellTool(t *testing.T, limit int) (*ShellTool, string) {
	t.Helper()
	ws, err := security.NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewShellTool(ws, 2000, limit), ws.Root()
}

func TestShellToolExecuteAndApproval(t *testing.T) {
	tool, root := newShellTool(t, 32)
	if err := os.WriteFile(filepath.Join(root, "exists.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	req, err := tool.ApprovalRequest(json.RawMessage(`{"command":"echo hi > exists.txt"}`))
	if err != nil {
		t.Fatalf("ApprovalRequest failed: %v", err)
	}
	if req == nil || !strings.Contains(req.Reason, "overwrite redirection") {
		t.Fatalf("expected overwrite approval reason, got: %+v", req)
	}

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"printf 'hello world hello world hello world'"}`))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(out, `"command":"printf 'hello world hello world hello world'"`) {
		t.Fatalf("unexpected execute output: %s", out)
	}
	if !strings.Contains(out, "[output truncated]") {
		t.Fatalf("expected truncated marker: %s", out)
	}
}

func TestShellToolExecuteEmptyCommand(t *testing.T) {
	tool, _ := newShellTool(t, 64)
	_, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"   "}`))
	if err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("expected empty command error, got: %v", err)
	}
}

func TestShellToolStreamsOutput(t *testing.T) {
	tool, _ := newShellTool(t, 1024)
	var (
		mu     sync.Mutex
		chunks []string
	)
	out, err := tool.ExecuteStream(context.Background(), json.RawMessage(`{"command":"echo one; echo two 1>&2; exit 3"}`), func(s string) {
		mu.Lock()
		chunks = append(chunks, s)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("ExecuteStream failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(chunks) == 0 {
		t.Fatal("expected live output")
	}
	last := chunks[len(chunks)-1]
	if !strings.Contains(last, "one") || !strings.Contains(last, "two") {
		t.Fatalf("live output missing lines: %q", last)
	}
	display := tool.DisplayResult(out)
	if !strings.Contains(display, "(exit code 3)") {
		t.Fatalf("display=%q", display)
	}
}

func TestShellToolDirectory(t *testing.T) {
	tool, root := newShellTool(t, 1024)
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := tool.ValidateArgs(json.RawMessage(`{"command":"pwd","directory":"../"}`)); err == nil {
		t.Fatal("expected directory outside workspace to be rejected")
	}
	if err := tool.ValidateArgs(json.RawMessage(`{"command":"pwd","directory":"/tmp"}`)); err == nil {
		t.Fatal("expected absolute directory to be rejected")
	}
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"pwd","directory":"sub"}`))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(resultString(out, "stdout"), "sub") {
		t.Fatalf("pwd output=%q", resultString(out, "stdout"))
	}
}

func TestShellToolCancelled(t *testing.T) {
	tool, _ := newShellTool(t, 1024)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tool.Execute(ctx, json.RawMessage(`{"command":"sleep 5"}`))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestShellToolConfirmation(t *testing.T) {
	tool, _ := newShellTool(t, 1024)
	c, err := tool.Confirmation(json.RawMessage(`{"command":"FOO=1 npm test && rm -rf dist"}`))
	if err != nil {
		t.Fatal(err)
	}
	if c.Kind != "exec" || c.RootCommand != "npm" || c.Command == "" {
		t.Fatalf("confirmation=%+v", c)
	}
	if got := tool.Describe(json.RawMessage(`{"command":"ls","directory":"sub","description":"list files"}`)); got != "ls [in sub] (list files)" {
		t.Fatalf("describe=%q", got)
	}
}

func TestCappedBufferWrite(t *testing.T) {
	b := newCappedBuffer(4)
	_, _ = b.Write([]byte("abcdef"))
	if !b.truncated {
		t.Fatalf("expected truncated")
	}
	if got := b.String(); !strings.Contains(got, "[output truncated]") {
		t.Fatalf("unexpected string: %q", got)
	}
}
