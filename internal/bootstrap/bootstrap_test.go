package bootstrap

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"streamagent/internal/chat"
	"streamagent/internal/config"
	"streamagent/internal/permission"
	"streamagent/internal/scheduler"
	"streamagent/internal/tools"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	data := filepath.Join(t.TempDir(), "data")
	cfg := config.Default()
	cfg.Storage.BaseDir = data
	cfg.Memory.GlobalPath = filepath.Join(data, "AGENTS.md")
	return cfg
}

func buildForTest(t *testing.T, cfg config.Config, opts BuildOptions) *BuildResult {
	t.Helper()
	if opts.WorkspaceRoot == "" {
		opts.WorkspaceRoot = t.TempDir()
	}
	res, err := Build(context.Background(), cfg, opts)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() { _ = res.Close(context.Background()) })
	return res
}

func TestBuildEmptyWorkspaceRootFails(t *testing.T) {
	cfg := testConfig(t)
	_, err := Build(context.Background(), cfg, BuildOptions{})
	if err == nil {
		t.Fatal("Build with empty root should fail")
	}
	if !strings.Contains(err.Error(), "workspace") {
		t.Fatalf("expected workspace-related error: %v", err)
	}
}

func TestBuildInvalidApprovalModeFails(t *testing.T) {
	cfg := testConfig(t)
	_, err := Build(context.Background(), cfg, BuildOptions{WorkspaceRoot: t.TempDir(), ApprovalMode: "sometimes"})
	if err == nil {
		t.Fatal("Build with invalid approval mode should fail")
	}
}

func TestBuildSuccessWithTempDir(t *testing.T) {
	cfg := testConfig(t)
	res := buildForTest(t, cfg, BuildOptions{})
	if res.Orch == nil || res.Store == nil || res.Chat == nil {
		t.Fatal("Build returned incomplete result")
	}
	meta := res.Session()
	if !strings.HasPrefix(meta.ID, "sess_") {
		t.Fatalf("unexpected session id %q", meta.ID)
	}
	stored, err := res.Store.LoadSession(context.Background(), meta.ID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if stored.CWD != res.Workspace.Root() {
		t.Fatalf("stored cwd = %q, want %q", stored.CWD, res.Workspace.Root())
	}
	for _, name := range []string{tools.ReadFileName, tools.ReplaceName, tools.ShellName, tools.SaveMemoryName} {
		if !res.Registry.Has(name) {
			t.Fatalf("registry is missing %s", name)
		}
	}
	if got := res.ApprovalMode(); got != config.ApprovalModeDefault {
		t.Fatalf("ApprovalMode() = %q", got)
	}
}

func TestSetApprovalMode(t *testing.T) {
	res := buildForTest(t, testConfig(t), BuildOptions{ApprovalMode: "auto-edit"})
	if got := res.ApprovalMode(); got != config.ApprovalModeAutoEdit {
		t.Fatalf("ApprovalMode() = %q, want auto_edit", got)
	}
	mode, err := res.SetApprovalMode("YOLO")
	if err != nil {
		t.Fatalf("SetApprovalMode: %v", err)
	}
	if mode != config.ApprovalModeYolo || res.ApprovalMode() != config.ApprovalModeYolo {
		t.Fatalf("mode not switched: %q", res.ApprovalMode())
	}
	if _, err := res.SetApprovalMode("never"); err == nil {
		t.Fatal("invalid mode should fail")
	}
	if res.ApprovalMode() != config.ApprovalModeYolo {
		t.Fatal("invalid mode must not change the current mode")
	}
}

func readProjectConfig(t *testing.T, root string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, ".streamagent", "config.json"))
	if err != nil {
		t.Fatalf("read project config: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode project config: %v", err)
	}
	return out
}

func TestProceedAlwaysPersistsToolRule(t *testing.T) {
	res := buildForTest(t, testConfig(t), BuildOptions{})
	write, _ := res.Registry.Lookup(tools.WriteFileName)
	args := json.RawMessage(`{"file_path":"a.txt","content":"x"}`)
	if got := res.Policy.Decide(config.ApprovalModeDefault, write, args).Decision; got != permission.DecisionAsk {
		t.Fatalf("before: decision = %s, want ask", got)
	}

	res.proceedAlways(scheduler.TrackedCall{Request: chat.ToolCallRequest{CallID: "c1", Name: tools.WriteFileName}})

	if got := res.Policy.Decide(config.ApprovalModeDefault, write, args).Decision; got != permission.DecisionAllow {
		t.Fatalf("after: decision = %s, want allow", got)
	}
	perm, _ := readProjectConfig(t, res.Workspace.Root())["permission"].(map[string]any)
	rules, _ := perm["tools"].(map[string]any)
	if rules[tools.WriteFileName] != "allow" {
		t.Fatalf("persisted rules = %v", rules)
	}
}

func TestProceedAlwaysAllowlistsShellCommand(t *testing.T) {
	res := buildForTest(t, testConfig(t), BuildOptions{})
	shell, _ := res.Registry.Lookup(tools.ShellName)
	args := json.RawMessage(`{"command":"make test"}`)
	if got := res.Policy.Decide(config.ApprovalModeDefault, shell, args).Decision; got != permission.DecisionAsk {
		t.Fatalf("before: decision = %s, want ask", got)
	}

	res.proceedAlways(scheduler.TrackedCall{Request: chat.ToolCallRequest{
		CallID: "c1",
		Name:   tools.ShellName,
		Args:   map[string]any{"command": "make build"},
	}})

	if got := res.Policy.Decide(config.ApprovalModeDefault, shell, args).Decision; got != permission.DecisionAllow {
		t.Fatalf("after: decision = %s, want allow", got)
	}
	perm, _ := readProjectConfig(t, res.Workspace.Root())["permission"].(map[string]any)
	list, _ := perm["command_allowlist"].([]any)
	if len(list) != 1 || list[0] != "make" {
		t.Fatalf("persisted allowlist = %v", list)
	}
}

func TestProceedAlwaysSkipsDangerousCommand(t *testing.T) {
	res := buildForTest(t, testConfig(t), BuildOptions{})
	res.proceedAlways(scheduler.TrackedCall{Request: chat.ToolCallRequest{
		CallID: "c1",
		Name:   tools.ShellName,
		Args:   map[string]any{"command": "rm -rf build"},
	}})
	if _, err := os.Stat(filepath.Join(res.Workspace.Root(), ".streamagent", "config.json")); !os.IsNotExist(err) {
		t.Fatalf("dangerous command must not be persisted, stat err = %v", err)
	}
}

func TestRecordBatchWritesAudit(t *testing.T) {
	res := buildForTest(t, testConfig(t), BuildOptions{})
	res.recordBatch([]scheduler.TrackedCall{
		{
			Request:  chat.ToolCallRequest{CallID: "c1", Name: tools.ReadFileName, Args: map[string]any{"file_path": "a.txt"}},
			Status:   scheduler.StatusSuccess,
			Outcome:  scheduler.OutcomeProceedOnce,
			Duration: 12 * time.Millisecond,
		},
		{
			Request:  chat.ToolCallRequest{CallID: "c2", Name: tools.ShellName},
			Status:   scheduler.StatusCancelled,
			Outcome:  scheduler.OutcomeCancel,
			Response: &scheduler.Response{CallID: "c2", Err: context.Canceled},
		},
	})

	entries, err := res.Store.ToolCalls(context.Background(), res.Session().ID)
	if err != nil {
		t.Fatalf("ToolCalls: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(entries))
	}
	if entries[0].CallID != "c1" || entries[0].Status != "success" || entries[0].Args != `{"file_path":"a.txt"}` {
		t.Fatalf("unexpected first row: %+v", entries[0])
	}
	if entries[0].Duration != 12*time.Millisecond {
		t.Fatalf("duration = %v", entries[0].Duration)
	}
	if entries[1].Outcome != "cancel" || entries[1].Error != context.Canceled.Error() || entries[1].Args != "{}" {
		t.Fatalf("unexpected second row: %+v", entries[1])
	}
}

func TestResumeLoadsHistory(t *testing.T) {
	cfg := testConfig(t)
	root := t.TempDir()

	first, err := Build(context.Background(), cfg, BuildOptions{WorkspaceRoot: root})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	id := first.Session().ID
	first.Chat.AddHistory(chat.Content{Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("hello")}})
	first.Chat.AddHistory(chat.Content{Role: chat.RoleModel, Parts: []chat.Part{chat.TextPart("hi")}})
	if err := first.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := buildForTest(t, cfg, BuildOptions{WorkspaceRoot: root, ResumeID: id})
	if second.Session().ID != id {
		t.Fatalf("resumed id = %q, want %q", second.Session().ID, id)
	}
	if second.Resumed != 2 || len(second.Chat.History()) != 2 {
		t.Fatalf("resumed %d entries, history has %d", second.Resumed, len(second.Chat.History()))
	}
}

func TestResumeUnknownSessionFails(t *testing.T) {
	_, err := Build(context.Background(), testConfig(t), BuildOptions{WorkspaceRoot: t.TempDir(), ResumeID: "sess_missing"})
	if err == nil {
		t.Fatal("resuming an unknown session should fail")
	}
}
