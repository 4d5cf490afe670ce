package permission

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"streamagent/internal/chat"
	"streamagent/internal/config"
	"streamagent/internal/tools"
)

type stubTool struct {
	name    string
	mutates bool
	reason  string
}

func (s stubTool) Name() string             { return s.name }
func (s stubTool) Definition() chat.ToolDef { return chat.ToolDef{} }
func (s stubTool) Mutates() bool            { return s.mutates }

func (s stubTool) Execute(context.Context, json.RawMessage) (string, error) {
	return "", nil
}

func (s stubTool) ApprovalRequest(json.RawMessage) (*tools.ApprovalRequest, error) {
	if s.reason == "" {
		return nil, nil
	}
	return &tools.ApprovalRequest{Tool: s.name, Reason: s.reason}, nil
}

var (
	readTool  = stubTool{name: tools.ReadFileName}
	writeTool = stubTool{name: tools.WriteFileName, mutates: true}
	shellTool = stubTool{name: tools.ShellName}
)

func shellArgs(cmd string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"command": cmd})
	return data
}

func newTestPolicy() *Policy {
	return New(config.PermissionConfig{
		Default: "ask",
		Tools: map[string]string{
			tools.ReadFileName:  "allow",
			tools.WriteFileName: "ask",
			tools.ReplaceName:   "deny",
			tools.ShellName:     "ask",
		},
		Shell: map[string]string{
			"*":         "ask",
			"ls *":      "allow",
			"git push*": "deny",
			"rm *":      "deny",
		},
	})
}

func TestPolicyDecideRules(t *testing.T) {
	p := newTestPolicy()
	tests := []struct {
		name string
		mode string
		tool tools.Tool
		args json.RawMessage
		want Decision
	}{
		{name: "read allowed", mode: config.ApprovalModeDefault, tool: readTool, want: DecisionAllow},
		{name: "write asks", mode: config.ApprovalModeDefault, tool: writeTool, want: DecisionAsk},
		{name: "unknown falls back to default", mode: config.ApprovalModeDefault, tool: stubTool{name: "other"}, want: DecisionAsk},
		{name: "deny wins in yolo", mode: config.ApprovalModeYolo, tool: stubTool{name: tools.ReplaceName, mutates: true}, want: DecisionDeny},
		{name: "yolo allows write", mode: config.ApprovalModeYolo, tool: writeTool, want: DecisionAllow},
		{name: "auto_edit allows write", mode: config.ApprovalModeAutoEdit, tool: writeTool, want: DecisionAllow},
		{name: "auto_edit keeps shell ask", mode: config.ApprovalModeAutoEdit, tool: shellTool, args: shellArgs("make"), want: DecisionAsk},
		{name: "shell pattern allow", mode: config.ApprovalModeDefault, tool: shellTool, args: shellArgs("ls -la"), want: DecisionAllow},
		{name: "shell pattern deny", mode: config.ApprovalModeDefault, tool: shellTool, args: shellArgs("rm -rf build"), want: DecisionDeny},
		{name: "shell deny wins in yolo", mode: config.ApprovalModeYolo, tool: shellTool, args: shellArgs("git push origin main"), want: DecisionDeny},
		{name: "yolo allows shell", mode: config.ApprovalModeYolo, tool: shellTool, args: shellArgs("make"), want: DecisionAllow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Decide(tt.mode, tt.tool, tt.args).Decision; got != tt.want {
				t.Fatalf("Decide()=%s want %s", got, tt.want)
			}
		})
	}
}

func TestPolicyShellRiskEscalatesAllow(t *testing.T) {
	p := New(config.PermissionConfig{
		Default: "ask",
		Tools:   map[string]string{tools.ShellName: "allow"},
		Shell:   map[string]string{"*": "allow"},
	})
	if got := p.Decide(config.ApprovalModeDefault, shellTool, shellArgs("go test ./...")).Decision; got != DecisionAllow {
		t.Fatalf("plain command decision=%s", got)
	}
	res := p.Decide(config.ApprovalModeDefault, shellTool, shellArgs("sudo rm -rf /"))
	if res.Decision != DecisionAsk || res.Reason == "" {
		t.Fatalf("risky command result=%+v", res)
	}
}

func TestPolicyCommandAllowlist(t *testing.T) {
	p := New(config.PermissionConfig{
		Default:          "ask",
		Tools:            map[string]string{tools.ShellName: "ask"},
		Shell:            map[string]string{"*": "ask"},
		CommandAllowlist: []string{"go", "git"},
	})
	if got := p.Decide(config.ApprovalModeDefault, shellTool, shellArgs("go test ./... && git status")).Decision; got != DecisionAllow {
		t.Fatalf("all roots allowlisted decision=%s", got)
	}
	if got := p.Decide(config.ApprovalModeDefault, shellTool, shellArgs("go test ./... | tee out.txt")).Decision; got != DecisionAsk {
		t.Fatalf("partial allowlist decision=%s", got)
	}

	if !p.AddToCommandAllowlist("/usr/bin/tee") {
		t.Fatal("expected tee to be added")
	}
	if p.AddToCommandAllowlist("TEE") {
		t.Fatal("duplicate entry added")
	}
	if got := p.Decide(config.ApprovalModeDefault, shellTool, shellArgs("go test ./... | tee out.txt")).Decision; got != DecisionAllow {
		t.Fatalf("after allowlist update decision=%s", got)
	}
}

func TestPolicyAllowToolAndApprovalAware(t *testing.T) {
	p := newTestPolicy()
	if !p.AllowTool(tools.WriteFileName) {
		t.Fatal("expected rule change")
	}
	if p.AllowTool(tools.WriteFileName) {
		t.Fatal("second AllowTool should be a no-op")
	}
	if got := p.Decide(config.ApprovalModeDefault, writeTool, nil).Decision; got != DecisionAllow {
		t.Fatalf("write decision after AllowTool=%s", got)
	}

	aware := stubTool{name: tools.ReadFileName, reason: "overwrite redirection target exists"}
	res := p.Decide(config.ApprovalModeDefault, aware, nil)
	if res.Decision != DecisionAsk || !strings.Contains(res.Reason, "overwrite") {
		t.Fatalf("approval-aware result=%+v", res)
	}
}

func TestPolicySummary(t *testing.T) {
	p := New(config.PermissionConfig{
		Default:          "ask",
		Tools:            map[string]string{tools.ReadFileName: "allow"},
		CommandAllowlist: []string{"go"},
	})
	got := p.Summary(config.ApprovalModeAutoEdit)
	for _, want := range []string{"mode: auto_edit", "read_file: allow", "allowlist: go"} {
		if !strings.Contains(got, want) {
			t.Fatalf("summary %q missing %q", got, want)
		}
	}
}
