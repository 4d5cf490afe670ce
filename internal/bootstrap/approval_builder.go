package bootstrap

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"streamagent/internal/config"
	"streamagent/internal/permission"
	"streamagent/internal/scheduler"
	"streamagent/internal/security"
	"streamagent/internal/storage"
	"streamagent/internal/tools"
)

const auditTimeout = 5 * time.Second

// proceedAlways 把“始终允许”写入会话策略，并尽力持久化到项目配置。
// proceedAlways lifts the call's rule for the session and persists it to the
// project config on a best-effort basis. Shell calls allowlist the command
// name; dangerous commands are never allowlisted.
func (r *BuildResult) proceedAlways(call scheduler.TrackedCall) {
	name := call.Request.Name
	root := r.Workspace.Root()
	if name == tools.ShellName {
		command, _ := call.Request.Args["command"].(string)
		command = strings.TrimSpace(command)
		if command == "" {
			return
		}
		if risk := security.AnalyzeCommand(command); risk.RequireApproval {
			slog.Debug("not allowlisting dangerous command", "command", command, "reason", risk.Reason)
			return
		}
		cmdName := config.NormalizeCommandName(command)
		if cmdName == "" || !r.Policy.AddToCommandAllowlist(cmdName) {
			return
		}
		if err := config.WriteCommandAllowlist(root, cmdName); err != nil {
			slog.Warn("persist command allowlist failed", "command", cmdName, "error", err)
		}
		return
	}
	if !r.Policy.AllowTool(name) {
		return
	}
	if err := config.WriteToolRule(root, name, string(permission.DecisionAllow)); err != nil {
		slog.Warn("persist tool rule failed", "tool", name, "error", err)
	}
}

// recordBatch 在一个批次全部结束后写入审计行并保存模型历史。
// recordBatch writes one audit row per call of a finished batch and saves the
// model history.
func (r *BuildResult) recordBatch(calls []scheduler.TrackedCall) {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()

	sessionID := r.Session().ID
	entries := make([]storage.ToolCallEntry, 0, len(calls))
	for _, c := range calls {
		entries = append(entries, auditEntry(sessionID, c))
	}
	if err := r.Store.LogToolCalls(ctx, entries); err != nil {
		slog.Warn("write tool call audit failed", "error", err, "count", len(entries))
	}
	if err := r.Store.SaveHistory(ctx, sessionID, r.Chat.History()); err != nil {
		slog.Warn("save session history failed", "error", err)
	}
}

func auditEntry(sessionID string, c scheduler.TrackedCall) storage.ToolCallEntry {
	e := storage.ToolCallEntry{
		SessionID: sessionID,
		CallID:    c.Request.CallID,
		Name:      c.Request.Name,
		Args:      encodeArgs(c.Request.Args),
		Status:    string(c.Status),
		Outcome:   string(c.Outcome),
		Duration:  c.Duration,
	}
	if c.Response != nil && c.Response.Err != nil {
		e.Error = c.Response.Err.Error()
	}
	return e
}

func encodeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}
