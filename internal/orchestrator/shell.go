package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"streamagent/internal/chat"
	"streamagent/internal/history"
	"streamagent/internal/storage"
	"streamagent/internal/tools"
)

const shellDisplayName = "Shell Command"

// handleShellInput 处理 shell 模式输入；返回 true 表示已处理。
// handleShellInput handles shell-mode input and reports whether it did.
// A lone "!" toggles shell mode; "!cmd" runs one command.
func (o *Orchestrator) handleShellInput(ctx context.Context, text string, ts time.Time) bool {
	if text == "!" {
		on := !o.ShellMode()
		o.SetShellMode(on)
		if on {
			o.addInfo("Shell mode enabled. Input runs as shell commands; enter ! to leave.", ts)
		} else {
			o.addInfo("Shell mode disabled.", ts)
		}
		return true
	}
	command, ok := o.shellCommand(text)
	if !ok {
		return false
	}
	o.logMessage(ctx, storage.SenderShell, text)
	o.runShellCommand(ctx, text, command, ts)
	return true
}

func (o *Orchestrator) shellCommand(text string) (string, bool) {
	if o.ShellMode() && !isSlashCommand(text) {
		return text, true
	}
	if strings.HasPrefix(text, "!") {
		return strings.TrimSpace(strings.TrimPrefix(text, "!")), true
	}
	return "", false
}

// runShellCommand 跳过审批直接执行，等价于用户自己在终端运行。
// The command output also goes into model history so later turns can refer to it.
func (o *Orchestrator) runShellCommand(ctx context.Context, raw, command string, ts time.Time) {
	o.hist.Add(history.Item{Kind: history.KindUserShell, Text: raw}, ts)
	if o.opts.Shell == nil {
		o.addError("Shell mode is not available.", ts)
		return
	}
	if command == "" {
		o.addError("Shell command is empty.", ts)
		return
	}

	proc := o.currentProc()
	display := history.ToolDisplay{
		CallID:      "shell-" + fmt.Sprint(ts.UnixMilli()),
		Name:        shellDisplayName,
		Description: command,
		Status:      history.ToolExecuting,
	}
	publish := func(out string) {
		d := display
		d.ResultDisplay = out
		proc.ReplacePending(&history.Item{Kind: history.KindToolGroup, Tools: []history.ToolDisplay{d}})
	}
	publish("")

	args, _ := json.Marshal(map[string]string{"command": command})
	var (
		output string
		err    error
	)
	if s, ok := o.opts.Shell.(tools.Streamer); ok {
		output, err = s.ExecuteStream(ctx, args, publish)
	} else {
		output, err = o.opts.Shell.Execute(ctx, args)
	}
	proc.ReplacePending(nil)

	var result string
	switch {
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		display.Status = history.ToolCanceled
		result = "Command was cancelled."
	case err != nil:
		slog.Debug("shell command failed", "command", command, "error", err)
		display.Status = history.ToolError
		result = err.Error()
	default:
		display.Status = history.ToolSuccess
		result = tools.ResultDisplay(o.opts.Shell, output)
	}
	display.ResultDisplay = result
	o.hist.Add(history.Item{Kind: history.KindToolGroup, Tools: []history.ToolDisplay{display}}, ts)

	o.opts.Client.AddHistory(chat.Content{
		Role:  chat.RoleUser,
		Parts: []chat.Part{chat.TextPart(shellHistoryText(raw, result))},
	})
}

func shellHistoryText(raw, result string) string {
	return fmt.Sprintf("I ran the following shell command:\n```sh\n%s\n```\n\nThis produced the following result:\n```\n%s\n```", raw, result)
}
