package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"streamagent/internal/chat"
	"streamagent/internal/history"
	"streamagent/internal/security"
)

var overwriteRedirectPattern = regexp.MustCompile(`(^|\s)(1>|2>|>)(\s*)([^\s]+)`)

type ShellTool struct {
	ws               *security.Workspace
	commandTimeoutMS int
	outputLimitBytes int
}

func NewShellTool(ws *security.Workspace, commandTimeoutMS, outputLimitBytes int) *ShellTool {
	return &ShellTool{
		ws:               ws,
		commandTimeoutMS: commandTimeoutMS,
		outputLimitBytes: outputLimitBytes,
	}
}

func (t *ShellTool) Name() string {
	return ShellName
}

func (t *ShellTool) DisplayName() string {
	return "Shell"
}

func (t *ShellTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Run a shell command with `/bin/sh -lc`. Returns stdout, stderr and the exit code.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string"},
					"description": map[string]any{
						"type":        "string",
						"description": "Short description of what the command does, shown to the user.",
					},
					"directory": map[string]any{
						"type":        "string",
						"description": "Directory to run in, relative to the workspace root. Defaults to the root.",
					},
				},
				"required": []string{"command"},
			},
		},
	}
}

type shellArgs struct {
	Command     string `json:"command"`
	Description string `json:"description"`
	Directory   string `json:"directory"`
}

func parseShellArgs(args json.RawMessage) (shellArgs, error) {
	var in shellArgs
	if err := decodeArgs(ShellName, args, &in); err != nil {
		return shellArgs{}, err
	}
	return in, nil
}

func (t *ShellTool) Describe(args json.RawMessage) string {
	in, _ := parseShellArgs(args)
	desc := in.Command
	if in.Directory != "" {
		desc += " [in " + in.Directory + "]"
	}
	if in.Description != "" {
		desc += " (" + oneLine(in.Description, 80) + ")"
	}
	return desc
}

func (t *ShellTool) ValidateArgs(args json.RawMessage) error {
	in, err := parseShellArgs(args)
	if err != nil {
		return err
	}
	if strings.TrimSpace(in.Command) == "" {
		return errors.New("command cannot be empty")
	}
	if security.RootCommand(in.Command) == "" {
		return errors.New("could not identify command root")
	}
	if in.Directory != "" {
		if filepath.IsAbs(in.Directory) {
			return errors.New("directory cannot be absolute; use a path relative to the workspace root")
		}
		dir, err := t.ws.Resolve(in.Directory)
		if err != nil {
			return fmt.Errorf("directory must be within the workspace: %s", in.Directory)
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("directory does not exist: %s", in.Directory)
		}
	}
	return nil
}

func (t *ShellTool) ApprovalRequest(args json.RawMessage) (*ApprovalRequest, error) {
	in, err := parseShellArgs(args)
	if err != nil {
		return nil, err
	}

	risk := security.AnalyzeCommand(in.Command)
	if risk.RequireApproval {
		return &ApprovalRequest{
			Tool:    t.Name(),
			Reason:  risk.Reason,
			RawArgs: string(args),
		}, nil
	}

	if target := extractExistingRedirectTarget(in.Command, t.ws.Root()); target != "" {
		return &ApprovalRequest{
			Tool:    t.Name(),
			Reason:  fmt.Sprintf("overwrite redirection target exists: %s", target),
			RawArgs: string(args),
		}, nil
	}

	return nil, nil
}

func (t *ShellTool) Confirmation(args json.RawMessage) (*history.Confirmation, error) {
	in, err := parseShellArgs(args)
	if err != nil {
		return nil, err
	}
	return &history.Confirmation{
		Kind:        "exec",
		Title:       "Confirm Shell Command",
		Command:     in.Command,
		RootCommand: security.RootCommand(in.Command),
	}, nil
}

func (t *ShellTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.ExecuteStream(ctx, args, nil)
}

func (t *ShellTool) ExecuteStream(ctx context.Context, args json.RawMessage, onOutput func(string)) (string, error) {
	in, err := parseShellArgs(args)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Command) == "" {
		return "", errors.New("shell command is empty")
	}
	dir := t.ws.Root()
	if in.Directory != "" {
		if dir, err = t.ws.Resolve(in.Directory); err != nil {
			return "", fmt.Errorf("resolve directory: %w", err)
		}
	}

	timeout := time.Duration(t.commandTimeoutMS) * time.Millisecond
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "/bin/sh", "-lc", in.Command)
	cmd.Dir = dir

	live := &liveOutput{onOutput: onOutput, buf: newCappedBuffer(t.outputLimitBytes)}
	stdout := newCappedBuffer(t.outputLimitBytes)
	stderr := newCappedBuffer(t.outputLimitBytes)
	cmd.Stdout = live.tee(stdout)
	cmd.Stderr = live.tee(stderr)

	start := time.Now()
	err = cmd.Run()
	dur := time.Since(start)

	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	exitCode := 0
	ok := true
	if err != nil {
		ok = false
		var ee *exec.ExitError
		switch {
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			exitCode = 124
		case errors.As(err, &ee):
			exitCode = ee.ExitCode()
		default:
			return "", fmt.Errorf("run shell command: %w", err)
		}
	}

	return mustJSON(map[string]any{
		"ok":          ok,
		"command":     in.Command,
		"directory":   t.ws.Rel(dir),
		"exit_code":   exitCode,
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"truncated":   stdout.truncated || stderr.truncated,
		"duration_ms": dur.Milliseconds(),
	}), nil
}

func (t *ShellTool) DisplayResult(output string) string {
	var parts []string
	if s := strings.TrimSpace(resultString(output, "stdout")); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(resultString(output, "stderr")); s != "" {
		parts = append(parts, s)
	}
	if code := resultInt(output, "exit_code"); code != 0 {
		parts = append(parts, fmt.Sprintf("(exit code %d)", code))
	}
	if len(parts) == 0 {
		return "(no output)"
	}
	return strings.Join(parts, "\n")
}

func extractExistingRedirectTarget(command, workspaceRoot string) string {
	matches := overwriteRedirectPattern.FindAllStringSubmatch(command, -1)
	for _, m := range matches {
		if len(m) < 5 {
			continue
		}
		target := strings.Trim(m[4], `"'`)
		if target == "" {
			continue
		}
		resolved := target
		if !filepath.IsAbs(target) {
			resolved = filepath.Join(workspaceRoot, target)
		}
		info, err := os.Stat(resolved)
		if err == nil && !info.IsDir() {
			return resolved
		}
	}
	return ""
}

// liveOutput 合并 stdout/stderr，每次写入后把当前累计输出交给回调。
// liveOutput merges stdout/stderr and hands the accumulated output to the callback after every write.
type liveOutput struct {
	mu       sync.Mutex
	buf      *cappedBuffer
	onOutput func(string)
}

func (l *liveOutput) tee(w *cappedBuffer) *liveWriter {
	return &liveWriter{live: l, dst: w}
}

type liveWriter struct {
	live *liveOutput
	dst  *cappedBuffer
}

func (w *liveWriter) Write(p []byte) (int, error) {
	w.live.mu.Lock()
	defer w.live.mu.Unlock()
	n, err := w.dst.Write(p)
	if w.live.onOutput != nil {
		_, _ = w.live.buf.Write(p)
		w.live.onOutput(w.live.buf.String())
	}
	return n, err
}

type cappedBuffer struct {
	max       int
	buf       bytes.Buffer
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	if max <= 0 {
		max = 1 << 20
	}
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if b.truncated {
		return len(p), nil
	}
	remain := b.max - b.buf.Len()
	if remain <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remain {
		_, _ = b.buf.Write(p[:remain])
		b.truncated = true
		return len(p), nil
	}
	_, err := b.buf.Write(p)
	return len(p), err
}

func (b *cappedBuffer) String() string {
	if !b.truncated {
		return b.buf.String()
	}
	return b.buf.String() + "\n[output truncated]"
}
