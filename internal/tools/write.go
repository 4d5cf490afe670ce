package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"

	"streamagent/internal/chat"
	"streamagent/internal/history"
	"streamagent/internal/security"
)

type WriteTool struct {
	ws *security.Workspace
}

func NewWriteTool(ws *security.Workspace) *WriteTool {
	return &WriteTool{ws: ws}
}

func (t *WriteTool) Name() string {
	return WriteFileName
}

func (t *WriteTool) DisplayName() string {
	return "WriteFile"
}

func (t *WriteTool) Mutates() bool { return true }

func (t *WriteTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Write full content to a file in the workspace. Use for creating new files or completely replacing existing ones, not for small localized edits.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": map[string]any{"type": "string"},
					"content":   map[string]any{"type": "string"},
				},
				"required": []string{"file_path", "content"},
			},
		},
	}
}

type writeArgs struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

func (t *WriteTool) Describe(args json.RawMessage) string {
	var in writeArgs
	_ = json.Unmarshal(args, &in)
	return t.ws.Rel(in.FilePath)
}

func (t *WriteTool) ValidateArgs(args json.RawMessage) error {
	var in writeArgs
	if err := decodeArgs(t.Name(), args, &in); err != nil {
		return err
	}
	if strings.TrimSpace(in.FilePath) == "" {
		return errors.New("file_path must not be empty")
	}
	resolved, err := t.ws.Resolve(in.FilePath)
	if err != nil {
		return fmt.Errorf("file path must be within the workspace: %s", in.FilePath)
	}
	if info, err := os.Stat(resolved); err == nil && info.IsDir() {
		return fmt.Errorf("path is a directory, not a file: %s", in.FilePath)
	}
	return nil
}

// readCurrent returns the current file content; missing files read as empty.
func (t *WriteTool) readCurrent(path string) (resolved, content string, existed bool, err error) {
	resolved, err = t.ws.Resolve(path)
	if err != nil {
		return "", "", false, fmt.Errorf("resolve path: %w", err)
	}
	data, err := os.ReadFile(resolved)
	if err == nil {
		return resolved, string(data), true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return resolved, "", false, nil
	}
	return "", "", false, fmt.Errorf("read original file: %w", err)
}

func (t *WriteTool) Confirmation(args json.RawMessage) (*history.Confirmation, error) {
	var in writeArgs
	if err := decodeArgs(t.Name(), args, &in); err != nil {
		return nil, err
	}
	resolved, original, _, err := t.readCurrent(in.FilePath)
	if err != nil {
		return nil, err
	}
	rel := t.ws.Rel(resolved)
	diff, _, _, _ := previewDiff(rel, original, in.Content)
	return &history.Confirmation{
		Kind:     "edit",
		Title:    "Confirm Write: " + rel,
		FileName: filepath.Base(resolved),
		FileDiff: diff,
	}, nil
}

func (t *WriteTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in writeArgs
	if err := decodeArgs(t.Name(), args, &in); err != nil {
		return "", err
	}

	resolved, original, existed, err := t.readCurrent(in.FilePath)
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(resolved, in.Content); err != nil {
		return "", err
	}

	operation := "created"
	if existed {
		operation = "updated"
		if normalizeLineEndings(original) == normalizeLineEndings(in.Content) {
			operation = "unchanged"
		}
	}
	diff, additions, deletions, diffTruncated := "", 0, 0, false
	if operation != "unchanged" {
		diff, additions, deletions, diffTruncated = previewDiff(t.ws.Rel(resolved), original, in.Content)
	}

	return mustJSON(map[string]any{
		"ok":             true,
		"path":           resolved,
		"size":           len(in.Content),
		"operation":      operation,
		"additions":      additions,
		"deletions":      deletions,
		"diff":           diff,
		"diff_truncated": diffTruncated,
	}), nil
}

func (t *WriteTool) DisplayResult(output string) string {
	return editResultDisplay(output)
}

func editResultDisplay(output string) string {
	if diff := resultString(output, "diff"); diff != "" {
		return diff
	}
	if op := resultString(output, "operation"); op != "" {
		return "File " + op + "."
	}
	return output
}

func writeFileAtomic(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader([]byte(content))); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}
