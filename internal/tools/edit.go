package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"streamagent/internal/chat"
	"streamagent/internal/history"
	"streamagent/internal/security"
)

// EditTool 提供基于 old_string/new_string 的安全局部替换，而不是让模型手写 unified diff。
// EditTool provides safe, localized edits based on old_string/new_string, instead of asking the model to handcraft unified diffs.
type EditTool struct {
	ws *security.Workspace
}

func NewEditTool(ws *security.Workspace) *EditTool {
	return &EditTool{ws: ws}
}

func (t *EditTool) Name() string {
	return ReplaceName
}

func (t *EditTool) DisplayName() string {
	return "Edit"
}

func (t *EditTool) Mutates() bool { return true }

func (t *EditTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Replace text within a file. Replaces exactly expected_replacements occurrences of old_string (default 1). An empty old_string creates a new file with new_string as content.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path":  map[string]any{"type": "string"},
					"old_string": map[string]any{"type": "string"},
					"new_string": map[string]any{"type": "string"},
					"expected_replacements": map[string]any{
						"type":    "integer",
						"minimum": 1,
					},
				},
				"required": []string{"file_path", "old_string", "new_string"},
			},
		},
	}
}

type editArgs struct {
	FilePath             string `json:"file_path"`
	OldString            string `json:"old_string"`
	NewString            string `json:"new_string"`
	ExpectedReplacements int    `json:"expected_replacements"`
}

type editProposal struct {
	resolved     string
	original     string
	updated      string
	created      bool
	replacements int
}

func (t *EditTool) Describe(args json.RawMessage) string {
	var in editArgs
	_ = json.Unmarshal(args, &in)
	rel := t.ws.Rel(in.FilePath)
	if in.OldString == "" {
		return rel + ": create"
	}
	return fmt.Sprintf("%s: %s => %s", rel, oneLine(in.OldString, 30), oneLine(in.NewString, 30))
}

func (t *EditTool) ValidateArgs(args json.RawMessage) error {
	var in editArgs
	if err := decodeArgs(t.Name(), args, &in); err != nil {
		return err
	}
	if strings.TrimSpace(in.FilePath) == "" {
		return errors.New("file_path must not be empty")
	}
	if !t.ws.Contains(in.FilePath) {
		return fmt.Errorf("file path must be within the workspace: %s", in.FilePath)
	}
	if in.OldString != "" && in.OldString == in.NewString {
		return errors.New("old_string and new_string must be different")
	}
	return nil
}

// propose 计算替换结果但不落盘，供审批 diff 和执行共用。
// propose computes the replacement without writing it; shared by the confirmation diff and Execute.
func (t *EditTool) propose(in editArgs) (editProposal, error) {
	resolved, err := t.ws.Resolve(in.FilePath)
	if err != nil {
		return editProposal{}, fmt.Errorf("resolve path: %w", err)
	}
	expected := in.ExpectedReplacements
	if expected <= 0 {
		expected = 1
	}

	data, err := os.ReadFile(resolved)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if in.OldString != "" {
			return editProposal{}, fmt.Errorf("file not found: %s; use an empty old_string to create a new file", in.FilePath)
		}
		return editProposal{resolved: resolved, updated: in.NewString, created: true, replacements: 1}, nil
	case err != nil:
		return editProposal{}, fmt.Errorf("read file: %w", err)
	}
	if in.OldString == "" {
		return editProposal{}, fmt.Errorf("attempted to create a file that already exists: %s", in.FilePath)
	}

	original := string(data)
	updated, replacements, err := applyStringEdit(original, in.OldString, in.NewString, expected > 1)
	if err != nil {
		return editProposal{}, err
	}
	if replacements != expected {
		return editProposal{}, fmt.Errorf("expected %d occurrence(s) of old_string but found %d", expected, replacements)
	}
	return editProposal{resolved: resolved, original: original, updated: updated, replacements: replacements}, nil
}

func (t *EditTool) Confirmation(args json.RawMessage) (*history.Confirmation, error) {
	var in editArgs
	if err := decodeArgs(t.Name(), args, &in); err != nil {
		return nil, err
	}
	p, err := t.propose(in)
	if err != nil {
		return nil, err
	}
	rel := t.ws.Rel(p.resolved)
	diff, _, _, _ := previewDiff(rel, p.original, p.updated)
	return &history.Confirmation{
		Kind:     "edit",
		Title:    "Confirm Edit: " + rel,
		FileName: filepath.Base(p.resolved),
		FileDiff: diff,
	}, nil
}

func (t *EditTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in editArgs
	if err := decodeArgs(t.Name(), args, &in); err != nil {
		return "", err
	}
	p, err := t.propose(in)
	if err != nil {
		return "", err
	}

	operation := "updated"
	if p.created {
		operation = "created"
	} else if normalizeLineEndings(p.original) == normalizeLineEndings(p.updated) {
		operation = "unchanged"
	}
	if operation != "unchanged" {
		if err := writeFileAtomic(p.resolved, p.updated); err != nil {
			return "", err
		}
	}

	diff, additions, deletions, diffTruncated := "", 0, 0, false
	if operation != "unchanged" {
		diff, additions, deletions, diffTruncated = previewDiff(t.ws.Rel(p.resolved), p.original, p.updated)
	}

	return mustJSON(map[string]any{
		"ok":             true,
		"path":           p.resolved,
		"size":           len(p.updated),
		"operation":      operation,
		"replacements":   p.replacements,
		"additions":      additions,
		"deletions":      deletions,
		"diff":           diff,
		"diff_truncated": diffTruncated,
	}), nil
}

func (t *EditTool) DisplayResult(output string) string {
	return editResultDisplay(output)
}

// applyStringEdit 在文件内容中查找 oldString，并用 newString 进行安全替换。
// 优先尝试精确子串匹配；若失败，再退回到按行 trim 后的块匹配。
// applyStringEdit finds oldString in the file content and safely replaces it with newString.
// It first tries exact substring matching, then falls back to line-trimmed block matching.
func applyStringEdit(content, oldString, newString string, replaceAll bool) (string, int, error) {
	// 1. 精确子串匹配 / exact substring match
	exactCount := strings.Count(content, oldString)
	if exactCount > 0 {
		if replaceAll {
			return strings.ReplaceAll(content, oldString, newString), exactCount, nil
		}
		if exactCount == 1 {
			return strings.Replace(content, oldString, newString, 1), 1, nil
		}
		return "", 0, fmt.Errorf("old_string matches multiple locations (matches=%d); provide more surrounding context or set expected_replacements", exactCount)
	}

	// 2. 按行 trim 后的块匹配 / line-trimmed block match
	contentLines := strings.Split(content, "\n")
	searchLines := strings.Split(oldString, "\n")
	if searchLines[len(searchLines)-1] == "" {
		searchLines = searchLines[:len(searchLines)-1]
	}
	if len(searchLines) == 0 {
		return "", 0, fmt.Errorf("old_string must not be only whitespace")
	}

	type span struct {
		start int
		end   int
	}
	var matches []span

	// lineStart[i] is the byte offset of contentLines[i].
	lineStart := make([]int, len(contentLines)+1)
	for i, l := range contentLines {
		lineStart[i+1] = lineStart[i] + len(l) + 1
	}

	for i := 0; i <= len(contentLines)-len(searchLines); i++ {
		ok := true
		for j := range searchLines {
			if strings.TrimSpace(contentLines[i+j]) != strings.TrimSpace(searchLines[j]) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		last := i + len(searchLines) - 1
		end := lineStart[last] + len(contentLines[last])
		if last < len(contentLines)-1 {
			end++
		}
		matches = append(matches, span{start: lineStart[i], end: end})
	}

	if len(matches) == 0 {
		return "", 0, fmt.Errorf("old_string not found in content (even after trimming line whitespace); ensure you copied the exact text (including newlines and indentation) from a recent read_file result")
	}

	if replaceAll {
		// 从后往前替换，避免偏移 / replace from the end to avoid offset shifts
		updated := content
		for i := len(matches) - 1; i >= 0; i-- {
			m := matches[i]
			updated = updated[:m.start] + newString + updated[m.end:]
		}
		return updated, len(matches), nil
	}

	if len(matches) > 1 {
		return "", 0, fmt.Errorf("old_string is ambiguous after trimming (matches=%d); provide more surrounding context or set expected_replacements", len(matches))
	}

	m := matches[0]
	return content[:m.start] + newString + content[m.end:], 1, nil
}
