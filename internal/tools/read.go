package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"streamagent/internal/chat"
	"streamagent/internal/security"
)

type ReadTool struct {
	ws *security.Workspace
}

func NewReadTool(ws *security.Workspace) *ReadTool {
	return &ReadTool{ws: ws}
}

func (t *ReadTool) Name() string {
	return ReadFileName
}

func (t *ReadTool) DisplayName() string {
	return "ReadFile"
}

func (t *ReadTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Read file content from the workspace. Large files are paged with offset/limit.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": map[string]any{
						"type":        "string",
						"description": "Path of the file, absolute or relative to the workspace root.",
					},
					"offset": map[string]any{
						"type":        "integer",
						"description": "Line offset (1-based). Negative reads the last `limit` lines.",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Max number of lines to read. Defaults to 50 and is capped at 200.",
					},
				},
				"required": []string{"file_path"},
			},
		},
	}
}

type readArgs struct {
	FilePath string `json:"file_path"`
	Offset   int    `json:"offset"`
	Limit    int    `json:"limit"`
}

func (t *ReadTool) Describe(args json.RawMessage) string {
	var in readArgs
	_ = json.Unmarshal(args, &in)
	return t.ws.Rel(in.FilePath)
}

func (t *ReadTool) ValidateArgs(args json.RawMessage) error {
	var in readArgs
	if err := decodeArgs(t.Name(), args, &in); err != nil {
		return err
	}
	if strings.TrimSpace(in.FilePath) == "" {
		return fmt.Errorf("file_path must not be empty")
	}
	if !t.ws.Contains(in.FilePath) {
		return fmt.Errorf("file path must be within the workspace: %s", in.FilePath)
	}
	return nil
}

func (t *ReadTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in readArgs
	if err := decodeArgs(t.Name(), args, &in); err != nil {
		return "", err
	}
	const (
		defaultLimit = 50
		maxLimit     = 200
	)
	// isTail: any negative offset means "tail mode", read the last N lines (N = limit).
	isTail := in.Offset < 0
	if !isTail && in.Offset <= 0 {
		in.Offset = 1
	}
	if in.Limit <= 0 {
		in.Limit = defaultLimit
	}
	if in.Limit > maxLimit {
		in.Limit = maxLimit
	}
	resolved, err := t.ws.Resolve(in.FilePath)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	f, err := os.Open(resolved)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	startLine := 0
	endLine := 0
	var lines []string

	for scanner.Scan() {
		lineNo++
		text := scanner.Text()

		if isTail {
			if len(lines) == in.Limit {
				lines = lines[1:]
			}
			lines = append(lines, text)
			continue
		}

		if lineNo < in.Offset || len(lines) >= in.Limit {
			// 超出本次 limit 的行继续扫描，用于判断 has_more。
			continue
		}
		if startLine == 0 {
			startLine = lineNo
		}
		lines = append(lines, text)
		endLine = lineNo
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	hasMore := false
	if isTail {
		endLine = lineNo
		if len(lines) > 0 {
			startLine = endLine - len(lines) + 1
		}
		hasMore = startLine > 1
	} else {
		hasMore = endLine != 0 && lineNo > endLine
	}

	return mustJSON(map[string]any{
		"ok":         true,
		"path":       resolved,
		"content":    strings.Join(lines, "\n"),
		"start_line": startLine,
		"end_line":   endLine,
		"has_more":   hasMore,
	}), nil
}

func (t *ReadTool) DisplayResult(output string) string {
	start, end := resultInt(output, "start_line"), resultInt(output, "end_line")
	if end == 0 {
		return "Read 0 lines"
	}
	return fmt.Sprintf("Read lines %d-%d", start, end)
}
