package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"streamagent/internal/chat"
	"streamagent/internal/security"
)

type ListTool struct {
	ws *security.Workspace
}

func NewListTool(ws *security.Workspace) *ListTool {
	return &ListTool{ws: ws}
}

func (t *ListTool) Name() string {
	return ListDirectoryName
}

func (t *ListTool) DisplayName() string {
	return "ReadFolder"
}

func (t *ListTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "List directory entries in the workspace. Directories are listed first.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string"},
					"ignore": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Glob patterns of entry names to skip.",
					},
				},
			},
		},
	}
}

type listArgs struct {
	Path   string   `json:"path"`
	Ignore []string `json:"ignore"`
}

func (t *ListTool) Describe(args json.RawMessage) string {
	var in listArgs
	_ = json.Unmarshal(args, &in)
	if in.Path == "" {
		return "."
	}
	return t.ws.Rel(in.Path)
}

func (t *ListTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in listArgs
	if err := decodeArgs(t.Name(), args, &in); err != nil {
		return "", err
	}
	if in.Path == "" {
		in.Path = "."
	}

	resolved, err := t.ws.Resolve(in.Path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return "", fmt.Errorf("list directory: %w", err)
	}

	type item struct {
		Name      string `json:"name"`
		Path      string `json:"path"`
		IsDir     bool   `json:"is_dir"`
		SizeBytes int64  `json:"size_bytes"`
	}
	items := make([]item, 0, len(entries))
	for _, e := range entries {
		if ignored(e.Name(), in.Ignore) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, item{
			Name:      e.Name(),
			Path:      t.ws.Rel(filepath.Join(resolved, e.Name())),
			IsDir:     e.IsDir(),
			SizeBytes: info.Size(),
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return items[i].Name < items[j].Name
	})

	return mustJSON(map[string]any{
		"ok":    true,
		"path":  resolved,
		"items": items,
	}), nil
}

func (t *ListTool) DisplayResult(output string) string {
	items, _ := resultField(output, "items").([]any)
	return fmt.Sprintf("Listed %d item(s).", len(items))
}

func ignored(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
