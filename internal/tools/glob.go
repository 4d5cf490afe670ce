package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"streamagent/internal/chat"
	"streamagent/internal/security"
)

const maxGlobResults = 500

type GlobTool struct {
	ws *security.Workspace
}

func NewGlobTool(ws *security.Workspace) *GlobTool {
	return &GlobTool{ws: ws}
}

func (t *GlobTool) Name() string {
	return GlobName
}

func (t *GlobTool) DisplayName() string {
	return "FindFiles"
}

func (t *GlobTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Find files matching a glob pattern (supports **), newest first.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern": map[string]any{"type": "string"},
					"path": map[string]any{
						"type":        "string",
						"description": "Directory to search in, relative to the workspace root.",
					},
				},
				"required": []string{"pattern"},
			},
		},
	}
}

type globArgs struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path"`
}

func (t *GlobTool) Describe(args json.RawMessage) string {
	var in globArgs
	_ = json.Unmarshal(args, &in)
	desc := "'" + in.Pattern + "'"
	if in.Path != "" {
		desc += " within " + t.ws.Rel(in.Path)
	}
	return desc
}

func (t *GlobTool) ValidateArgs(args json.RawMessage) error {
	var in globArgs
	if err := decodeArgs(t.Name(), args, &in); err != nil {
		return err
	}
	pattern := strings.TrimSpace(in.Pattern)
	if pattern == "" {
		return fmt.Errorf("glob pattern is empty")
	}
	if filepath.IsAbs(pattern) {
		return fmt.Errorf("absolute glob pattern is not allowed")
	}
	if !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("invalid glob pattern: %s", pattern)
	}
	return nil
}

func (t *GlobTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in globArgs
	if err := decodeArgs(t.Name(), args, &in); err != nil {
		return "", err
	}
	if err := t.ValidateArgs(args); err != nil {
		return "", err
	}
	pattern := filepath.ToSlash(strings.TrimSpace(in.Pattern))

	base, err := t.ws.Resolve(in.Path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	type entry struct {
		rel     string
		modTime time.Time
	}
	var entries []entry
	walkErr := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != base && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return nil
		}
		ok, err := doublestar.Match(pattern, filepath.ToSlash(rel))
		if err != nil || !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, entry{rel: t.ws.Rel(path), modTime: info.ModTime()})
		if len(entries) >= maxGlobResults {
			return filepath.SkipAll
		}
		return nil
	})
	if walkErr != nil {
		return "", fmt.Errorf("run glob: %w", walkErr)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].modTime.After(entries[j].modTime)
	})
	matches := make([]string, 0, len(entries))
	for _, e := range entries {
		matches = append(matches, e.rel)
	}

	return mustJSON(map[string]any{
		"ok":        true,
		"pattern":   pattern,
		"matches":   matches,
		"truncated": len(entries) >= maxGlobResults,
	}), nil
}

func (t *GlobTool) DisplayResult(output string) string {
	matches, _ := resultField(output, "matches").([]any)
	if len(matches) == 0 {
		return "No files found"
	}
	return fmt.Sprintf("Found %d matching file(s)", len(matches))
}

// skipDir 跳过隐藏目录和常见依赖目录。
// skipDir skips hidden and common dependency directories.
func skipDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	switch name {
	case "node_modules", "vendor", "__pycache__":
		return true
	}
	return false
}
