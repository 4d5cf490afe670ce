package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"streamagent/internal/chat"
)

// MemorySectionHeader is the heading save_memory appends facts under.
const MemorySectionHeader = "## Added Memories"

// MemoryTool 把一条事实追加到全局记忆文件（默认 ~/.streamagent/AGENTS.md）。
// MemoryTool appends a fact to the global memory file (~/.streamagent/AGENTS.md by default).
type MemoryTool struct {
	path string
	mu   sync.Mutex
}

func NewMemoryTool(globalMemoryPath string) *MemoryTool {
	return &MemoryTool{path: globalMemoryPath}
}

func (t *MemoryTool) Name() string {
	return SaveMemoryName
}

func (t *MemoryTool) DisplayName() string {
	return "SaveMemory"
}

func (t *MemoryTool) Path() string {
	return t.path
}

func (t *MemoryTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Save a specific, concise fact about the user or their preferences to long-term memory, for use in future sessions.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"fact": map[string]any{
						"type":        "string",
						"description": "The fact to remember, as a short self-contained statement.",
					},
				},
				"required": []string{"fact"},
			},
		},
	}
}

type memoryArgs struct {
	Fact string `json:"fact"`
}

func (t *MemoryTool) Describe(args json.RawMessage) string {
	var in memoryArgs
	_ = json.Unmarshal(args, &in)
	return "in " + t.path
}

func (t *MemoryTool) ValidateArgs(args json.RawMessage) error {
	var in memoryArgs
	if err := decodeArgs(t.Name(), args, &in); err != nil {
		return err
	}
	if strings.TrimSpace(in.Fact) == "" {
		return errors.New("parameter \"fact\" must be a non-empty string")
	}
	return nil
}

func (t *MemoryTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in memoryArgs
	if err := decodeArgs(t.Name(), args, &in); err != nil {
		return "", err
	}
	fact := strings.TrimSpace(in.Fact)
	if fact == "" {
		return "", errors.New("parameter \"fact\" must be a non-empty string")
	}
	if err := t.appendFact(fact); err != nil {
		return "", err
	}
	return mustJSON(map[string]any{
		"ok":      true,
		"message": fmt.Sprintf("Okay, I've remembered that: %q", fact),
	}), nil
}

func (t *MemoryTool) DisplayResult(output string) string {
	if msg := resultString(output, "message"); msg != "" {
		return msg
	}
	return output
}

func (t *MemoryTool) appendFact(fact string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := ""
	data, err := os.ReadFile(t.path)
	switch {
	case err == nil:
		current = string(data)
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("read memory file: %w", err)
	}
	return writeFileAtomic(t.path, insertMemory(current, fact))
}

// insertMemory 在 MemorySectionHeader 段末尾插入 "- fact"，段不存在则追加。
// insertMemory inserts "- fact" at the end of the MemorySectionHeader section, appending the section if missing.
func insertMemory(content, fact string) string {
	item := "- " + strings.TrimSpace(strings.TrimLeft(fact, "- "))

	idx := strings.Index(content, MemorySectionHeader)
	if idx < 0 {
		sep := ""
		switch {
		case content == "":
		case strings.HasSuffix(content, "\n\n"):
		case strings.HasSuffix(content, "\n"):
			sep = "\n"
		default:
			sep = "\n\n"
		}
		return content + sep + MemorySectionHeader + "\n" + item + "\n"
	}

	bodyStart := idx + len(MemorySectionHeader)
	end := len(content)
	if next := strings.Index(content[bodyStart:], "\n## "); next >= 0 {
		end = bodyStart + next + 1
	}
	section := strings.TrimRight(content[bodyStart:end], "\n \t")
	rest := content[end:]
	out := content[:bodyStart] + section + "\n" + item + "\n"
	if rest != "" {
		out += "\n" + strings.TrimLeft(rest, "\n")
	}
	return out
}
