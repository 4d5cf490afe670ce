package tools

import (
	"context"
	"encoding/json"

	"streamagent/internal/chat"
	"streamagent/internal/history"
)

// 内置工具名 / built-in tool names
const (
	ReadFileName      = "read_file"
	WriteFileName     = "write_file"
	ReplaceName       = "replace"
	ListDirectoryName = "list_directory"
	GlobName          = "glob"
	SearchName        = "search_file_content"
	ShellName         = "run_shell_command"
	SaveMemoryName    = "save_memory"
)

type ApprovalRequest struct {
	Tool    string
	Reason  string
	RawArgs string
}

type Tool interface {
	Name() string
	Definition() chat.ToolDef
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// ApprovalAware 工具可以在策略放行时仍要求审批（例如覆盖已有文件的重定向）。
// ApprovalAware tools may still require approval when the policy would allow the call.
type ApprovalAware interface {
	ApprovalRequest(args json.RawMessage) (*ApprovalRequest, error)
}

// Describer 提供面向用户的名称和单次调用描述。
// Describer gives a user-facing name and a one-line description of a call.
type Describer interface {
	DisplayName() string
	Describe(args json.RawMessage) string
}

type Confirmer interface {
	Confirmation(args json.RawMessage) (*history.Confirmation, error)
}

// Streamer tools publish output while running; onOutput receives the output so far.
type Streamer interface {
	ExecuteStream(ctx context.Context, args json.RawMessage, onOutput func(string)) (string, error)
}

// Validator checks arguments beyond the JSON schema.
type Validator interface {
	ValidateArgs(args json.RawMessage) error
}

// Mutator 标记会修改工作区的工具（auto_edit 模式下自动放行）。
// Mutator marks tools that modify the workspace (auto-approved in auto_edit mode).
type Mutator interface {
	Mutates() bool
}

type ResultDisplayer interface {
	DisplayResult(output string) string
}

type MarkdownOutput interface {
	OutputIsMarkdown() bool
}

// DisplayName falls back to the tool name.
func DisplayName(t Tool) string {
	if d, ok := t.(Describer); ok {
		if name := d.DisplayName(); name != "" {
			return name
		}
	}
	return t.Name()
}

func Describe(t Tool, args json.RawMessage) string {
	if d, ok := t.(Describer); ok {
		return d.Describe(args)
	}
	return string(args)
}

func IsMutating(t Tool) bool {
	m, ok := t.(Mutator)
	return ok && m.Mutates()
}

func ResultDisplay(t Tool, output string) string {
	if d, ok := t.(ResultDisplayer); ok {
		return d.DisplayResult(output)
	}
	return output
}

func RendersMarkdown(t Tool) bool {
	m, ok := t.(MarkdownOutput)
	return ok && m.OutputIsMarkdown()
}
