package bootstrap

import (
	"fmt"
	"strings"

	"streamagent/internal/config"
	"streamagent/internal/security"
	"streamagent/internal/tools"
)

func resolveWorkspaceRoot(cfg config.Config, workspaceRoot string) (string, error) {
	root := strings.TrimSpace(workspaceRoot)
	if root == "" {
		root = strings.TrimSpace(cfg.Runtime.WorkspaceRoot)
	}
	if root == "" {
		return "", fmt.Errorf("workspace root is empty")
	}
	return root, nil
}

func buildToolRegistry(cfg config.Config, ws *security.Workspace, shell *tools.ShellTool) *tools.Registry {
	return tools.NewRegistry(
		tools.NewReadTool(ws),
		tools.NewWriteTool(ws),
		tools.NewEditTool(ws),
		tools.NewListTool(ws),
		tools.NewGlobTool(ws),
		tools.NewGrepTool(ws),
		shell,
		tools.NewMemoryTool(cfg.Memory.GlobalPath),
	)
}
