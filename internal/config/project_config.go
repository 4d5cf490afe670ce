package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
)

// InitProjectConfigScaffold 在 dir 下初始化项目级配置模板（.streamagent/config.json），已存在则不动。
// InitProjectConfigScaffold writes a project-level config scaffold (.streamagent/config.json) under dir unless one exists.
func InitProjectConfigScaffold(dir string) error {
	path := filepath.Join(strings.TrimSpace(dir), projectDirName, "config.json")

	info, err := os.Stat(path)
	if err == nil {
		if info.IsDir() {
			return fmt.Errorf("project config path is a directory: %s", path)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat project config: %w", err)
	}

	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return writeProjectFile(path, data)
}

// WriteProviderModel 将 provider.model 写入项目配置；目录不存在则创建
// WriteProviderModel writes provider.model to the project config; creates the dir if needed
func WriteProviderModel(projectDir, model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return errors.New("model is empty")
	}
	return updateProjectConfig(projectDir, func(root map[string]any) {
		providerMap, _ := root["provider"].(map[string]any)
		if providerMap == nil {
			providerMap = make(map[string]any)
		}
		providerMap["model"] = model
		root["provider"] = providerMap
	})
}

// WriteCommandAllowlist 追加命令名到项目级 allowlist（permission.command_allowlist）。
// WriteCommandAllowlist appends a command name to the project-level permission.command_allowlist.
func WriteCommandAllowlist(projectDir, commandName string) error {
	name := NormalizeCommandName(commandName)
	if name == "" {
		return errors.New("command name is empty")
	}
	return updateProjectConfig(projectDir, func(root map[string]any) {
		perm, _ := root["permission"].(map[string]any)
		if perm == nil {
			perm = make(map[string]any)
		}
		existing, _ := perm["command_allowlist"].([]any)
		seen := map[string]struct{}{}
		out := make([]any, 0, len(existing)+1)
		for _, v := range existing {
			s, ok := v.(string)
			if !ok {
				continue
			}
			n := strings.ToLower(strings.TrimSpace(s))
			if n == "" {
				continue
			}
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
		if _, ok := seen[name]; !ok {
			out = append(out, name)
		}
		perm["command_allowlist"] = out
		root["permission"] = perm
	})
}

// WriteToolRule 写入 permission.tools.<tool> = decision。
// WriteToolRule sets permission.tools.<tool> = decision in the project config.
func WriteToolRule(projectDir, tool, decision string) error {
	tool = strings.TrimSpace(tool)
	if tool == "" {
		return errors.New("tool name is empty")
	}
	return updateProjectConfig(projectDir, func(root map[string]any) {
		perm, _ := root["permission"].(map[string]any)
		if perm == nil {
			perm = make(map[string]any)
		}
		rules, _ := perm["tools"].(map[string]any)
		if rules == nil {
			rules = make(map[string]any)
		}
		rules[tool] = decision
		perm["tools"] = rules
		root["permission"] = perm
	})
}

func updateProjectConfig(projectDir string, mutate func(root map[string]any)) error {
	path := filepath.Join(strings.TrimSpace(projectDir), projectDirName, "config.json")
	var root map[string]any
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(stripJSONComments(data), &root); err != nil {
			root = nil
		}
	}
	if root == nil {
		root = make(map[string]any)
	}
	mutate(root)
	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return err
	}
	return writeProjectFile(path, data)
}

func writeProjectFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", projectDirName, err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write project config: %w", err)
	}
	return nil
}
