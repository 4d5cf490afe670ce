package contextmgr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultMemoryFileName 项目与全局记忆文件名
// DefaultMemoryFileName is the project and global memory file name
const DefaultMemoryFileName = "AGENTS.md"

const maxMemoryFileRunes = 32768

// MemoryResult 一次记忆刷新的结果
// MemoryResult is the outcome of one memory refresh
type MemoryResult struct {
	Content   string
	FileCount int
	Files     []string
}

// Assembler 负责系统提示与分层记忆（全局、祖先目录、工作区、附加指令文件）
// Assembler builds the system instruction from the base prompt and the
// hierarchical memory: global file, ancestor directories, workspace, extra
// instruction files.
type Assembler struct {
	SystemPrompt     string
	WorkspaceRoot    string
	GlobalMemoryPath string
	MemoryFileName   string
	InstructionFiles []string

	mu     sync.RWMutex
	memory MemoryResult
}

func New(systemPrompt, workspaceRoot, globalMemoryPath string, instructionFiles []string) *Assembler {
	return &Assembler{
		SystemPrompt:     strings.TrimSpace(systemPrompt),
		WorkspaceRoot:    strings.TrimSpace(workspaceRoot),
		GlobalMemoryPath: strings.TrimSpace(globalMemoryPath),
		MemoryFileName:   DefaultMemoryFileName,
		InstructionFiles: append([]string(nil), instructionFiles...),
	}
}

// Refresh 重新读取所有记忆文件
// Refresh re-reads every memory file. A missing file is skipped; any other
// read error aborts the refresh and keeps the previous memory.
func (a *Assembler) Refresh(ctx context.Context) (MemoryResult, error) {
	var (
		b     strings.Builder
		files []string
	)
	for _, path := range a.memoryPaths() {
		if err := ctx.Err(); err != nil {
			return MemoryResult{}, err
		}
		content, ok, err := readFile(path, maxMemoryFileRunes)
		if err != nil {
			return MemoryResult{}, fmt.Errorf("read %s: %w", path, err)
		}
		if !ok || strings.TrimSpace(content) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "--- Context from: %s ---\n%s\n--- End of Context from: %s ---", a.displayPath(path), strings.TrimSpace(content), a.displayPath(path))
		files = append(files, path)
	}

	res := MemoryResult{Content: b.String(), FileCount: len(files), Files: files}
	a.mu.Lock()
	a.memory = res
	a.mu.Unlock()
	return res, nil
}

// Memory 返回最近一次刷新得到的记忆
// Memory returns the memory loaded by the last Refresh
func (a *Assembler) Memory() MemoryResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.memory
}

// SystemInstruction 系统提示 + 记忆
// SystemInstruction is the base prompt followed by the loaded memory
func (a *Assembler) SystemInstruction() string {
	mem := a.Memory().Content
	if mem == "" {
		return a.SystemPrompt
	}
	if a.SystemPrompt == "" {
		return mem
	}
	return a.SystemPrompt + "\n\n---\n\n" + mem
}

// memoryPaths 全局文件在前，随后从最外层祖先到工作区根目录，最后是附加指令文件
// memoryPaths lists the global file, then ancestors from outermost down to the
// workspace root, then instruction files. Duplicates are dropped.
func (a *Assembler) memoryPaths() []string {
	name := a.MemoryFileName
	if name == "" {
		name = DefaultMemoryFileName
	}
	var out []string
	seen := map[string]struct{}{}
	add := func(p string) {
		if p == "" {
			return
		}
		p = filepath.Clean(p)
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	add(a.GlobalMemoryPath)
	for _, dir := range ancestorDirs(a.WorkspaceRoot) {
		add(filepath.Join(dir, name))
	}
	for _, p := range a.InstructionFiles {
		add(strings.TrimSpace(p))
	}
	return out
}

// ancestorDirs 返回从仓库根（含 .git 的最近祖先）到 root 的目录链
// ancestorDirs walks up from root to the nearest directory holding .git and
// returns the chain outermost first. Without a .git ancestor only root is used.
func ancestorDirs(root string) []string {
	if root == "" {
		return nil
	}
	root = filepath.Clean(root)
	chain := []string{root}
	for dir := root; ; {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return []string{root}
		}
		dir = parent
		chain = append(chain, dir)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

func (a *Assembler) displayPath(p string) string {
	if a.WorkspaceRoot != "" {
		if rel, err := filepath.Rel(a.WorkspaceRoot, p); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return p
}

func readFile(path string, maxRunes int) (string, bool, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return "", false, nil
		}
		return "", false, err
	}
	content := string(data)
	if runes := []rune(content); len(runes) > maxRunes {
		content = string(runes[:maxRunes]) + "\n...[truncated]"
	}
	return content, true, nil
}
