package tools

import (
	"path/filepath"
	"strings"

	"github.com/aymanbagabas/go-udiff"
)

const diffContextLines = 3

// BuildUnifiedDiff 生成 a/ b/ 前缀的统一 diff，并返回新增、删除行数。
// BuildUnifiedDiff builds an a/ b/ prefixed unified diff and returns the added and deleted line counts.
func BuildUnifiedDiff(path, oldContent, newContent string) (string, int, int) {
	oldNorm := normalizeLineEndings(oldContent)
	newNorm := normalizeLineEndings(newContent)
	if oldNorm == newNorm {
		return "", 0, 0
	}

	displayPath := normalizeDiffPath(path)
	edits := udiff.Strings(oldNorm, newNorm)
	ud, err := udiff.ToUnifiedDiff("a/"+displayPath, "b/"+displayPath, oldNorm, edits, diffContextLines)
	if err != nil {
		return "", 0, 0
	}

	additions, deletions := 0, 0
	for _, h := range ud.Hunks {
		for _, l := range h.Lines {
			switch l.Kind {
			case udiff.Insert:
				additions++
			case udiff.Delete:
				deletions++
			}
		}
	}
	return strings.TrimRight(ud.String(), "\n"), additions, deletions
}

// TruncateUnifiedDiff bounds diff output for terminal/context readability.
func TruncateUnifiedDiff(diff string, maxLines, maxBytes int) (string, bool) {
	diff = strings.TrimSpace(strings.ReplaceAll(diff, "\r\n", "\n"))
	if diff == "" {
		return "", false
	}

	lines := strings.Split(diff, "\n")
	truncated := false
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[:maxLines]
		truncated = true
	}
	out := strings.Join(lines, "\n")
	if maxBytes > 0 && len(out) > maxBytes {
		out = strings.TrimRight(out[:maxBytes], "\n")
		truncated = true
	}
	if truncated {
		out += "\n... (diff truncated)"
	}
	return out, truncated
}

// previewDiff is the bounded diff shown in confirmations and results.
func previewDiff(path, oldContent, newContent string) (string, int, int, bool) {
	diff, adds, dels := BuildUnifiedDiff(path, oldContent, newContent)
	diff, truncated := TruncateUnifiedDiff(diff, 120, 12000)
	return diff, adds, dels, truncated
}

func normalizeDiffPath(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return "file"
	}
	p = filepath.ToSlash(filepath.Clean(p))
	p = strings.TrimPrefix(p, "./")
	if p == "" || p == "." {
		return "file"
	}
	return p
}

func normalizeLineEndings(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	return strings.ReplaceAll(content, "\r", "\n")
}
