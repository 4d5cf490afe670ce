package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var dangerousCmdPattern = regexp.MustCompile(`(^|[\s;&|()])(rm|mv|chmod|chown|dd|mkfs|shutdown|reboot|sudo)([\s;&|()]|$)`)

// CommandRisk 描述一条 shell 命令的风险判定。
// CommandRisk describes the risk analysis of a shell command.
type CommandRisk struct {
	RequireApproval bool
	Reason          string
	// Roots 是各并列子命令的命令名（如 "git status && rm x" -> git, rm）。
	// Roots lists the command name of every chained segment.
	Roots []string
}

func AnalyzeCommand(command string) CommandRisk {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return CommandRisk{}
	}
	roots := CommandRoots(trimmed)

	if strings.Contains(trimmed, "$(") || strings.Contains(trimmed, "`") {
		return CommandRisk{
			RequireApproval: true,
			Reason:          "contains command substitution/backticks",
			Roots:           roots,
		}
	}

	if _, err := parseShellWords(trimmed); err != nil {
		return CommandRisk{
			RequireApproval: true,
			Reason:          "command parse failed (fail closed)",
			Roots:           roots,
		}
	}

	if dangerousCmdPattern.MatchString(trimmed) {
		return CommandRisk{
			RequireApproval: true,
			Reason:          "matches dangerous command policy",
			Roots:           roots,
		}
	}

	return CommandRisk{Roots: roots}
}

// RootCommand 返回第一个子命令的命令名，用于审批提示和 allowlist。
// RootCommand returns the command name of the first segment, used by the confirmation prompt and the allowlist.
func RootCommand(command string) string {
	roots := CommandRoots(command)
	if len(roots) == 0 {
		return ""
	}
	return roots[0]
}

// CommandRoots splits on ; && || | and returns each segment's command name,
// skipping leading KEY=VAL assignments.
func CommandRoots(command string) []string {
	var roots []string
	for _, seg := range splitChain(command) {
		words, err := parseShellWords(seg)
		if err != nil {
			words = strings.Fields(seg)
		}
		for _, w := range words {
			if strings.Contains(w, "=") && !strings.Contains(w, "/") {
				continue
			}
			w = strings.Trim(w, "()")
			if w == "" {
				continue
			}
			roots = append(roots, strings.ToLower(filepath.Base(w)))
			break
		}
	}
	return roots
}

func splitChain(command string) []string {
	var (
		out      []string
		cur      strings.Builder
		inSingle bool
		inDouble bool
	)
	runes := []rune(command)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
		case r == '"' && !inSingle:
			inDouble = !inDouble
		case !inSingle && !inDouble && (r == ';' || r == '|' || r == '&'):
			flush()
			if i+1 < len(runes) && (runes[i+1] == '|' || runes[i+1] == '&') {
				i++
			}
			continue
		}
		cur.WriteRune(r)
	}
	flush()
	return out
}

func parseShellWords(input string) ([]string, error) {
	var (
		out         []string
		cur         strings.Builder
		inSingle    bool
		inDouble    bool
		escaped     bool
		justFlushed bool
	)

	flush := func() {
		if cur.Len() > 0 || justFlushed {
			out = append(out, cur.String())
			cur.Reset()
			justFlushed = false
		}
	}

	for _, r := range input {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && !inSingle:
			escaped = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			justFlushed = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			justFlushed = true
		case isSpace(r) && !inSingle && !inDouble:
			flush()
		default:
			cur.WriteRune(r)
			justFlushed = false
		}
	}

	if escaped {
		return nil, errors.New("dangling escape")
	}
	if inSingle || inDouble {
		return nil, fmt.Errorf("unmatched quote")
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out, nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n'
}
