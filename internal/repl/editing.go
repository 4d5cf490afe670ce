package repl

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
)

const ellipsis = "…"

// fitWidth 把 s 截断到 width 个终端列（按显示宽度，不按 byte）。
// fitWidth truncates s to width terminal cells, measured by display width
// rather than bytes. Wide runes count as two cells.
func fitWidth(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, ellipsis)
}

// oneLine collapses whitespace runs, newlines included, to single spaces.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// lastLine returns the last non-blank line of s.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return strings.TrimSpace(lines[i])
		}
	}
	return ""
}

// tailLines keeps the last n lines of s and notes how many were dropped.
func tailLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if n <= 0 || len(lines) <= n {
		return s
	}
	dropped := len(lines) - n
	return fmt.Sprintf("... (%d lines hidden)\n", dropped) + strings.Join(lines[dropped:], "\n")
}
