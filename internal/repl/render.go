package repl

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"streamagent/internal/chat"
	"streamagent/internal/history"
)

const (
	defaultWidth     = 80
	maxResultLines   = 20
	clearScreen      = "\x1b[2J\x1b[H"
	clearStatusLine  = "\r\x1b[K"
	sessionGoodbye   = "Agent powering down. Goodbye!"
	statsTitle       = "Stats"
	compressingTitle = "Compressing chat history..."
)

// Renderer 把 transcript item 渲染为终端文本。已提交的 item 只打印一次。
// Renderer turns transcript items into terminal text. Committed items are
// printed once; the status line below them is rewritten in place.
type Renderer struct {
	out         io.Writer
	theme       Theme
	width       int
	interactive bool

	mu      sync.Mutex
	md      *glamour.TermRenderer
	printed int
	status  bool
}

func NewRenderer(out io.Writer, width int, interactive bool) *Renderer {
	if width <= 0 {
		width = defaultWidth
	}
	lr := lipgloss.NewRenderer(out)
	return &Renderer{
		out:         out,
		theme:       DarkTheme(lr),
		width:       width,
		interactive: interactive,
	}
}

func (r *Renderer) Theme() Theme { return r.theme }

// Commit prints the items that were not printed yet. A transcript shorter
// than what was printed means it was cleared.
func (r *Renderer) Commit(items []history.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(items) < r.printed {
		r.clearStatusLocked()
		if r.interactive {
			_, _ = io.WriteString(r.out, clearScreen)
		}
		r.printed = 0
	}
	if len(items) == r.printed {
		return
	}
	r.clearStatusLocked()
	for _, it := range items[r.printed:] {
		if text := r.renderLocked(it); text != "" {
			_, _ = fmt.Fprintln(r.out, text)
		}
	}
	r.printed = len(items)
}

// Status rewrites the status line. Empty text removes it. Only interactive
// renderers show a status line.
func (r *Renderer) Status(text string) {
	if !r.interactive {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearStatusLocked()
	text = fitWidth(text, r.width-1)
	if text == "" {
		return
	}
	_, _ = io.WriteString(r.out, r.theme.MutedStyle.Render(text))
	r.status = true
}

// Println prints a line above the status line.
func (r *Renderer) Println(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearStatusLocked()
	_, _ = fmt.Fprintln(r.out, text)
}

func (r *Renderer) clearStatusLocked() {
	if !r.status {
		return
	}
	_, _ = io.WriteString(r.out, clearStatusLine)
	r.status = false
}

// Item renders one item without printing it.
func (r *Renderer) Item(it history.Item) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renderLocked(it)
}

func (r *Renderer) renderLocked(it history.Item) string {
	t := r.theme
	switch it.Kind {
	case history.KindUser:
		return t.PromptStyle.Render("> ") + t.UserStyle.Render(it.Text)
	case history.KindUserShell:
		return t.ShellStyle.Render("$ ") + t.UserStyle.Render(it.Text)
	case history.KindModelText, history.KindModelTextChunk:
		return r.markdownLocked(it.Text)
	case history.KindInfo:
		return t.InfoStyle.Render("ℹ " + it.Text)
	case history.KindError:
		return t.ErrorStyle.Render("✕ " + it.Text)
	case history.KindToolGroup:
		return r.toolGroupLocked(it.Tools)
	case history.KindCompressionNotice:
		if it.Compression != nil && it.Compression.IsPending {
			return t.MutedStyle.Render(compressingTitle)
		}
		return t.MutedStyle.Render("✦ " + it.Text)
	case history.KindStatsSnapshot:
		return r.statsLocked(statsTitle, it.Stats)
	case history.KindSessionSummary:
		return r.statsLocked(sessionGoodbye, it.Stats)
	default:
		return it.Text
	}
}

func (r *Renderer) markdownLocked(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	if r.md == nil {
		style := glamour.WithAutoStyle()
		if !r.interactive {
			style = glamour.WithStandardStyle("notty")
		}
		md, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(r.width))
		if err != nil {
			return text
		}
		r.md = md
	}
	rendered, err := r.md.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(rendered, "\n")
}

func (r *Renderer) toolGroupLocked(tools []history.ToolDisplay) string {
	if len(tools) == 0 {
		return ""
	}
	t := r.theme
	blocks := make([]string, 0, len(tools))
	for _, td := range tools {
		head := t.StatusIcon(td.Status) + " " + t.TitleStyle.Render(td.Name)
		if td.Description != "" {
			head += " " + t.MutedStyle.Render(oneLine(td.Description))
		}
		block := head
		if body := r.toolResultLocked(td); body != "" {
			block += "\n" + body
		}
		blocks = append(blocks, block)
	}
	return t.ToolBoxStyle.Width(r.boxWidth()).Render(strings.Join(blocks, "\n"))
}

func (r *Renderer) toolResultLocked(td history.ToolDisplay) string {
	text := strings.TrimRight(td.ResultDisplay, "\n")
	if strings.TrimSpace(text) == "" {
		return ""
	}
	if td.RenderOutputAsMarkdown && td.Status == history.ToolSuccess {
		return r.markdownLocked(text)
	}
	text = tailLines(text, maxResultLines)
	if looksLikeDiff(text) {
		return RenderDiff(text, r.theme)
	}
	return text
}

func (r *Renderer) statsLocked(title string, s *history.Stats) string {
	t := r.theme
	if s == nil {
		return t.TitleStyle.Render(title)
	}
	rows := [][2]string{
		{"Turns", fmt.Sprintf("%d", s.TurnCount)},
	}
	rows = append(rows, usageRows("", s.Cumulative)...)
	if s.LastTurn != nil {
		rows = append(rows, usageRows("Last turn ", *s.LastTurn)...)
	}
	rows = append(rows, [2]string{"Duration", s.Duration})

	labelWidth := 0
	for _, row := range rows {
		labelWidth = max(labelWidth, lipgloss.Width(row[0]))
	}
	lines := []string{t.TitleStyle.Render(title), ""}
	for _, row := range rows {
		label := row[0] + strings.Repeat(" ", labelWidth-lipgloss.Width(row[0]))
		lines = append(lines, t.MutedStyle.Render(label)+"  "+row[1])
	}
	return t.SummaryBoxStyle.Render(strings.Join(lines, "\n"))
}

func usageRows(prefix string, u chat.UsageMetadata) [][2]string {
	rows := [][2]string{
		{prefix + "Input tokens", fmt.Sprintf("%d", u.PromptTokenCount)},
		{prefix + "Output tokens", fmt.Sprintf("%d", u.CandidatesTokenCount)},
	}
	if u.CachedContentTokenCount > 0 {
		rows = append(rows, [2]string{prefix + "Cached tokens", fmt.Sprintf("%d", u.CachedContentTokenCount)})
	}
	if u.ThoughtsTokenCount > 0 {
		rows = append(rows, [2]string{prefix + "Thoughts tokens", fmt.Sprintf("%d", u.ThoughtsTokenCount)})
	}
	if u.ToolUsePromptTokenCount > 0 {
		rows = append(rows, [2]string{prefix + "Tool tokens", fmt.Sprintf("%d", u.ToolUsePromptTokenCount)})
	}
	rows = append(rows,
		[2]string{prefix + "Total tokens", fmt.Sprintf("%d", u.TotalTokenCount)},
		[2]string{prefix + "API time", fmt.Sprintf("%dms", u.APITimeMS)},
	)
	return rows
}

// RenderConfirmation renders what the user is asked to approve.
func (r *Renderer) RenderConfirmation(name string, c *history.Confirmation) string {
	t := r.theme
	if c == nil {
		return t.ConfirmBoxStyle.Render(t.TitleStyle.Render("Allow " + name + "?"))
	}
	lines := []string{t.TitleStyle.Render(c.Title)}
	switch c.Kind {
	case "exec":
		lines = append(lines, t.ShellStyle.Render("$ ")+c.Command)
	case "edit":
		if c.FileName != "" {
			lines = append(lines, t.MutedStyle.Render(c.FileName))
		}
		if diff := strings.TrimRight(c.FileDiff, "\n"); diff != "" {
			lines = append(lines, RenderDiff(diff, t))
		}
	default:
		if c.Prompt != "" {
			lines = append(lines, c.Prompt)
		}
	}
	return t.ConfirmBoxStyle.Width(r.boxWidth()).Render(strings.Join(lines, "\n"))
}

func (r *Renderer) boxWidth() int {
	return max(r.width-2, 20)
}

// RenderDiffLine 为 diff 行添加颜色
// RenderDiffLine colorizes a diff line
func RenderDiffLine(line string, theme Theme) string {
	trimmed := strings.TrimLeft(line, " \t")
	if trimmed == "" {
		return line
	}

	switch {
	case strings.HasPrefix(trimmed, "+++"), strings.HasPrefix(trimmed, "---"),
		strings.HasPrefix(trimmed, "diff --"), strings.HasPrefix(trimmed, "index "):
		return theme.MutedStyle.Render(line)
	case strings.HasPrefix(trimmed, "@@"):
		return theme.DiffHunkStyle.Render(line)
	case strings.HasPrefix(trimmed, "+"):
		return theme.DiffAddStyle.Render(line)
	case strings.HasPrefix(trimmed, "-"):
		return theme.DiffDelStyle.Render(line)
	default:
		return line
	}
}

// RenderDiff 渲染完整 diff
// RenderDiff renders a complete diff with colors
func RenderDiff(diff string, theme Theme) string {
	if strings.TrimSpace(diff) == "" {
		return ""
	}

	lines := strings.Split(diff, "\n")
	rendered := make([]string, 0, len(lines))
	for _, line := range lines {
		rendered = append(rendered, RenderDiffLine(line, theme))
	}
	return strings.Join(rendered, "\n")
}

func looksLikeDiff(text string) bool {
	return strings.HasPrefix(text, "--- ") || strings.HasPrefix(text, "diff --") || strings.Contains(text, "\n@@ ")
}
