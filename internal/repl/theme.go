package repl

import (
	"github.com/charmbracelet/lipgloss"

	"streamagent/internal/history"
)

// Theme 定义 REPL 的色彩和样式
// Theme defines REPL colors and styles
type Theme struct {
	// 基础色 / Base colors
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Accent    lipgloss.Color
	Danger    lipgloss.Color
	Warning   lipgloss.Color
	Success   lipgloss.Color
	Muted     lipgloss.Color
	Text      lipgloss.Color
	Border    lipgloss.Color

	// 预构建样式 / Pre-built styles
	PromptStyle     lipgloss.Style
	ShellStyle      lipgloss.Style
	UserStyle       lipgloss.Style
	InfoStyle       lipgloss.Style
	ErrorStyle      lipgloss.Style
	MutedStyle      lipgloss.Style
	TitleStyle      lipgloss.Style
	ToolBoxStyle    lipgloss.Style
	ConfirmBoxStyle lipgloss.Style
	SummaryBoxStyle lipgloss.Style
	DiffAddStyle    lipgloss.Style
	DiffDelStyle    lipgloss.Style
	DiffHunkStyle   lipgloss.Style

	statusStyles map[history.ToolStatus]lipgloss.Style
}

// DarkTheme 暗色主题（默认）。样式绑定到 r，非终端输出时自动去色。
// DarkTheme is the default theme. Styles are bound to r, so output that is
// not a terminal is rendered without color.
func DarkTheme(r *lipgloss.Renderer) Theme {
	t := Theme{
		Primary:   lipgloss.Color("#7C3AED"),
		Secondary: lipgloss.Color("#06B6D4"),
		Accent:    lipgloss.Color("#F59E0B"),
		Danger:    lipgloss.Color("#EF4444"),
		Warning:   lipgloss.Color("#F59E0B"),
		Success:   lipgloss.Color("#10B981"),
		Muted:     lipgloss.Color("#6B7280"),
		Text:      lipgloss.Color("#E5E7EB"),
		Border:    lipgloss.Color("#374151"),
	}

	t.PromptStyle = r.NewStyle().Foreground(t.Primary).Bold(true)
	t.ShellStyle = r.NewStyle().Foreground(t.Accent).Bold(true)
	t.UserStyle = r.NewStyle().Foreground(t.Secondary)
	t.InfoStyle = r.NewStyle().Foreground(t.Warning)
	t.ErrorStyle = r.NewStyle().Foreground(t.Danger).Bold(true)
	t.MutedStyle = r.NewStyle().Foreground(t.Muted)
	t.TitleStyle = r.NewStyle().Foreground(t.Primary).Bold(true)

	t.ToolBoxStyle = r.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(t.Border).
		Padding(0, 1)
	t.ConfirmBoxStyle = t.ToolBoxStyle.BorderForeground(t.Warning)
	t.SummaryBoxStyle = t.ToolBoxStyle.BorderForeground(t.Primary)

	t.DiffAddStyle = r.NewStyle().Foreground(t.Success)
	t.DiffDelStyle = r.NewStyle().Foreground(t.Danger)
	t.DiffHunkStyle = r.NewStyle().Foreground(t.Secondary)

	t.statusStyles = map[history.ToolStatus]lipgloss.Style{
		history.ToolPending:    r.NewStyle().Foreground(t.Muted),
		history.ToolConfirming: r.NewStyle().Foreground(t.Warning).Bold(true),
		history.ToolExecuting:  r.NewStyle().Foreground(t.Secondary),
		history.ToolSuccess:    r.NewStyle().Foreground(t.Success),
		history.ToolCanceled:   r.NewStyle().Foreground(t.Warning),
		history.ToolError:      r.NewStyle().Foreground(t.Danger),
	}
	return t
}

// StatusIcon renders the one-cell marker of a tool status.
func (t Theme) StatusIcon(s history.ToolStatus) string {
	icon := "o"
	switch s {
	case history.ToolPending:
		icon = "o"
	case history.ToolConfirming:
		icon = "?"
	case history.ToolExecuting:
		icon = "~"
	case history.ToolSuccess:
		icon = "✔"
	case history.ToolCanceled:
		icon = "-"
	case history.ToolError:
		icon = "x"
	}
	if st, ok := t.statusStyles[s]; ok {
		return st.Render(icon)
	}
	return icon
}
