package repl

import (
	"context"
	"fmt"
	"strings"

	"streamagent/internal/history"
)

type localCommand struct {
	usage string
	// descKey is the catalog key of the one-line description.
	descKey string
}

// Commands the REPL handles itself. Everything else starting with / goes to
// the session's slash command processor.
var localCommands = []localCommand{
	{"/mode [default|auto_edit|yolo]", "command.mode.desc"},
	{"/sessions", "command.sessions.desc"},
}

func (l *Loop) localHelp() string {
	var b strings.Builder
	b.WriteString(l.msg.T("command.help_title"))
	for _, c := range localCommands {
		fmt.Fprintf(&b, "\n  %-32s %s", c.usage, l.msg.T(c.descKey))
	}
	return b.String()
}

func isHelp(text string) bool {
	return text == "/help" || text == "/?" || text == "?"
}

// handleLocal runs a local command and reports whether text was one.
func (l *Loop) handleLocal(ctx context.Context, text string) bool {
	if !strings.HasPrefix(text, "/") {
		return false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "mode":
		l.cmdMode(fields[1:])
	case "sessions":
		l.cmdSessions(ctx)
	default:
		return false
	}
	return true
}

func (l *Loop) cmdMode(args []string) {
	t := l.render.Theme()
	if len(args) == 0 {
		l.render.Println(t.InfoStyle.Render(l.msg.T("command.mode.current", l.res.ApprovalMode())))
		return
	}
	mode, err := l.res.SetApprovalMode(args[0])
	if err != nil {
		l.render.Println(t.ErrorStyle.Render(err.Error()))
		return
	}
	l.render.Println(t.InfoStyle.Render(l.msg.T("command.mode.set", mode)))
}

func (l *Loop) cmdSessions(ctx context.Context) {
	t := l.render.Theme()
	metas, err := l.res.Store.ListSessions(ctx)
	if err != nil {
		l.render.Println(t.ErrorStyle.Render(l.msg.T("command.sessions.failed", err)))
		return
	}
	if len(metas) == 0 {
		l.render.Println(t.MutedStyle.Render(l.msg.T("command.sessions.none")))
		return
	}
	current := l.res.Session().ID
	for _, meta := range metas {
		mark := " "
		if meta.ID == current {
			mark = "*"
		}
		l.render.Println(fmt.Sprintf("%s %s  turns=%d  mode=%s  updated=%s  cwd=%s",
			mark, meta.ID, meta.TurnCount, meta.ApprovalMode, meta.UpdatedAt, meta.CWD))
	}
}

func isTerminalDisplay(s history.ToolStatus) bool {
	switch s {
	case history.ToolSuccess, history.ToolError, history.ToolCanceled:
		return true
	default:
		return false
	}
}
