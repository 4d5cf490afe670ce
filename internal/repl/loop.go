// Package repl is the line-oriented front end: it reads input, renders the
// transcript and asks for tool approvals.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"

	"streamagent/internal/bootstrap"
	"streamagent/internal/i18n"
	"streamagent/internal/orchestrator"
)

// HistorySeed is how many logged inputs are loaded into recall history.
const HistorySeed = 200

// statusSpinner drives the status line; its FPS is the redraw interval.
var statusSpinner = spinner.MiniDot

type Options struct {
	In  LineInput
	Out io.Writer
	// Width is the terminal width in cells; 0 means 80.
	Width int
	// Interactive enables the status line and approval prompts.
	Interactive bool
	// Locale picks the message catalog; empty detects it from the environment.
	Locale string
}

// Loop 持有 REPL 状态：构建结果、输入与渲染器。
// Loop holds REPL state: the build result, input and renderer.
type Loop struct {
	res         *bootstrap.BuildResult
	orch        *orchestrator.Orchestrator
	in          LineInput
	render      *Renderer
	msg         *i18n.Catalog
	interactive bool
	frame       int
}

func NewLoop(res *bootstrap.BuildResult, opts Options) *Loop {
	return &Loop{
		res:         res,
		orch:        res.Orch,
		in:          opts.In,
		render:      NewRenderer(opts.Out, opts.Width, opts.Interactive),
		msg:         i18n.New(opts.Locale),
		interactive: opts.Interactive,
	}
}

// PreviousInputs loads logged user inputs for recall history, oldest first.
func PreviousInputs(ctx context.Context, log orchestrator.MessageLog, limit int) []string {
	msgs, err := log.PreviousMessages(ctx, limit)
	if err != nil {
		slog.Debug("load previous messages failed", "error", err)
		return nil
	}
	out := make([]string, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, msgs[i])
	}
	return out
}

// Run reads and submits lines until EOF or /quit. The reconcile loop runs
// for as long as Run does.
func (l *Loop) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go l.orch.Start(loopCtx)

	l.printBanner()
	for {
		if l.quitting() {
			return nil
		}
		line, err := l.in.ReadLine(l.prompt())
		if err != nil {
			switch {
			case IsInterrupt(err):
				continue
			case errors.Is(err, io.EOF):
				return nil
			default:
				return fmt.Errorf("read input: %w", err)
			}
		}
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		l.in.Remember(text)
		if l.handleLocal(ctx, text) {
			continue
		}
		if err := l.runTurn(loopCtx, text); err != nil {
			return err
		}
		if isHelp(text) {
			l.render.Println(l.render.Theme().MutedStyle.Render(l.localHelp()))
		}
	}
}

// runTurn submits one line and renders until the session is idle again.
// Ctrl+C cancels the turn; approvals are asked in place.
func (l *Loop) runTurn(ctx context.Context, text string) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	done := make(chan error, 1)
	go func() {
		err := l.orch.SubmitQuery(ctx, orchestrator.TextQuery(text), orchestrator.SubmitOptions{})
		if err == nil {
			err = l.orch.WaitIdle(ctx)
		}
		done <- err
	}()

	tick := time.NewTicker(statusSpinner.FPS)
	defer tick.Stop()
	start := time.Now()
	for {
		select {
		case <-l.orch.Updates():
		case <-tick.C:
			l.frame++
		case <-sig:
			l.orch.Cancel()
		case err := <-done:
			l.refresh(start, false)
			switch {
			case errors.Is(err, orchestrator.ErrBusy):
				l.render.Println(l.render.Theme().ErrorStyle.Render(err.Error()))
				return nil
			case err != nil && !errors.Is(err, context.Canceled):
				return err
			}
			return nil
		}
		l.refresh(start, true)
		if l.orch.StreamingState() == orchestrator.StateWaitingForConfirmation {
			l.render.Status("")
			l.confirmPending()
		}
	}
}

func (l *Loop) refresh(start time.Time, live bool) {
	l.render.Commit(l.orch.History())
	if !live {
		l.render.Status("")
		return
	}
	l.render.Status(l.statusLine(time.Since(start)))
}

// statusLine prefers the thought headline, then the tail of the streaming
// text, then the running tools.
func (l *Loop) statusLine(elapsed time.Duration) string {
	label := l.msg.T("status.responding")
	pending := l.orch.PendingItems()
	if th, ok := l.orch.Thought(); ok && th.Subject != "" {
		label = th.Subject
	} else if pending.Text != nil && strings.TrimSpace(pending.Text.Text) != "" {
		label = lastLine(pending.Text.Text)
	} else if pending.ToolGroup != nil {
		var running []string
		for _, td := range pending.ToolGroup.Tools {
			if !isTerminalDisplay(td.Status) {
				running = append(running, td.Name)
			}
		}
		if len(running) > 0 {
			label = l.msg.T("status.running", strings.Join(running, ", "))
		}
	}
	frame := statusSpinner.Frames[l.frame%len(statusSpinner.Frames)]
	return l.msg.T("status.line", frame, oneLine(label), int(elapsed.Seconds()))
}

func (l *Loop) prompt() string {
	t := l.render.Theme()
	if l.orch.ShellMode() {
		return t.ShellStyle.Render("! ")
	}
	return t.PromptStyle.Render("> ")
}

func (l *Loop) quitting() bool {
	select {
	case <-l.res.Quit():
		return true
	default:
		return false
	}
}

func (l *Loop) printBanner() {
	t := l.render.Theme()
	meta := l.res.Session()
	l.render.Println(t.TitleStyle.Render("streamagent") + " " + t.MutedStyle.Render(l.res.Workspace.Root()))
	l.render.Println(t.MutedStyle.Render(l.msg.T("banner.session", meta.ID, l.res.Chat.Model(), l.res.ApprovalMode())))
	if l.res.Resumed > 0 {
		l.render.Println(t.MutedStyle.Render(l.msg.T("banner.resumed", l.res.Resumed)))
	}
	l.render.Println(t.MutedStyle.Render(l.msg.T("banner.hint")))
}
