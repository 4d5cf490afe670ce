package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"streamagent/internal/chat"
	"streamagent/internal/history"
	"streamagent/internal/stats"
	"streamagent/internal/tools"
)

type slashCommand struct {
	name        string
	altName     string
	description string
	run         func(o *Orchestrator, ctx context.Context, args string, ts time.Time)
}

// slashCommands 按帮助输出顺序排列 / ordered as listed by /help
var slashCommands []slashCommand

func init() {
	slashCommands = []slashCommand{
		{name: "help", altName: "?", description: "show available commands", run: (*Orchestrator).cmdHelp},
		{name: "clear", description: "clear the screen and conversation history", run: (*Orchestrator).cmdClear},
		{name: "stats", description: "show session token usage and duration", run: (*Orchestrator).cmdStats},
		{name: "memory", description: "manage memory: show | add <text> | refresh", run: (*Orchestrator).cmdMemory},
		{name: "compress", altName: "summarize", description: "compress the conversation history", run: (*Orchestrator).cmdCompress},
		{name: "quit", altName: "exit", description: "exit the session", run: (*Orchestrator).cmdQuit},
	}
}

func isSlashCommand(text string) bool {
	return strings.HasPrefix(text, "/") || text == "?"
}

func parseSlashCommand(text string) (name, args string) {
	text = strings.TrimPrefix(strings.TrimSpace(text), "/")
	name, args, _ = strings.Cut(text, " ")
	return strings.ToLower(name), strings.TrimSpace(args)
}

func (o *Orchestrator) handleSlashCommand(ctx context.Context, text string, ts time.Time) {
	name, args := parseSlashCommand(text)
	o.hist.Add(history.Item{Kind: history.KindUser, Text: text}, ts)
	for _, c := range slashCommands {
		if name == c.name || (c.altName != "" && name == c.altName) {
			c.run(o, ctx, args, ts)
			return
		}
	}
	o.addError("Unknown command: "+text, ts)
}

// HelpText lists the slash commands.
func HelpText() string {
	var b strings.Builder
	b.WriteString("Commands:")
	for _, c := range slashCommands {
		name := "/" + c.name
		if c.altName != "" {
			name += " (/" + c.altName + ")"
		}
		fmt.Fprintf(&b, "\n  %-22s %s", name, c.description)
	}
	b.WriteString("\n\nShell: !<command> runs a command; a lone ! toggles shell mode.")
	b.WriteString("\nFiles: @<path> includes a file or directory in the prompt.")
	return b.String()
}

func (o *Orchestrator) cmdHelp(_ context.Context, _ string, ts time.Time) {
	o.addInfo(HelpText(), ts)
}

func (o *Orchestrator) cmdClear(_ context.Context, _ string, _ time.Time) {
	o.hist.Clear()
	o.opts.Client.Reset()
}

func (o *Orchestrator) cmdStats(_ context.Context, _ string, ts time.Time) {
	snap := o.opts.Stats.Snapshot()
	lastTurn := snap.CurrentTurn.UsageMetadata
	o.hist.Add(history.Item{
		Kind: history.KindStatsSnapshot,
		Stats: &history.Stats{
			Cumulative: snap.Cumulative.UsageMetadata,
			TurnCount:  snap.Cumulative.TurnCount,
			LastTurn:   &lastTurn,
			Duration:   stats.FormatDuration(o.opts.Stats.Elapsed()),
		},
	}, ts)
}

func (o *Orchestrator) cmdQuit(_ context.Context, _ string, ts time.Time) {
	snap := o.opts.Stats.Snapshot()
	o.hist.Add(history.Item{
		Kind: history.KindSessionSummary,
		Stats: &history.Stats{
			Cumulative: snap.Cumulative.UsageMetadata,
			TurnCount:  snap.Cumulative.TurnCount,
			Duration:   stats.FormatDuration(o.opts.Stats.Elapsed()),
		},
	}, ts)
	if o.opts.OnQuit != nil {
		o.opts.OnQuit()
	}
}

func (o *Orchestrator) cmdMemory(ctx context.Context, args string, ts time.Time) {
	sub, rest, _ := strings.Cut(args, " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(sub) {
	case "show":
		if o.opts.Memory == nil {
			o.addInfo("Memory is currently empty.", ts)
			return
		}
		content := o.opts.Memory.Memory().Content
		if strings.TrimSpace(content) == "" {
			o.addInfo("Memory is currently empty.", ts)
			return
		}
		o.addInfo("Current combined memory content:\n```markdown\n"+content+"\n```", ts)
	case "add":
		if rest == "" {
			o.addError("Usage: /memory add <text to remember>", ts)
			return
		}
		o.addInfo(fmt.Sprintf("Attempting to save to memory: %q", rest), ts)
		o.schedule(ctx, []chat.ToolCallRequest{{
			CallID:            tools.SaveMemoryName + "-" + uuid.NewString(),
			Name:              tools.SaveMemoryName,
			Args:              map[string]any{"fact": rest},
			IsClientInitiated: true,
		}}, ts)
	case "refresh":
		o.refreshMemory(ctx, ts)
	default:
		o.addError(fmt.Sprintf("Unknown /memory command: %s. Available: show, refresh, add", sub), ts)
	}
}

func (o *Orchestrator) cmdCompress(ctx context.Context, _ string, ts time.Time) {
	proc := o.currentProc()
	proc.ReplacePending(&history.Item{Kind: history.KindCompressionNotice, Compression: &history.Compression{IsPending: true}})
	info, err := o.opts.Client.Compress(ctx, true)
	proc.ReplacePending(nil)
	switch {
	case err != nil:
		o.addError("Failed to compress chat history: "+err.Error(), ts)
	case info == nil:
		o.addError("Failed to compress chat history.", ts)
	default:
		o.hist.Add(history.Item{
			Kind: history.KindCompressionNotice,
			Text: fmt.Sprintf("Chat history compressed from %d to %d tokens.", info.OriginalTokens, info.NewTokens),
			Compression: &history.Compression{
				OriginalTokens: info.OriginalTokens,
				NewTokens:      info.NewTokens,
			},
		}, ts)
	}
}

func (o *Orchestrator) addInfo(text string, ts time.Time) {
	o.hist.Add(history.Item{Kind: history.KindInfo, Text: text}, ts)
}

func (o *Orchestrator) addError(text string, ts time.Time) {
	o.hist.Add(history.Item{Kind: history.KindError, Text: text}, ts)
}
