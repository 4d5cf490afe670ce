package repl

import (
	"log/slog"
	"strings"

	"streamagent/internal/scheduler"
	"streamagent/internal/security"
	"streamagent/internal/tools"
)

// parseApprovalAnswer maps a typed answer to an outcome. An empty answer
// declines. "always" is only accepted when allowAlways is set.
func parseApprovalAnswer(input string, allowAlways bool) (scheduler.Outcome, bool) {
	switch strings.TrimSpace(strings.ToLower(input)) {
	case "", "n", "no":
		return scheduler.OutcomeCancel, true
	case "y", "yes":
		return scheduler.OutcomeProceedOnce, true
	case "a", "always":
		if allowAlways {
			return scheduler.OutcomeProceedAlways, true
		}
		return scheduler.OutcomeCancel, false
	default:
		return scheduler.OutcomeCancel, false
	}
}

// confirmPending asks about every call awaiting approval, in batch order.
func (l *Loop) confirmPending() {
	sched := l.orch.Scheduler()
	for _, c := range sched.Calls() {
		if c.Status != scheduler.StatusAwaitingApproval {
			continue
		}
		outcome := l.askApproval(c)
		if err := sched.Resolve(c.Request.CallID, outcome, nil); err != nil {
			slog.Debug("resolve approval failed", "call_id", c.Request.CallID, "error", err)
		}
	}
}

func (l *Loop) askApproval(c scheduler.TrackedCall) scheduler.Outcome {
	name := c.Request.Name
	if c.Tool != nil {
		name = tools.DisplayName(c.Tool)
	}
	if !l.interactive {
		l.render.Println(l.render.Theme().InfoStyle.Render(l.msg.T("approval.declined", name)))
		return scheduler.OutcomeCancel
	}

	allowAlways, alwaysLabel := true, l.msg.T("approval.always", name)
	if c.Confirmation != nil && c.Confirmation.Kind == "exec" {
		alwaysLabel = l.msg.T("approval.always", c.Confirmation.RootCommand)
		if security.AnalyzeCommand(c.Confirmation.Command).RequireApproval {
			allowAlways = false
		}
	}
	l.render.Println(l.render.RenderConfirmation(name, c.Confirmation))

	prompt, reprompt := l.msg.T("approval.prompt"), l.msg.T("approval.reprompt")
	if allowAlways {
		prompt = l.msg.T("approval.prompt_always", alwaysLabel)
		reprompt = l.msg.T("approval.reprompt_always")
	}
	for {
		line, err := l.in.ReadLine(prompt)
		if err != nil {
			return scheduler.OutcomeCancel
		}
		if outcome, ok := parseApprovalAnswer(line, allowAlways); ok {
			return outcome
		}
		l.render.Println(reprompt)
	}
}
