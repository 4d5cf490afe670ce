package scheduler

import (
	"streamagent/internal/history"
	"streamagent/internal/tools"
)

func displayStatus(s Status) history.ToolStatus {
	switch s {
	case StatusScheduled:
		return history.ToolPending
	case StatusAwaitingApproval:
		return history.ToolConfirming
	case StatusValidating, StatusExecuting:
		return history.ToolExecuting
	case StatusSuccess:
		return history.ToolSuccess
	case StatusCancelled:
		return history.ToolCanceled
	default:
		return history.ToolError
	}
}

// Display projects a tracked call for the transcript.
func Display(c TrackedCall) history.ToolDisplay {
	d := history.ToolDisplay{
		CallID: c.Request.CallID,
		Name:   c.Request.Name,
		Status: displayStatus(c.Status),
	}
	raw := c.rawArgs()
	if c.Tool != nil {
		d.Name = tools.DisplayName(c.Tool)
		d.Description = tools.Describe(c.Tool, raw)
		d.RenderOutputAsMarkdown = tools.RendersMarkdown(c.Tool)
	} else {
		d.Description = string(raw)
	}

	switch c.Status {
	case StatusAwaitingApproval:
		if c.Confirmation != nil {
			conf := *c.Confirmation
			d.Confirmation = &conf
		}
	case StatusExecuting:
		d.ResultDisplay = c.LiveOutput
	case StatusSuccess, StatusError, StatusCancelled:
		if c.Response != nil {
			d.ResultDisplay = c.Response.ResultDisplay
		}
	}
	return d
}

// DisplayGroup projects calls in order.
func DisplayGroup(calls []TrackedCall) []history.ToolDisplay {
	out := make([]history.ToolDisplay, 0, len(calls))
	for _, c := range calls {
		out = append(out, Display(c))
	}
	return out
}
