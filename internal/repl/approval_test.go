package repl

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"streamagent/internal/chat"
	"streamagent/internal/history"
	"streamagent/internal/i18n"
	"streamagent/internal/scheduler"
)

func TestParseApprovalAnswer(t *testing.T) {
	tests := []struct {
		input       string
		allowAlways bool
		want        scheduler.Outcome
		ok          bool
	}{
		{input: "", want: scheduler.OutcomeCancel, ok: true},
		{input: "n", want: scheduler.OutcomeCancel, ok: true},
		{input: " No ", want: scheduler.OutcomeCancel, ok: true},
		{input: "y", want: scheduler.OutcomeProceedOnce, ok: true},
		{input: "YES", want: scheduler.OutcomeProceedOnce, ok: true},
		{input: "a", allowAlways: true, want: scheduler.OutcomeProceedAlways, ok: true},
		{input: "always", allowAlways: true, want: scheduler.OutcomeProceedAlways, ok: true},
		{input: "a", allowAlways: false, want: scheduler.OutcomeCancel, ok: false},
		{input: "maybe", want: scheduler.OutcomeCancel, ok: false},
	}
	for _, tc := range tests {
		got, ok := parseApprovalAnswer(tc.input, tc.allowAlways)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("parseApprovalAnswer(%q, %v) = (%q, %v), want (%q, %v)", tc.input, tc.allowAlways, got, ok, tc.want, tc.ok)
		}
	}
}

func approvalLoop(answers string, interactive bool) (*Loop, *bytes.Buffer) {
	var out bytes.Buffer
	return &Loop{
		in:          NewBasicLineInput(strings.NewReader(answers), io.Discard),
		render:      NewRenderer(&out, 80, false),
		msg:         i18n.New("en"),
		interactive: interactive,
	}, &out
}

func TestAskApprovalNonInteractiveDeclines(t *testing.T) {
	l, out := approvalLoop("y\n", false)
	got := l.askApproval(scheduler.TrackedCall{Request: chat.ToolCallRequest{CallID: "c1", Name: "write_file"}})
	if got != scheduler.OutcomeCancel {
		t.Fatalf("outcome = %q, want cancel", got)
	}
	if !strings.Contains(out.String(), "declined") {
		t.Fatalf("expected decline notice, got %q", out.String())
	}
}

func TestAskApprovalRepromptsOnInvalidAnswer(t *testing.T) {
	l, out := approvalLoop("what\nalways\n", true)
	got := l.askApproval(scheduler.TrackedCall{
		Request: chat.ToolCallRequest{CallID: "c1", Name: "write_file"},
		Confirmation: &history.Confirmation{
			Kind:     "edit",
			Title:    "Confirm Write: a.txt",
			FileName: "a.txt",
			FileDiff: "--- a.txt\n+++ a.txt\n@@ -0,0 +1 @@\n+x\n",
		},
	})
	if got != scheduler.OutcomeProceedAlways {
		t.Fatalf("outcome = %q, want proceed_always", got)
	}
	text := out.String()
	if !strings.Contains(text, "Confirm Write: a.txt") || !strings.Contains(text, "+x") {
		t.Fatalf("confirmation not rendered: %q", text)
	}
	if !strings.Contains(text, "Please answer y, a or n.") {
		t.Fatalf("expected re-prompt, got %q", text)
	}
}

func TestAskApprovalDangerousCommandHasNoAlways(t *testing.T) {
	l, out := approvalLoop("a\ny\n", true)
	got := l.askApproval(scheduler.TrackedCall{
		Request: chat.ToolCallRequest{CallID: "c1", Name: "run_shell_command"},
		Confirmation: &history.Confirmation{
			Kind:        "exec",
			Title:       "Confirm Shell Command",
			Command:     "rm -rf build",
			RootCommand: "rm",
		},
	})
	if got != scheduler.OutcomeProceedOnce {
		t.Fatalf("outcome = %q, want proceed_once", got)
	}
	if !strings.Contains(out.String(), "Please answer y or n.") {
		t.Fatalf("always should be rejected for dangerous commands: %q", out.String())
	}
}

func TestAskApprovalEOFCancels(t *testing.T) {
	l, _ := approvalLoop("", true)
	got := l.askApproval(scheduler.TrackedCall{Request: chat.ToolCallRequest{CallID: "c1", Name: "write_file"}})
	if got != scheduler.OutcomeCancel {
		t.Fatalf("outcome = %q, want cancel", got)
	}
}
