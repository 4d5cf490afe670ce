package repl

import (
	"bytes"
	"strings"
	"testing"

	"streamagent/internal/chat"
	"streamagent/internal/history"
)

func TestRendererItemKinds(t *testing.T) {
	r := NewRenderer(&bytes.Buffer{}, 80, false)
	tests := []struct {
		item history.Item
		want string
	}{
		{item: history.Item{Kind: history.KindUser, Text: "hello"}, want: "> hello"},
		{item: history.Item{Kind: history.KindUserShell, Text: "ls"}, want: "$ ls"},
		{item: history.Item{Kind: history.KindInfo, Text: "saved"}, want: "ℹ saved"},
		{item: history.Item{Kind: history.KindError, Text: "boom"}, want: "✕ boom"},
		{item: history.Item{Kind: history.KindCompressionNotice, Compression: &history.Compression{IsPending: true}}, want: compressingTitle},
	}
	for _, tc := range tests {
		if got := r.Item(tc.item); !strings.Contains(got, tc.want) {
			t.Fatalf("Item(%s) = %q, want it to contain %q", tc.item.Kind, got, tc.want)
		}
	}
}

func TestRendererModelTextIsMarkdown(t *testing.T) {
	r := NewRenderer(&bytes.Buffer{}, 80, false)
	got := r.Item(history.Item{Kind: history.KindModelText, Text: "# Title\n\nsome words"})
	if !strings.Contains(got, "Title") || !strings.Contains(got, "some words") {
		t.Fatalf("markdown not rendered: %q", got)
	}
	if r.Item(history.Item{Kind: history.KindModelText, Text: "  "}) != "" {
		t.Fatal("blank model text should render empty")
	}
}

func TestRendererToolGroup(t *testing.T) {
	r := NewRenderer(&bytes.Buffer{}, 80, false)
	got := r.Item(history.Item{Kind: history.KindToolGroup, Tools: []history.ToolDisplay{
		{CallID: "c1", Name: "ReadFile", Description: "a.txt", Status: history.ToolSuccess, ResultDisplay: "ok"},
		{CallID: "c2", Name: "Shell", Description: "make\ntest", Status: history.ToolError, ResultDisplay: "exit 2"},
	}})
	for _, want := range []string{"ReadFile", "a.txt", "Shell", "make test", "exit 2"} {
		if !strings.Contains(got, want) {
			t.Fatalf("tool group missing %q: %q", want, got)
		}
	}
}

func TestRendererStats(t *testing.T) {
	r := NewRenderer(&bytes.Buffer{}, 80, false)
	got := r.Item(history.Item{Kind: history.KindSessionSummary, Stats: &history.Stats{
		Cumulative: chat.UsageMetadata{PromptTokenCount: 120, CandidatesTokenCount: 30, TotalTokenCount: 150},
		TurnCount:  2,
		Duration:   "3s",
	}})
	for _, want := range []string{sessionGoodbye, "Turns", "120", "150", "3s"} {
		if !strings.Contains(got, want) {
			t.Fatalf("summary missing %q: %q", want, got)
		}
	}
	if strings.Contains(got, "Cached tokens") {
		t.Fatalf("zero cached tokens should be omitted: %q", got)
	}
}

func TestCommitPrintsOnlyNewItems(t *testing.T) {
	var out bytes.Buffer
	r := NewRenderer(&out, 80, false)
	items := []history.Item{{ID: 1, Kind: history.KindUser, Text: "first"}}
	r.Commit(items)
	r.Commit(items)
	if n := strings.Count(out.String(), "first"); n != 1 {
		t.Fatalf("first printed %d times", n)
	}

	items = append(items, history.Item{ID: 2, Kind: history.KindInfo, Text: "second"})
	r.Commit(items)
	if n := strings.Count(out.String(), "first"); n != 1 {
		t.Fatalf("first reprinted: %q", out.String())
	}
	if !strings.Contains(out.String(), "second") {
		t.Fatalf("second not printed: %q", out.String())
	}
}

func TestCommitAfterClearStartsOver(t *testing.T) {
	var out bytes.Buffer
	r := NewRenderer(&out, 80, false)
	r.Commit([]history.Item{
		{ID: 1, Kind: history.KindUser, Text: "one"},
		{ID: 2, Kind: history.KindUser, Text: "two"},
	})
	out.Reset()
	r.Commit([]history.Item{{ID: 3, Kind: history.KindInfo, Text: "fresh"}})
	if !strings.Contains(out.String(), "fresh") {
		t.Fatalf("item after clear not printed: %q", out.String())
	}
	if strings.Contains(out.String(), clearScreen) {
		t.Fatal("non-interactive renderer must not clear the screen")
	}
}

func TestStatusLineOnlyWhenInteractive(t *testing.T) {
	var plain bytes.Buffer
	NewRenderer(&plain, 80, false).Status("working")
	if plain.Len() != 0 {
		t.Fatalf("non-interactive status wrote %q", plain.String())
	}

	var live bytes.Buffer
	r := NewRenderer(&live, 10, true)
	r.Status("a very long status line")
	r.Println("line")
	got := live.String()
	if !strings.Contains(got, "…") || !strings.Contains(got, clearStatusLine) {
		t.Fatalf("status not truncated and cleared: %q", got)
	}
}

func TestRenderDiffLine(t *testing.T) {
	theme := NewRenderer(&bytes.Buffer{}, 80, false).Theme()
	for _, line := range []string{"+added", "-removed", "@@ -1 +1 @@", " context", ""} {
		if got := RenderDiffLine(line, theme); !strings.Contains(got, line) {
			t.Fatalf("RenderDiffLine(%q) = %q", line, got)
		}
	}
	if !looksLikeDiff("--- a\n+++ b\n@@ -1 +1 @@\n") || looksLikeDiff("plain output") {
		t.Fatal("looksLikeDiff misclassified input")
	}
}
