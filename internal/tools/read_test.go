package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"streamagent/internal/security"
)

// numberedFile writes n lines "line-1".."line-n" to name under a fresh
// workspace and returns a read tool for it.
func numberedFile(t *testing.T, name string, n int) *ReadTool {
	t.Helper()
	root := t.TempDir()
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "line-%d\n", i)
	}
	if err := os.WriteFile(filepath.Join(root, name), []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	ws, err := security.NewWorkspace(root)
	if err != nil {
		t.Fatal(err)
	}
	return NewReadTool(ws)
}

type readPage struct {
	lines   []string
	start   int
	end     int
	hasMore bool
}

func readWith(t *testing.T, tool *ReadTool, args map[string]any) readPage {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	out, err := tool.Execute(context.Background(), raw)
	if err != nil {
		t.Fatalf("execute read: %v", err)
	}
	var result struct {
		OK      bool   `json:"ok"`
		Content string `json:"content"`
		Start   int    `json:"start_line"`
		End     int    `json:"end_line"`
		HasMore bool   `json:"has_more"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result.OK {
		t.Fatalf("ok=false: %s", out)
	}
	page := readPage{start: result.Start, end: result.End, hasMore: result.HasMore}
	if trimmed := strings.TrimRight(result.Content, "\n"); trimmed != "" {
		page.lines = strings.Split(trimmed, "\n")
	}
	return page
}

func TestReadToolPaging(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		args      map[string]any
		wantLen   int
		wantFirst string
		wantLast  string
		wantStart int
		wantEnd   int
		wantMore  bool
	}{
		{
			name:      "small file reads whole",
			total:     10,
			wantLen:   10,
			wantFirst: "line-1",
			wantLast:  "line-10",
			wantStart: 1,
			wantEnd:   10,
		},
		{
			name:      "large file first page",
			total:     200,
			wantLen:   50,
			wantFirst: "line-1",
			wantLast:  "line-50",
			wantStart: 1,
			wantEnd:   50,
			wantMore:  true,
		},
		{
			name:      "offset and limit",
			total:     200,
			args:      map[string]any{"offset": 51, "limit": 50},
			wantLen:   50,
			wantFirst: "line-51",
			wantLast:  "line-100",
			wantStart: 51,
			wantEnd:   100,
			wantMore:  true,
		},
		{
			name:      "last page",
			total:     60,
			args:      map[string]any{"offset": 51},
			wantLen:   10,
			wantFirst: "line-51",
			wantLast:  "line-60",
			wantStart: 51,
			wantEnd:   60,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := numberedFile(t, "f.txt", tc.total)
			args := map[string]any{"file_path": "f.txt"}
			for k, v := range tc.args {
				args[k] = v
			}
			page := readWith(t, tool, args)
			if len(page.lines) != tc.wantLen {
				t.Fatalf("expected %d lines, got %d", tc.wantLen, len(page.lines))
			}
			if page.lines[0] != tc.wantFirst || page.lines[len(page.lines)-1] != tc.wantLast {
				t.Fatalf("unexpected first/last line: %q, %q", page.lines[0], page.lines[len(page.lines)-1])
			}
			if page.start != tc.wantStart || page.end != tc.wantEnd || page.hasMore != tc.wantMore {
				t.Fatalf("page = %d-%d more=%v, want %d-%d more=%v",
					page.start, page.end, page.hasMore, tc.wantStart, tc.wantEnd, tc.wantMore)
			}
		})
	}
}

func TestReadToolOffsetBeyondEOFAndInvalidLimit(t *testing.T) {
	tool := numberedFile(t, "single.txt", 1)

	// offset 超过总行数：内容为空，没有下一页
	page := readWith(t, tool, map[string]any{"file_path": "single.txt", "offset": 10})
	if len(page.lines) != 0 || page.hasMore {
		t.Fatalf("beyond EOF: %+v", page)
	}

	// 非法 limit 归一化为默认值
	page = readWith(t, tool, map[string]any{"file_path": "single.txt", "limit": -1})
	if len(page.lines) != 1 {
		t.Fatalf("invalid limit: %+v", page)
	}
}

func TestReadToolTailAndDisplay(t *testing.T) {
	tool := numberedFile(t, "tail.txt", 30)

	raw, err := tool.Execute(context.Background(), json.RawMessage(`{"file_path":"tail.txt","offset":-1,"limit":5}`))
	if err != nil {
		t.Fatalf("execute read: %v", err)
	}
	if got := tool.DisplayResult(raw); got != "Read lines 26-30" {
		t.Fatalf("display=%q", got)
	}
	if err := tool.ValidateArgs(json.RawMessage(`{"file_path":"../escape.txt"}`)); err == nil {
		t.Fatal("expected path outside workspace to be rejected")
	}
	abs, _ := json.Marshal(map[string]string{"file_path": filepath.Join(tool.ws.Root(), "tail.txt")})
	if got := tool.Describe(abs); got != "tail.txt" {
		t.Fatalf("describe=%q", got)
	}
}
