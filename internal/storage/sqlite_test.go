package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"streamagent/internal/chat"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "nested", "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewSQLiteStore_EmptyPath(t *testing.T) {
	if _, err := NewSQLiteStore("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSQLiteStore_SessionCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	meta := SessionMeta{ID: "sess_test_001", Model: "qwen-plus", CWD: "/tmp", ApprovalMode: "default"}
	if err := store.CreateSession(ctx, meta); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	loaded, err := store.LoadSession(ctx, "sess_test_001")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if loaded.Model != "qwen-plus" || loaded.ApprovalMode != "default" {
		t.Fatalf("loaded=%+v", loaded)
	}
	if loaded.CreatedAt == "" {
		t.Fatal("CreatedAt should be set")
	}

	meta.TurnCount = 3
	meta.ApprovalMode = "yolo"
	if err := store.SaveSession(ctx, meta); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	loaded2, _ := store.LoadSession(ctx, "sess_test_001")
	if loaded2.TurnCount != 3 || loaded2.ApprovalMode != "yolo" {
		t.Fatalf("after update: %+v", loaded2)
	}

	metas, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(metas) != 1 {
		t.Fatalf("ListSessions count=%d, want 1", len(metas))
	}

	_, err = store.LoadSession(ctx, "missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("LoadSession(missing) err=%v, want ErrSessionNotFound", err)
	}
}

func TestSQLiteStore_History(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.CreateSession(ctx, SessionMeta{ID: "s1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	history := []chat.Content{
		{Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("hello")}},
		{Role: chat.RoleModel, Parts: []chat.Part{chat.TextPart("hi"), {FunctionCall: &chat.FunctionCall{ID: "c1", Name: "read_file", Args: map[string]any{"file_path": "a.go"}}}}},
	}
	if err := store.SaveHistory(ctx, "s1", history); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}
	// 二次保存会整体替换 / A second save replaces the first
	if err := store.SaveHistory(ctx, "s1", history[:1]); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}
	loaded, err := store.LoadHistory(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Parts[0].Text != "hello" {
		t.Fatalf("loaded=%+v", loaded)
	}

	if err := store.SaveHistory(ctx, "s1", history); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}
	loaded, _ = store.LoadHistory(ctx, "s1")
	if len(loaded) != 2 || loaded[1].Parts[1].FunctionCall == nil || loaded[1].Parts[1].FunctionCall.Name != "read_file" {
		t.Fatalf("function call not restored: %+v", loaded)
	}
}

func TestSQLiteStore_ToolCalls(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entries := []ToolCallEntry{
		{SessionID: "s1", CallID: "c1", Name: "read_file", Args: `{"file_path":"a"}`, Status: "success", Duration: 1500 * time.Millisecond},
		{SessionID: "s1", CallID: "c2", Name: "run_shell_command", Status: "cancelled", Outcome: "cancel"},
		{SessionID: "s2", CallID: "c3", Name: "glob", Status: "error", Error: "bad pattern"},
	}
	if err := store.LogToolCalls(ctx, entries); err != nil {
		t.Fatalf("LogToolCalls: %v", err)
	}
	if err := store.LogToolCalls(ctx, nil); err != nil {
		t.Fatalf("LogToolCalls(nil): %v", err)
	}

	got, err := store.ToolCalls(ctx, "s1")
	if err != nil {
		t.Fatalf("ToolCalls: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ToolCalls count=%d, want 2", len(got))
	}
	if got[0].Duration != 1500*time.Millisecond {
		t.Fatalf("Duration=%v", got[0].Duration)
	}
	if got[1].Args != "{}" || got[1].Outcome != "cancel" {
		t.Fatalf("second entry=%+v", got[1])
	}
}
