package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamagent/internal/chat"
	"streamagent/internal/history"
	"streamagent/internal/tools"
)

type fakeSnapshots struct {
	snapshot string
	current  string
	err      error
	labels   []string
}

func (f *fakeSnapshots) CreateSnapshot(_ context.Context, label string) (string, error) {
	f.labels = append(f.labels, label)
	return f.snapshot, f.err
}

func (f *fakeSnapshots) CurrentCommitHash(context.Context) (string, error) {
	return f.current, nil
}

var fixedNow = time.Date(2025, 6, 1, 12, 30, 45, 123_000_000, time.UTC)

func newWriter(t *testing.T, snaps SnapshotProvider) (*Writer, string) {
	t.Helper()
	dir := t.TempDir()
	w := NewWriter(Options{
		Enabled:   true,
		Dir:       dir,
		Snapshots: snaps,
		History: func() []history.Item {
			return []history.Item{{ID: 1, Kind: history.KindUser, Text: "fix it"}}
		},
		ClientHistory: func() []chat.Content {
			return []chat.Content{{Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("fix it")}}}
		},
		Now: func() time.Time { return fixedNow },
	})
	return w, dir
}

func editRequest() chat.ToolCallRequest {
	return chat.ToolCallRequest{
		CallID: "c1",
		Name:   tools.ReplaceName,
		Args:   map[string]any{"file_path": "/work/src/main.go", "old_string": "a", "new_string": "b"},
	}
}

func TestFileName(t *testing.T) {
	got := FileName(fixedNow, "/work/src/main.go", "replace")
	assert.Equal(t, "2025-06-01T12-30-45_123Z-main.go-replace.json", got)
}

func TestWriterSavesRecord(t *testing.T) {
	snaps := &fakeSnapshots{snapshot: "abc123"}
	w, _ := newWriter(t, snaps)

	path, err := w.save(context.Background(), editRequest())
	require.NoError(t, err)
	require.NotEmpty(t, path)
	assert.Equal(t, filepath.Join(w.CheckpointDir(), "2025-06-01T12-30-45_123Z-main.go-replace.json"), path)
	assert.Equal(t, []string{"Snapshot for replace"}, snaps.labels)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "{\n  \"history\""), "record is indented with two spaces")

	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "abc123", rec.CommitHash)
	assert.Equal(t, "/work/src/main.go", rec.FilePath)
	assert.Equal(t, tools.ReplaceName, rec.ToolCall.Name)
	assert.Equal(t, "b", rec.ToolCall.Args["new_string"])
	require.Len(t, rec.History, 1)
	require.Len(t, rec.ClientHistory, 1)
	assert.Equal(t, "2025-06-01T12:30:45.123Z", rec.Timestamp)
}

func TestWriterFallsBackToCurrentCommit(t *testing.T) {
	w, _ := newWriter(t, &fakeSnapshots{current: "head999", err: errors.New("nothing to commit")})
	path, err := w.save(context.Background(), editRequest())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"commitHash": "head999"`)
}

func TestWriterSkips(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		req     chat.ToolCallRequest
		snaps   *fakeSnapshots
	}{
		{name: "disabled", req: editRequest(), snaps: &fakeSnapshots{snapshot: "x"}},
		{name: "not restorable", enabled: true, req: chat.ToolCallRequest{Name: tools.ShellName, Args: map[string]any{"file_path": "a"}}, snaps: &fakeSnapshots{snapshot: "x"}},
		{name: "missing file_path", enabled: true, req: chat.ToolCallRequest{Name: tools.WriteFileName, Args: map[string]any{}}, snaps: &fakeSnapshots{snapshot: "x"}},
		{name: "no commit hash", enabled: true, req: editRequest(), snaps: &fakeSnapshots{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWriter(Options{Enabled: tt.enabled, Dir: t.TempDir(), Snapshots: tt.snaps})
			path, err := w.save(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Empty(t, path)

			entries, _ := os.ReadDir(w.CheckpointDir())
			assert.Empty(t, entries)
			w.Save(context.Background(), tt.req)
		})
	}
}

func TestWriterReportsDirectoryFailure(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	w := NewWriter(Options{Enabled: true, Dir: blocker, Snapshots: &fakeSnapshots{snapshot: "x"}})
	_, err := w.save(context.Background(), editRequest())
	require.Error(t, err)
	assert.NotPanics(t, func() { w.Save(context.Background(), editRequest()) })
}

func TestGitSnapshotter(t *testing.T) {
	work := t.TempDir()
	g := NewGitSnapshotter(filepath.Join(t.TempDir(), "history"), work)
	ctx := context.Background()

	hash, err := g.CurrentCommitHash(ctx)
	require.NoError(t, err)
	assert.Empty(t, hash, "fresh repository has no HEAD")

	require.NoError(t, os.WriteFile(filepath.Join(work, "a.txt"), []byte("one\n"), 0o644))
	first, err := g.CreateSnapshot(ctx, "Snapshot for write_file")
	require.NoError(t, err)
	require.Len(t, first, 40)

	again, err := g.CreateSnapshot(ctx, "Snapshot for write_file")
	require.NoError(t, err)
	assert.Equal(t, first, again, "clean tree reports HEAD")

	require.NoError(t, os.WriteFile(filepath.Join(work, "a.txt"), []byte("two\n"), 0o644))
	second, err := g.CreateSnapshot(ctx, "Snapshot for replace")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	head, err := g.CurrentCommitHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, head)

	_, err = os.Stat(filepath.Join(work, ".git"))
	assert.True(t, os.IsNotExist(err), "worktree must not get a .git directory")
}

func TestGitSnapshotterEmptyTree(t *testing.T) {
	g := NewGitSnapshotter(filepath.Join(t.TempDir(), "history"), t.TempDir())
	hash, err := g.CreateSnapshot(context.Background(), "Snapshot for replace")
	require.NoError(t, err)
	assert.Empty(t, hash)

	w := NewWriter(Options{Enabled: true, Dir: t.TempDir(), Snapshots: g})
	path, err := w.save(context.Background(), editRequest())
	require.NoError(t, err)
	assert.Empty(t, path, "no commit hash means no checkpoint")
}

func TestGitSnapshotterCancelled(t *testing.T) {
	g := NewGitSnapshotter(filepath.Join(t.TempDir(), "history"), t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.CreateSnapshot(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}
