// Package checkpoint persists recovery records before file-mutating tool
// calls are approved.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"

	"streamagent/internal/chat"
	"streamagent/internal/history"
	"streamagent/internal/tools"
)

// SnapshotProvider records the state of the working tree.
// Both methods return "" when no commit is available.
type SnapshotProvider interface {
	CreateSnapshot(ctx context.Context, label string) (string, error)
	CurrentCommitHash(ctx context.Context) (string, error)
}

type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Record is the JSON document written for one call.
type Record struct {
	History       []history.Item `json:"history"`
	ClientHistory []chat.Content `json:"clientHistory"`
	ToolCall      ToolCall       `json:"toolCall"`
	CommitHash    string         `json:"commitHash"`
	FilePath      string         `json:"filePath"`
	Timestamp     string         `json:"timestamp"`
}

type Options struct {
	Enabled bool
	// Dir 是项目临时目录，记录写在 Dir/checkpoints 下。
	// Dir is the project temp dir; records go under Dir/checkpoints.
	Dir           string
	Snapshots     SnapshotProvider
	History       func() []history.Item
	ClientHistory func() []chat.Content
	Now           func() time.Time
}

type Writer struct {
	opts Options
}

func NewWriter(opts Options) *Writer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Writer{opts: opts}
}

// IsRestorable reports whether calls of the named tool are checkpointed.
func IsRestorable(name string) bool {
	return name == tools.ReplaceName || name == tools.WriteFileName
}

// CheckpointDir is where records are written.
func (w *Writer) CheckpointDir() string {
	return filepath.Join(w.opts.Dir, "checkpoints")
}

// Save 为一次可恢复的调用写入检查点。失败只记录 debug 日志，不影响审批流程。
// Save writes a checkpoint for a restorable call. Failures are only debug-logged and never affect approval.
func (w *Writer) Save(ctx context.Context, req chat.ToolCallRequest) {
	if _, err := w.save(ctx, req); err != nil {
		slog.Debug("checkpoint skipped", "tool", req.Name, "call_id", req.CallID, "error", err)
	}
}

// save returns the written path, or "" when the call was skipped.
func (w *Writer) save(ctx context.Context, req chat.ToolCallRequest) (string, error) {
	if !w.opts.Enabled || w.opts.Dir == "" || !IsRestorable(req.Name) {
		return "", nil
	}
	filePath, _ := req.Args["file_path"].(string)
	if strings.TrimSpace(filePath) == "" {
		slog.Debug("Skipping restorable tool call due to missing file_path: " + req.Name)
		return "", nil
	}

	dir := w.CheckpointDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint directory: %w", err)
	}

	hash := w.commitHash(ctx, req.Name)
	if hash == "" {
		slog.Debug(fmt.Sprintf("Failed to create snapshot for %s. Skipping restorable tool call.", filePath))
		return "", nil
	}

	now := w.opts.Now()
	rec := Record{
		ToolCall:   ToolCall{Name: req.Name, Args: req.Args},
		CommitHash: hash,
		FilePath:   filePath,
		Timestamp:  now.UTC().Format(time.RFC3339Nano),
	}
	if w.opts.History != nil {
		rec.History = w.opts.History()
	}
	if w.opts.ClientHistory != nil {
		rec.ClientHistory = w.opts.ClientHistory()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}
	path := filepath.Join(dir, FileName(now, filePath, req.Name))
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("write restorable tool call file: %w", err)
	}
	slog.Debug("checkpoint written", "path", path, "commit", hash)
	return path, nil
}

// commitHash prefers a fresh snapshot and falls back to the current commit.
func (w *Writer) commitHash(ctx context.Context, toolName string) string {
	if w.opts.Snapshots == nil {
		return ""
	}
	hash, err := w.opts.Snapshots.CreateSnapshot(ctx, "Snapshot for "+toolName)
	if err != nil {
		slog.Debug("create snapshot failed", "error", err)
	}
	if hash != "" {
		return hash
	}
	hash, err = w.opts.Snapshots.CurrentCommitHash(ctx)
	if err != nil {
		slog.Debug("read current commit failed", "error", err)
	}
	return hash
}

// FileName 形如 2025-01-02T03-04-05_678Z-main.go-replace.json。
// FileName looks like 2025-01-02T03-04-05_678Z-main.go-replace.json.
func FileName(ts time.Time, filePath, toolName string) string {
	stamp := ts.UTC().Format("2006-01-02T15:04:05.000Z")
	stamp = strings.ReplaceAll(stamp, ":", "-")
	stamp = strings.ReplaceAll(stamp, ".", "_")
	return fmt.Sprintf("%s-%s-%s.json", stamp, filepath.Base(filePath), toolName)
}
