package storage

import (
	"context"

	"streamagent/internal/chat"
)

// Store 持久化接口
// Store is the persistence interface for sessions, the user message log and
// the tool-call audit log.
type Store interface {
	// Session 操作 / Session operations
	CreateSession(ctx context.Context, meta SessionMeta) error
	SaveSession(ctx context.Context, meta SessionMeta) error
	LoadSession(ctx context.Context, id string) (SessionMeta, error)
	ListSessions(ctx context.Context) ([]SessionMeta, error)

	// 模型历史 / Model history
	SaveHistory(ctx context.Context, sessionID string, history []chat.Content) error
	LoadHistory(ctx context.Context, sessionID string) ([]chat.Content, error)

	// 消息日志 / Message log
	AppendLog(ctx context.Context, entry LogEntry) error
	UserMessages(ctx context.Context, limit int) ([]string, error)

	// 工具调用审计 / Tool-call audit
	LogToolCalls(ctx context.Context, entries []ToolCallEntry) error
	ToolCalls(ctx context.Context, sessionID string) ([]ToolCallEntry, error)

	// 生命周期 / Lifecycle
	Close() error
}
