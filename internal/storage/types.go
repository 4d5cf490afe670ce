package storage

import "time"

// SessionMeta 会话元数据
// SessionMeta holds session metadata
type SessionMeta struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	CWD          string `json:"cwd"`
	ApprovalMode string `json:"approval_mode"`
	TurnCount    int    `json:"turn_count"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// Sender 标识日志消息来源
type Sender string

const (
	SenderUser  Sender = "user"
	SenderShell Sender = "user_shell"
)

// LogEntry 是持久化消息日志中的一行
// LogEntry is one row of the persistent message log.
type LogEntry struct {
	SessionID string
	MessageID int
	Sender    Sender
	Text      string
	Timestamp string
}

// ToolCallEntry 记录一次已结束的工具调用
// ToolCallEntry records one finished tool call.
type ToolCallEntry struct {
	SessionID string
	CallID    string
	Name      string
	Args      string
	Status    string
	Outcome   string
	Error     string
	Duration  time.Duration
	CreatedAt string
}
