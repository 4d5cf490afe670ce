package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"streamagent/internal/chat"

	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned by LoadSession for an unknown id.
var ErrSessionNotFound = errors.New("session not found")

// SQLiteStore 基于 SQLite (WAL 模式) 的持久化实现
// SQLiteStore implements Store using SQLite with WAL mode
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore 创建并初始化 SQLite 数据库
// NewSQLiteStore creates and initializes a SQLite database
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// 启用 WAL 模式和优化 PRAGMA / Enable WAL and performance PRAGMAs
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	store := &SQLiteStore{db: db, path: dbPath}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT PRIMARY KEY,
		model         TEXT NOT NULL DEFAULT '',
		cwd           TEXT NOT NULL DEFAULT '',
		approval_mode TEXT NOT NULL DEFAULT '',
		turn_count    INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS history (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq        INTEGER NOT NULL,
		role       TEXT NOT NULL,
		parts      TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY(session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS message_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		message_id INTEGER NOT NULL,
		sender     TEXT NOT NULL,
		text       TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL,
		call_id     TEXT NOT NULL,
		name        TEXT NOT NULL,
		args        TEXT NOT NULL DEFAULT '{}',
		status      TEXT NOT NULL,
		outcome     TEXT NOT NULL DEFAULT '',
		error       TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_message_log_sender ON message_log(sender, id);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close 关闭数据库连接 / Close the database connection
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- Session Operations ---

func (s *SQLiteStore) CreateSession(ctx context.Context, meta SessionMeta) error {
	now := nowUTC()
	if strings.TrimSpace(meta.CreatedAt) == "" {
		meta.CreatedAt = now
	}
	if strings.TrimSpace(meta.UpdatedAt) == "" {
		meta.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, model, cwd, approval_mode, turn_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		meta.ID, meta.Model, meta.CWD, meta.ApprovalMode, meta.TurnCount,
		meta.CreatedAt, meta.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, meta SessionMeta) error {
	meta.UpdatedAt = nowUTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET model=?, cwd=?, approval_mode=?, turn_count=?, updated_at=?
		WHERE id=?`,
		meta.Model, meta.CWD, meta.ApprovalMode, meta.TurnCount, meta.UpdatedAt, meta.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (SessionMeta, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return SessionMeta{}, fmt.Errorf("session id is empty")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, model, cwd, approval_mode, turn_count, created_at, updated_at
		FROM sessions WHERE id=?`, id)

	var meta SessionMeta
	err := row.Scan(&meta.ID, &meta.Model, &meta.CWD, &meta.ApprovalMode,
		&meta.TurnCount, &meta.CreatedAt, &meta.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionMeta{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return SessionMeta{}, fmt.Errorf("load session: %w", err)
	}
	return meta, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]SessionMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model, cwd, approval_mode, turn_count, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var metas []SessionMeta
	for rows.Next() {
		var meta SessionMeta
		if err := rows.Scan(&meta.ID, &meta.Model, &meta.CWD, &meta.ApprovalMode,
			&meta.TurnCount, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// --- History Operations ---

// SaveHistory 整体替换会话的模型历史
// SaveHistory replaces the stored model history of a session.
func (s *SQLiteStore) SaveHistory(ctx context.Context, sessionID string, history []chat.Content) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// 清除旧历史 / Clear old history
	if _, err := tx.ExecContext(ctx, "DELETE FROM history WHERE session_id=?", sessionID); err != nil {
		return fmt.Errorf("delete old history: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO history (session_id, seq, role, parts) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, c := range history {
		parts, err := json.Marshal(c.Parts)
		if err != nil {
			return fmt.Errorf("encode history %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, sessionID, i, c.Role, string(parts)); err != nil {
			return fmt.Errorf("insert history %d: %w", i, err)
		}
	}

	// 更新 session 时间戳 / Update session timestamp
	if _, err := tx.ExecContext(ctx, "UPDATE sessions SET updated_at=? WHERE id=?", nowUTC(), sessionID); err != nil {
		return fmt.Errorf("update session timestamp: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadHistory(ctx context.Context, sessionID string) ([]chat.Content, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, parts FROM history WHERE session_id=? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var history []chat.Content
	for rows.Next() {
		var c chat.Content
		var parts string
		if err := rows.Scan(&c.Role, &parts); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if err := json.Unmarshal([]byte(parts), &c.Parts); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		history = append(history, c)
	}
	return history, rows.Err()
}

// --- Message Log ---

func (s *SQLiteStore) AppendLog(ctx context.Context, entry LogEntry) error {
	if strings.TrimSpace(entry.Timestamp) == "" {
		entry.Timestamp = nowUTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_log (session_id, message_id, sender, text, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.SessionID, entry.MessageID, string(entry.Sender), entry.Text, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("append message log: %w", err)
	}
	return nil
}

// UserMessages 返回所有会话中的用户消息，最新的在前
// UserMessages returns user messages across all sessions, newest first.
// limit <= 0 returns everything.
func (s *SQLiteStore) UserMessages(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT text FROM message_log WHERE sender=? ORDER BY id DESC`
	args := []any{string(SenderUser)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query message log: %w", err)
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			continue
		}
		texts = append(texts, text)
	}
	return texts, rows.Err()
}

// --- Tool-Call Audit ---

func (s *SQLiteStore) LogToolCalls(ctx context.Context, entries []ToolCallEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tool_calls (session_id, call_id, name, args, status, outcome, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := nowUTC()
	for i, e := range entries {
		if strings.TrimSpace(e.CreatedAt) == "" {
			e.CreatedAt = now
		}
		args := e.Args
		if args == "" {
			args = "{}"
		}
		if _, err := stmt.ExecContext(ctx, e.SessionID, e.CallID, e.Name, args, e.Status,
			e.Outcome, e.Error, e.Duration.Milliseconds(), e.CreatedAt); err != nil {
			return fmt.Errorf("insert tool call %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ToolCalls(ctx context.Context, sessionID string) ([]ToolCallEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, call_id, name, args, status, outcome, error, duration_ms, created_at
		FROM tool_calls WHERE session_id=? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	var entries []ToolCallEntry
	for rows.Next() {
		var e ToolCallEntry
		var ms int64
		if err := rows.Scan(&e.SessionID, &e.CallID, &e.Name, &e.Args, &e.Status,
			&e.Outcome, &e.Error, &ms, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Helpers ---

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
