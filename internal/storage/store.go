// Package storage is the persistence layer: conversation history, the
// summarisation audit trail, and the tool error log, all in one embedded
// SQLite file. Reads degrade to empty results on failure so callers keep
// working; writes propagate errors so the dispatcher can surface them.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/apelabs/ape/internal/aperrors"
	"github.com/apelabs/ape/internal/observability"
)

// PoolSize bounds concurrent connections per store.
const PoolSize = 5

// Message is one conversation turn.
type Message struct {
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	Images    []string `json:"images,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// SessionInfo summarises one session for catalog listings.
type SessionInfo struct {
	SessionID    string `json:"session_id"`
	MessageCount int    `json:"message_count"`
	FirstMessage string `json:"first_message"`
	LastMessage  string `json:"last_message"`
	FirstTS      string `json:"first_ts"`
	LastTS       string `json:"last_ts"`
}

// ToolError is one row of the append-only error audit.
type ToolError struct {
	SessionID string `json:"session_id,omitempty"`
	Tool      string `json:"tool"`
	Arguments string `json:"arguments"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// Store wraps the embedded database. Safe for concurrent use; *sql.DB
// provides the bounded connection pool.
type Store struct {
	db     *sql.DB
	logger *observability.Logger
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		images TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS tool_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT,
		tool TEXT NOT NULL,
		arguments TEXT,
		error TEXT NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		original_messages TEXT NOT NULL,
		summary_text TEXT NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_history_session ON history(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_errors_session ON tool_errors(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_summaries_session ON summaries(session_id)`,
}

// expectedColumns drives the in-place migration check: columns added in
// later releases are created if a pre-existing file lacks them.
var expectedColumns = map[string]map[string]string{
	"history":     {"images": "TEXT"},
	"tool_errors": {"session_id": "TEXT"},
}

// Open creates or opens the store at path. ":memory:" gives an
// in-process database for tests.
func Open(path string, logger *observability.Logger) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(PoolSize)
	db.SetMaxIdleConns(PoolSize)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close shuts the pool down.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	for table, cols := range expectedColumns {
		existing, err := s.columnSet(table)
		if err != nil {
			return err
		}
		for col, typ := range cols {
			if existing[col] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col, typ)
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("add column %s.%s: %w", table, col, err)
			}
		}
	}
	return nil
}

func (s *Store) columnSet(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// SaveMessages replaces the full message list for a session atomically.
func (s *Store) SaveMessages(ctx context.Context, sessionID string, messages []Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return aperrors.Wrap(aperrors.CodeSQLError, "begin save_messages", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM history WHERE session_id = ?", sessionID); err != nil {
		return aperrors.Wrap(aperrors.CodeSQLError, "clear session history", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO history (session_id, role, content, images, timestamp) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return aperrors.Wrap(aperrors.CodeSQLError, "prepare insert", err)
	}
	defer stmt.Close()

	for _, msg := range messages {
		images, _ := json.Marshal(msg.Images)
		ts := msg.Timestamp
		if ts == "" {
			ts = time.Now().UTC().Format(time.RFC3339)
		}
		if _, err := stmt.ExecContext(ctx, sessionID, msg.Role, msg.Content, string(images), ts); err != nil {
			return aperrors.Wrap(aperrors.CodeSQLError, "insert message", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return aperrors.Wrap(aperrors.CodeSQLError, "commit save_messages", err)
	}
	return nil
}

// GetHistory returns a session's messages ordered by timestamp ascending.
// On failure it logs and returns an empty slice.
func (s *Store) GetHistory(ctx context.Context, sessionID string) []Message {
	rows, err := s.db.QueryContext(ctx,
		"SELECT role, content, images, timestamp FROM history WHERE session_id = ? ORDER BY timestamp ASC, id ASC",
		sessionID)
	if err != nil {
		s.logWarn(ctx, "get_history failed", err)
		return nil
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var images sql.NullString
		if err := rows.Scan(&msg.Role, &msg.Content, &images, &msg.Timestamp); err != nil {
			s.logWarn(ctx, "scan history row failed", err)
			return nil
		}
		if images.Valid && images.String != "" {
			_ = json.Unmarshal([]byte(images.String), &msg.Images)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		s.logWarn(ctx, "iterate history failed", err)
		return nil
	}
	return out
}

// GetAllSessions lists sessions most recently active first, each with a
// message count and truncated first/last message previews.
func (s *Store) GetAllSessions(ctx context.Context) []SessionInfo {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COUNT(*), MIN(timestamp), MAX(timestamp)
		FROM history GROUP BY session_id ORDER BY MAX(timestamp) DESC`)
	if err != nil {
		s.logWarn(ctx, "get_all_sessions failed", err)
		return nil
	}
	defer rows.Close()

	var sessions []SessionInfo
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.SessionID, &info.MessageCount, &info.FirstTS, &info.LastTS); err != nil {
			s.logWarn(ctx, "scan session row failed", err)
			return nil
		}
		sessions = append(sessions, info)
	}
	if err := rows.Err(); err != nil {
		s.logWarn(ctx, "iterate sessions failed", err)
		return nil
	}

	for i := range sessions {
		sessions[i].FirstMessage = s.boundaryMessage(ctx, sessions[i].SessionID, "ASC")
		sessions[i].LastMessage = s.boundaryMessage(ctx, sessions[i].SessionID, "DESC")
	}
	return sessions
}

func (s *Store) boundaryMessage(ctx context.Context, sessionID, order string) string {
	var content string
	query := fmt.Sprintf("SELECT content FROM history WHERE session_id = ? ORDER BY id %s LIMIT 1", order)
	if err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&content); err != nil {
		return ""
	}
	if len(content) > 100 {
		return content[:100] + "..."
	}
	return content
}

// SearchMessages finds messages whose content matches the query
// (case-insensitive substring), newest first.
func (s *Store) SearchMessages(ctx context.Context, query string, limit int) []Message {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, images, timestamp FROM history
		WHERE content LIKE ? ORDER BY timestamp DESC LIMIT ?`,
		"%"+query+"%", limit)
	if err != nil {
		s.logWarn(ctx, "search failed", err)
		return nil
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var images sql.NullString
		if err := rows.Scan(&msg.Role, &msg.Content, &images, &msg.Timestamp); err != nil {
			s.logWarn(ctx, "scan search row failed", err)
			return nil
		}
		out = append(out, msg)
	}
	return out
}

// RecentByRole returns the newest n messages with the given role,
// optionally scoped to one session, in chronological order.
func (s *Store) RecentByRole(ctx context.Context, role, sessionID string, n int) []Message {
	if n <= 0 {
		n = 5
	}
	query := "SELECT content, timestamp FROM history WHERE role = ?"
	args := []any{role}
	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, n)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logWarn(ctx, "recent_by_role failed", err)
		return nil
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg := Message{Role: role}
		if err := rows.Scan(&msg.Content, &msg.Timestamp); err != nil {
			s.logWarn(ctx, "scan role row failed", err)
			return nil
		}
		out = append(out, msg)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// SaveError appends a tool error to the audit trail. Best effort: the
// caller is already on an error path, so failures are only logged.
func (s *Store) SaveError(ctx context.Context, sessionID, tool string, arguments map[string]any, errMsg string) {
	args, _ := json.Marshal(arguments)
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tool_errors (session_id, tool, arguments, error, timestamp) VALUES (?, ?, ?, ?, ?)",
		nullable(sessionID), tool, string(args), errMsg, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		s.logWarn(ctx, "save_error failed", err)
	}
}

// GetRecentErrors returns the newest error rows, optionally filtered to a
// session.
func (s *Store) GetRecentErrors(ctx context.Context, limit int, sessionID string) []ToolError {
	if limit <= 0 {
		limit = 20
	}
	query := "SELECT COALESCE(session_id, ''), tool, COALESCE(arguments, ''), error, timestamp FROM tool_errors"
	args := []any{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logWarn(ctx, "get_recent_errors failed", err)
		return nil
	}
	defer rows.Close()

	var out []ToolError
	for rows.Next() {
		var te ToolError
		if err := rows.Scan(&te.SessionID, &te.Tool, &te.Arguments, &te.Error, &te.Timestamp); err != nil {
			s.logWarn(ctx, "scan error row failed", err)
			return nil
		}
		out = append(out, te)
	}
	return out
}

// SaveSummary appends one summarisation audit record. Callers invoke
// this BEFORE evicting the summarised messages so the trail never has a
// gap.
func (s *Store) SaveSummary(ctx context.Context, sessionID string, original []Message, summaryText string) error {
	payload, err := json.Marshal(original)
	if err != nil {
		return aperrors.Wrap(aperrors.CodeSQLError, "encode original messages", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO summaries (session_id, original_messages, summary_text, timestamp) VALUES (?, ?, ?, ?)",
		sessionID, string(payload), summaryText, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return aperrors.Wrap(aperrors.CodeSQLError, "insert summary", err)
	}
	return nil
}

// SummaryCount reports how many summary records a session has accrued.
func (s *Store) SummaryCount(ctx context.Context, sessionID string) int {
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM summaries WHERE session_id = ?", sessionID).Scan(&n); err != nil {
		return 0
	}
	return n
}

// TableNames lists user tables in the store.
func (s *Store) TableNames(ctx context.Context) []string {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		s.logWarn(ctx, "list tables failed", err)
		return nil
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil
		}
		names = append(names, name)
	}
	return names
}

// TableColumns describes a table's columns as {name, type} pairs.
func (s *Store) TableColumns(ctx context.Context, table string) ([]map[string]string, error) {
	if !validIdentifier(table) {
		return nil, aperrors.Newf(aperrors.CodeValidationError, "invalid table name %q", table)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, aperrors.Wrap(aperrors.CodeSQLError, "inspect table", err)
	}
	defer rows.Close()

	var cols []map[string]string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, aperrors.Wrap(aperrors.CodeSQLError, "scan column", err)
		}
		cols = append(cols, map[string]string{"name": name, "type": ctype})
	}
	return cols, nil
}

// RowCount counts rows in a table.
func (s *Store) RowCount(ctx context.Context, table string) (int, error) {
	if !validIdentifier(table) {
		return 0, aperrors.Newf(aperrors.CodeValidationError, "invalid table name %q", table)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n); err != nil {
		return 0, aperrors.Wrap(aperrors.CodeSQLError, "count rows", err)
	}
	return n, nil
}

// Query runs a read-only statement and returns rows as ordered column
// maps. Callers are responsible for ensuring the statement is safe; the
// SELECT-only guard lives in the tool layer.
func (s *Store) Query(ctx context.Context, stmt string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, aperrors.Wrap(aperrors.CodeSQLError, "execute query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, aperrors.Wrap(aperrors.CodeSQLError, "read columns", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, aperrors.Wrap(aperrors.CodeSQLError, "scan row", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, aperrors.Wrap(aperrors.CodeSQLError, "iterate rows", err)
	}
	return out, nil
}

func (s *Store) logWarn(ctx context.Context, msg string, err error) {
	if s.logger != nil {
		s.logger.Warn(ctx, msg, "error", err)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return !strings.HasPrefix(s, "sqlite_")
}
