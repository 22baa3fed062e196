// Package session implements the persistent per-chat message log. Every
// turn appends here before any model call; compaction folds old messages
// into summary rows without ever touching the most recent tail.
package session

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/homielabs/homie/pkg/homie/storage"
)

// Roles for session rows. System rows are never sourced from user text;
// they carry only summaries and persona reminders written by compaction.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one row in a chat's session log. ID is monotone within a chat.
type Message struct {
	ID          int64
	ChatID      string
	Role        string
	Content     string
	CreatedAtMs int64

	// Author metadata, user rows only.
	AuthorID   string
	AuthorName string

	// SourceMessageID links back to the channel message, when known.
	SourceMessageID string

	// Attachments is a short human-readable descriptor list, e.g.
	// "[image image/jpeg]". Metadata only.
	Attachments string
}

// Store is the SQLite-backed session log.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the session database.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, logger: logger.With("component", "session")}
	if err := storage.Migrate(db, migrations, s.logger); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

var migrations = []storage.Migration{
	{
		Name: "session_base",
		SQL: `
			CREATE TABLE IF NOT EXISTS sessions (
				chat_id       TEXT PRIMARY KEY,
				channel       TEXT NOT NULL DEFAULT '',
				is_group      INTEGER NOT NULL DEFAULT 0,
				created_at_ms INTEGER NOT NULL,
				updated_at_ms INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS session_messages (
				id                INTEGER PRIMARY KEY AUTOINCREMENT,
				chat_id           TEXT NOT NULL,
				role              TEXT NOT NULL,
				content           TEXT NOT NULL,
				created_at_ms     INTEGER NOT NULL,
				author_id         TEXT NOT NULL DEFAULT '',
				author_name       TEXT NOT NULL DEFAULT '',
				source_message_id TEXT NOT NULL DEFAULT '',
				attachments       TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX IF NOT EXISTS idx_session_messages_chat
				ON session_messages(chat_id, id);
		`,
	},
}

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// AppendMessage atomically upserts the session row and inserts the message.
// The session upsert and message insert share one transaction so a crash
// can never leave a message without its session.
func (s *Store) AppendMessage(msg Message) (int64, error) {
	if msg.ChatID == "" {
		return 0, fmt.Errorf("append message: empty chat id")
	}
	if msg.CreatedAtMs == 0 {
		msg.CreatedAtMs = time.Now().UnixMilli()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO sessions (chat_id, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET updated_at_ms = excluded.updated_at_ms
	`, msg.ChatID, msg.CreatedAtMs, msg.CreatedAtMs)
	if err != nil {
		return 0, fmt.Errorf("upsert session: %w", err)
	}

	res, err := tx.Exec(`
		INSERT INTO session_messages
			(chat_id, role, content, created_at_ms, author_id, author_name, source_message_id, attachments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ChatID, msg.Role, msg.Content, msg.CreatedAtMs,
		msg.AuthorID, msg.AuthorName, msg.SourceMessageID, msg.Attachments)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	id, _ := res.LastInsertId()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append message commit: %w", err)
	}
	return id, nil
}

// GetMessages returns the last limit messages for a chat in ascending id
// order. limit <= 0 returns everything.
func (s *Store) GetMessages(chatID string, limit int) ([]Message, error) {
	query := `
		SELECT id, chat_id, role, content, created_at_ms,
		       author_id, author_name, source_message_id, attachments
		FROM session_messages WHERE chat_id = ? ORDER BY id DESC
	`
	args := []any{chatID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAtMs,
			&m.AuthorID, &m.AuthorName, &m.SourceMessageID, &m.Attachments); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into ascending order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LastUserMessageMs returns the newest user-row timestamp for a chat, zero
// when the chat has none. The proactive suppression policy keys off this.
func (s *Store) LastUserMessageMs(chatID string) (int64, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(
		"SELECT MAX(created_at_ms) FROM session_messages WHERE chat_id = ? AND role = ?",
		chatID, RoleUser).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("last user message: %w", err)
	}
	return ts.Int64, nil
}

// MessageCount returns the number of rows for a chat.
func (s *Store) MessageCount(chatID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM session_messages WHERE chat_id = ?", chatID).Scan(&n)
	return n, err
}

// charsPerToken is the fixed-ratio token estimation heuristic. Close enough
// for compaction thresholds; exact counts would need the model tokenizer.
const charsPerToken = 4

// EstimateTokens approximates the token count of a chat's log.
func (s *Store) EstimateTokens(chatID string) (int, error) {
	var chars sql.NullInt64
	err := s.db.QueryRow(
		"SELECT SUM(LENGTH(content)) FROM session_messages WHERE chat_id = ?", chatID).Scan(&chars)
	if err != nil {
		return 0, fmt.Errorf("estimate tokens: %w", err)
	}
	if !chars.Valid {
		return 0, nil
	}
	return int((chars.Int64 + charsPerToken - 1) / charsPerToken), nil
}

func estimateMessageTokens(m Message) int {
	return (len(m.Content) + charsPerToken - 1) / charsPerToken
}

// FormatTranscript renders messages as "ROLE: content" lines, the shape
// given to the summarizer during compaction.
func FormatTranscript(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		name := strings.ToUpper(m.Role)
		if m.Role == RoleUser && m.AuthorName != "" {
			name = m.AuthorName
		}
		fmt.Fprintf(&b, "%s: %s\n", name, m.Content)
	}
	return b.String()
}
