// Package ledger records every message the agent sends and the signals that
// come back for it: replies, reactions, and the refinement flag. The feedback
// tracker reads these signals to write lessons, and the heartbeat scans for
// unanswered sends worth a follow-up.
package ledger

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/homielabs/homie/pkg/homie/storage"
)

// Message types recorded in the ledger.
const (
	TypeReactive  = "reactive"
	TypeProactive = "proactive"
)

// Row is one recorded outbound message with its accumulated signals.
type Row struct {
	ID                   int64
	ChatID               string
	RefKey               string
	Text                 string
	SentAtMs             int64
	IsGroup              bool
	PrimaryChannelUserID string
	MessageType          string
	GotReply             bool
	Refinement           bool
	LessonLogged         bool
}

// SendRecord is the input to RecordSend.
type SendRecord struct {
	ChatID               string
	Text                 string
	MessageType          string
	SentAtMs             int64
	RefKey               string
	PrimaryChannelUserID string
	IsGroup              bool
}

// Ledger is the SQLite-backed outbound ledger.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the ledger database.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}

	l := &Ledger{db: db, logger: logger.With("component", "ledger")}
	if err := storage.Migrate(db, migrations, l.logger); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

var migrations = []storage.Migration{
	{
		Name: "ledger_base",
		SQL: `
			CREATE TABLE IF NOT EXISTS outgoing (
				id                      INTEGER PRIMARY KEY AUTOINCREMENT,
				chat_id                 TEXT NOT NULL,
				ref_key                 TEXT NOT NULL DEFAULT '',
				text                    TEXT NOT NULL,
				sent_at_ms              INTEGER NOT NULL,
				is_group                INTEGER NOT NULL DEFAULT 0,
				primary_channel_user_id TEXT NOT NULL DEFAULT '',
				message_type            TEXT NOT NULL DEFAULT 'reactive',
				got_reply               INTEGER NOT NULL DEFAULT 0,
				refinement              INTEGER NOT NULL DEFAULT 0,
				lesson_logged           INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS idx_outgoing_chat_sent
				ON outgoing(chat_id, sent_at_ms);
			CREATE INDEX IF NOT EXISTS idx_outgoing_ref
				ON outgoing(ref_key);

			CREATE TABLE IF NOT EXISTS replies (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				chat_id       TEXT NOT NULL,
				outgoing_id   INTEGER NOT NULL DEFAULT 0,
				timestamp_ms  INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS reactions (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				chat_id       TEXT NOT NULL,
				ref_key       TEXT NOT NULL DEFAULT '',
				emoji         TEXT NOT NULL,
				timestamp_ms  INTEGER NOT NULL
			);
		`,
	},
}

// Close closes the database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// RecordSend appends one outbound row.
func (l *Ledger) RecordSend(rec SendRecord) error {
	if rec.ChatID == "" {
		return fmt.Errorf("record send: empty chat id")
	}
	if rec.SentAtMs == 0 {
		rec.SentAtMs = time.Now().UnixMilli()
	}
	if rec.MessageType == "" {
		rec.MessageType = TypeReactive
	}
	_, err := l.db.Exec(`
		INSERT INTO outgoing
			(chat_id, ref_key, text, sent_at_ms, is_group, primary_channel_user_id, message_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ChatID, rec.RefKey, rec.Text, rec.SentAtMs, boolInt(rec.IsGroup),
		rec.PrimaryChannelUserID, rec.MessageType)
	if err != nil {
		return fmt.Errorf("record send: %w", err)
	}
	return nil
}

// OnIncomingReply marks the nearest preceding outbound row from the chat as
// replied. When refKey matches an exact row that row wins; otherwise the most
// recent row sent at or before timestampMs is used. A reply row is always
// recorded for the feedback tracker, even when no outbound row matched.
func (l *Ledger) OnIncomingReply(chatID, refKey string, timestampMs int64) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("on reply: %w", err)
	}
	defer tx.Rollback()

	var outgoingID int64
	if refKey != "" {
		err = tx.QueryRow(
			"SELECT id FROM outgoing WHERE chat_id = ? AND ref_key = ? ORDER BY sent_at_ms DESC LIMIT 1",
			chatID, refKey).Scan(&outgoingID)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("on reply lookup: %w", err)
		}
	}
	if outgoingID == 0 {
		err = tx.QueryRow(
			"SELECT id FROM outgoing WHERE chat_id = ? AND sent_at_ms <= ? ORDER BY sent_at_ms DESC, id DESC LIMIT 1",
			chatID, timestampMs).Scan(&outgoingID)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("on reply lookup: %w", err)
		}
	}

	if outgoingID != 0 {
		if _, err := tx.Exec(
			"UPDATE outgoing SET got_reply = 1 WHERE id = ?", outgoingID); err != nil {
			return fmt.Errorf("on reply mark: %w", err)
		}
	}
	if _, err := tx.Exec(
		"INSERT INTO replies (chat_id, outgoing_id, timestamp_ms) VALUES (?, ?, ?)",
		chatID, outgoingID, timestampMs); err != nil {
		return fmt.Errorf("on reply insert: %w", err)
	}
	return tx.Commit()
}

// RecordReaction stores a reaction signal for the feedback tracker. A
// matching outbound row (by ref key) also gets its reply flag set; a
// reaction is treated as acknowledgement.
func (l *Ledger) RecordReaction(chatID, refKey, emoji string, timestampMs int64) error {
	if _, err := l.db.Exec(
		"INSERT INTO reactions (chat_id, ref_key, emoji, timestamp_ms) VALUES (?, ?, ?, ?)",
		chatID, refKey, emoji, timestampMs); err != nil {
		return fmt.Errorf("record reaction: %w", err)
	}
	if refKey != "" {
		if _, err := l.db.Exec(
			"UPDATE outgoing SET got_reply = 1 WHERE chat_id = ? AND ref_key = ?",
			chatID, refKey); err != nil {
			return fmt.Errorf("record reaction mark: %w", err)
		}
	}
	return nil
}

// MarkRefinement sets the refinement flag on the row with the given ref key.
// Refined messages are excluded from success scoring.
func (l *Ledger) MarkRefinement(refKey string) error {
	if refKey == "" {
		return nil
	}
	_, err := l.db.Exec("UPDATE outgoing SET refinement = 1 WHERE ref_key = ?", refKey)
	if err != nil {
		return fmt.Errorf("mark refinement: %w", err)
	}
	return nil
}

// ListUnansweredInWindow returns DM rows sent inside [minSentAtMs,
// maxSentAtMs] that never got a reply, oldest first. These are the
// heartbeat's follow-up candidates.
func (l *Ledger) ListUnansweredInWindow(minSentAtMs, maxSentAtMs int64, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.Query(`
		SELECT id, chat_id, ref_key, text, sent_at_ms, is_group,
		       primary_channel_user_id, message_type, got_reply, refinement, lesson_logged
		FROM outgoing
		WHERE got_reply = 0 AND is_group = 0
		  AND sent_at_ms >= ? AND sent_at_ms <= ?
		ORDER BY sent_at_ms ASC LIMIT ?
	`, minSentAtMs, maxSentAtMs, limit)
	if err != nil {
		return nil, fmt.Errorf("list unanswered: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// CountUnansweredForChat counts no-reply rows for one chat in a window. The
// heartbeat stops following up a chat once too many sends sit unanswered.
func (l *Ledger) CountUnansweredForChat(chatID string, minSentAtMs int64) (int, error) {
	var n int
	err := l.db.QueryRow(`
		SELECT COUNT(*) FROM outgoing
		WHERE chat_id = ? AND got_reply = 0 AND sent_at_ms >= ?
	`, chatID, minSentAtMs).Scan(&n)
	return n, err
}

// ListUnfinalized returns rows older than cutoffMs whose feedback lesson has
// not been written yet.
func (l *Ledger) ListUnfinalized(cutoffMs int64, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(`
		SELECT id, chat_id, ref_key, text, sent_at_ms, is_group,
		       primary_channel_user_id, message_type, got_reply, refinement, lesson_logged
		FROM outgoing
		WHERE lesson_logged = 0 AND sent_at_ms <= ?
		ORDER BY sent_at_ms ASC LIMIT ?
	`, cutoffMs, limit)
	if err != nil {
		return nil, fmt.Errorf("list unfinalized: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// MarkLessonLogged flags a row as finalized by the feedback tracker.
func (l *Ledger) MarkLessonLogged(id int64) error {
	_, err := l.db.Exec("UPDATE outgoing SET lesson_logged = 1 WHERE id = ?", id)
	return err
}

// ReactionFor returns the most recent reaction recorded for a ref key, if any.
func (l *Ledger) ReactionFor(chatID, refKey string) (emoji string, ok bool, err error) {
	err = l.db.QueryRow(
		"SELECT emoji FROM reactions WHERE chat_id = ? AND ref_key = ? ORDER BY timestamp_ms DESC LIMIT 1",
		chatID, refKey).Scan(&emoji)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return emoji, true, nil
}

// PruneOlderThan deletes finalized rows and their signals older than cutoffMs.
func (l *Ledger) PruneOlderThan(cutoffMs int64) (int64, error) {
	res, err := l.db.Exec(
		"DELETE FROM outgoing WHERE lesson_logged = 1 AND sent_at_ms < ?", cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	n, _ := res.RowsAffected()
	l.db.Exec("DELETE FROM replies WHERE timestamp_ms < ?", cutoffMs)
	l.db.Exec("DELETE FROM reactions WHERE timestamp_ms < ?", cutoffMs)
	return n, nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var (
			r                               Row
			isGroup, gotReply, refin, lesso int
		)
		if err := rows.Scan(&r.ID, &r.ChatID, &r.RefKey, &r.Text, &r.SentAtMs,
			&isGroup, &r.PrimaryChannelUserID, &r.MessageType,
			&gotReply, &refin, &lesso); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		r.IsGroup = isGroup != 0
		r.GotReply = gotReply != 0
		r.Refinement = refin != 0
		r.LessonLogged = lesso != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
