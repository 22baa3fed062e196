// Package proactive implements the durable event store and the heartbeat
// that turns due events into outbound messages. Claims are leased: a worker
// marks events with a claim id and a deadline, and only lease expiry can
// hand an uncleared claim to someone else.
package proactive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/homielabs/homie/pkg/homie/storage"
)

// Event kinds.
const (
	KindReminder    = "reminder"
	KindBirthday    = "birthday"
	KindFollowUp    = "follow_up"
	KindCheckIn     = "check_in"
	KindAnticipated = "anticipated"
)

// Recurrence values.
const (
	RecurrenceOnce   = "once"
	RecurrenceYearly = "yearly"
)

// ErrClaimMismatch is returned when a worker acts on an event it no longer
// holds the claim for.
var ErrClaimMismatch = errors.New("proactive: claim mismatch")

// Event is one scheduled proactive action.
type Event struct {
	ID           string
	Kind         string
	Subject      string
	ChatID       string
	TriggerAtMs  int64
	Recurrence   string
	Delivered    bool
	ClaimID      string
	ClaimUntilMs int64
	CreatedAtMs  int64
}

// Scheduler is the SQLite-backed proactive event store.
type Scheduler struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the scheduler database.
func Open(path string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{db: db, logger: logger.With("component", "scheduler")}
	if err := storage.Migrate(db, migrations, s.logger); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

var migrations = []storage.Migration{
	{
		Name: "proactive_base",
		SQL: `
			CREATE TABLE IF NOT EXISTS events (
				id             TEXT PRIMARY KEY,
				kind           TEXT NOT NULL,
				subject        TEXT NOT NULL,
				chat_id        TEXT NOT NULL,
				trigger_at_ms  INTEGER NOT NULL,
				recurrence     TEXT NOT NULL DEFAULT 'once',
				delivered      INTEGER NOT NULL DEFAULT 0,
				claim_id       TEXT,
				claim_until_ms INTEGER,
				created_at_ms  INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_events_due
				ON events(delivered, trigger_at_ms);

			CREATE TABLE IF NOT EXISTS send_log (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				chat_id      TEXT NOT NULL,
				event_id     TEXT NOT NULL DEFAULT '',
				is_group     INTEGER NOT NULL DEFAULT 0,
				sent_at_ms   INTEGER NOT NULL,
				acknowledged INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS idx_send_log_chat
				ON send_log(chat_id, sent_at_ms);
		`,
	},
}

// Close closes the database handle.
func (s *Scheduler) Close() error { return s.db.Close() }

// addDedupWindowMs is the idempotency window around an event's trigger time.
const addDedupWindowMs = 5 * 60 * 1000

// AddEvent stores an event. A matching (chatId, kind, subject) event with a
// trigger inside the idempotency window wins over the new one; the existing
// id is returned.
func (s *Scheduler) AddEvent(e Event) (string, error) {
	if e.Kind == "" || e.ChatID == "" {
		return "", fmt.Errorf("add event: kind and chat id required")
	}
	if e.Recurrence == "" {
		e.Recurrence = RecurrenceOnce
	}
	if e.CreatedAtMs == 0 {
		e.CreatedAtMs = time.Now().UnixMilli()
	}

	var existing string
	err := s.db.QueryRow(`
		SELECT id FROM events
		WHERE chat_id = ? AND kind = ? AND subject = ? AND delivered = 0
		  AND trigger_at_ms BETWEEN ? AND ?
	`, e.ChatID, e.Kind, e.Subject,
		e.TriggerAtMs-addDedupWindowMs, e.TriggerAtMs+addDedupWindowMs).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("add event dedup: %w", err)
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err = s.db.Exec(`
		INSERT INTO events (id, kind, subject, chat_id, trigger_at_ms, recurrence, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Kind, e.Subject, e.ChatID, e.TriggerAtMs, e.Recurrence, e.CreatedAtMs)
	if err != nil {
		return "", fmt.Errorf("add event: %w", err)
	}
	return e.ID, nil
}

// AddProposedEvent accepts events discovered by memory extraction.
func (s *Scheduler) AddProposedEvent(kind, subject, chatID string, triggerAtMs int64, recurrence string) error {
	_, err := s.AddEvent(Event{
		Kind: kind, Subject: subject, ChatID: chatID,
		TriggerAtMs: triggerAtMs, Recurrence: recurrence,
	})
	return err
}

// ClaimPendingEvents leases up to limit due, unclaimed events to claimID.
// The expire, select and mark steps run inside one immediate transaction so
// concurrent workers on the same file never claim the same event.
func (s *Scheduler) ClaimPendingEvents(ctx context.Context, windowMs int64, limit int, leaseMs int64, claimID string) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UnixMilli()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("claim events begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	// Expire stale claims first so their events become visible below.
	if _, err := conn.ExecContext(ctx, `
		UPDATE events SET claim_id = NULL, claim_until_ms = NULL
		WHERE delivered = 0 AND claim_until_ms IS NOT NULL AND claim_until_ms <= ?
	`, now); err != nil {
		return nil, fmt.Errorf("claim events expire: %w", err)
	}

	rows, err := conn.QueryContext(ctx, `
		SELECT id, kind, subject, chat_id, trigger_at_ms, recurrence, created_at_ms
		FROM events
		WHERE delivered = 0 AND trigger_at_ms <= ?
		  AND (claim_id IS NULL OR claim_until_ms <= ?)
		ORDER BY trigger_at_ms ASC LIMIT ?
	`, now+windowMs, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim events select: %w", err)
	}
	var claimed []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.Subject, &e.ChatID, &e.TriggerAtMs,
			&e.Recurrence, &e.CreatedAtMs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim events scan: %w", err)
		}
		e.ClaimID = claimID
		e.ClaimUntilMs = now + leaseMs
		claimed = append(claimed, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range claimed {
		if _, err := conn.ExecContext(ctx,
			"UPDATE events SET claim_id = ?, claim_until_ms = ? WHERE id = ?",
			claimID, e.ClaimUntilMs, e.ID); err != nil {
			return nil, fmt.Errorf("claim events mark: %w", err)
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("claim events commit: %w", err)
	}
	committed = true
	return claimed, nil
}

// MarkDelivered finalizes a claimed event. Yearly events reinsert themselves
// one year out in the same transaction.
func (s *Scheduler) MarkDelivered(id, claimID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	defer tx.Rollback()

	var (
		recurrence  string
		kind        string
		subject     string
		chatID      string
		triggerAtMs int64
	)
	err = tx.QueryRow(`
		SELECT recurrence, kind, subject, chat_id, trigger_at_ms FROM events
		WHERE id = ? AND delivered = 0 AND claim_id = ?
	`, id, claimID).Scan(&recurrence, &kind, &subject, &chatID, &triggerAtMs)
	if err == sql.ErrNoRows {
		return ErrClaimMismatch
	}
	if err != nil {
		return fmt.Errorf("mark delivered lookup: %w", err)
	}

	if _, err := tx.Exec(
		"UPDATE events SET delivered = 1, claim_id = NULL, claim_until_ms = NULL WHERE id = ?",
		id); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}

	if recurrence == RecurrenceYearly {
		next := time.UnixMilli(triggerAtMs).AddDate(1, 0, 0).UnixMilli()
		if _, err := tx.Exec(`
			INSERT INTO events (id, kind, subject, chat_id, trigger_at_ms, recurrence, created_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, uuid.NewString(), kind, subject, chatID, next, RecurrenceYearly,
			time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("mark delivered reinsert: %w", err)
		}
	}
	return tx.Commit()
}

// ReleaseClaim clears a claim so another worker can retry the event.
func (s *Scheduler) ReleaseClaim(id, claimID string) error {
	res, err := s.db.Exec(`
		UPDATE events SET claim_id = NULL, claim_until_ms = NULL
		WHERE id = ? AND claim_id = ?
	`, id, claimID)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimMismatch
	}
	return nil
}

// DeferEvent clears the claim and pushes the trigger to nextAttemptAtMs.
func (s *Scheduler) DeferEvent(id, claimID string, nextAttemptAtMs int64) error {
	res, err := s.db.Exec(`
		UPDATE events SET claim_id = NULL, claim_until_ms = NULL, trigger_at_ms = ?
		WHERE id = ? AND claim_id = ? AND delivered = 0
	`, nextAttemptAtMs, id, claimID)
	if err != nil {
		return fmt.Errorf("defer event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimMismatch
	}
	return nil
}

// GetEvent loads one event by id.
func (s *Scheduler) GetEvent(id string) (Event, error) {
	var (
		e          Event
		delivered  int
		claimID    sql.NullString
		claimUntil sql.NullInt64
	)
	err := s.db.QueryRow(`
		SELECT id, kind, subject, chat_id, trigger_at_ms, recurrence,
		       delivered, claim_id, claim_until_ms, created_at_ms
		FROM events WHERE id = ?
	`, id).Scan(&e.ID, &e.Kind, &e.Subject, &e.ChatID, &e.TriggerAtMs, &e.Recurrence,
		&delivered, &claimID, &claimUntil, &e.CreatedAtMs)
	if err != nil {
		return Event{}, fmt.Errorf("get event %s: %w", id, err)
	}
	e.Delivered = delivered != 0
	e.ClaimID = claimID.String
	e.ClaimUntilMs = claimUntil.Int64
	return e, nil
}

// ListUpcoming returns undelivered events ordered by trigger time.
func (s *Scheduler) ListUpcoming(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, kind, subject, chat_id, trigger_at_ms, recurrence, created_at_ms
		FROM events WHERE delivered = 0 ORDER BY trigger_at_ms ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list upcoming: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.Subject, &e.ChatID, &e.TriggerAtMs,
			&e.Recurrence, &e.CreatedAtMs); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LogProactiveSend records one outbound proactive message for the rate
// limiters.
func (s *Scheduler) LogProactiveSend(chatID, eventID string, isGroup bool) error {
	_, err := s.db.Exec(`
		INSERT INTO send_log (chat_id, event_id, is_group, sent_at_ms)
		VALUES (?, ?, ?, ?)
	`, chatID, eventID, boolInt(isGroup), time.Now().UnixMilli())
	return err
}

// AcknowledgeSends marks every unacknowledged send to the chat at or before
// timestampMs as answered. The engine calls this when a user message lands.
func (s *Scheduler) AcknowledgeSends(chatID string, timestampMs int64) error {
	_, err := s.db.Exec(`
		UPDATE send_log SET acknowledged = 1
		WHERE chat_id = ? AND acknowledged = 0 AND sent_at_ms <= ?
	`, chatID, timestampMs)
	return err
}

// CountRecentSendsForScope counts proactive sends in the window across the
// whole DM or group scope.
func (s *Scheduler) CountRecentSendsForScope(isGroup bool, windowMs int64) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM send_log WHERE is_group = ? AND sent_at_ms >= ?
	`, boolInt(isGroup), time.Now().UnixMilli()-windowMs).Scan(&n)
	return n, err
}

// CountRecentSendsForChat counts proactive sends to one chat in the window.
func (s *Scheduler) CountRecentSendsForChat(chatID string, windowMs int64) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM send_log WHERE chat_id = ? AND sent_at_ms >= ?
	`, chatID, time.Now().UnixMilli()-windowMs).Scan(&n)
	return n, err
}

// CountIgnoredRecent counts the streak of unanswered proactive sends to a
// chat inside the lookback window. The streak resets at the newest
// acknowledged send.
func (s *Scheduler) CountIgnoredRecent(chatID string, lookbackMs int64) (int, error) {
	rows, err := s.db.Query(`
		SELECT acknowledged FROM send_log
		WHERE chat_id = ? AND sent_at_ms >= ?
		ORDER BY sent_at_ms DESC
	`, chatID, time.Now().UnixMilli()-lookbackMs)
	if err != nil {
		return 0, fmt.Errorf("count ignored: %w", err)
	}
	defer rows.Close()

	streak := 0
	for rows.Next() {
		var ack int
		if err := rows.Scan(&ack); err != nil {
			return 0, err
		}
		if ack != 0 {
			break
		}
		streak++
	}
	return streak, rows.Err()
}

// LastSendMsForChat returns the newest proactive send time for a chat, zero
// when there is none.
func (s *Scheduler) LastSendMsForChat(chatID string) (int64, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(
		"SELECT MAX(sent_at_ms) FROM send_log WHERE chat_id = ?", chatID).Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

// PruneDelivered removes delivered events older than cutoffMs.
func (s *Scheduler) PruneDelivered(cutoffMs int64) (int64, error) {
	res, err := s.db.Exec(
		"DELETE FROM events WHERE delivered = 1 AND trigger_at_ms < ?", cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
