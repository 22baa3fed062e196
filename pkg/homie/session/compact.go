// compact.go folds the oldest part of a chat log into two synthetic system
// rows: a conversation summary and a persona reminder. Compaction is the
// only writer of system-role rows, which keeps them trustworthy for prompt
// assembly.
package session

import (
	"context"
	"fmt"
)

// Summary row prefixes. Prompt assembly looks for these markers when
// replaying session notes.
const (
	SummaryHeader  = "=== CONVERSATION SUMMARY ==="
	ReminderHeader = "=== PERSONA REMINDER ==="
)

// Compaction thresholds.
const (
	// minCompactMessages is the minimum log size before compaction runs.
	minCompactMessages = 8

	// compactTriggerRatio of maxTokens triggers compaction.
	compactTriggerRatio = 0.8

	// compactTargetRatio of maxTokens is the post-compaction target.
	compactTargetRatio = 0.6

	// keepTailMessages never enter the summarization window.
	keepTailMessages = 2
)

// Summarizer turns a formatted transcript into a short summary.
type Summarizer func(ctx context.Context, transcript string) (string, error)

// CompactRequest parameterizes one compaction attempt.
type CompactRequest struct {
	ChatID          string
	MaxTokens       int
	PersonaReminder string
	Summarize       Summarizer

	// Force skips the token threshold (used for context-overflow recovery).
	Force bool
}

// CompactIfNeeded compacts the chat log when it exceeds the token budget.
// Returns true when a compaction was applied. The summarization window is
// the oldest prefix whose removal brings the estimate under the target; the
// most recent tail is never summarized. If the summarizer fails or returns
// an empty string, the log is left untouched.
func (s *Store) CompactIfNeeded(ctx context.Context, req CompactRequest) (bool, error) {
	if req.MaxTokens <= 0 || req.Summarize == nil {
		return false, nil
	}

	msgs, err := s.GetMessages(req.ChatID, 0)
	if err != nil {
		return false, err
	}
	if len(msgs) < minCompactMessages {
		return false, nil
	}

	total := 0
	for _, m := range msgs {
		total += estimateMessageTokens(m)
	}
	if !req.Force && float64(total) <= compactTriggerRatio*float64(req.MaxTokens) {
		return false, nil
	}

	// Scan oldest-first until the remaining estimate drops under the target.
	target := compactTargetRatio * float64(req.MaxTokens)
	remaining := total
	window := 0
	for _, m := range msgs {
		if float64(remaining) < target {
			break
		}
		remaining -= estimateMessageTokens(m)
		window++
	}

	// The window needs at least two rows (their freed ids are reused for the
	// two synthetic rows) and must never reach into the kept tail.
	if window < 2 || window > len(msgs)-keepTailMessages {
		return false, nil
	}

	prefix := msgs[:window]
	summary, err := req.Summarize(ctx, FormatTranscript(prefix))
	if err != nil {
		return false, fmt.Errorf("compaction summarize: %w", err)
	}
	if summary == "" {
		return false, nil
	}

	// The synthetic rows reuse the first and last freed ids so they keep
	// sorting before the tail; timestamps preserve order for readers that
	// look at wall-clock time.
	firstTs := prefix[0].CreatedAtMs
	firstID := prefix[0].ID
	lastID := prefix[window-1].ID

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"DELETE FROM session_messages WHERE chat_id = ? AND id <= ?",
		req.ChatID, lastID); err != nil {
		return false, fmt.Errorf("compaction delete: %w", err)
	}

	insert := func(id int64, content string, ts int64) error {
		_, err := tx.Exec(`
			INSERT INTO session_messages (id, chat_id, role, content, created_at_ms)
			VALUES (?, ?, ?, ?, ?)
		`, id, req.ChatID, RoleSystem, content, ts)
		return err
	}
	if err := insert(firstID, SummaryHeader+"\n"+summary, firstTs); err != nil {
		return false, fmt.Errorf("compaction insert summary: %w", err)
	}
	if err := insert(lastID, ReminderHeader+"\n"+req.PersonaReminder, firstTs+1); err != nil {
		return false, fmt.Errorf("compaction insert reminder: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	s.logger.Info("session compacted",
		"chat_id", req.ChatID,
		"summarized", window,
		"kept", len(msgs)-window,
	)
	return true, nil
}
