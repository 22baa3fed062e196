// feedback.go scores outbound messages once their observation window has
// passed and turns the signals into lessons: replies validate, silence after
// proactive outreach teaches restraint, refinements count against the
// original draft.
package memory

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/homielabs/homie/pkg/homie/config"
	"github.com/homielabs/homie/pkg/homie/ledger"
)

// Lesson category written for silent-turn decisions by the engine.
const CategorySilenceDecision = "silence_decision"

// Tracker finalizes ledger rows into behavioral lessons.
type Tracker struct {
	ledger *ledger.Ledger
	store  *Store
	cfg    config.FeedbackConfig
	logger *slog.Logger
}

// NewTracker wires the feedback loop.
func NewTracker(l *ledger.Ledger, store *Store, cfg config.FeedbackConfig, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{ledger: l, store: store, cfg: cfg, logger: logger.With("component", "feedback")}
}

// FinalizePending scores every outbound row older than the finalization
// window and marks it processed. Returns how many rows were finalized.
func (t *Tracker) FinalizePending(nowMs int64) (int, error) {
	if !t.cfg.Enabled {
		return 0, nil
	}
	if nowMs == 0 {
		nowMs = time.Now().UnixMilli()
	}
	cutoff := nowMs - t.cfg.FinalizeAfterMs

	rows, err := t.ledger.ListUnfinalized(cutoff, 100)
	if err != nil {
		return 0, fmt.Errorf("finalize pending: %w", err)
	}

	done := 0
	for _, r := range rows {
		t.finalizeRow(r)
		if err := t.ledger.MarkLessonLogged(r.ID); err != nil {
			t.logger.Warn("mark lesson logged failed", "id", r.ID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}

// finalizeRow maps one row's signals to a score and writes a lesson when it
// crosses a threshold.
func (t *Tracker) finalizeRow(r ledger.Row) {
	score := t.scoreRow(r)
	personID := ""
	if r.PrimaryChannelUserID != "" {
		personID = PersonID(channelOf(r.ChatID), r.PrimaryChannelUserID)
	}

	switch {
	case score >= t.cfg.SuccessThreshold:
		t.store.AddLesson(Lesson{
			Type:       LessonSuccess,
			Category:   r.MessageType,
			Content:    fmt.Sprintf("message landed well: %s", snippet(r.Text)),
			PersonID:   personID,
			Confidence: score,
		})
		if personID != "" {
			if p, err := t.store.GetPerson(personID); err == nil {
				t.store.UpdateRelationshipScore(personID, p.RelationshipScore+0.01)
			}
		}
	case score <= t.cfg.FailureThreshold:
		lesson := Lesson{
			Type:       LessonFailure,
			Category:   r.MessageType,
			Content:    fmt.Sprintf("message got no response: %s", snippet(r.Text)),
			PersonID:   personID,
			Confidence: 1 - score,
		}
		if r.MessageType == ledger.TypeProactive {
			lesson.Rule = "hold back on proactive outreach to this chat"
		}
		if r.Refinement {
			lesson.Content = fmt.Sprintf("message needed a follow-up correction: %s", snippet(r.Text))
			lesson.Alternative = "get it right in one message"
		}
		t.store.AddLesson(lesson)
	}
}

// scoreRow maps signals to [0,1]. A reply is the strongest positive signal;
// a refinement halves whatever the signals earned; silence on a proactive
// send scores zero.
func (t *Tracker) scoreRow(r ledger.Row) float64 {
	score := 0.0
	if r.GotReply {
		score = 1.0
	} else if r.MessageType == ledger.TypeReactive {
		// An unanswered reply in an ongoing conversation is neutral, the
		// user may simply have moved on.
		score = 0.4
	}
	if r.Refinement {
		score *= 0.5
	}
	return score
}

// channelOf extracts the channel prefix from a chat id like "signal:dm:+1…".
func channelOf(chatID string) string {
	if i := strings.IndexByte(chatID, ':'); i > 0 {
		return chatID[:i]
	}
	return chatID
}

func snippet(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > 120 {
		return text[:120] + "…"
	}
	return text
}
