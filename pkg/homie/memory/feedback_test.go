package memory

import (
	"path/filepath"
	"testing"

	"github.com/homielabs/homie/pkg/homie/config"
	"github.com/homielabs/homie/pkg/homie/ledger"
)

func openTestTracker(t *testing.T) (*Tracker, *ledger.Ledger, *Store) {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	s := openTestStore(t, nil)
	cfg := config.DefaultConfig().Memory.Feedback
	return NewTracker(l, s, cfg, nil), l, s
}

func TestFinalizeRepliedSendWritesSuccessLesson(t *testing.T) {
	t.Parallel()
	tracker, l, s := openTestTracker(t)
	p, _ := s.TrackPerson("signal", "+15550004", "Hal")

	l.RecordSend(ledger.SendRecord{
		ChatID: "signal:dm:+15550004", Text: "how was the show", SentAtMs: 1000,
		PrimaryChannelUserID: "+15550004",
	})
	l.OnIncomingReply("signal:dm:+15550004", "", 5000)

	n, err := tracker.FinalizePending(10_000_000)
	if err != nil || n != 1 {
		t.Fatalf("finalize = %d %v, want 1 row", n, err)
	}

	lessons, _ := s.ListLessons(p.ID, 10)
	if len(lessons) != 1 || lessons[0].Type != LessonSuccess {
		t.Fatalf("lessons = %+v, want one success lesson", lessons)
	}
	got, _ := s.GetPerson(p.ID)
	if got.RelationshipScore <= 0 {
		t.Fatalf("reply should bump relationship score, got %v", got.RelationshipScore)
	}
}

func TestFinalizeIgnoredProactiveWritesFailureLesson(t *testing.T) {
	t.Parallel()
	tracker, l, s := openTestTracker(t)

	l.RecordSend(ledger.SendRecord{
		ChatID: "tg:20", Text: "thinking of you, how's the new job",
		SentAtMs: 1000, MessageType: ledger.TypeProactive,
	})

	if n, _ := tracker.FinalizePending(10_000_000); n != 1 {
		t.Fatalf("finalize did not process the row")
	}

	lessons, _ := s.ListLessons("", 10)
	if len(lessons) != 1 || lessons[0].Type != LessonFailure {
		t.Fatalf("lessons = %+v, want one failure lesson", lessons)
	}
	if lessons[0].Rule == "" {
		t.Fatalf("proactive failure should carry a restraint rule")
	}
}

func TestFinalizeRespectsWindow(t *testing.T) {
	t.Parallel()
	tracker, l, _ := openTestTracker(t)

	// Sent "now": still inside the finalization window.
	now := int64(5_000_000)
	l.RecordSend(ledger.SendRecord{ChatID: "tg:21", Text: "yo", SentAtMs: now})

	if n, _ := tracker.FinalizePending(now + 1000); n != 0 {
		t.Fatalf("row finalized before its window elapsed")
	}
}

func TestUnansweredReactiveIsNeutral(t *testing.T) {
	t.Parallel()
	tracker, l, s := openTestTracker(t)

	l.RecordSend(ledger.SendRecord{ChatID: "tg:22", Text: "lol true", SentAtMs: 1000})

	tracker.FinalizePending(10_000_000)

	// Score 0.4 sits between both thresholds: no lesson either way.
	lessons, _ := s.ListLessons("", 10)
	if len(lessons) != 0 {
		t.Fatalf("neutral outcome wrote lessons: %+v", lessons)
	}
}
