package ledger

import (
	"path/filepath"
	"testing"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOnIncomingReplyMarksNearestPreceding(t *testing.T) {
	t.Parallel()
	l := openTestLedger(t)

	sends := []SendRecord{
		{ChatID: "signal:dm:+15550001", Text: "first", SentAtMs: 1000, RefKey: "r1"},
		{ChatID: "signal:dm:+15550001", Text: "second", SentAtMs: 2000, RefKey: "r2"},
		{ChatID: "signal:dm:+15550001", Text: "third", SentAtMs: 3000, RefKey: "r3"},
	}
	for _, s := range sends {
		if err := l.RecordSend(s); err != nil {
			t.Fatalf("record send: %v", err)
		}
	}

	// A reply at t=2500 lands between second and third: second is marked.
	if err := l.OnIncomingReply("signal:dm:+15550001", "", 2500); err != nil {
		t.Fatalf("on reply: %v", err)
	}

	unanswered, err := l.ListUnansweredInWindow(0, 10_000, 10)
	if err != nil {
		t.Fatalf("list unanswered: %v", err)
	}
	if len(unanswered) != 2 {
		t.Fatalf("unanswered = %d, want 2", len(unanswered))
	}
	for _, r := range unanswered {
		if r.RefKey == "r2" {
			t.Fatalf("r2 should be marked replied")
		}
	}
}

func TestOnIncomingReplyPrefersRefKey(t *testing.T) {
	t.Parallel()
	l := openTestLedger(t)

	l.RecordSend(SendRecord{ChatID: "tg:42", Text: "a", SentAtMs: 1000, RefKey: "ra"})
	l.RecordSend(SendRecord{ChatID: "tg:42", Text: "b", SentAtMs: 2000, RefKey: "rb"})

	// Explicit ref key beats recency.
	if err := l.OnIncomingReply("tg:42", "ra", 3000); err != nil {
		t.Fatalf("on reply: %v", err)
	}

	unanswered, err := l.ListUnansweredInWindow(0, 10_000, 10)
	if err != nil {
		t.Fatalf("list unanswered: %v", err)
	}
	if len(unanswered) != 1 || unanswered[0].RefKey != "rb" {
		t.Fatalf("unanswered = %+v, want only rb", unanswered)
	}
}

func TestListUnansweredSkipsGroups(t *testing.T) {
	t.Parallel()
	l := openTestLedger(t)

	l.RecordSend(SendRecord{ChatID: "signal:group:g1", Text: "hey", SentAtMs: 1000, IsGroup: true})
	l.RecordSend(SendRecord{ChatID: "signal:dm:+15550002", Text: "hey", SentAtMs: 1000})

	unanswered, err := l.ListUnansweredInWindow(0, 10_000, 10)
	if err != nil {
		t.Fatalf("list unanswered: %v", err)
	}
	if len(unanswered) != 1 || unanswered[0].IsGroup {
		t.Fatalf("unanswered = %+v, want only the DM row", unanswered)
	}
}

func TestReactionMarksReplyAndIsRetrievable(t *testing.T) {
	t.Parallel()
	l := openTestLedger(t)

	l.RecordSend(SendRecord{ChatID: "tg:7", Text: "joke", SentAtMs: 1000, RefKey: "rk"})
	if err := l.RecordReaction("tg:7", "rk", "😂", 1500); err != nil {
		t.Fatalf("record reaction: %v", err)
	}

	unanswered, _ := l.ListUnansweredInWindow(0, 10_000, 10)
	if len(unanswered) != 0 {
		t.Fatalf("reaction should count as acknowledgement, got %+v", unanswered)
	}

	emoji, ok, err := l.ReactionFor("tg:7", "rk")
	if err != nil || !ok || emoji != "😂" {
		t.Fatalf("ReactionFor = %q %v %v", emoji, ok, err)
	}
}

func TestFinalizationLifecycle(t *testing.T) {
	t.Parallel()
	l := openTestLedger(t)

	l.RecordSend(SendRecord{ChatID: "tg:9", Text: "old", SentAtMs: 1000, RefKey: "old"})
	l.RecordSend(SendRecord{ChatID: "tg:9", Text: "new", SentAtMs: 9000, RefKey: "new"})
	l.MarkRefinement("old")

	rows, err := l.ListUnfinalized(5000, 10)
	if err != nil {
		t.Fatalf("list unfinalized: %v", err)
	}
	if len(rows) != 1 || rows[0].RefKey != "old" || !rows[0].Refinement {
		t.Fatalf("unfinalized = %+v, want the refined old row", rows)
	}

	if err := l.MarkLessonLogged(rows[0].ID); err != nil {
		t.Fatalf("mark lesson logged: %v", err)
	}
	rows, _ = l.ListUnfinalized(5000, 10)
	if len(rows) != 0 {
		t.Fatalf("row still unfinalized after MarkLessonLogged")
	}

	pruned, err := l.PruneOlderThan(5000)
	if err != nil || pruned != 1 {
		t.Fatalf("prune = %d %v, want 1 row", pruned, err)
	}
}
