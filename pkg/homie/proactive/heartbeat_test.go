package proactive

import (
	"context"
	"testing"
	"time"

	"github.com/homielabs/homie/pkg/homie/config"
	"github.com/homielabs/homie/pkg/homie/ledger"
	"github.com/homielabs/homie/pkg/homie/memory"
)

type fakeDeliverer struct {
	sent   bool
	err    error
	events []Event
}

func (f *fakeDeliverer) HandleProactiveEvent(ctx context.Context, e Event) (bool, error) {
	f.events = append(f.events, e)
	return f.sent, f.err
}

type fakeTiers struct{ tier string }

func (f *fakeTiers) TrustTierFor(personID string) (string, error) { return f.tier, nil }

type fakeActivity struct{ lastMs int64 }

func (f *fakeActivity) LastUserMessageMs(chatID string) (int64, error) { return f.lastMs, nil }

type fakeFollowUps struct {
	rows        []ledger.Row
	outstanding int
}

func (f *fakeFollowUps) ListUnansweredInWindow(minMs, maxMs int64, limit int) ([]ledger.Row, error) {
	return f.rows, nil
}

func (f *fakeFollowUps) CountUnansweredForChat(chatID string, minMs int64) (int, error) {
	return f.outstanding, nil
}

func newTestHeartbeat(t *testing.T, tier string, deliver *fakeDeliverer) (*Heartbeat, *Scheduler) {
	t.Helper()
	s := openTestScheduler(t)
	cfg := config.DefaultConfig().Proactive
	cfg.SkipRate = 0
	h := NewHeartbeat(cfg, s, nil, &fakeTiers{tier: tier}, &fakeActivity{}, deliver, nil, nil)
	return h, s
}

// A check-in for someone the agent barely knows is parked for two weeks and
// produces no outbound action.
func TestNewContactCheckInIsDeferred(t *testing.T) {
	t.Parallel()
	deliver := &fakeDeliverer{sent: true}
	h, s := newTestHeartbeat(t, memory.TierNewContact, deliver)

	now := time.Now().UnixMilli()
	id, _ := s.AddEvent(Event{Kind: KindCheckIn, Subject: "hey", ChatID: "signal:dm:+1555", TriggerAtMs: now - 1000})

	h.Tick(context.Background())

	if len(deliver.events) != 0 {
		t.Fatalf("new contact check-in was delivered: %+v", deliver.events)
	}
	e, _ := s.GetEvent(id)
	if e.Delivered {
		t.Fatalf("event marked delivered")
	}
	if e.TriggerAtMs < now+13*dayMs {
		t.Fatalf("trigger = %d, want ~14d out", e.TriggerAtMs)
	}
}

func TestReminderDeliveredRegardlessOfTier(t *testing.T) {
	t.Parallel()
	deliver := &fakeDeliverer{sent: true}
	h, s := newTestHeartbeat(t, memory.TierNewContact, deliver)

	now := time.Now().UnixMilli()
	id, _ := s.AddEvent(Event{Kind: KindReminder, Subject: "take meds", ChatID: "signal:dm:+1555", TriggerAtMs: now - 1000})

	h.Tick(context.Background())

	if len(deliver.events) != 1 || deliver.events[0].Kind != KindReminder {
		t.Fatalf("reminder not delivered: %+v", deliver.events)
	}
	e, _ := s.GetEvent(id)
	if !e.Delivered {
		t.Fatalf("reminder not marked delivered")
	}
	if n, _ := s.CountRecentSendsForChat("signal:dm:+1555", dayMs); n != 1 {
		t.Fatalf("send log count = %d, want 1", n)
	}
}

func TestEngineRefusalFinalizesSoftEvents(t *testing.T) {
	t.Parallel()
	deliver := &fakeDeliverer{sent: false}
	h, s := newTestHeartbeat(t, memory.TierCloseFriend, deliver)

	now := time.Now().UnixMilli()
	checkID, _ := s.AddEvent(Event{Kind: KindCheckIn, Subject: "sup", ChatID: "signal:dm:+1555", TriggerAtMs: now - 1000})

	h.Tick(context.Background())

	if len(deliver.events) != 1 {
		t.Fatalf("deliverer calls = %d, want 1", len(deliver.events))
	}
	e, _ := s.GetEvent(checkID)
	if !e.Delivered {
		t.Fatalf("refused check-in should be finalized, got %+v", e)
	}
}

func TestEngineRefusalRetriesReminders(t *testing.T) {
	t.Parallel()
	deliver := &fakeDeliverer{sent: false}
	h, s := newTestHeartbeat(t, memory.TierCloseFriend, deliver)

	now := time.Now().UnixMilli()
	id, _ := s.AddEvent(Event{Kind: KindReminder, Subject: "meds", ChatID: "signal:dm:+1555", TriggerAtMs: now - 1000})

	h.Tick(context.Background())

	e, _ := s.GetEvent(id)
	if e.Delivered {
		t.Fatalf("refused reminder must not be finalized")
	}
	if e.TriggerAtMs <= now || e.TriggerAtMs > now+30*60*1000 {
		t.Fatalf("reminder retry trigger = %d, want a short defer", e.TriggerAtMs)
	}
}

func TestSleepWindowSkipsTick(t *testing.T) {
	t.Parallel()
	s := openTestScheduler(t)
	deliver := &fakeDeliverer{sent: true}
	cfg := config.DefaultConfig().Proactive
	h := NewHeartbeat(cfg, s, nil, &fakeTiers{tier: memory.TierCloseFriend}, &fakeActivity{}, deliver,
		func() bool { return true }, nil)

	now := time.Now().UnixMilli()
	s.AddEvent(Event{Kind: KindReminder, Subject: "x", ChatID: "tg:1", TriggerAtMs: now - 1000})

	h.Tick(context.Background())

	if len(deliver.events) != 0 {
		t.Fatalf("asleep tick delivered events")
	}
	// The event was never claimed and stays due.
	claimed, _ := s.ClaimPendingEvents(context.Background(), 0, 10, 60_000, "probe")
	if len(claimed) != 1 {
		t.Fatalf("event should still be claimable, got %d", len(claimed))
	}
}

func TestSkipRollIsStablePerBucket(t *testing.T) {
	t.Parallel()
	s := openTestScheduler(t)
	cfg := config.DefaultConfig().Proactive
	cfg.SkipRate = 0.5
	h := NewHeartbeat(cfg, s, nil, nil, nil, &fakeDeliverer{}, nil, nil)

	now := time.Now().UnixMilli()
	for _, id := range []string{"e1", "e2", "e3", "e4"} {
		first := h.skipRoll(id, now)
		for i := 0; i < 10; i++ {
			// Anywhere in the same 6h bucket rolls identically.
			if h.skipRoll(id, now+int64(i)*1000) != first {
				t.Fatalf("skip roll for %s changed inside a bucket", id)
			}
		}
	}
}

func TestFollowUpScanDeliversVirtualEvent(t *testing.T) {
	t.Parallel()
	s := openTestScheduler(t)
	deliver := &fakeDeliverer{sent: true}
	cfg := config.DefaultConfig().Proactive
	cfg.SkipRate = 0

	now := time.Now().UnixMilli()
	followUps := &fakeFollowUps{
		rows: []ledger.Row{{
			ChatID: "signal:dm:+1555", Text: "how was the interview",
			SentAtMs: now - 4*dayMs,
		}},
		outstanding: 1,
	}
	h := NewHeartbeat(cfg, s, followUps, &fakeTiers{tier: memory.TierCloseFriend}, &fakeActivity{}, deliver, nil, nil)

	h.Tick(context.Background())

	if len(deliver.events) != 1 || deliver.events[0].Kind != KindFollowUp {
		t.Fatalf("follow-up not delivered: %+v", deliver.events)
	}
	if n, _ := s.CountRecentSendsForChat("signal:dm:+1555", dayMs); n != 1 {
		t.Fatalf("follow-up send not logged")
	}
}

func TestFollowUpScanRespectsOutstandingCap(t *testing.T) {
	t.Parallel()
	s := openTestScheduler(t)
	deliver := &fakeDeliverer{sent: true}
	cfg := config.DefaultConfig().Proactive
	cfg.SkipRate = 0

	now := time.Now().UnixMilli()
	followUps := &fakeFollowUps{
		rows:        []ledger.Row{{ChatID: "signal:dm:+1555", Text: "x", SentAtMs: now - 4*dayMs}},
		outstanding: followUpOutstandingCap,
	}
	h := NewHeartbeat(cfg, s, followUps, &fakeTiers{tier: memory.TierCloseFriend}, &fakeActivity{}, deliver, nil, nil)

	h.Tick(context.Background())

	if len(deliver.events) != 0 {
		t.Fatalf("chat over the outstanding cap still got a follow-up")
	}
}

func TestIsGroupChat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		chatID string
		want   bool
	}{
		{"signal:group:abc", true},
		{"signal:dm:+1555", false},
		{"tg:-100123", true},
		{"tg:42", false},
		{"cli:local", false},
	}
	for _, tt := range tests {
		if got := IsGroupChat(tt.chatID); got != tt.want {
			t.Fatalf("IsGroupChat(%q) = %v, want %v", tt.chatID, got, tt.want)
		}
	}
}
