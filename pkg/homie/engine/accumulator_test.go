package engine

import (
	"testing"

	"github.com/homielabs/homie/pkg/homie/channels"
)

func msgAt(chatID, text string, ts int64) channels.IncomingMessage {
	return channels.IncomingMessage{ChatID: chatID, Text: text, TimestampMs: ts}
}

func TestAccumulatorDebounceRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  channels.IncomingMessage
		want int64
	}{
		{"plain first message waits full debounce", msgAt("c", "hey", 1000), 2500},
		{"command skips the wait", msgAt("c", "/status", 1000), 0},
		{"attachment skips the wait", channels.IncomingMessage{
			ChatID: "c", Text: "look", TimestampMs: 1000,
			Attachments: []channels.Attachment{{Kind: "image"}},
		}, 0},
		{"group mention skips the wait", channels.IncomingMessage{
			ChatID: "c", Text: "yo homie", TimestampMs: 1000,
			IsGroup: true, Mentioned: true,
		}, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := NewAccumulator(2500)
			if got := a.PushAndGetDebounceMs(tt.msg, 50_000); got != tt.want {
				t.Fatalf("debounce = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAccumulatorAdaptiveDebounce(t *testing.T) {
	t.Parallel()

	a := NewAccumulator(2500)
	a.PushAndGetDebounceMs(msgAt("c", "one", 1000), 10_000)

	// Second push 800ms later: wait only the observed gap.
	if got := a.PushAndGetDebounceMs(msgAt("c", "two", 1800), 10_800); got != 800 {
		t.Fatalf("debounce = %d, want 800", got)
	}

	// A huge gap clamps at the cap, then at the configured debounce.
	if got := a.PushAndGetDebounceMs(msgAt("c", "three", 90_000), 99_000); got != 2500 {
		t.Fatalf("debounce = %d, want 2500", got)
	}
}

func TestAccumulatorDrain(t *testing.T) {
	t.Parallel()

	a := NewAccumulator(2500)
	a.PushAndGetDebounceMs(msgAt("c", "one", 1000), 1000)
	a.PushAndGetDebounceMs(msgAt("c", "two", 2000), 2000)

	got := a.Drain("c")
	if len(got) != 2 || got[0].Text != "one" || got[1].Text != "two" {
		t.Fatalf("drain = %+v, want arrival order", got)
	}
	if again := a.Drain("c"); len(again) != 0 {
		t.Fatalf("second drain = %d messages, want 0", len(again))
	}
}

func TestAccumulatorHasNewerThanSurvivesDrain(t *testing.T) {
	t.Parallel()

	a := NewAccumulator(2500)
	a.PushAndGetDebounceMs(msgAt("c", "one", 1000), 1000)
	a.Drain("c")

	if !a.HasNewerThan("c", 500) {
		t.Fatal("drained message invisible to the stale check")
	}
	if a.HasNewerThan("c", 1000) {
		t.Fatal("HasNewerThan must be strict")
	}
}
