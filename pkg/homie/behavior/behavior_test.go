package behavior

import (
	"context"
	"testing"
	"time"

	"github.com/homielabs/homie/pkg/homie/config"
	"github.com/homielabs/homie/pkg/homie/llm"
)

type fakeFast struct {
	text string
	err  error
}

func (f *fakeFast) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	return llm.Response{Text: f.text}, f.err
}

func testEngine(fast llm.Backend) *Engine {
	return NewEngine(config.DefaultConfig().Behavior, fast, nil)
}

func TestSnapshotFlags(t *testing.T) {
	t.Parallel()

	now := int64(1_000_000)
	tests := []struct {
		name    string
		samples []Sample
		burst   bool
		rapid   bool
		cont    bool
	}{
		{
			name: "single message",
			samples: []Sample{
				{AuthorID: "a", Text: "hey", TimestampMs: now},
			},
		},
		{
			name: "burst from one author",
			samples: []Sample{
				{AuthorID: "a", Text: "one", TimestampMs: now - 20_000},
				{AuthorID: "a", Text: "two", TimestampMs: now - 10_000},
				{AuthorID: "a", Text: "three", TimestampMs: now},
			},
			burst: true,
		},
		{
			name: "rapid dialogue between two authors",
			samples: []Sample{
				{AuthorID: "a", Text: "you seeing this", TimestampMs: now - 5_000},
				{AuthorID: "b", Text: "yeah wild", TimestampMs: now},
			},
			rapid: true,
		},
		{
			name: "trailing continuation",
			samples: []Sample{
				{AuthorID: "a", Text: "ok so what happened was...", TimestampMs: now},
			},
			cont: true,
		},
		{
			name: "trailing conjunction",
			samples: []Sample{
				{AuthorID: "a", Text: "i went there and", TimestampMs: now},
			},
			cont: true,
		},
		{
			name: "old messages fall out of the window",
			samples: []Sample{
				{AuthorID: "a", Text: "one", TimestampMs: now - 300_000},
				{AuthorID: "a", Text: "two", TimestampMs: now - 290_000},
				{AuthorID: "a", Text: "three", TimestampMs: now},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := Snapshot(tt.samples, now)
			if v.IsBurst != tt.burst || v.IsRapidDialogue != tt.rapid || v.IsContinuation != tt.cont {
				t.Fatalf("Snapshot = burst %v rapid %v cont %v, want %v/%v/%v",
					v.IsBurst, v.IsRapidDialogue, v.IsContinuation, tt.burst, tt.rapid, tt.cont)
			}
		})
	}
}

func TestDecidePreDraftTable(t *testing.T) {
	t.Parallel()

	now := int64(1_000_000)
	rapid := []Sample{
		{AuthorID: "a", Text: "x", TimestampMs: now - 5_000},
		{AuthorID: "b", Text: "y", TimestampMs: now},
	}
	burst := []Sample{
		{AuthorID: "a", Text: "1", TimestampMs: now - 10_000},
		{AuthorID: "a", Text: "2", TimestampMs: now - 5_000},
		{AuthorID: "a", Text: "3", TimestampMs: now},
	}

	tests := []struct {
		name       string
		in         PreDraftInput
		wantKind   string
		wantReason string
	}{
		{
			name:       "rapid dialogue in group silences",
			in:         PreDraftInput{IsGroup: true, Recent: rapid, NowMs: now},
			wantKind:   DecideSilence,
			wantReason: ReasonRapidDialogue,
		},
		{
			name:       "burst in group waits",
			in:         PreDraftInput{IsGroup: true, Recent: burst, NowMs: now},
			wantKind:   DecideSilence,
			wantReason: ReasonWaitBurst,
		},
		{
			name: "continuation waits in DMs too",
			in: PreDraftInput{
				Recent: []Sample{{AuthorID: "a", Text: "and then,", TimestampMs: now}},
				NowMs:  now,
			},
			wantKind:   DecideSilence,
			wantReason: ReasonWaitContinuation,
		},
		{
			name: "burst in DM still sends",
			in:   PreDraftInput{Recent: burst, NowMs: now},
			// DM bursts are fine: the debounce already folded them.
			wantKind: DecideSend,
		},
		{
			name:     "quiet DM sends",
			in:       PreDraftInput{Recent: []Sample{{AuthorID: "a", Text: "hey", TimestampMs: now}}, NowMs: now},
			wantKind: DecideSend,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := testEngine(nil)
			d := e.DecidePreDraft(context.Background(), tt.in, nil)
			if d.Kind != tt.wantKind || d.Reason != tt.wantReason {
				t.Fatalf("decision = %+v, want kind %q reason %q", d, tt.wantKind, tt.wantReason)
			}
		})
	}
}

func TestSleepWindowCrossesMidnight(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig().Behavior
	cfg.Sleep = config.SleepConfig{Enabled: true, Timezone: "UTC", StartLocal: "23:30", EndLocal: "08:00"}
	e := NewEngine(cfg, nil, nil)

	tests := []struct {
		clock string
		want  bool
	}{
		{"23:45", true},
		{"03:00", true},
		{"07:59", true},
		{"08:00", false},
		{"12:00", false},
		{"23:29", false},
	}
	for _, tt := range tests {
		parsed, _ := time.Parse("15:04", tt.clock)
		e.now = func() time.Time {
			return time.Date(2026, 8, 24, parsed.Hour(), parsed.Minute(), 0, 0, time.UTC)
		}
		d := e.DecidePreDraft(context.Background(), PreDraftInput{NowMs: 0}, nil)
		got := d.Kind == DecideSilence && d.Reason == ReasonSleep
		if got != tt.want {
			t.Fatalf("at %s sleep = %v, want %v", tt.clock, got, tt.want)
		}
	}
}

func TestSleepWindowSparesCommands(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig().Behavior
	cfg.Sleep = config.SleepConfig{Enabled: true, Timezone: "UTC", StartLocal: "00:00", EndLocal: "23:59"}
	e := NewEngine(cfg, nil, nil)

	d := e.DecidePreDraft(context.Background(), PreDraftInput{IsCommand: true}, nil)
	if d.Kind != DecideSend {
		t.Fatalf("command during sleep = %+v, want send", d)
	}
}

func TestEngagementGateDecisions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		response string
		wantKind string
		wantEmoji string
	}{
		{"react", `{"action":"react","emoji":"🔥","reason":"hype"}`, DecideReact, "🔥"},
		{"silence", `{"action":"silence","reason":"not addressed"}`, DecideSilence, ""},
		{"send", `{"action":"send"}`, DecideSend, ""},
		{"json inside prose", "sure: {\"action\":\"react\",\"emoji\":\"😂\"} there", DecideReact, "😂"},
		{"parse failure falls back to send", "i think you should reply", DecideSend, ""},
		{"react without emoji falls back to send", `{"action":"react"}`, DecideSend, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := testEngine(&fakeFast{text: tt.response})
			d := e.DecidePreDraft(context.Background(), PreDraftInput{
				IsGroup: true,
				Recent:  []Sample{{AuthorID: "a", Text: "thats wild", TimestampMs: 1_000_000}},
				NowMs:   1_000_000,
			}, []string{"a: thats wild"})
			if d.Kind != tt.wantKind || d.Emoji != tt.wantEmoji {
				t.Fatalf("gate decision = %+v, want kind %q emoji %q", d, tt.wantKind, tt.wantEmoji)
			}
		})
	}
}

func TestCheckSlop(t *testing.T) {
	t.Parallel()
	e := testEngine(nil)

	tests := []struct {
		name    string
		draft   string
		isGroup bool
		slop    bool
	}{
		{"plain reply", "yo that sounds rough, you ok?", false, false},
		{"assistant phrasing", "I'd be happy to help with that!", false, true},
		{"em-dash overuse", "well — maybe — or — not", false, true},
		{"two dashes pass", "hmm — yeah — ok", false, false},
		{"emoji in prose", "sounds good 🎉", false, true},
		{"over group budget", string(make([]rune, 700)), true, true},
		{"long DM under budget", string(make([]rune, 700)), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := e.CheckSlop(tt.draft, tt.isGroup)
			if r.IsSlop != tt.slop {
				t.Fatalf("CheckSlop(%q) = %+v, want slop %v", tt.name, r, tt.slop)
			}
		})
	}
}

func TestFlattenForGroup(t *testing.T) {
	t.Parallel()
	got := FlattenForGroup("line one\n\nline two\n  \nline three")
	if got != "line one line two line three" {
		t.Fatalf("FlattenForGroup = %q", got)
	}
}
