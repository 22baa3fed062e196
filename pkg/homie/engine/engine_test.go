package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/homielabs/homie/pkg/homie/behavior"
	"github.com/homielabs/homie/pkg/homie/channels"
	"github.com/homielabs/homie/pkg/homie/config"
	"github.com/homielabs/homie/pkg/homie/identity"
	"github.com/homielabs/homie/pkg/homie/llm"
	"github.com/homielabs/homie/pkg/homie/memory"
	"github.com/homielabs/homie/pkg/homie/session"
)

// scriptedBackend serves queued responses in call order and records every
// request. With the queue empty it serves fallback.
type scriptedBackend struct {
	mu       sync.Mutex
	steps    []func(llm.Request) (llm.Response, error)
	calls    []llm.Request
	fallback string
}

func (b *scriptedBackend) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	var step func(llm.Request) (llm.Response, error)
	if len(b.steps) > 0 {
		step = b.steps[0]
		b.steps = b.steps[1:]
	}
	b.mu.Unlock()

	if step == nil {
		return llm.Response{Text: b.fallback}, nil
	}
	return step(req)
}

func (b *scriptedBackend) push(fn func(llm.Request) (llm.Response, error)) {
	b.mu.Lock()
	b.steps = append(b.steps, fn)
	b.mu.Unlock()
}

func (b *scriptedBackend) reply(text string) {
	b.push(func(llm.Request) (llm.Response, error) {
		return llm.Response{Text: text}, nil
	})
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func newTestEngine(t *testing.T, backend *scriptedBackend, mutate func(*config.Config)) (*Engine, *session.Store) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Behavior.DebounceMs = 0
	if mutate != nil {
		mutate(cfg)
	}

	sessions, err := session.Open(filepath.Join(t.TempDir(), "session.db"), nil)
	if err != nil {
		t.Fatalf("open session store: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })

	eng := New(Options{
		Config:   cfg,
		Backend:  backend,
		Behavior: behavior.NewEngine(cfg.Behavior, backend, nil),
		Sessions: sessions,
		Identity: &identity.Pack{Soul: "You are Homie, a close friend.", Style: "lowercase, brief"},
	})
	return eng, sessions
}

func dmMessage(id, text string) channels.IncomingMessage {
	return channels.IncomingMessage{
		Channel:           "cli",
		ChatID:            "cli:local",
		MessageID:         id,
		AuthorID:          "user-1",
		AuthorDisplayName: "Sam",
		Text:              text,
		TimestampMs:       time.Now().UnixMilli(),
	}
}

func rolesOf(t *testing.T, sessions *session.Store, chatID string) []string {
	t.Helper()
	msgs, err := sessions.GetMessages(chatID, 0)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	var roles []string
	for _, m := range msgs {
		roles = append(roles, m.Role)
	}
	return roles
}

func TestEmptyDraftFallsSilent(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{}
	backend.reply("")
	eng, sessions := newTestEngine(t, backend, nil)

	action := eng.HandleIncomingMessage(context.Background(), dmMessage("m1", "you there?"))
	if action.Kind != channels.ActionSilence || action.Reason != ReasonEmptyDraft {
		t.Fatalf("action = %+v, want silence/%s", action, ReasonEmptyDraft)
	}

	roles := rolesOf(t, sessions, "cli:local")
	if len(roles) != 1 || roles[0] != session.RoleUser {
		t.Fatalf("roles = %v, want only the user row", roles)
	}
}

func TestDuplicateMessageIgnored(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{fallback: "hey!"}
	eng, _ := newTestEngine(t, backend, nil)

	first := eng.HandleIncomingMessage(context.Background(), dmMessage("m1", "hello"))
	if first.Kind != channels.ActionSendText {
		t.Fatalf("first action = %+v, want send_text", first)
	}

	second := eng.HandleIncomingMessage(context.Background(), dmMessage("m1", "hello"))
	if second.Kind != channels.ActionSilence || second.Reason != ReasonDuplicate {
		t.Fatalf("second action = %+v, want silence/%s", second, ReasonDuplicate)
	}
	if backend.callCount() != 1 {
		t.Fatalf("backend calls = %d, want 1", backend.callCount())
	}
}

func TestGroupReaction(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{}
	backend.reply(`{"action":"react","emoji":"🔥","reason":"hype"}`)
	eng, sessions := newTestEngine(t, backend, nil)

	msg := channels.IncomingMessage{
		Channel:           "signal",
		ChatID:            "signal:group:g1",
		MessageID:         "m1",
		AuthorID:          "+15550001",
		AuthorDisplayName: "Sam",
		Text:              "just got the job",
		IsGroup:           true,
		TimestampMs:       time.Now().UnixMilli(),
	}
	action := eng.HandleIncomingMessage(context.Background(), msg)
	if action.Kind != channels.ActionReact || action.Emoji != "🔥" {
		t.Fatalf("action = %+v, want react 🔥", action)
	}
	if action.TargetAuthorID != "+15550001" {
		t.Fatalf("reaction target = %q, want sender", action.TargetAuthorID)
	}

	msgs, err := sessions.GetMessages("signal:group:g1", 0)
	if err != nil {
		t.Fatal(err)
	}
	last := msgs[len(msgs)-1]
	if last.Role != session.RoleAssistant || last.Content != "[REACTION] 🔥" {
		t.Fatalf("last row = %s %q, want assistant [REACTION] 🔥", last.Role, last.Content)
	}
}

func TestStaleDraftDiscarded(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{}
	var eng *Engine
	backend.push(func(llm.Request) (llm.Response, error) {
		// A new message lands while the model is drafting.
		m2 := dmMessage("m2", "actually wait")
		m2.TimestampMs = time.Now().UnixMilli() + 1
		eng.acc.PushAndGetDebounceMs(m2, m2.TimestampMs)
		return llm.Response{Text: "here's a long answer"}, nil
	})
	eng, sessions := newTestEngine(t, backend, nil)

	action := eng.HandleIncomingMessage(context.Background(), dmMessage("m1", "what do you think?"))
	if action.Kind != channels.ActionSilence || action.Reason != ReasonStaleDiscard {
		t.Fatalf("action = %+v, want silence/%s", action, ReasonStaleDiscard)
	}

	for _, role := range rolesOf(t, sessions, "cli:local") {
		if role == session.RoleAssistant {
			t.Fatal("stale draft was persisted")
		}
	}
}

func TestSlopDraftRegeneratedOnce(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{}
	backend.reply("I'd be happy to help! Let me know if you need anything else.")
	backend.reply("yeah lol np")
	eng, _ := newTestEngine(t, backend, nil)

	action := eng.HandleIncomingMessage(context.Background(), dmMessage("m1", "can you check that thing"))
	if action.Kind != channels.ActionSendText || action.Text != "yeah lol np" {
		t.Fatalf("action = %+v, want regenerated text", action)
	}
	if backend.callCount() != 2 {
		t.Fatalf("backend calls = %d, want 2", backend.callCount())
	}

	backend.mu.Lock()
	retry := backend.calls[1]
	backend.mu.Unlock()
	lastMsg := retry.Messages[len(retry.Messages)-1]
	if lastMsg.Role != "user" || !strings.Contains(lastMsg.Content, "broke character") {
		t.Fatalf("retry prompt missing the violation hint: %+v", lastMsg)
	}
}

func TestContextOverflowCompactsAndRetries(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{}
	backend.push(func(llm.Request) (llm.Response, error) {
		return llm.Response{}, llm.NewBackendError(llm.ErrorContextOverflow, 400,
			fmt.Errorf("prompt is too long"))
	})
	backend.reply("recap of the early chat")
	backend.reply("ok cool")

	eng, sessions := newTestEngine(t, backend, func(cfg *config.Config) {
		cfg.Model.ContextTokens = 600
	})

	filler := strings.Repeat("long rambling about the weekend plans ", 10)
	base := time.Now().UnixMilli() - 60_000
	for i := 0; i < 10; i++ {
		role := session.RoleUser
		if i%2 == 1 {
			role = session.RoleAssistant
		}
		if _, err := sessions.AppendMessage(session.Message{
			ChatID:      "cli:local",
			Role:        role,
			Content:     filler,
			CreatedAtMs: base + int64(i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	action := eng.HandleIncomingMessage(context.Background(), dmMessage("m1", "so what's the plan"))
	if action.Kind != channels.ActionSendText || action.Text != "ok cool" {
		t.Fatalf("action = %+v, want ok cool after recovery", action)
	}

	msgs, err := sessions.GetMessages("cli:local", 0)
	if err != nil {
		t.Fatal(err)
	}
	foundSummary := false
	for _, m := range msgs {
		if m.Role == session.RoleSystem && strings.HasPrefix(m.Content, session.SummaryHeader) {
			foundSummary = true
		}
	}
	if !foundSummary {
		t.Fatal("no summary row after forced compaction")
	}
}

func TestFirstNKeepsRunesWhole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "hé"},
		{"日本語テキスト", 3, "日本語"},
		{"ok 👍 sure", 4, "ok 👍"},
		{"", 5, ""},
	}
	for _, tt := range tests {
		got := firstN(tt.in, tt.n)
		if got != tt.want {
			t.Fatalf("firstN(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("firstN(%q, %d) split a rune: %q", tt.in, tt.n, got)
		}
	}
}

func TestSilenceLogsDecisionLesson(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{fallback: "should never be called"}
	eng, _ := newTestEngine(t, backend, func(cfg *config.Config) {
		// A sleep window covering the whole day silences every turn.
		cfg.Behavior.Sleep.Enabled = true
		cfg.Behavior.Sleep.Timezone = "UTC"
		cfg.Behavior.Sleep.StartLocal = "00:00"
		cfg.Behavior.Sleep.EndLocal = "23:59"
	})

	mem, err := memory.Open(filepath.Join(t.TempDir(), "memory.db"), config.DefaultConfig().Memory, nil, nil)
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	eng.mem = mem

	action := eng.HandleIncomingMessage(context.Background(), dmMessage("m1", "you up?"))
	if action.Kind != channels.ActionSilence || action.Reason != behavior.ReasonSleep {
		t.Fatalf("action = %+v, want silence/%s", action, behavior.ReasonSleep)
	}

	lessons, err := mem.ListLessons(memory.PersonID("cli", "user-1"), 10)
	if err != nil {
		t.Fatalf("list lessons: %v", err)
	}
	var found bool
	for _, l := range lessons {
		if l.Category == memory.CategorySilenceDecision && strings.Contains(l.Content, behavior.ReasonSleep) {
			found = true
		}
	}
	if !found {
		t.Fatalf("lessons = %+v, want a silence decision mentioning %q", lessons, behavior.ReasonSleep)
	}
}

func TestBurstCoalescesIntoOneTurn(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{fallback: "got it"}
	eng, _ := newTestEngine(t, backend, func(cfg *config.Config) {
		cfg.Behavior.DebounceMs = 150
	})

	var wg sync.WaitGroup
	actions := make([]channels.OutgoingAction, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		actions[0] = eng.HandleIncomingMessage(context.Background(), dmMessage("m1", "hey"))
	}()
	time.Sleep(30 * time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		actions[1] = eng.HandleIncomingMessage(context.Background(), dmMessage("m2", "you up?"))
	}()
	wg.Wait()

	var sends, coalesced int
	for _, a := range actions {
		switch {
		case a.Kind == channels.ActionSendText:
			sends++
		case a.Kind == channels.ActionSilence && a.Reason == ReasonCoalesced:
			coalesced++
		}
	}
	if sends != 1 || coalesced != 1 {
		t.Fatalf("actions = %+v, want one send and one coalesced silence", actions)
	}
	if backend.callCount() != 1 {
		t.Fatalf("backend calls = %d, want 1", backend.callCount())
	}
}
