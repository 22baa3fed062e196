// Package engine implements the turn pipeline: debounce, gate, draft, slop
// check, persist. One turn runs per chat at a time; everything the engine
// touches outside its own chat goes through the stores.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/homielabs/homie/pkg/homie/behavior"
	"github.com/homielabs/homie/pkg/homie/channels"
	"github.com/homielabs/homie/pkg/homie/config"
	"github.com/homielabs/homie/pkg/homie/identity"
	"github.com/homielabs/homie/pkg/homie/ledger"
	"github.com/homielabs/homie/pkg/homie/llm"
	"github.com/homielabs/homie/pkg/homie/memory"
	"github.com/homielabs/homie/pkg/homie/proactive"
	"github.com/homielabs/homie/pkg/homie/session"
	"github.com/homielabs/homie/pkg/homie/skills"
	"github.com/homielabs/homie/pkg/homie/telemetry"
	"github.com/homielabs/homie/pkg/homie/tts"
)

// Silence reasons produced by the engine itself. Policy reasons (sleep,
// gate_silence, ...) come from the behavior package.
const (
	ReasonAborted      = "aborted"
	ReasonDuplicate    = "duplicate_message"
	ReasonCoalesced    = "coalesced"
	ReasonStaleDiscard = "stale_discard"
	ReasonEmptyDraft   = "empty_draft"
	ReasonTurnError    = "turn_error"
)

// draftMaxSteps bounds tool round trips for the persona model.
const draftMaxSteps = 8

// conversationGapMs separates two conversations for the counters.
const conversationGapMs = 30 * 60 * 1000

// voiceNotePattern matches requests for an audio reply.
var voiceNotePattern = regexp.MustCompile(`(?i)\bvoice\s+(note|message|memo)\b|\bsay\s+it\s+out\s+loud\b`)

// Deliver pushes an engine-composed action out through a channel adapter.
// The engine calls it only for proactive sends; reactive actions are
// returned to the receive loop, which owns delivery.
type Deliver func(ctx context.Context, chatID string, action channels.OutgoingAction) error

// Options wires an Engine. Config, Backend, Behavior, Sessions and Identity
// are required; everything else degrades gracefully when nil.
type Options struct {
	Config    *config.Config
	Backend   llm.Backend
	Behavior  *behavior.Engine
	Sessions  *session.Store
	Identity  *identity.Pack
	Memory    *memory.Store
	Extractor *memory.Extractor
	Ledger    *ledger.Ledger
	Scheduler *proactive.Scheduler
	Skills    *skills.Registry
	TTS       tts.Provider
	Telemetry *telemetry.Store
	Lifecycle *Lifecycle
	Deliver   Deliver
	Logger    *slog.Logger
}

// Engine is the turn engine.
type Engine struct {
	cfg       *config.Config
	backend   llm.Backend
	behavior  *behavior.Engine
	sessions  *session.Store
	identity  *identity.Pack
	mem       *memory.Store
	extractor *memory.Extractor
	ledgr     *ledger.Ledger
	scheduler *proactive.Scheduler
	skills    *skills.Registry
	tts       tts.Provider
	telem     *telemetry.Store
	lifecycle *Lifecycle
	deliver   Deliver
	logger    *slog.Logger

	locks  *PerKeyLock
	acc    *Accumulator
	dedupe *DedupeCache
	retry  llm.RetryConfig

	nowMs func() int64
}

// New builds the engine from its options.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lc := opts.Lifecycle
	if lc == nil {
		lc = NewLifecycle(context.Background(), logger)
	}
	return &Engine{
		cfg:       opts.Config,
		backend:   opts.Backend,
		behavior:  opts.Behavior,
		sessions:  opts.Sessions,
		identity:  opts.Identity,
		mem:       opts.Memory,
		extractor: opts.Extractor,
		ledgr:     opts.Ledger,
		scheduler: opts.Scheduler,
		skills:    opts.Skills,
		tts:       opts.TTS,
		telem:     opts.Telemetry,
		lifecycle: lc,
		deliver:   opts.Deliver,
		logger:    logger.With("component", "engine"),
		locks:     NewPerKeyLock(),
		acc:       NewAccumulator(opts.Config.Behavior.DebounceMs),
		dedupe:    NewDedupeCache(),
		retry:     llm.DefaultRetryConfig(),
		nowMs:     func() int64 { return time.Now().UnixMilli() },
	}
}

// Lifecycle exposes the engine's lifecycle for wiring shutdown hooks.
func (e *Engine) Lifecycle() *Lifecycle { return e.lifecycle }

// Dedupe exposes the message dedupe cache for the maintenance pruner.
func (e *Engine) Dedupe() *DedupeCache { return e.dedupe }

// HandleIncomingMessage runs one turn without streaming.
func (e *Engine) HandleIncomingMessage(ctx context.Context, msg channels.IncomingMessage) channels.OutgoingAction {
	return e.HandleIncomingMessageStream(ctx, msg, nil)
}

// HandleIncomingMessageStream runs one turn, emitting stream events to the
// consumer. Never returns an error: every failure mode collapses to silence
// so a broken turn can never spam a chat.
func (e *Engine) HandleIncomingMessageStream(ctx context.Context, msg channels.IncomingMessage, consumer StreamConsumer) channels.OutgoingAction {
	start := time.Now()
	correlationID := uuid.NewString()[:8]
	logger := e.logger.With("chat_id", msg.ChatID, "correlation_id", correlationID)

	action := channels.Silence(ReasonTurnError)
	defer func() {
		emit(consumer, EventDone, string(action.Kind))
		if e.telem != nil {
			e.telem.RecordTurn(correlationID, msg.ChatID, string(action.Kind), action.Reason, time.Since(start))
		}
	}()

	// A bare abort trigger cancels the in-flight turn instead of starting
	// one. With nothing in flight it is just a message.
	if IsAbortTrigger(msg.Text) && e.lifecycle.AbortChat(msg.ChatID) {
		logger.Info("turn aborted by user")
		action = channels.Silence(ReasonAborted)
		return action
	}

	if e.dedupe.Seen(msg.ChatID, msg.MessageID) {
		action = channels.Silence(ReasonDuplicate)
		return action
	}

	// Push before taking the lock so a turn already draining this chat can
	// pick the message up, and so the stale check sees it.
	debounceMs := e.acc.PushAndGetDebounceMs(msg, e.nowMs())

	err := e.locks.RunExclusive(ctx, msg.ChatID, func() error {
		turnCtx, release := e.lifecycle.TurnContext(ctx, msg.ChatID)
		defer release()
		action = e.runTurn(turnCtx, logger, correlationID, msg, debounceMs, consumer)
		return nil
	})
	if err != nil {
		// Cancelled while queued behind another turn.
		action = channels.Silence(ReasonAborted)
	}
	return action
}

func (e *Engine) runTurn(ctx context.Context, logger *slog.Logger, correlationID string, msg channels.IncomingMessage, debounceMs int64, consumer StreamConsumer) channels.OutgoingAction {
	emit(consumer, EventPhase, PhaseDebounce)
	if debounceMs > 0 {
		timer := time.NewTimer(time.Duration(debounceMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return channels.Silence(ReasonAborted)
		case <-timer.C:
		}
	}

	batch := e.acc.Drain(msg.ChatID)
	if len(batch) == 0 {
		return channels.Silence(ReasonCoalesced)
	}
	head := batch[len(batch)-1]
	latestTs := head.TimestampMs
	mentioned := false
	var texts []string
	var attachments []string
	for _, m := range batch {
		if m.Text != "" {
			texts = append(texts, m.Text)
		}
		if m.TimestampMs > latestTs {
			latestTs = m.TimestampMs
		}
		mentioned = mentioned || m.Mentioned
		for _, a := range m.Attachments {
			attachments = append(attachments, fmt.Sprintf("[%s %s]", a.Kind, a.MimeType))
		}
	}
	combined := strings.Join(texts, "\n")
	now := e.nowMs()

	prevUserMs, _ := e.sessions.LastUserMessageMs(msg.ChatID)

	if _, err := e.sessions.AppendMessage(session.Message{
		ChatID:          msg.ChatID,
		Role:            session.RoleUser,
		Content:         combined,
		CreatedAtMs:     now,
		AuthorID:        head.AuthorID,
		AuthorName:      head.AuthorDisplayName,
		SourceMessageID: head.MessageID,
		Attachments:     strings.Join(attachments, " "),
	}); err != nil {
		logger.Error("persist user message failed", "error", err)
		return channels.Silence(ReasonTurnError)
	}

	var personID string
	if e.mem != nil {
		person, err := e.mem.TrackPerson(msg.Channel, head.AuthorID, head.AuthorDisplayName)
		if err != nil {
			logger.Warn("track person failed", "error", err)
		} else {
			personID = person.ID
			if prevUserMs == 0 || now-prevUserMs > conversationGapMs {
				if err := e.mem.BumpConversationCount(personID); err != nil {
					logger.Warn("bump conversation count failed", "error", err)
				}
			}
		}
	}
	if e.scheduler != nil {
		if err := e.scheduler.AcknowledgeSends(msg.ChatID, now); err != nil {
			logger.Warn("acknowledge sends failed", "error", err)
		}
	}
	if e.ledgr != nil {
		if err := e.ledgr.OnIncomingReply(msg.ChatID, "", now); err != nil {
			logger.Warn("ledger reply marking failed", "error", err)
		}
	}

	emit(consumer, EventPhase, PhaseGate)
	samples, gateHistory := e.recentContext(msg.ChatID)
	decision := e.behavior.DecidePreDraft(ctx, behavior.PreDraftInput{
		IsGroup:   head.IsGroup,
		Mentioned: mentioned,
		IsCommand: behavior.IsCommand(head.Text),
		UserText:  combined,
		Recent:    samples,
		NowMs:     now,
	}, gateHistory)

	switch decision.Kind {
	case behavior.DecideSilence:
		if e.mem != nil {
			_, err := e.mem.AddLesson(memory.Lesson{
				Type:       memory.LessonObservation,
				Category:   memory.CategorySilenceDecision,
				Content:    "chose not to engage (" + decision.Reason + "): " + firstN(combined, 140),
				PersonID:   personID,
				Confidence: 0.3,
			})
			if err != nil {
				logger.Warn("silence lesson failed", "error", err)
			}
		}
		logger.Info("turn silenced", "reason", decision.Reason)
		return channels.Silence(decision.Reason)

	case behavior.DecideReact:
		reaction := "[REACTION] " + decision.Emoji
		if _, err := e.sessions.AppendMessage(session.Message{
			ChatID:      msg.ChatID,
			Role:        session.RoleAssistant,
			Content:     reaction,
			CreatedAtMs: e.nowMs(),
		}); err != nil {
			logger.Warn("persist reaction failed", "error", err)
		}
		if e.mem != nil {
			id, err := e.mem.LogEpisode(memory.Episode{
				ChatID:   msg.ChatID,
				PersonID: personID,
				IsGroup:  head.IsGroup,
				Content:  "USER: " + combined + "\nFRIEND: " + reaction,
			})
			if err != nil {
				logger.Warn("log reaction episode failed", "error", err)
			} else {
				// Reactions carry no extractable content.
				_ = e.mem.MarkEpisodeExtracted(id)
			}
		}
		return channels.React(decision.Emoji, head.AuthorID, head.TimestampMs)
	}

	emit(consumer, EventPhase, PhaseDraft)
	injected := HasInjection(combined)
	if injected {
		logger.Warn("injection heuristic tripped, tools withheld")
	}
	memCtx := e.retrieveMemory(msg.ChatID, personID, head.IsGroup, combined)
	systemPrompt := e.identity.SystemPrompt(renderLessonRules(memCtx.Lessons))

	build := func() ([]llm.Message, error) {
		history, err := e.sessions.GetMessages(msg.ChatID, historyLimit)
		if err != nil {
			return nil, err
		}
		return buildMessages(systemPrompt, memCtx, history), nil
	}

	req := llm.Request{
		Role:     llm.RoleDefault,
		MaxSteps: draftMaxSteps,
		Tools:    e.toolsFor(head.IsOperator, injected),
		Observer: observerFor(consumer),
	}
	resp, err := e.draftCompletion(ctx, msg.ChatID, req, build, consumer)
	if err != nil {
		if ctx.Err() != nil {
			return channels.Silence(ReasonAborted)
		}
		logger.Error("draft completion failed", "error", err)
		return channels.Silence(ReasonTurnError)
	}
	if e.telem != nil {
		e.telem.RecordLLMCall(correlationID, string(llm.RoleDefault), resp.ModelID,
			resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Steps, time.Since(time.UnixMilli(now)))
	}

	// Someone typed while the model was drafting; the answer is stale.
	if e.acc.HasNewerThan(msg.ChatID, latestTs) {
		logger.Info("draft discarded as stale")
		return channels.Silence(ReasonStaleDiscard)
	}

	draft := strings.TrimSpace(resp.Text)
	if draft == "" {
		return channels.Silence(ReasonEmptyDraft)
	}

	emit(consumer, EventPhase, PhaseSlop)
	if report := e.behavior.CheckSlop(draft, head.IsGroup); report.IsSlop {
		logger.Info("draft flagged", "violations", strings.Join(report.Violations, ", "))
		emit(consumer, EventResetStream, "")
		if redraft := e.regenerate(ctx, req, build, draft, report.Violations); redraft != "" {
			draft = redraft
		}
	}
	if head.IsGroup {
		draft = behavior.FlattenForGroup(draft)
	}

	emit(consumer, EventPhase, PhasePersist)
	if _, err := e.sessions.AppendMessage(session.Message{
		ChatID:      msg.ChatID,
		Role:        session.RoleAssistant,
		Content:     draft,
		CreatedAtMs: e.nowMs(),
	}); err != nil {
		logger.Error("persist assistant message failed", "error", err)
		return channels.Silence(ReasonTurnError)
	}

	refKey := uuid.NewString()
	if e.ledgr != nil {
		err := e.ledgr.RecordSend(ledger.SendRecord{
			ChatID:               msg.ChatID,
			Text:                 draft,
			MessageType:          ledger.TypeReactive,
			SentAtMs:             e.nowMs(),
			RefKey:               refKey,
			PrimaryChannelUserID: head.AuthorID,
			IsGroup:              head.IsGroup,
		})
		if err != nil {
			logger.Warn("ledger record failed", "error", err)
		}
	}

	if e.mem != nil {
		episodeID, err := e.mem.LogEpisode(memory.Episode{
			ChatID:   msg.ChatID,
			PersonID: personID,
			IsGroup:  head.IsGroup,
			Content:  "USER: " + combined + "\nFRIEND: " + draft,
		})
		if err != nil {
			logger.Warn("log episode failed", "error", err)
		} else if e.extractor != nil {
			in := memory.ExtractionInput{
				ChatID:        msg.ChatID,
				PersonID:      personID,
				IsGroup:       head.IsGroup,
				UserText:      combined,
				AssistantText: draft,
				EpisodeID:     episodeID,
				NowMs:         e.nowMs(),
			}
			e.lifecycle.Go("extract:"+msg.ChatID, func(bg context.Context) error {
				e.extractor.Run(bg, in)
				return nil
			})
		}
		if personID != "" {
			hour := time.UnixMilli(now).UTC().Hour()
			if err := e.mem.RecordObservation(personID, len(combined), len(draft), hour); err != nil {
				logger.Warn("record observation failed", "error", err)
			}
		}
	}

	if e.tts != nil && voiceNotePattern.MatchString(combined) {
		audio, mime, err := e.tts.Synthesize(ctx, draft, "")
		if err != nil {
			logger.Warn("tts failed, falling back to text", "error", err)
		} else {
			return channels.SendAudio(draft, mime, "voice-note.ogg", audio, true)
		}
	}
	return channels.SendText(draft)
}

// draftCompletion runs the persona completion. A context-overflow error
// triggers one forced compaction and one retry with the rebuilt prompt.
func (e *Engine) draftCompletion(ctx context.Context, chatID string, req llm.Request, build func() ([]llm.Message, error), consumer StreamConsumer) (llm.Response, error) {
	msgs, err := build()
	if err != nil {
		return llm.Response{}, err
	}
	req.Messages = msgs

	resp, err := llm.CompleteWithRetry(ctx, e.backend, req, e.retry)
	if err == nil || !llm.IsContextOverflow(err) {
		return resp, err
	}

	compacted, cerr := e.sessions.CompactIfNeeded(ctx, session.CompactRequest{
		ChatID:          chatID,
		MaxTokens:       e.cfg.Model.ContextTokens,
		PersonaReminder: e.identity.PersonaReminder(),
		Summarize:       e.summarize,
		Force:           true,
	})
	if cerr != nil || !compacted {
		return llm.Response{}, err
	}

	emit(consumer, EventResetStream, "")
	msgs, berr := build()
	if berr != nil {
		return llm.Response{}, berr
	}
	req.Messages = msgs
	return llm.CompleteWithRetry(ctx, e.backend, req, e.retry)
}

// regenerate retries a flagged draft once with the violations spelled out.
// Returns the empty string when the retry does not produce a usable draft.
func (e *Engine) regenerate(ctx context.Context, req llm.Request, build func() ([]llm.Message, error), draft string, violations []string) string {
	msgs, err := build()
	if err != nil {
		return ""
	}
	req.Messages = append(msgs,
		llm.Message{Role: "assistant", Content: draft},
		llm.Message{Role: "user", Content: behavior.RegenerateHint(violations)},
	)
	req.Observer = nil

	resp, err := llm.CompleteWithRetry(ctx, e.backend, req, e.retry)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(resp.Text)
}

// summarize is the compaction summarizer, served by the fast model.
func (e *Engine) summarize(ctx context.Context, transcript string) (string, error) {
	resp, err := llm.CompleteWithRetry(ctx, e.backend, llm.Request{
		Role: llm.RoleFast,
		Messages: []llm.Message{
			{Role: "system", Content: "Summarize the conversation below in a few short paragraphs. Keep names, facts, decisions, open threads and the emotional tone. Output only the summary."},
			wrapExternal("transcript", transcript),
		},
	}, e.retry)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// retrieveMemory assembles the memory context for a turn. Retrieval failures
// degrade to an empty context; a turn never dies on memory.
func (e *Engine) retrieveMemory(chatID, personID string, isGroup bool, query string) memoryContext {
	var out memoryContext
	if e.mem == nil {
		return out
	}

	var err error
	if out.Facts, err = e.mem.HybridSearchFacts(query, 6); err != nil {
		e.logger.Warn("fact retrieval failed", "error", err)
	}
	if out.Episodes, err = e.mem.HybridSearchEpisodes(query, 4); err != nil {
		e.logger.Warn("episode retrieval failed", "error", err)
	}

	if isGroup {
		if out.Capsule, err = e.mem.GetGroupCapsule(chatID); err != nil {
			e.logger.Warn("group capsule load failed", "error", err)
		}
	} else if personID != "" {
		person, err := e.mem.GetPerson(personID)
		if err != nil {
			e.logger.Warn("person load failed", "error", err)
		} else {
			out.Capsule = person.Capsule
		}
	}

	if out.Lessons, err = e.mem.ListLessons(personID, 20); err != nil {
		e.logger.Warn("lesson load failed", "error", err)
	}

	ids := make([]int64, 0, len(out.Facts))
	for _, f := range out.Facts {
		ids = append(ids, f.ID)
	}
	e.mem.TouchFactAccess(ids)
	return out
}

// toolsFor resolves the tool surface for a turn. Injection suspicion
// withholds every tool; restricted and dangerous tiers need the operator.
func (e *Engine) toolsFor(isOperator, injected bool) []llm.ToolDef {
	if e.skills == nil || injected {
		return nil
	}
	tiers := []string{skills.TierSafe}
	allowlists := map[string][]string{}
	if isOperator {
		if e.cfg.Tools.Restricted.EnabledForOperator {
			tiers = append(tiers, skills.TierRestricted)
			if !e.cfg.Tools.Restricted.AllowAll {
				allowlists[skills.TierRestricted] = e.cfg.Tools.Restricted.Allowlist
			}
		}
		if e.cfg.Tools.Dangerous.EnabledForOperator {
			tiers = append(tiers, skills.TierDangerous)
			if !e.cfg.Tools.Dangerous.AllowAll {
				allowlists[skills.TierDangerous] = e.cfg.Tools.Dangerous.Allowlist
			}
		}
	}
	return e.skills.ToolDefs(tiers, allowlists)
}

// recentContext builds the velocity samples and gate history from the
// session tail.
func (e *Engine) recentContext(chatID string) ([]behavior.Sample, []string) {
	history, err := e.sessions.GetMessages(chatID, gateHistoryLimit)
	if err != nil {
		e.logger.Warn("recent context load failed", "error", err)
		return nil, nil
	}

	var samples []behavior.Sample
	var lines []string
	for _, m := range history {
		if m.Role == session.RoleSystem {
			continue
		}
		name := m.AuthorName
		if name == "" {
			name = m.Role
		}
		lines = append(lines, name+": "+firstN(m.Content, 200))
		if m.Role == session.RoleUser {
			samples = append(samples, behavior.Sample{
				AuthorID:    m.AuthorID,
				Text:        m.Content,
				TimestampMs: m.CreatedAtMs,
			})
		}
	}
	return samples, lines
}

// gateHistoryLimit bounds the context handed to the engagement gate.
const gateHistoryLimit = 12

// HandleProactiveEvent composes and delivers a proactive message for a due
// event. Implements the heartbeat's delivery contract: sent=false with a nil
// error means the persona declined the outreach.
func (e *Engine) HandleProactiveEvent(ctx context.Context, ev proactive.Event) (bool, error) {
	if e.deliver == nil {
		return false, fmt.Errorf("proactive event %s: no delivery route", ev.ID)
	}

	var sent bool
	var perr error
	err := e.locks.RunExclusive(ctx, ev.ChatID, func() error {
		turnCtx, release := e.lifecycle.TurnContext(ctx, ev.ChatID)
		defer release()
		sent, perr = e.runProactiveTurn(turnCtx, ev)
		return nil
	})
	if err != nil {
		return false, err
	}
	return sent, perr
}

// passToken is what the persona answers to decline an outreach.
const passToken = "PASS"

func (e *Engine) runProactiveTurn(ctx context.Context, ev proactive.Event) (bool, error) {
	logger := e.logger.With("chat_id", ev.ChatID, "event_id", ev.ID, "kind", ev.Kind)
	isGroup := proactive.IsGroupChat(ev.ChatID)
	personID := proactive.PersonIDForChat(ev.ChatID)

	memCtx := e.retrieveMemory(ev.ChatID, personID, isGroup, ev.Subject)
	systemPrompt := e.identity.SystemPrompt(renderLessonRules(memCtx.Lessons))

	history, err := e.sessions.GetMessages(ev.ChatID, historyLimit)
	if err != nil {
		return false, err
	}
	msgs := buildMessages(systemPrompt, memCtx, history)
	msgs = append(msgs,
		wrapExternal("outreach", fmt.Sprintf("Kind: %s\nSubject: %s", ev.Kind, ev.Subject)),
		llm.Message{Role: "user", Content: "You felt like reaching out about the topic in the outreach block. " +
			"Write the message you would actually send, in your own voice. " +
			"If reaching out right now would feel forced or unwelcome, reply with exactly " + passToken + "."},
	)

	resp, err := llm.CompleteWithRetry(ctx, e.backend, llm.Request{
		Role:     llm.RoleDefault,
		Messages: msgs,
	}, e.retry)
	if err != nil {
		return false, err
	}

	draft := strings.TrimSpace(resp.Text)
	if draft == "" || strings.EqualFold(draft, passToken) {
		logger.Info("outreach declined by persona")
		return false, nil
	}

	req := llm.Request{Role: llm.RoleDefault}
	build := func() ([]llm.Message, error) { return msgs, nil }
	if report := e.behavior.CheckSlop(draft, isGroup); report.IsSlop {
		if redraft := e.regenerate(ctx, req, build, draft, report.Violations); redraft != "" {
			draft = redraft
		}
	}
	if isGroup {
		draft = behavior.FlattenForGroup(draft)
	}

	if _, err := e.sessions.AppendMessage(session.Message{
		ChatID:      ev.ChatID,
		Role:        session.RoleAssistant,
		Content:     draft,
		CreatedAtMs: e.nowMs(),
	}); err != nil {
		return false, err
	}
	if e.ledgr != nil {
		err := e.ledgr.RecordSend(ledger.SendRecord{
			ChatID:      ev.ChatID,
			Text:        draft,
			MessageType: ledger.TypeProactive,
			SentAtMs:    e.nowMs(),
			RefKey:      uuid.NewString(),
			IsGroup:     isGroup,
		})
		if err != nil {
			logger.Warn("ledger record failed", "error", err)
		}
	}
	if e.mem != nil {
		_, err := e.mem.LogEpisode(memory.Episode{
			ChatID:   ev.ChatID,
			PersonID: personID,
			IsGroup:  isGroup,
			Content:  "FRIEND (reaching out about " + ev.Subject + "): " + draft,
		})
		if err != nil {
			logger.Warn("log outreach episode failed", "error", err)
		}
	}

	if err := e.deliver(ctx, ev.ChatID, channels.SendText(draft)); err != nil {
		return false, fmt.Errorf("deliver outreach: %w", err)
	}
	logger.Info("outreach delivered")
	return true, nil
}

// observerFor bridges backend streaming callbacks onto the turn stream.
func observerFor(consumer StreamConsumer) *llm.Observer {
	if consumer == nil {
		return nil
	}
	return &llm.Observer{
		TextDelta:      func(d string) { consumer(StreamEvent{Kind: EventTextDelta, Data: d}) },
		ReasoningDelta: func(d string) { consumer(StreamEvent{Kind: EventReasoningDelta, Data: d}) },
		ToolCall:       func(name, _ string) { consumer(StreamEvent{Kind: EventToolCall, Data: name}) },
		ToolResult:     func(name, _ string) { consumer(StreamEvent{Kind: EventToolResult, Data: name}) },
		OnUsage: func(u llm.Usage) {
			consumer(StreamEvent{Kind: EventUsage, Data: fmt.Sprintf("in=%d out=%d", u.InputTokens, u.OutputTokens)})
		},
	}
}

// firstN truncates to at most n runes, never splitting a UTF-8 sequence.
func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for i := range s {
		if n == 0 {
			return s[:i]
		}
		n--
	}
	return s
}
