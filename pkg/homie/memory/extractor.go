// extractor.go runs off the critical path after a turn: a first fast-model
// pass proposes candidate facts and future events from the exchange, a
// second pass reconciles candidates against what is already known. Failures
// are swallowed; the turn already completed.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/homielabs/homie/pkg/homie/llm"
)

// EventSink receives future events discovered during extraction. The
// proactive scheduler implements this; the indirection keeps this package
// free of scheduler imports.
type EventSink interface {
	AddProposedEvent(kind, subject, chatID string, triggerAtMs int64, recurrence string) error
}

// ExtractionInput describes one completed exchange.
type ExtractionInput struct {
	ChatID        string
	PersonID      string
	IsGroup       bool
	UserText      string
	AssistantText string
	EpisodeID     int64
	NowMs         int64
}

// Extractor drives the two-pass memory extraction pipeline.
type Extractor struct {
	backend llm.Backend
	store   *Store
	events  EventSink
	logger  *slog.Logger
}

// NewExtractor wires the pipeline. events may be nil when the proactive
// system is disabled.
func NewExtractor(backend llm.Backend, store *Store, events EventSink, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		backend: backend,
		store:   store,
		events:  events,
		logger:  logger.With("component", "extractor"),
	}
}

const (
	// eventWindowPastMs tolerates slight clock skew on "just happened" events.
	eventWindowPastMs = 5 * 60 * 1000

	// eventWindowFutureMs caps events at a year and a day out.
	eventWindowFutureMs = int64(366) * 24 * 60 * 60 * 1000

	// reconcileFactCap bounds how many existing facts pass 2 sees.
	reconcileFactCap = 30
)

// Run extracts and reconciles memory from one exchange. Errors are logged,
// never returned; the episode is marked extracted regardless so the
// consolidation loop does not revisit it.
func (x *Extractor) Run(ctx context.Context, in ExtractionInput) {
	defer func() {
		if in.EpisodeID != 0 {
			if err := x.store.MarkEpisodeExtracted(in.EpisodeID); err != nil {
				x.logger.Debug("mark extracted failed", "episode", in.EpisodeID, "error", err)
			}
		}
	}()

	if in.NowMs == 0 {
		in.NowMs = time.Now().UnixMilli()
	}

	cands, events, err := x.extractCandidates(ctx, in)
	if err != nil {
		x.logger.Debug("extraction pass failed", "chat_id", in.ChatID, "error", err)
		return
	}
	x.persistEvents(in, events)
	if len(cands) == 0 {
		return
	}
	if err := x.reconcile(ctx, in.PersonID, cands); err != nil {
		x.logger.Debug("reconciliation failed", "chat_id", in.ChatID, "error", err)
	}
}

type candidateFact struct {
	Content  string `json:"content"`
	Category string `json:"category"`
}

type candidateEvent struct {
	Kind        string `json:"kind"`
	Subject     string `json:"subject"`
	TriggerAtMs int64  `json:"triggerAtMs"`
	Recurrence  string `json:"recurrence"`
}

const extractionSystemPrompt = `You extract durable memory from a chat exchange.
Return strict JSON: {"facts":[{"content":"...","category":"preference|personal|plan|professional|relationship|misc"}],"events":[{"kind":"reminder|birthday|follow_up|check_in|anticipated","subject":"...","triggerAtMs":0,"recurrence":"once|yearly"}]}.
Only record what the USER stated about themselves or the world. Never attribute the assistant's statements to the user. Small talk and greetings produce empty arrays.`

func (x *Extractor) extractCandidates(ctx context.Context, in ExtractionInput) ([]candidateFact, []candidateEvent, error) {
	userMsg := fmt.Sprintf("Current time (unix ms): %d\n\nUSER: %s\nFRIEND: %s",
		in.NowMs, in.UserText, in.AssistantText)

	resp, err := x.backend.Complete(ctx, llm.Request{
		Role:     llm.RoleFast,
		MaxSteps: 2,
		Messages: []llm.Message{
			{Role: "system", Content: extractionSystemPrompt},
			{Role: "user", Content: userMsg},
		},
	})
	if err != nil {
		return nil, nil, err
	}

	var parsed struct {
		Facts  []candidateFact  `json:"facts"`
		Events []candidateEvent `json:"events"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &parsed); err != nil {
		return nil, nil, fmt.Errorf("parse extraction output: %w", err)
	}
	return parsed.Facts, parsed.Events, nil
}

// persistEvents hands plausible future events to the scheduler. Only DM
// exchanges schedule events, and only inside the accepted time window.
func (x *Extractor) persistEvents(in ExtractionInput, events []candidateEvent) {
	if x.events == nil || in.IsGroup {
		return
	}
	for _, e := range events {
		if e.Subject == "" || e.Kind == "" {
			continue
		}
		if e.TriggerAtMs < in.NowMs-eventWindowPastMs || e.TriggerAtMs > in.NowMs+eventWindowFutureMs {
			continue
		}
		if err := x.events.AddProposedEvent(e.Kind, e.Subject, in.ChatID, e.TriggerAtMs, e.Recurrence); err != nil {
			x.logger.Debug("event persist failed", "subject", e.Subject, "error", err)
		}
	}
}

type reconcileAction struct {
	Type        string `json:"type"`
	ExistingIdx *int   `json:"existingIdx"`
	Content     string `json:"content"`
}

const reconcileSystemPrompt = `You reconcile new candidate facts against known facts about a person.
Return strict JSON: {"actions":[{"type":"add|update|delete|none","existingIdx":0,"content":"..."}]}.
"update" and "delete" require existingIdx referencing the numbered known facts. "add" inserts content as a new fact. "none" drops the candidate.`

// reconcile runs pass 2 against existing facts. A parse failure adds every
// candidate as-is rather than losing them.
func (x *Extractor) reconcile(ctx context.Context, personID string, cands []candidateFact) error {
	var joined strings.Builder
	for _, c := range cands {
		joined.WriteString(c.Content)
		joined.WriteString(" ")
	}

	existing, err := x.store.HybridSearchFacts(joined.String(), reconcileFactCap)
	if err != nil {
		existing = nil
	}

	var prompt strings.Builder
	prompt.WriteString("Known facts:\n")
	if len(existing) == 0 {
		prompt.WriteString("(none)\n")
	}
	for i, f := range existing {
		fmt.Fprintf(&prompt, "%d. %s\n", i, f.Content)
	}
	prompt.WriteString("\nCandidates:\n")
	for _, c := range cands {
		fmt.Fprintf(&prompt, "- [%s] %s\n", c.Category, c.Content)
	}

	resp, err := x.backend.Complete(ctx, llm.Request{
		Role:     llm.RoleFast,
		MaxSteps: 2,
		Messages: []llm.Message{
			{Role: "system", Content: reconcileSystemPrompt},
			{Role: "user", Content: prompt.String()},
		},
	})

	var parsed struct {
		Actions []reconcileAction `json:"actions"`
	}
	if err != nil || json.Unmarshal([]byte(extractJSON(resp.Text)), &parsed) != nil {
		return x.addAll(personID, cands)
	}

	for _, a := range parsed.Actions {
		switch a.Type {
		case "add":
			if a.Content != "" {
				x.addFact(personID, a.Content, categoryFor(cands, a.Content))
			}
		case "update":
			if a.ExistingIdx != nil && *a.ExistingIdx >= 0 && *a.ExistingIdx < len(existing) && a.Content != "" {
				if err := x.store.UpdateFact(existing[*a.ExistingIdx].ID, a.Content); err != nil {
					x.logger.Debug("fact update failed", "error", err)
				}
			}
		case "delete":
			if a.ExistingIdx != nil && *a.ExistingIdx >= 0 && *a.ExistingIdx < len(existing) {
				if err := x.store.DeleteFact(existing[*a.ExistingIdx].ID); err != nil {
					x.logger.Debug("fact delete failed", "error", err)
				}
			}
		case "none":
		}
	}
	return nil
}

func (x *Extractor) addAll(personID string, cands []candidateFact) error {
	for _, c := range cands {
		x.addFact(personID, c.Content, c.Category)
	}
	return nil
}

func (x *Extractor) addFact(personID, content, category string) {
	if content == "" {
		return
	}
	if !validCategory(category) {
		category = CategoryMisc
	}
	if _, err := x.store.AddFact(Fact{PersonID: personID, Content: content, Category: category}); err != nil {
		x.logger.Debug("fact add failed", "error", err)
	}
}

// categoryFor recovers the category of an added candidate by content match.
func categoryFor(cands []candidateFact, content string) string {
	for _, c := range cands {
		if c.Content == content {
			return c.Category
		}
	}
	return CategoryMisc
}

func validCategory(c string) bool {
	switch c {
	case CategoryPreference, CategoryPersonal, CategoryPlan,
		CategoryProfessional, CategoryRelationship, CategoryMisc:
		return true
	}
	return false
}

// extractJSON trims the first balanced JSON object out of model output that
// may carry markdown fences or prose around it.
func extractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}
