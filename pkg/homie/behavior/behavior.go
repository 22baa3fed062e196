// Package behavior holds the stateless reply policy consulted twice per
// turn: decidePreDraft gates whether the agent should answer at all, and the
// post-draft slop check keeps the persona from sounding like an assistant.
package behavior

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/homielabs/homie/pkg/homie/config"
	"github.com/homielabs/homie/pkg/homie/llm"
)

// Decision kinds returned by decidePreDraft and the engagement gate.
const (
	DecideSend    = "send"
	DecideSilence = "silence"
	DecideReact   = "react"
)

// Silence reasons surfaced in OutgoingAction.
const (
	ReasonSleep            = "sleep"
	ReasonRapidDialogue    = "rapid_dialogue"
	ReasonWaitBurst        = "wait_burst"
	ReasonWaitContinuation = "wait_continuation"
	ReasonGate             = "gate_silence"
)

// Decision is the pre-draft policy outcome.
type Decision struct {
	Kind   string
	Reason string
	Emoji  string
}

// PreDraftInput carries everything the decision table looks at.
type PreDraftInput struct {
	IsGroup   bool
	Mentioned bool
	IsCommand bool
	UserText  string

	// Recent user messages in the chat, arrival order, for the velocity
	// snapshot. The incoming message is the last sample.
	Recent []Sample
	NowMs  int64
}

// Engine is the stateless behavior policy.
type Engine struct {
	cfg    config.BehaviorConfig
	fast   llm.Backend
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine builds the policy. fast is the fast-role backend used by the
// group engagement gate; nil disables the gate.
func NewEngine(cfg config.BehaviorConfig, fast llm.Backend, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		fast:   fast,
		logger: logger.With("component", "behavior"),
		now:    time.Now,
	}
}

// DecidePreDraft applies the decision table: sleep window, velocity flags,
// then the group engagement gate.
func (e *Engine) DecidePreDraft(ctx context.Context, in PreDraftInput, gateHistory []string) Decision {
	if e.inSleepWindow() && !in.IsCommand {
		return Decision{Kind: DecideSilence, Reason: ReasonSleep}
	}

	v := Snapshot(in.Recent, in.NowMs)
	switch {
	case in.IsGroup && v.IsRapidDialogue:
		return Decision{Kind: DecideSilence, Reason: ReasonRapidDialogue}
	case in.IsGroup && v.IsBurst:
		return Decision{Kind: DecideSilence, Reason: ReasonWaitBurst}
	case v.IsContinuation:
		return Decision{Kind: DecideSilence, Reason: ReasonWaitContinuation}
	}

	if in.IsGroup && e.fast != nil {
		return e.engagementGate(ctx, gateHistory, in.UserText)
	}
	return Decision{Kind: DecideSend}
}

// Asleep reports whether the persona is inside its sleep window. The
// heartbeat consults this before delivering anything proactive.
func (e *Engine) Asleep() bool { return e.inSleepWindow() }

// inSleepWindow reports whether local time is inside [startLocal, endLocal).
// Windows crossing midnight (23:30 to 08:00) are the common case.
func (e *Engine) inSleepWindow() bool {
	s := e.cfg.Sleep
	if !s.Enabled {
		return false
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return false
	}
	now := e.now().In(loc)
	cur := now.Hour()*60 + now.Minute()

	start, ok1 := parseHM(s.StartLocal)
	end, ok2 := parseHM(s.EndLocal)
	if !ok1 || !ok2 {
		return false
	}
	if start <= end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

func parseHM(hm string) (int, bool) {
	t, err := time.Parse("15:04", hm)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// IsCommand reports whether text is a user command.
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}
