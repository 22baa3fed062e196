// gate.go is the group engagement gate: a fast-model call deciding whether a
// group message is worth a reply, a reaction, or nothing. The persona is not
// in every conversation it can see.
package behavior

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/homielabs/homie/pkg/homie/llm"
)

// gateHistoryCap bounds how many recent messages the gate sees.
const gateHistoryCap = 12

const gateSystemPrompt = `You decide whether a friend in a group chat should jump in.
Given the recent messages and the newest one, return strict JSON:
{"action":"send|react|silence","emoji":"...","reason":"..."}.
React only when a short emoji reaction fits better than words. Stay silent when the message is not addressed to you and adds nothing you would naturally respond to.`

// engagementGate asks the fast model for a decision. Any failure, parse
// error included, falls back to send; the gate filters, it never blocks.
func (e *Engine) engagementGate(ctx context.Context, history []string, incoming string) Decision {
	if len(history) > gateHistoryCap {
		history = history[len(history)-gateHistoryCap:]
	}

	var b strings.Builder
	b.WriteString("Recent messages:\n")
	if len(history) == 0 {
		b.WriteString("(none)\n")
	}
	for _, h := range history {
		b.WriteString(h)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\nNewest message:\n%s\n", incoming)

	resp, err := e.fast.Complete(ctx, llm.Request{
		Role:     llm.RoleFast,
		MaxSteps: 1,
		Messages: []llm.Message{
			{Role: "system", Content: gateSystemPrompt},
			{Role: "user", Content: b.String()},
		},
	})
	if err != nil {
		e.logger.Debug("engagement gate call failed", "error", err)
		return Decision{Kind: DecideSend}
	}
	return parseGateDecision(resp.Text)
}

// parseGateDecision maps gate output to a Decision, defaulting to send on
// anything malformed.
func parseGateDecision(text string) Decision {
	var parsed struct {
		Action string `json:"action"`
		Emoji  string `json:"emoji"`
		Reason string `json:"reason"`
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return Decision{Kind: DecideSend}
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return Decision{Kind: DecideSend}
	}

	switch parsed.Action {
	case DecideReact:
		if parsed.Emoji == "" {
			return Decision{Kind: DecideSend}
		}
		return Decision{Kind: DecideReact, Emoji: parsed.Emoji, Reason: parsed.Reason}
	case DecideSilence:
		reason := parsed.Reason
		if reason == "" {
			reason = ReasonGate
		}
		return Decision{Kind: DecideSilence, Reason: reason}
	default:
		return Decision{Kind: DecideSend}
	}
}
