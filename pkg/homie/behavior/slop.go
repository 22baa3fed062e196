// slop.go flags drafts that sound like an assistant instead of a friend.
// The engine gets one regeneration attempt when a draft is flagged.
package behavior

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// SlopReport is the post-draft check result.
type SlopReport struct {
	IsSlop     bool
	Violations []string
}

// assistantPhrases are openings and fillers no friend types.
var assistantPhrases = []string{
	"i'd be happy to",
	"i would be happy to",
	"as an ai",
	"as a language model",
	"great question",
	"certainly!",
	"of course!",
	"let me know if",
	"feel free to",
	"i hope this helps",
	"is there anything else",
	"how can i assist",
	"i cannot assist",
	"i'm here to help",
}

var emDashPattern = regexp.MustCompile(`—|--`)

// CheckSlop inspects a draft. maxChars comes from the group or DM budget.
func (e *Engine) CheckSlop(draft string, isGroup bool) SlopReport {
	var violations []string
	lower := strings.ToLower(draft)

	for _, phrase := range assistantPhrases {
		if strings.Contains(lower, phrase) {
			violations = append(violations, fmt.Sprintf("assistant phrasing: %q", phrase))
			break
		}
	}

	if n := len(emDashPattern.FindAllStringIndex(draft, -1)); n >= 3 {
		violations = append(violations, fmt.Sprintf("em-dash overuse: %d dashes", n))
	}

	if containsEmoji(draft) {
		violations = append(violations, "emoji inside prose text")
	}

	maxChars := e.cfg.DMMaxChars
	if isGroup {
		maxChars = e.cfg.GroupMaxChars
	}
	if maxChars > 0 && len([]rune(draft)) > maxChars {
		violations = append(violations, fmt.Sprintf("too long: %d chars over the %d budget", len([]rune(draft)), maxChars))
	}

	return SlopReport{IsSlop: len(violations) > 0, Violations: violations}
}

// RegenerateHint renders a system hint enumerating the violations for the
// single regeneration attempt.
func RegenerateHint(violations []string) string {
	var b strings.Builder
	b.WriteString("Your previous draft broke character. Problems:\n")
	for _, v := range violations {
		b.WriteString("- ")
		b.WriteString(v)
		b.WriteByte('\n')
	}
	b.WriteString("Rewrite it the way a close friend would text: short, plain, no emoji, no assistant tone.")
	return b.String()
}

// FlattenForGroup collapses newline runs into single spaces; multi-line
// messages read as walls of text in group chats.
func FlattenForGroup(text string) string {
	lines := strings.Split(text, "\n")
	var parts []string
	for _, l := range lines {
		if t := strings.TrimSpace(l); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// containsEmoji reports whether text carries emoji codepoints.
func containsEmoji(text string) bool {
	for _, r := range text {
		switch {
		case r >= 0x1F300 && r <= 0x1FAFF: // pictographs, transport, supplemental
			return true
		case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
			return true
		case r == 0xFE0F: // variation selector used by emoji sequences
			return true
		case unicode.Is(unicode.So, r) && r > 0x2000:
			return true
		}
	}
	return false
}
