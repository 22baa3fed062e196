// Package identity loads the persona pack: who the agent is, how it talks,
// who its person is, and how it behaves on a first meeting. The files are
// authored by hand; this package only reads and assembles them.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Pack holds the loaded persona files. Missing files load as empty strings;
// only SOUL.md is required.
type Pack struct {
	Soul         string
	Style        string
	User         string
	FirstMeeting string
	Personality  string
}

// Load reads the persona pack from dir.
func Load(dir string) (*Pack, error) {
	read := func(name string) string {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(data))
	}

	p := &Pack{
		Soul:         read("SOUL.md"),
		Style:        read("STYLE.md"),
		User:         read("USER.md"),
		FirstMeeting: read("FIRST_MEETING.md"),
		Personality:  read("PERSONALITY.md"),
	}
	if p.Soul == "" {
		return nil, fmt.Errorf("identity pack at %s is missing SOUL.md", dir)
	}
	return p, nil
}

// SystemPrompt assembles the persona system message. behaviorRules carries
// the compiled lesson set appended by the engine.
func (p *Pack) SystemPrompt(behaviorRules string) string {
	var b strings.Builder
	b.WriteString(p.Soul)
	for _, section := range []struct {
		title, body string
	}{
		{"STYLE", p.Style},
		{"PERSONALITY", p.Personality},
		{"ABOUT YOUR PERSON", p.User},
		{"FIRST MEETING", p.FirstMeeting},
		{"LEARNED RULES", behaviorRules},
	} {
		if section.body == "" {
			continue
		}
		b.WriteString("\n\n## ")
		b.WriteString(section.title)
		b.WriteString("\n")
		b.WriteString(section.body)
	}
	return b.String()
}

// PersonaReminder is the short re-injection text compaction writes back into
// a summarized session.
func (p *Pack) PersonaReminder() string {
	if p.Style != "" {
		return firstLines(p.Soul, 3) + "\n" + firstLines(p.Style, 3)
	}
	return firstLines(p.Soul, 5)
}

func firstLines(text string, n int) string {
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
