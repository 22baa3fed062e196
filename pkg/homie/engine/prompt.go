// prompt.go assembles the completion request for a turn. The system message
// carries only the persona and learned rules; everything retrieved or
// replayed rides in <external> envelopes so the model treats it as data.
package engine

import (
	"fmt"
	"strings"

	"github.com/homielabs/homie/pkg/homie/llm"
	"github.com/homielabs/homie/pkg/homie/memory"
	"github.com/homielabs/homie/pkg/homie/session"
)

// historyLimit bounds how many session rows feed the conversation history.
const historyLimit = 40

// escapeExternal neutralizes envelope breakouts inside untrusted content.
func escapeExternal(content string) string {
	content = strings.ReplaceAll(content, "</external>", "<\\/external>")
	content = strings.ReplaceAll(content, "<system>", "<\\system>")
	return content
}

// wrapExternal renders one external data message.
func wrapExternal(title, content string) llm.Message {
	return llm.Message{
		Role:    "user",
		Content: fmt.Sprintf("<external title=%q>\n%s\n</external>", title, escapeExternal(content)),
	}
}

// memoryContext renders retrieved memory for the prompt.
type memoryContext struct {
	Facts    []memory.SearchResult
	Episodes []memory.SearchResult
	Capsule  string
	Lessons  []memory.Lesson
}

func (m memoryContext) empty() bool {
	return len(m.Facts) == 0 && len(m.Episodes) == 0 && m.Capsule == ""
}

func (m memoryContext) render() string {
	var b strings.Builder
	if m.Capsule != "" {
		b.WriteString("Profile:\n")
		b.WriteString(m.Capsule)
		b.WriteString("\n\n")
	}
	if len(m.Facts) > 0 {
		b.WriteString("Known facts:\n")
		for _, f := range m.Facts {
			b.WriteString("- ")
			b.WriteString(f.Content)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	if len(m.Episodes) > 0 {
		b.WriteString("Past exchanges:\n")
		for _, e := range m.Episodes {
			b.WriteString("- ")
			b.WriteString(e.Content)
			b.WriteByte('\n')
		}
	}
	return strings.TrimSpace(b.String())
}

// renderLessonRules compiles high-confidence lessons into the behavior
// rules section of the system message.
func renderLessonRules(lessons []memory.Lesson) string {
	var b strings.Builder
	for _, l := range lessons {
		if l.Rule == "" || l.Confidence < 0.5 {
			continue
		}
		b.WriteString("- ")
		b.WriteString(l.Rule)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

// buildMessages turns persona, memory and session state into the prompt.
// Stored system rows never enter the history directly; they are folded into
// the session_notes envelope.
func buildMessages(systemPrompt string, mem memoryContext, history []session.Message) []llm.Message {
	msgs := []llm.Message{{Role: "system", Content: systemPrompt}}

	if !mem.empty() {
		msgs = append(msgs, wrapExternal("memory_context", mem.render()))
	}

	var notes []string
	for _, m := range history {
		if m.Role == session.RoleSystem {
			notes = append(notes, m.Content)
		}
	}
	if len(notes) > 0 {
		msgs = append(msgs, wrapExternal("session_notes", strings.Join(notes, "\n\n")))
	}

	for _, m := range history {
		if m.Role == session.RoleSystem {
			continue
		}
		content := m.Content
		if m.Role == session.RoleUser && m.AuthorName != "" {
			content = m.AuthorName + ": " + content
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Content: content})
	}
	return msgs
}
