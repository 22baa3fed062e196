// Package llm defines the single completion contract every model backend
// adapter (Anthropic, OpenAI-compatible, CLI-wrapped, MPP) implements, plus
// the error classification and retry helpers the engine builds on. Backends
// live outside the core; the engine only sees this interface.
package llm

import "context"

// Role selects which configured model serves a request.
type Role string

const (
	// RoleDefault is the full persona model used for drafting replies.
	RoleDefault Role = "default"

	// RoleFast is the small model used for gate decisions and extraction.
	RoleFast Role = "fast"
)

// Message is one prompt message.
type Message struct {
	// Role is "system", "user" or "assistant".
	Role string

	// Content is the message text.
	Content string
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string

	// InputSchema is a JSON Schema object for the tool arguments.
	InputSchema map[string]any
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Request is the input to a completion call.
type Request struct {
	// Role selects the model: default (persona) or fast (decisions).
	Role Role

	// MaxSteps bounds tool-use round trips. 0 means a single step.
	MaxSteps int

	Messages []Message
	Tools    []ToolDef

	// Observer, when non-nil, receives streaming events. Backends without
	// streaming support may ignore it and deliver only the final response.
	Observer *Observer
}

// Response is the result of a completion call.
type Response struct {
	// Text is the final assistant text after all tool steps.
	Text string

	// Steps is how many model round trips the call consumed.
	Steps int

	Usage   Usage
	ModelID string
}

// Backend is the completion contract. Implementations must honor ctx
// cancellation at every suspension point.
type Backend interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Observer demultiplexes streaming events from a backend. All fields are
// optional; nil callbacks are skipped. Callbacks run on the backend's
// goroutine and must return quickly.
type Observer struct {
	TextDelta      func(delta string)
	ReasoningDelta func(delta string)
	ToolCall       func(name string, args string)
	ToolResult     func(name string, result string)
	OnUsage        func(u Usage)
	OnFinish       func()
	OnError        func(err error)
	OnAbort        func()
}
