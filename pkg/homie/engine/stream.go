// stream.go defines the turn event stream. A consumer (the CLI renderer,
// a web socket) registers per call; the engine translates backend observer
// callbacks and its own phase changes into a flat event sequence.
package engine

// Stream event kinds, in rough emission order.
const (
	EventPhase          = "phase"
	EventTextDelta      = "text_delta"
	EventReasoningDelta = "reasoning_delta"
	EventToolCall       = "tool_call"
	EventToolResult     = "tool_result"
	EventUsage          = "usage"
	EventMeta           = "meta"
	EventResetStream    = "reset_stream"
	EventDone           = "done"
)

// Turn phases reported via EventPhase.
const (
	PhaseDebounce = "debounce"
	PhaseGate     = "gate"
	PhaseDraft    = "draft"
	PhaseSlop     = "slop_check"
	PhasePersist  = "persist"
)

// StreamEvent is one event in a turn's stream.
type StreamEvent struct {
	Kind string
	Data string
}

// StreamConsumer receives turn events. Callbacks run on the engine's
// goroutine and must return quickly.
type StreamConsumer func(StreamEvent)

// emit sends an event to the consumer if one is registered.
func emit(consumer StreamConsumer, kind, data string) {
	if consumer != nil {
		consumer(StreamEvent{Kind: kind, Data: data})
	}
}
