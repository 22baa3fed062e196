// accumulator.go buffers incoming messages per chat so a burst of texts
// becomes one logical turn. The debounce delay is computed at push time; the
// turn that drains the buffer answers everything in it.
package engine

import (
	"strings"
	"sync"

	"github.com/homielabs/homie/pkg/homie/channels"
)

// maxDebounceMs caps every debounce delay.
const maxDebounceMs = 10_000

// Accumulator holds per-chat buffers of in-flight incoming messages.
// Draining and pushing for the same chat are serialized by the enclosing
// PerKeyLock; the internal mutex only protects cross-chat map access.
type Accumulator struct {
	mu         sync.Mutex
	debounceMs int64
	buffers    map[string][]channels.IncomingMessage
	lastPushMs map[string]int64

	// latestTs survives drains; the stale-discard check compares against
	// it after a completion finishes.
	latestTs map[string]int64
}

// NewAccumulator builds the accumulator with the configured debounce.
func NewAccumulator(debounceMs int) *Accumulator {
	return &Accumulator{
		debounceMs: int64(debounceMs),
		buffers:    make(map[string][]channels.IncomingMessage),
		lastPushMs: make(map[string]int64),
		latestTs:   make(map[string]int64),
	}
}

// PushAndGetDebounceMs appends msg to its chat buffer and returns how long
// the turn should wait before draining. Commands, attachments and direct
// group mentions skip the wait entirely.
func (a *Accumulator) PushAndGetDebounceMs(msg channels.IncomingMessage, nowMs int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buffers[msg.ChatID] = append(a.buffers[msg.ChatID], msg)
	last := a.lastPushMs[msg.ChatID]
	a.lastPushMs[msg.ChatID] = nowMs
	if msg.TimestampMs > a.latestTs[msg.ChatID] {
		a.latestTs[msg.ChatID] = msg.TimestampMs
	}

	switch {
	case strings.HasPrefix(strings.TrimSpace(msg.Text), "/"):
		return 0
	case len(msg.Attachments) > 0:
		return 0
	case msg.IsGroup && msg.Mentioned:
		return 0
	}

	delay := a.debounceMs
	if last > 0 {
		elapsed := nowMs - last
		if elapsed < 0 {
			elapsed = 0
		}
		if elapsed > maxDebounceMs {
			elapsed = maxDebounceMs
		}
		if elapsed < delay {
			delay = elapsed
		}
	}
	if delay < 0 {
		delay = 0
	}
	if delay > maxDebounceMs {
		delay = maxDebounceMs
	}
	return delay
}

// Drain returns the buffered messages for a chat in arrival order and
// clears the buffer. An empty result means an earlier turn already answered
// this chat's backlog.
func (a *Accumulator) Drain(chatID string) []channels.IncomingMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	msgs := a.buffers[chatID]
	delete(a.buffers, chatID)
	return msgs
}

// HasNewerThan reports whether any message with a timestamp strictly beyond
// ts has been pushed for the chat, drained or not.
func (a *Accumulator) HasNewerThan(chatID string, ts int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latestTs[chatID] > ts
}
