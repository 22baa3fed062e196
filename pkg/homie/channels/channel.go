// Package channels defines the interfaces and types for Homie communication
// channels. Each channel (Signal, Telegram, CLI) implements the Channel
// interface to receive and send messages in a unified way. The channel layer
// is the only place that knows platform wire formats; the engine sees
// IncomingMessage and OutgoingAction values and nothing else.
package channels

import (
	"context"
	"fmt"
)

// Channel defines the interface that every communication channel must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "signal", "tg", "cli").
	Name() string

	// Start connects the channel and begins producing incoming messages.
	Start(ctx context.Context) error

	// Stop gracefully disconnects the channel.
	Stop() error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan IncomingMessage

	// Deliver sends an outgoing action to the given chat. Channels that
	// cannot express an action (e.g. audio on a text-only transport) fall
	// back to the closest equivalent; Silence is always a no-op.
	Deliver(ctx context.Context, chatID string, action OutgoingAction) error
}

// IncomingMessage is a platform-neutral inbound message produced by an adapter.
//
// Stable ChatID formats:
//
//	CLI:         cli:<slot>           (e.g. "cli:local")
//	Signal DM:   signal:dm:<E164>
//	Signal grp:  signal:group:<groupId>
//	Telegram DM: tg:<userId>
//	Telegram grp: tg:<chatId>         (negative for groups)
type IncomingMessage struct {
	// Channel identifies the source channel (e.g. "signal").
	Channel string

	// ChatID is the group or DM identifier in the stable format above.
	ChatID string

	// MessageID is the channel-unique message identifier.
	MessageID string

	// AuthorID is the sender identifier on the platform.
	AuthorID string

	// AuthorDisplayName is the sender display name (if available).
	AuthorDisplayName string

	// Text is the message text content.
	Text string

	// Attachments holds attachment metadata only; bytes stay in the adapter.
	Attachments []Attachment

	// IsGroup indicates whether the message is from a group chat.
	IsGroup bool

	// Mentioned indicates whether the agent was mentioned (groups).
	Mentioned bool

	// IsOperator indicates whether the sender is the configured operator.
	IsOperator bool

	// TimestampMs is the platform send time in Unix milliseconds.
	TimestampMs int64
}

// Attachment describes media attached to an incoming message. Metadata only.
type Attachment struct {
	Kind      string // "image", "audio", "video", "document", "sticker"
	MimeType  string
	Filename  string
	SizeBytes int64
}

// ActionKind discriminates the OutgoingAction variants.
type ActionKind string

const (
	ActionSilence   ActionKind = "silence"
	ActionSendText  ActionKind = "send_text"
	ActionSendAudio ActionKind = "send_audio"
	ActionReact     ActionKind = "react"
)

// OutgoingAction is the tagged result of a turn. Exactly one variant is
// populated according to Kind; adapters must not inspect fields outside the
// active variant.
type OutgoingAction struct {
	Kind ActionKind

	// Silence.
	Reason string

	// SendText.
	Text    string
	TTSHint bool

	// SendAudio. Text carries the transcript for fallback delivery.
	MimeType    string
	Filename    string
	Bytes       []byte
	AsVoiceNote bool

	// React. Target fields identify the message being reacted to.
	Emoji             string
	TargetAuthorID    string
	TargetTimestampMs int64
}

// Silence returns a silence action with the given reason.
func Silence(reason string) OutgoingAction {
	return OutgoingAction{Kind: ActionSilence, Reason: reason}
}

// SendText returns a plain text action.
func SendText(text string) OutgoingAction {
	return OutgoingAction{Kind: ActionSendText, Text: text}
}

// SendAudio returns an audio action with a transcript fallback.
func SendAudio(text string, mime, filename string, data []byte, voiceNote bool) OutgoingAction {
	return OutgoingAction{
		Kind:        ActionSendAudio,
		Text:        text,
		MimeType:    mime,
		Filename:    filename,
		Bytes:       data,
		AsVoiceNote: voiceNote,
	}
}

// React returns a reaction action targeting a specific message.
func React(emoji, targetAuthorID string, targetTimestampMs int64) OutgoingAction {
	return OutgoingAction{
		Kind:              ActionReact,
		Emoji:             emoji,
		TargetAuthorID:    targetAuthorID,
		TargetTimestampMs: targetTimestampMs,
	}
}

// IsSilence reports whether the action delivers nothing to the chat.
func (a OutgoingAction) IsSilence() bool { return a.Kind == ActionSilence }

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrSendFailed          = fmt.Errorf("failed to send message")
	ErrActionNotSupported  = fmt.Errorf("action not supported by this channel")
)
