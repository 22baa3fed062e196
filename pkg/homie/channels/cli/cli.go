// Package cli implements the terminal channel: a readline loop that turns
// typed lines into incoming messages and prints the persona's replies. It is
// the one adapter the binary ships with; Signal and Telegram plug in behind
// the same interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/homielabs/homie/pkg/homie/channels"
)

// ChannelName is the adapter identifier and the chat id prefix.
const ChannelName = "cli"

// Options configure the terminal channel.
type Options struct {
	// Slot distinguishes parallel CLI sessions; chat id is "cli:<slot>".
	Slot string

	// AuthorName labels the operator's lines in the session log.
	AuthorName string

	// Prompt is the readline prompt. Defaults to "you> ".
	Prompt string

	// PersonaName labels replies. Defaults to "homie".
	PersonaName string
}

// Channel is the readline-backed terminal adapter. The operator always
// counts as the operator; there is no group mode on a terminal.
type Channel struct {
	opts   Options
	logger *slog.Logger

	incoming chan channels.IncomingMessage

	mu sync.Mutex
	rl *readline.Instance

	stopOnce sync.Once
	stopped  chan struct{}
}

// New builds the terminal channel.
func New(opts Options, logger *slog.Logger) *Channel {
	if opts.Slot == "" {
		opts.Slot = "local"
	}
	if opts.AuthorName == "" {
		opts.AuthorName = "you"
	}
	if opts.Prompt == "" {
		opts.Prompt = "you> "
	}
	if opts.PersonaName == "" {
		opts.PersonaName = "homie"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		opts:     opts,
		logger:   logger.With("component", "channel", "channel", ChannelName),
		incoming: make(chan channels.IncomingMessage, 16),
		stopped:  make(chan struct{}),
	}
}

// Name implements channels.Channel.
func (c *Channel) Name() string { return ChannelName }

// ChatID is the stable chat identifier for this slot.
func (c *Channel) ChatID() string { return ChannelName + ":" + c.opts.Slot }

// Start opens the readline loop. Returns once the loop goroutine is running.
func (c *Channel) Start(ctx context.Context) error {
	rl, err := readline.New(c.opts.Prompt)
	if err != nil {
		return fmt.Errorf("cli channel: %w", err)
	}

	c.mu.Lock()
	c.rl = rl
	c.mu.Unlock()

	go c.readLoop(ctx, rl)
	return nil
}

func (c *Channel) readLoop(ctx context.Context, rl *readline.Instance) {
	defer close(c.incoming)
	for {
		line, err := rl.Readline()
		switch {
		case err == readline.ErrInterrupt:
			if len(line) == 0 {
				return
			}
			continue
		case err == io.EOF:
			return
		case err != nil:
			c.logger.Warn("readline failed", "error", err)
			return
		}

		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}

		select {
		case c.incoming <- c.message(text):
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		}
	}
}

// message wraps one typed line. The author id is the slot, which keeps the
// derived person id identical to what proactive delivery computes from the
// chat id.
func (c *Channel) message(text string) channels.IncomingMessage {
	return channels.IncomingMessage{
		Channel:           ChannelName,
		ChatID:            c.ChatID(),
		MessageID:         uuid.NewString(),
		AuthorID:          c.opts.Slot,
		AuthorDisplayName: c.opts.AuthorName,
		Text:              text,
		IsOperator:        true,
		TimestampMs:       time.Now().UnixMilli(),
	}
}

// Stop closes the readline instance, which unblocks the loop.
func (c *Channel) Stop() error {
	c.stopOnce.Do(func() { close(c.stopped) })

	c.mu.Lock()
	rl := c.rl
	c.mu.Unlock()
	if rl != nil {
		return rl.Close()
	}
	return nil
}

// Receive implements channels.Channel.
func (c *Channel) Receive() <-chan channels.IncomingMessage { return c.incoming }

// Deliver prints the action. Audio degrades to the transcript; reactions
// render inline; silence prints nothing (the reason goes to debug logs).
func (c *Channel) Deliver(_ context.Context, _ string, action channels.OutgoingAction) error {
	switch action.Kind {
	case channels.ActionSilence:
		c.logger.Debug("silence", "reason", action.Reason)
		return nil
	case channels.ActionSendText:
		c.print(action.Text)
		return nil
	case channels.ActionSendAudio:
		c.print("(voice note) " + action.Text)
		return nil
	case channels.ActionReact:
		c.print(action.Emoji)
		return nil
	default:
		return channels.ErrActionNotSupported
	}
}

func (c *Channel) print(text string) {
	c.mu.Lock()
	rl := c.rl
	c.mu.Unlock()

	line := fmt.Sprintf("%s> %s\n", c.opts.PersonaName, text)
	if rl != nil {
		// Writing through readline repaints the prompt under the output.
		fmt.Fprint(rl.Stdout(), line)
		rl.Refresh()
		return
	}
	fmt.Print(line)
}
