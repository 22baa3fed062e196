// chat.go sends one message through the full turn pipeline and prints the
// reply. Useful for trying a persona without keeping a terminal session.
package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/homielabs/homie/pkg/homie/channels"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runChat,
	}
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.eng.Lifecycle().Shutdown(shutdownTimeout)

	msg := channels.IncomingMessage{
		Channel:           "cli",
		ChatID:            "cli:local",
		MessageID:         uuid.NewString(),
		AuthorID:          "local",
		AuthorDisplayName: "you",
		Text:              strings.Join(args, " "),
		IsOperator:        true,
		TimestampMs:       time.Now().UnixMilli(),
	}

	action := rt.eng.HandleIncomingMessage(context.Background(), msg)
	switch action.Kind {
	case channels.ActionSendText, channels.ActionSendAudio:
		fmt.Println(action.Text)
	case channels.ActionReact:
		fmt.Println(action.Emoji)
	case channels.ActionSilence:
		fmt.Printf("(silence: %s)\n", action.Reason)
	}
	return nil
}
