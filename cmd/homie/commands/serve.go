// serve.go runs the agent as a long-lived process with its channels.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	clichannel "github.com/homielabs/homie/pkg/homie/channels/cli"
)

// shutdownTimeout bounds the graceful drain on exit.
const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent with its channels",
		Long: `Run Homie as a long-lived process: channels produce messages, the
turn engine answers them, and the heartbeat delivers proactive events.

Examples:
  homie serve
  homie serve --config ./homie.toml`,
		RunE: runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := buildRuntime(cmd)
	if err != nil {
		return err
	}
	lifecycle := rt.eng.Lifecycle()
	ctx := lifecycle.Context()

	term := clichannel.New(clichannel.Options{PersonaName: rt.cfg.Name}, rt.logger)
	if err := term.Start(ctx); err != nil {
		return err
	}
	rt.registerAdapter(clichannel.ChannelName+":", term)
	lifecycle.OnStop(func() { term.Stop() })

	lifecycle.Go("receive:"+term.Name(), func(ctx context.Context) error {
		for msg := range term.Receive() {
			action := rt.eng.HandleIncomingMessage(ctx, msg)
			if err := term.Deliver(ctx, msg.ChatID, action); err != nil {
				rt.logger.Warn("delivery failed", "chat_id", msg.ChatID, "error", err)
			}
		}
		return nil
	})

	if rt.heartbeat != nil {
		if err := rt.heartbeat.Start(ctx); err != nil {
			return err
		}
		lifecycle.OnStop(rt.heartbeat.Stop)
	}
	if err := rt.maint.Start(ctx); err != nil {
		return err
	}
	lifecycle.OnStop(rt.maint.Stop)

	rt.logger.Info("homie running, Ctrl+C to stop", "name", rt.cfg.Name)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		rt.logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	lifecycle.Shutdown(shutdownTimeout)
	return nil
}
