// events.go inspects and edits the proactive event queue from the terminal.
package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/homielabs/homie/pkg/homie/proactive"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and edit the proactive event queue",
	}
	cmd.AddCommand(newEventsListCmd(), newEventsAddCmd())
	return cmd
}

// openScheduler opens the event store directly; these commands do not need
// the whole runtime.
func openScheduler(cmd *cobra.Command) (*proactive.Scheduler, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return proactive.Open(cfg.DataPath("events.db"), newLogger(cmd, cfg))
}

func newEventsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List upcoming events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openScheduler(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			events, err := s.ListUpcoming(50)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("no upcoming events")
				return nil
			}
			for _, e := range events {
				when := time.UnixMilli(e.TriggerAtMs).Format("2006-01-02 15:04")
				rec := ""
				if e.Recurrence == proactive.RecurrenceYearly {
					rec = " (yearly)"
				}
				fmt.Printf("%s  %-10s %-28s %s%s\n", when, e.Kind, e.Subject, e.ChatID, rec)
			}
			return nil
		},
	}
}

func newEventsAddCmd() *cobra.Command {
	var (
		kind       string
		subject    string
		chatID     string
		at         string
		recurrence string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an event to the queue",
		Example: `  homie events add --kind reminder --subject "dentist" --chat signal:dm:+15550001 --at 2026-09-01T09:00:00Z
  homie events add --kind birthday --subject "Sam's birthday" --chat signal:dm:+15550001 --at 2026-11-12T10:00:00Z --recurrence yearly`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			trigger, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("--at must be RFC3339: %w", err)
			}

			s, err := openScheduler(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := s.AddEvent(proactive.Event{
				Kind:        kind,
				Subject:     subject,
				ChatID:      chatID,
				TriggerAtMs: trigger.UnixMilli(),
				Recurrence:  recurrence,
			})
			if err != nil {
				return err
			}
			fmt.Printf("added %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", proactive.KindReminder, "event kind (reminder, birthday, follow_up, check_in, anticipated)")
	cmd.Flags().StringVar(&subject, "subject", "", "what the event is about")
	cmd.Flags().StringVar(&chatID, "chat", "", "target chat id")
	cmd.Flags().StringVar(&at, "at", "", "trigger time, RFC3339")
	cmd.Flags().StringVar(&recurrence, "recurrence", proactive.RecurrenceOnce, "once or yearly")
	cmd.MarkFlagRequired("subject")
	cmd.MarkFlagRequired("chat")
	cmd.MarkFlagRequired("at")
	return cmd
}
