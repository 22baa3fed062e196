// Package commands implements the homie CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "homie",
		Short: "Homie - an AI friend that lives in your chats",
		Long: `Homie is a long-running agent that gives an AI persona a continuous
presence across chat channels: it remembers people, decides when to speak
and when to stay quiet, and sometimes reaches out first.

Examples:
  homie setup
  homie serve
  homie chat "you up?"
  homie events list`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
		newConfigCmd(),
		newEventsCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}
