// Package cmd defines and implements the CLI commands for the dishwire
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dishwire",
		Short: "Forum ingestion and dish-mention extraction pipeline.",
		Long: `dishwire collects restaurant and dish chatter from forum sources,
extracts structured mentions with a hosted language model, and merges them
into a deduplicated knowledge base. The run command starts the full pipeline;
trigger submits a one-off collection job to a running configuration.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment variables only)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newTriggerCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
