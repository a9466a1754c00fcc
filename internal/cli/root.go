// Package cli implements the cabinet command line: a local front end
// over the same office the daemon runs.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version and Commit are set at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cabinet",
		Short: "cabinet: an office of platform assistants",
		Long: "cabinet runs an office of assistants, one coordinator plus specialists,\n" +
			"reachable from the terminal, over HTTP, and through Matrix.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config file")

	rootCmd.AddCommand(
		newVersionCmd(),
		newAskCmd(),
		newBroadcastCmd(),
		newRolesCmd(),
		newHistoryCmd(),
		newStatusCmd(),
		newTaskCmd(),
		newResetCmd(),
		newChatCmd(),
		newServeCmd(),
		newDBCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "cabinet %s (%s)\n", Version, Commit)
			return err
		},
	}
}
