package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "botadmin: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "botadmin",
		Short:         "Telegram bot administration: roles, chat grants, throttling and the control API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newImportJSONCmd())
	cmd.AddCommand(newPromoteCmd())
	cmd.AddCommand(newDemoteCmd())
	cmd.AddCommand(newPurgeExpiredCmd())

	return cmd
}
