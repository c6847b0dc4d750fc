package main

import (
	"github.com/spf13/cobra"

	"github.com/username/aims/backend/src/config"
	"github.com/username/aims/backend/src/logger"
)

func newRootCmd() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:          "iatictl",
		Short:        "Inspect and import IATI activity files",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.LoadConfig()
			logger.InitLoggerTo(cmd.ErrOrStderr(), logLevel)
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level written to stderr (debug, info, warn, error)")

	cmd.AddCommand(
		newInspectCmd(),
		newActivitiesCmd(),
		newParseCmd(),
		newImportCmd(),
		newLogsCmd(),
	)
	return cmd
}
