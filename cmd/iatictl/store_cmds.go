package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/username/aims/backend/src/app"
	"github.com/username/aims/backend/src/config"
	"github.com/username/aims/backend/src/database"
	"github.com/username/aims/backend/src/processors"
)

// openApp builds the pipeline against the configured database. Sessions of
// a command line run never outlive it, so expiry imports are off.
func openApp(allowUnlinked *bool) (*app.App, error) {
	cfg := *config.Cfg
	cfg.ImportOnSessionExpiry = false
	if allowUnlinked != nil {
		cfg.AllowUnlinkedTransactions = *allowUnlinked
	}
	return app.New(&cfg)
}

func newParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse FILE",
		Short: "Preview what importing FILE would do, without writing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(nil)
			if err != nil {
				return err
			}
			defer a.Close()

			preview, err := a.Service.Parse(cmd.Context(), filepath.Base(args[0]), data)
			if err != nil {
				return err
			}
			a.Service.Discard(preview.SessionID)
			return writeJSON(cmd.OutOrStdout(), preview)
		},
	}
}

func newImportCmd() *cobra.Command {
	var (
		assignmentsPath string
		allowUnlinked   bool
	)
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import FILE and print the import report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var req processors.AssignmentRequest
			if assignmentsPath != "" {
				raw, err := os.ReadFile(assignmentsPath)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(raw, &req); err != nil {
					return fmt.Errorf("invalid --assignments file: %w", err)
				}
			}

			var override *bool
			if cmd.Flags().Changed("allow-unlinked") {
				override = &allowUnlinked
			}
			a, err := openApp(override)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Service.ImportFile(cmd.Context(), filepath.Base(args[0]), data, req)
			if report != nil {
				if werr := writeJSON(cmd.OutOrStdout(), report); werr != nil && err == nil {
					err = werr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&assignmentsPath, "assignments", "", "JSON file with manual assignments for unresolved transactions")
	cmd.Flags().BoolVar(&allowUnlinked, "allow-unlinked", false, "Import unresolved transactions without an activity (default from ALLOW_UNLINKED_TRANSACTIONS)")
	return cmd
}

func newLogsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List recent import runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := database.InitDB(config.Cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer store.Close()

			logs, err := store.ListImportLogs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), logs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	return cmd
}
