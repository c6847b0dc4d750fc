package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/username/aims/backend/src/models"
	"github.com/username/aims/backend/src/parsers"
)

type activityLine struct {
	Position     int    `json:"position"`
	Identifier   string `json:"identifier"`
	Title        string `json:"title"`
	Transactions int    `json:"transactions"`
	Participants int    `json:"participants"`
}

func newInspectCmd() *cobra.Command {
	var sample int
	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Print structural diagnostics for an IATI file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parser, data, err := readFile(args[0])
			if err != nil {
				return err
			}
			diag, err := parser.Inspect(data, sample)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), diag)
		},
	}
	cmd.Flags().IntVar(&sample, "sample", 5, "Number of raw transaction elements to include")
	return cmd
}

func newActivitiesCmd() *cobra.Command {
	var orgs bool
	cmd := &cobra.Command{
		Use:   "activities FILE",
		Short: "Stream the activities of an IATI file, one JSON object per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parser, data, err := readFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			skipped := 0
			if orgs {
				for org, err := range parser.Organizations(data) {
					if err != nil {
						if errors.Is(err, models.ErrEntityParse) {
							skipped++
							fmt.Fprintln(cmd.ErrOrStderr(), "skipped:", err)
							continue
						}
						return err
					}
					if err := writeLine(out, org); err != nil {
						return err
					}
				}
				return skippedErr(skipped)
			}
			for a, err := range parser.Activities(data) {
				if err != nil {
					if errors.Is(err, models.ErrEntityParse) {
						skipped++
						fmt.Fprintln(cmd.ErrOrStderr(), "skipped:", err)
						continue
					}
					return err
				}
				line := activityLine{
					Position:     a.Position,
					Identifier:   a.Identifier,
					Title:        a.Title,
					Transactions: len(a.Transactions),
					Participants: len(a.Participants),
				}
				if err := writeLine(out, line); err != nil {
					return err
				}
			}
			return skippedErr(skipped)
		},
	}
	cmd.Flags().BoolVar(&orgs, "orgs", false, "List <iati-organisation> records instead of activities")
	return cmd
}

func readFile(path string) (parsers.Parser, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	parser, err := parsers.GetParser("iati")
	if err != nil {
		return nil, nil, err
	}
	return parser, data, nil
}

func skippedErr(n int) error {
	if n == 0 {
		return nil
	}
	return fmt.Errorf("%d element(s) could not be parsed", n)
}
