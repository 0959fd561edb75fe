package main

import (
	"errors"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"cronkeeper/internal/client"
	"cronkeeper/internal/core"
)

var (
	validateCount int
	validateUTC   bool
)

var validateCmd = &cobra.Command{
	Use:   "validate [expr]",
	Short: "Check a cron expression and preview its next runs",
	Long: `Validates a 5-field cron expression locally, without contacting the server.
The expression may be quoted or given as separate arguments:

  cronkeeperctl validate "0 9 * * 1-5"
  cronkeeperctl validate 0 9 '*' '*' 1-5`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

// errInvalidExpression makes the command exit non-zero after printing the
// validation result.
var errInvalidExpression = errors.New("invalid cron expression")

func init() {
	validateCmd.Flags().IntVarP(&validateCount, "count", "n", 5, "Number of upcoming runs to show")
	validateCmd.Flags().BoolVar(&validateUTC, "utc", false, "Evaluate in UTC instead of local time")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	expr := strings.Join(args, " ")
	loc := time.Local
	if validateUTC {
		loc = time.UTC
	}
	now := time.Now().In(loc)
	v := core.ValidateCronExpression(expr, now, validateCount)

	if jsonOutput {
		out := client.Validation{Valid: v.Valid, Error: v.Error, NextRuns: []string{}, Notes: []string{}}
		for _, t := range v.NextRuns {
			out.NextRuns = append(out.NextRuns, t.Format(time.RFC3339))
		}
		out.Notes = append(out.Notes, v.Notes...)
		if err := printJSON(cmd, out); err != nil {
			return err
		}
	} else if !v.Valid {
		cmd.Printf("Invalid: %s\n", v.Error)
	} else {
		cmd.Printf("Valid: %s\n", strings.Join(strings.Fields(expr), " "))
		if len(v.NextRuns) > 0 {
			cmd.Println("Next runs:")
			for _, t := range v.NextRuns {
				cmd.Printf("  %s  (%s)\n", t.Format("Mon 2006-01-02 15:04 MST"), humanize.RelTime(t, now, "ago", "from now"))
			}
		}
		for _, note := range v.Notes {
			cmd.Printf("Note: %s\n", note)
		}
	}
	if !v.Valid {
		return errInvalidExpression
	}
	return nil
}
