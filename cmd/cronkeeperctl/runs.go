package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"cronkeeper/internal/client"
)

var runsCmd = &cobra.Command{
	Use:   "runs [task-id]",
	Short: "Show a task's run history, newest first",
	Long:  `Shows run history for a task. History of deleted tasks is still available by ID.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRuns,
}

var (
	runsLimit  int
	runsOffset int
	runsSince  time.Duration
)

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "l", 20, "Maximum number of runs")
	runsCmd.Flags().IntVar(&runsOffset, "offset", 0, "Number of newer runs to skip")
	runsCmd.Flags().DurationVar(&runsSince, "since", 0, "Only runs started within this window, e.g. 24h")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	q := client.RunsQuery{Limit: runsLimit, Offset: runsOffset}
	if runsSince > 0 {
		q.Since = time.Now().Add(-runsSince)
	}
	runs, err := newClient().ListRuns(cmd.Context(), args[0], q)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd, runs)
	}
	if len(runs) == 0 {
		cmd.Printf("No runs found for task: %s\n", args[0])
		return nil
	}

	name := runs[0].TaskName
	if runs[0].TaskDeleted {
		name += " (deleted task)"
	}
	cmd.Printf("Runs for %s:\n\n", name)
	for i := range runs {
		printRun(cmd, &runs[i])
		cmd.Println()
	}
	return nil
}

func printRun(cmd *cobra.Command, r *client.Run) {
	cmd.Printf("[%s] %s (%s)\n", r.Status, r.ID, r.TriggeredBy)
	cmd.Printf("  Started:  %s (%s)\n", r.StartedAt.Local().Format("2006-01-02 15:04:05"), humanize.Time(r.StartedAt))
	if r.FinishedAt != nil {
		cmd.Printf("  Duration: %s\n", r.Duration())
	}
	if r.Attempts > 1 {
		cmd.Printf("  Attempts: %d\n", r.Attempts)
	}
	if r.Error != "" {
		cmd.Printf("  Error:    %s\n", r.Error)
	}
	if out := strings.TrimSpace(r.Output); out != "" {
		if len(out) > 500 {
			out = out[:500] + "... (" + humanize.Bytes(uint64(len(r.Output))) + " total)"
		}
		cmd.Printf("  Output:   %s\n", strings.ReplaceAll(out, "\n", "\n            "))
	}
}
