package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"cronkeeper/internal/client"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage scheduled tasks",
	Long:  `List, create, delete, enable, disable or trigger scheduled tasks.`,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	Args:  cobra.NoArgs,
	RunE:  runTasksList,
}

var tasksGetCmd = &cobra.Command{
	Use:   "get [task-id]",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksGet,
}

var tasksCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task",
	Long: `Creates a task from flags. Config is a JSON object passed to the task body:

  cronkeeperctl tasks create --name tmp-sweep --type cleanup --cron "0 3 * * *" \
      --config '{"dir": "/var/tmp/app", "older_than": "72h"}'`,
	Args: cobra.NoArgs,
	RunE: runTasksCreate,
}

var tasksDeleteCmd = &cobra.Command{
	Use:   "delete [task-id]",
	Short: "Delete a task (run history is kept)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksDelete,
}

var tasksEnableCmd = &cobra.Command{
	Use:   "enable [task-id]",
	Short: "Enable a task's schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runTasksSetEnabled(cmd, args[0], true) },
}

var tasksDisableCmd = &cobra.Command{
	Use:   "disable [task-id]",
	Short: "Disable a task's schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runTasksSetEnabled(cmd, args[0], false) },
}

var tasksRunCmd = &cobra.Command{
	Use:   "run [task-id]",
	Short: "Run a task now",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksRun,
}

var (
	createName     string
	createType     string
	createCron     string
	createConfig   string
	createTimeout  int
	createRetry    bool
	createDisabled bool

	runWait bool
)

var waitPollInterval = 500 * time.Millisecond

func init() {
	f := tasksCreateCmd.Flags()
	f.StringVar(&createName, "name", "", "Task name")
	f.StringVar(&createType, "type", "", "Task type (see the task-types endpoint)")
	f.StringVar(&createCron, "cron", "", "Cron expression")
	f.StringVar(&createConfig, "config", "", "Task config as a JSON object")
	f.IntVar(&createTimeout, "timeout", 0, "Per-attempt timeout in seconds (server default when 0)")
	f.BoolVar(&createRetry, "retry", false, "Retry once on failure")
	f.BoolVar(&createDisabled, "disabled", false, "Create with the schedule disabled")
	_ = tasksCreateCmd.MarkFlagRequired("name")
	_ = tasksCreateCmd.MarkFlagRequired("type")
	_ = tasksCreateCmd.MarkFlagRequired("cron")

	tasksRunCmd.Flags().BoolVarP(&runWait, "wait", "w", false, "Wait for the run to finish and print its result")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksGetCmd)
	tasksCmd.AddCommand(tasksCreateCmd)
	tasksCmd.AddCommand(tasksDeleteCmd)
	tasksCmd.AddCommand(tasksEnableCmd)
	tasksCmd.AddCommand(tasksDisableCmd)
	tasksCmd.AddCommand(tasksRunCmd)
	rootCmd.AddCommand(tasksCmd)
}

func runTasksList(cmd *cobra.Command, _ []string) error {
	tasks, err := newClient().ListTasks(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd, tasks)
	}
	if len(tasks) == 0 {
		cmd.Println("No tasks found")
		return nil
	}

	now := time.Now()
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tCRON\tENABLED\tNEXT RUN\tLAST STATUS")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			t.ID, t.Name, t.Type, t.Cron, t.Enabled, relTime(t.NextRun, now), orDash(t.LastStatus))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	cmd.Printf("\nTotal: %d tasks\n", len(tasks))
	return nil
}

func runTasksGet(cmd *cobra.Command, args []string) error {
	task, err := newClient().GetTask(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get task: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd, task)
	}
	printTask(cmd, task)
	return nil
}

func runTasksCreate(cmd *cobra.Command, _ []string) error {
	req := client.TaskRequest{
		Name:           createName,
		Type:           createType,
		Cron:           createCron,
		RetryOnFailure: createRetry,
	}
	if createConfig != "" {
		if !json.Valid([]byte(createConfig)) {
			return fmt.Errorf("--config is not valid JSON")
		}
		req.Config = json.RawMessage(createConfig)
	}
	if createTimeout > 0 {
		req.TimeoutSeconds = &createTimeout
	}
	if createDisabled {
		enabled := false
		req.Enabled = &enabled
	}

	task, err := newClient().CreateTask(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd, task)
	}
	cmd.Printf("Created task %s (%s)\n", task.ID, task.Name)
	if task.NextRun != nil {
		cmd.Printf("Next run: %s\n", task.NextRun.Local().Format(time.RFC1123))
	}
	return nil
}

func runTasksDelete(cmd *cobra.Command, args []string) error {
	if err := newClient().DeleteTask(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	cmd.Printf("Deleted task %s\n", args[0])
	return nil
}

func runTasksSetEnabled(cmd *cobra.Command, id string, enabled bool) error {
	task, err := newClient().SetEnabled(cmd.Context(), id, enabled)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd, task)
	}
	state := "disabled"
	if task.Enabled {
		state = "enabled"
	}
	cmd.Printf("Task %s %s\n", task.ID, state)
	return nil
}

func runTasksRun(cmd *cobra.Command, args []string) error {
	c := newClient()
	runID, err := c.RunTask(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to run task: %w", err)
	}
	if !runWait {
		if jsonOutput {
			return printJSON(cmd, map[string]string{"run_id": runID})
		}
		cmd.Printf("Started run %s\n", runID)
		return nil
	}

	run, err := c.WaitRun(cmd.Context(), runID, waitPollInterval)
	if err != nil {
		return fmt.Errorf("failed to wait for run: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd, run)
	}
	printRun(cmd, run)
	if run.Status == "failed" {
		return fmt.Errorf("run %s failed", run.ID)
	}
	return nil
}

func printTask(cmd *cobra.Command, t *client.Task) {
	now := time.Now()
	cmd.Printf("ID:        %s\n", t.ID)
	cmd.Printf("Name:      %s\n", t.Name)
	cmd.Printf("Type:      %s\n", t.Type)
	cmd.Printf("Cron:      %s\n", t.Cron)
	cmd.Printf("Enabled:   %t\n", t.Enabled)
	cmd.Printf("Timeout:   %s\n", time.Duration(t.TimeoutSeconds)*time.Second)
	cmd.Printf("Retry:     %t\n", t.RetryOnFailure)
	if len(t.Config) > 0 {
		cmd.Printf("Config:    %s\n", t.Config)
	}
	cmd.Printf("Next run:  %s\n", relTime(t.NextRun, now))
	cmd.Printf("Last run:  %s\n", relTime(t.LastRun, now))
	cmd.Printf("Status:    %s\n", orDash(t.LastStatus))
	cmd.Printf("Runs:      %s\n", humanize.Comma(t.RunCount))
	if t.Running {
		cmd.Println("Currently running")
	}
}

func relTime(t *time.Time, now time.Time) string {
	if t == nil {
		return "-"
	}
	return humanize.RelTime(*t, now, "ago", "from now")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
