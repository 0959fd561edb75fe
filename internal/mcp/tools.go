package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"cronkeeper/internal/core"
)

const defaultTimeoutSeconds = 300

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cfg, err := parseConfig(mcp.ParseString(request, "config", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	in := core.TaskInput{
		Name:           mcp.ParseString(request, "name", ""),
		TaskType:       mcp.ParseString(request, "type", ""),
		CronExpression: mcp.ParseString(request, "cron", ""),
		Enabled:        mcp.ParseBoolean(request, "enabled", true),
		Config:         cfg,
		TimeoutSeconds: int(mcp.ParseFloat64(request, "timeout_seconds", defaultTimeoutSeconds)),
		RetryOnFailure: mcp.ParseBoolean(request, "retry_on_failure", false),
	}

	task, err := s.engine.CreateTask(ctx, in)
	if err != nil {
		return toolError("create task", err), nil
	}
	s.logger.Info().Str("task_id", task.ID).Str("cron", task.CronExpression).Msg("task created")

	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %s\nNext run: %s",
		task.ID,
		s.formatTime(task.NextRun),
	)), nil
}

func (s *MCPServer) handleListTasks(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := mcp.ParseString(request, "status", "")

	var tasks []*core.TaskDefinition
	for _, t := range s.engine.ListTasks() {
		if status == "enabled" && !t.Enabled || status == "disabled" && t.Enabled {
			continue
		}
		tasks = append(tasks, t)
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		state := "enabled"
		if !t.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&b, "%s (%s)\n", t.Name, state)
		fmt.Fprintf(&b, "  ID: %s\n", t.ID)
		fmt.Fprintf(&b, "  Type: %s\n", t.TaskType)
		fmt.Fprintf(&b, "  Cron: %s\n", t.CronExpression)
		if t.NextRun != nil {
			fmt.Fprintf(&b, "  Next run: %s\n", s.formatTime(t.NextRun))
		}
		if t.LastStatus != "" {
			fmt.Fprintf(&b, "  Last status: %s\n", t.LastStatus)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.engine.GetTask(mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return toolError("get task", err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ID: %s\n", task.ID)
	fmt.Fprintf(&b, "Name: %s\n", task.Name)
	fmt.Fprintf(&b, "Type: %s\n", task.TaskType)
	fmt.Fprintf(&b, "Cron: %s\n", task.CronExpression)
	fmt.Fprintf(&b, "Enabled: %t\n", task.Enabled)
	fmt.Fprintf(&b, "Timeout: %ds\n", task.TimeoutSeconds)
	fmt.Fprintf(&b, "Retry on failure: %t\n", task.RetryOnFailure)
	if len(task.Config) > 0 {
		fmt.Fprintf(&b, "Config: %s\n", task.Config)
	}
	fmt.Fprintf(&b, "Next run: %s\n", s.formatTime(task.NextRun))
	fmt.Fprintf(&b, "Last run: %s\n", s.formatTime(task.LastRun))
	if task.LastStatus != "" {
		fmt.Fprintf(&b, "Last status: %s\n", task.LastStatus)
	}
	fmt.Fprintf(&b, "Run count: %d\n", task.RunCount)
	if s.engine.Running(task.ID) {
		b.WriteString("Currently running\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "task_id", "")
	args := request.GetArguments()

	var p core.TaskPatch
	if _, ok := args["name"]; ok {
		v := mcp.ParseString(request, "name", "")
		p.Name = &v
	}
	if _, ok := args["type"]; ok {
		v := mcp.ParseString(request, "type", "")
		p.TaskType = &v
	}
	if _, ok := args["cron"]; ok {
		v := mcp.ParseString(request, "cron", "")
		p.CronExpression = &v
	}
	if _, ok := args["config"]; ok {
		cfg, err := parseConfig(mcp.ParseString(request, "config", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if cfg == nil {
			cfg = json.RawMessage{}
		}
		p.Config = &cfg
	}
	if _, ok := args["timeout_seconds"]; ok {
		v := int(mcp.ParseFloat64(request, "timeout_seconds", 0))
		p.TimeoutSeconds = &v
	}
	if _, ok := args["retry_on_failure"]; ok {
		v := mcp.ParseBoolean(request, "retry_on_failure", false)
		p.RetryOnFailure = &v
	}
	if _, ok := args["enabled"]; ok {
		v := mcp.ParseBoolean(request, "enabled", true)
		p.Enabled = &v
	}

	task, err := s.engine.UpdateTask(ctx, id, p)
	if err != nil {
		return toolError("update task", err), nil
	}
	s.logger.Info().Str("task_id", task.ID).Msg("task updated")
	return mcp.NewToolResultText(fmt.Sprintf("Task updated\nID: %s\nNext run: %s",
		task.ID,
		s.formatTime(task.NextRun),
	)), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "task_id", "")
	if err := s.engine.DeleteTask(ctx, id); err != nil {
		return toolError("delete task", err), nil
	}
	s.logger.Info().Str("task_id", id).Msg("task deleted")
	return mcp.NewToolResultText(fmt.Sprintf("Task %s deleted", id)), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "task_id", "")
	rec, err := s.engine.RunNow(ctx, id)
	if err != nil {
		return toolError("run task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task started\nRun ID: %s\nUse cron_list_runs to check the result", rec.ID)), nil
}

func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "task_id", "")
	q := core.ExecutionQuery{
		Limit:  int(mcp.ParseFloat64(request, "limit", 20)),
		Offset: int(mcp.ParseFloat64(request, "offset", 0)),
	}

	runs, err := s.engine.ListExecutions(ctx, id, q)
	if err != nil {
		return toolError("list runs", err), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("No runs found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Last %d runs:\n\n", len(runs))
	for _, r := range runs {
		fmt.Fprintf(&b, "[%s] %s (%s)\n", r.Status, r.ID, r.TriggeredBy)
		fmt.Fprintf(&b, "  Started: %s\n", s.formatTime(&r.StartedAt))
		if r.FinishedAt != nil {
			fmt.Fprintf(&b, "  Duration: %s\n", r.Duration.Round(time.Millisecond))
		}
		if r.Attempts > 1 {
			fmt.Fprintf(&b, "  Attempts: %d\n", r.Attempts)
		}
		if r.Error != "" {
			fmt.Fprintf(&b, "  Error: %s\n", truncateString(r.Error, 200))
		}
		if r.Output != "" {
			fmt.Fprintf(&b, "  Output: %s\n", truncateString(r.Output, 200))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleValidate(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	expr := mcp.ParseString(request, "cron", "")
	count := int(mcp.ParseFloat64(request, "count", 5))

	v := s.engine.ValidateCronExpression(expr, count)
	if !v.Valid {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid cron expression: %s", v.Error)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Valid cron expression: %s\n", expr)
	if len(v.NextRuns) > 0 {
		b.WriteString("Next runs:\n")
		for i, t := range v.NextRuns {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, s.formatTime(&t))
		}
	}
	for _, note := range v.Notes {
		fmt.Fprintf(&b, "Note: %s\n", note)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// parseConfig accepts an empty string or a JSON object.
func parseConfig(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("config must be a JSON object: %v", err)
	}
	return json.RawMessage(raw), nil
}

func toolError(action string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, core.ErrTaskNotFound):
		return mcp.NewToolResultError("Task not found")
	case errors.Is(err, core.ErrAlreadyRunning):
		return mcp.NewToolResultError("Task is already running")
	default:
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", action, err))
	}
}

func (s *MCPServer) formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.In(s.engine.Location()).Format("2006-01-02 15:04:05 MST")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
